// Package fieldproc projects raw source issues into sink row maps.
//
// Projection is driven by the field-mapping schema: each entry names a
// source field path, a sink column (or candidate list resolved against the
// live table), and a processor tag. Processors are pure value converters
// registered by tag; the only stateful one is the user processor, which
// consults the mapping cache through a non-blocking mapper.
//
// Failure policy: a single bad field logs and lands as null so the row
// still syncs; a failed identity field fails the whole issue, because a
// row without its issue key cannot be placed in the sink.
package fieldproc

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/schema"
)

// mapping is the schema entry shape processors receive.
type mapping = schema.Mapping

// UserMapper is the slice of the user mapping layer projection needs.
// The implementation must be non-blocking: cache reads only.
type UserMapper interface {
	MapUser(ctx context.Context, user any) []any
}

// procContext carries per-issue state through a projection.
type procContext struct {
	ctx       context.Context
	serverURL string
	issueKey  string
	linkRules map[string]config.LinkRule
	mapper    UserMapper
	logger    *log.Logger
}

// Processor projects issues according to one schema.
type Processor struct {
	schema    *schema.Schema
	serverURL string
	linkRules map[string]config.LinkRule
	mapper    UserMapper
	logger    *log.Logger
}

// New creates a processor. mapper may be nil, in which case user fields
// always project to the empty person value.
func New(s *schema.Schema, serverURL string, linkRules map[string]config.LinkRule, mapper UserMapper, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Processor{
		schema:    s,
		serverURL: strings.TrimSuffix(serverURL, "/"),
		linkRules: linkRules,
		mapper:    mapper,
		logger:    logger,
	}
}

// RequiredFields returns the source fields searches must fetch for this
// schema.
func (p *Processor) RequiredFields() []string {
	return p.schema.SourceFields()
}

// ProjectAll projects a batch of issues. Issues whose identity field
// cannot be produced are collected and reported as one error; the
// successful projections are still returned so the caller can decide
// whether to proceed.
func (p *Processor) ProjectAll(ctx context.Context, issues []*jira.Issue, available map[string]bool, excluded []string) (map[string]map[string]any, error) {
	projected := make(map[string]map[string]any, len(issues))
	var failed []string

	for _, issue := range issues {
		fields, err := p.Project(ctx, issue, available, excluded)
		if err != nil {
			failed = append(failed, issue.Key)
			p.logger.Printf("projection of %s failed: %v", issue.Key, err)
			continue
		}
		projected[issue.Key] = fields
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return projected, fmt.Errorf("projection failed for %d issues: %s",
			len(failed), strings.Join(failed, ", "))
	}
	return projected, nil
}

// Project converts one issue into a sink field map.
//
// available is the live sink column set; mappings whose column (or every
// candidate) is absent are skipped. A nil available set disables that
// check and takes each mapping's first candidate. excluded lists source
// fields to skip on top of the schema's own exclusion list.
func (p *Processor) Project(ctx context.Context, issue *jira.Issue, available map[string]bool, excluded []string) (map[string]any, error) {
	if issue == nil || issue.Key == "" {
		return nil, fmt.Errorf("issue has no key")
	}

	pc := &procContext{
		ctx:       ctx,
		serverURL: p.serverURL,
		issueKey:  issue.Key,
		linkRules: p.linkRules,
		mapper:    p.mapper,
		logger:    p.logger,
	}

	excludedSet := make(map[string]bool, len(excluded))
	for _, f := range excluded {
		excludedSet[f] = true
	}

	out := make(map[string]any)
	for sourceField, m := range p.schema.Mappings {
		if excludedSet[sourceField] || p.schema.IsExcluded(sourceField) {
			continue
		}

		sinkCol := p.resolveColumn(m, available)
		if sinkCol == "" {
			continue
		}

		var raw any
		if sourceField == "key" {
			raw = issue.Key
		} else {
			raw = extractRaw(issue.Fields, sourceField)
		}

		value, err := p.apply(pc, m, raw)
		if m.Processor == schema.ProcTicketLink {
			// The identity column is the upsert key; a row without it
			// cannot land anywhere.
			if err != nil {
				return nil, fmt.Errorf("identity field %s: %w", sourceField, err)
			}
			if value == nil {
				return nil, fmt.Errorf("identity field %s produced no value", sourceField)
			}
		} else if err != nil {
			p.logger.Printf("issue %s field %s failed, nulling: %v", issue.Key, sourceField, err)
			value = nil
		}

		out[sinkCol] = value
	}

	return out, nil
}

// resolveColumn picks the sink column for a mapping against the live
// column set. With candidates, the first present one wins.
func (p *Processor) resolveColumn(m mapping, available map[string]bool) string {
	if available == nil {
		if len(m.SinkColumns) > 0 {
			return m.SinkColumns[0]
		}
		return ""
	}
	return m.SinkColumns.Resolve(available)
}

// apply dispatches a raw value to the mapping's processor. Unknown tags
// degrade to the simple processor with a warning rather than failing the
// field.
func (p *Processor) apply(pc *procContext, m mapping, raw any) (any, error) {
	tag := m.Processor
	if tag == "" {
		tag = schema.ProcSimple
	}

	fn := lookup(tag)
	if fn == nil {
		p.logger.Printf("unknown processor %q, falling back to %s", tag, schema.ProcSimple)
		fn = lookup(schema.ProcSimple)
	}
	return fn(pc, raw, m)
}

// extractRaw reads a possibly dotted field path out of the fields map.
// A missing or non-object intermediate yields nil.
func extractRaw(fields map[string]any, path string) any {
	if fields == nil {
		return nil
	}
	if !strings.Contains(path, ".") {
		return fields[path]
	}

	var current any = fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[part]
		if current == nil {
			return nil
		}
	}
	return current
}
