package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Processor tags understood by the field processor.
const (
	ProcSimple        = "extract_simple"
	ProcNested        = "extract_nested"
	ProcUser          = "extract_user"
	ProcDatetime      = "convert_datetime"
	ProcComponents    = "extract_components"
	ProcVersions      = "extract_versions"
	ProcLinks         = "extract_links"
	ProcLinksFiltered = "extract_links_filtered"
	ProcTicketLink    = "extract_ticket_link"
)

// knownProcessors is the closed tag set. Unknown tags fall back to
// extract_simple at processing time with a warning, so validation only
// flags them without failing the load.
var knownProcessors = map[string]bool{
	ProcSimple:        true,
	ProcNested:        true,
	ProcUser:          true,
	ProcDatetime:      true,
	ProcComponents:    true,
	ProcVersions:      true,
	ProcLinks:         true,
	ProcLinksFiltered: true,
	ProcTicketLink:    true,
}

// KnownProcessor reports whether tag is part of the closed processor set.
func KnownProcessor(tag string) bool {
	return knownProcessors[tag]
}

// Columns is a sink column name or an ordered candidate list.
type Columns []string

// UnmarshalYAML accepts either a scalar or a sequence of strings.
func (c *Columns) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*c = Columns{s}
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = Columns(list)
	default:
		return fmt.Errorf("lark_field must be a string or a list of strings")
	}
	return nil
}

// Resolve returns the first candidate present in available, or "".
func (c Columns) Resolve(available map[string]bool) string {
	for _, name := range c {
		if available[name] {
			return name
		}
	}
	return ""
}

// Mapping describes how one source field lands in a sink column.
type Mapping struct {
	// SinkColumns holds the sink column name, or candidates in
	// preference order.
	SinkColumns Columns `yaml:"lark_field"`

	// Processor converts the raw source value (default extract_simple).
	Processor string `yaml:"processor"`

	// NestedPath is the key extract_nested dereferences.
	NestedPath string `yaml:"nested_path,omitempty"`

	// FieldType switches list-producing processors between a list
	// ("multiselect") and a joined string representation.
	FieldType string `yaml:"field_type,omitempty"`
}

// Multiselect reports whether the sink column is a multi-value column.
func (m Mapping) Multiselect() bool {
	return m.FieldType == "multiselect"
}

// Schema is the parsed field-mapping file.
type Schema struct {
	// Mappings is keyed by the source field identifier. The special
	// key "key" refers to the issue key at the top of the payload
	// rather than inside fields.
	Mappings map[string]Mapping `yaml:"field_mappings"`

	// Excluded lists source fields skipped during projection even
	// when mapped.
	Excluded []string `yaml:"excluded_fields,omitempty"`
}

// Load reads and validates the schema file at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}

	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema file %s: %w", path, err)
	}

	return &s, nil
}

// Validate checks the schema for structural problems.
func (s *Schema) Validate() error {
	if len(s.Mappings) == 0 {
		return fmt.Errorf("field_mappings must not be empty")
	}
	for field, m := range s.Mappings {
		if len(m.SinkColumns) == 0 {
			return fmt.Errorf("mapping %s: lark_field is required", field)
		}
		for _, col := range m.SinkColumns {
			if col == "" {
				return fmt.Errorf("mapping %s: lark_field entries must not be empty", field)
			}
		}
		if m.Processor == ProcNested && m.NestedPath == "" {
			return fmt.Errorf("mapping %s: extract_nested requires nested_path", field)
		}
	}
	return nil
}

// IsExcluded reports whether a source field is on the exclusion list.
func (s *Schema) IsExcluded(field string) bool {
	for _, f := range s.Excluded {
		if f == field {
			return true
		}
	}
	return false
}

// SourceFields returns the source field identifiers the sync must fetch:
// every mapped field plus the identifiers the pipeline itself depends on.
// Dotted mapping keys contribute their first path segment, since the
// source API takes top-level field ids.
func (s *Schema) SourceFields() []string {
	set := map[string]bool{
		// The pipeline reads these regardless of the mappings: key for
		// identity, updated for staleness, id/self for canonical URLs.
		"key":     true,
		"id":      true,
		"self":    true,
		"updated": true,
	}
	for field := range s.Mappings {
		if i := strings.IndexByte(field, '.'); i > 0 {
			field = field[:i]
		}
		set[field] = true
	}

	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// TicketMapping returns the mapping whose processor is extract_ticket_link,
// if the schema declares one.
func (s *Schema) TicketMapping() (string, Mapping, bool) {
	for field, m := range s.Mappings {
		if m.Processor == ProcTicketLink {
			return field, m, true
		}
	}
	return "", Mapping{}, false
}
