// Package engine runs sync cycles: it pulls changed issues from the
// source, projects them through the field schema, and lands them in the
// sink tables, tracking what it has seen in the per-table processing log.
package engine

import (
	"context"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/lark"
	"github.com/bitbridge-tools/jlsync/internal/state"
)

// SourceClient is the slice of the source API a sync cycle needs.
type SourceClient interface {
	SearchAll(ctx context.Context, jql string, fields []string) ([]*jira.Issue, error)
}

// SinkClient is the slice of the sink API a sync cycle needs.
type SinkClient interface {
	FieldNames(ctx context.Context, appToken, tableID string) (map[string]bool, error)
	ScanRecords(ctx context.Context, appToken, tableID string, fieldNames []string) ([]lark.Record, error)
	CreateRecord(ctx context.Context, appToken, tableID string, fields map[string]any) (string, error)
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error
	BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]any) ([]string, error)
}

// Projector turns source issues into sink field maps.
type Projector interface {
	RequiredFields() []string
	ProjectAll(ctx context.Context, issues []*jira.Issue, available map[string]bool, excluded []string) (map[string]map[string]any, error)
}

// ProcessingLog is the per-table sync ledger.
type ProcessingLog interface {
	IsEmpty(ctx context.Context) (bool, error)
	LastProcessedMS(ctx context.Context) (int64, error)
	ShouldProcess(ctx context.Context, issueKey string, sourceUpdatedMS int64) (bool, error)
	RecordIDs(ctx context.Context) (map[string]string, error)
	RecordBatch(ctx context.Context, entries []state.Entry) error
}

// OpKind distinguishes record creation from record update.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
)

// Operation is one planned sink write.
type Operation struct {
	Key             string
	Kind            OpKind
	RecordID        string // set for updates
	Fields          map[string]any
	SourceUpdatedMS int64
}

// Outcome is the result of executing one Operation.
type Outcome struct {
	Key             string
	Kind            OpKind
	RecordID        string
	SourceUpdatedMS int64
	Err             error
}

// CycleResult summarizes one table sync cycle.
type CycleResult struct {
	Team      string
	TableKey  string
	TableID   string
	ColdStart bool

	// Total is the issue count the source query returned; Filtered is
	// how many the processing log ruled already current.
	Total    int
	Filtered int
	Created  int
	Updated  int
	Failed   int

	Elapsed time.Duration
	Err     error
}

// Success reports whether the cycle completed without a fatal error.
// Individual record failures do not make a cycle fatal.
func (r *CycleResult) Success() bool {
	return r.Err == nil
}

// Processed is how many issues the cycle actually wrote or tried to write.
func (r *CycleResult) Processed() int {
	return r.Created + r.Updated + r.Failed
}
