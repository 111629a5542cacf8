package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/state"
)

// coldStartMaxAge is how stale the processing log may be before the
// workflow rebuilds its view of the sink from a full table scan.
const coldStartMaxAge = 7 * 24 * time.Hour

// TableSpec binds a workflow to one sink table.
type TableSpec struct {
	Team     string
	TableKey string
	TableID  string

	// AppToken is the resolved sink app token for the team's wiki space.
	AppToken string

	// JQL selects the issues feeding this table.
	JQL string

	// TicketField is the sink column holding the issue key.
	TicketField string

	// ExcludedFields are source fields skipped for this table.
	ExcludedFields []string
}

// RunOptions tweaks one cycle.
type RunOptions struct {
	// FullRefresh pushes every fetched issue regardless of the
	// processing log. Known record ids still route issues to updates.
	FullRefresh bool

	// JQLOverride replaces the table's configured query for this run.
	JQLOverride string

	// SkipColdStart suppresses the sink rebuild check, for one-off runs
	// that must not pay a full table scan.
	SkipColdStart bool
}

// Workflow syncs one table.
type Workflow struct {
	spec   TableSpec
	source SourceClient
	sink   SinkClient
	proj   Projector
	log    ProcessingLog
	logger *log.Logger
	now    func() time.Time
}

// NewWorkflow assembles a table workflow from its collaborators.
func NewWorkflow(spec TableSpec, source SourceClient, sink SinkClient, proj Projector, plog ProcessingLog, logger *log.Logger) *Workflow {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Workflow{
		spec:   spec,
		source: source,
		sink:   sink,
		proj:   proj,
		log:    plog,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one sync cycle. The returned result is always non-nil;
// result.Err carries any fatal error, which Run also returns.
func (w *Workflow) Run(ctx context.Context, opts RunOptions) (*CycleResult, error) {
	started := w.now()
	res := &CycleResult{
		Team:     w.spec.Team,
		TableKey: w.spec.TableKey,
		TableID:  w.spec.TableID,
	}
	fail := func(err error) (*CycleResult, error) {
		res.Err = err
		res.Elapsed = w.now().Sub(started)
		return res, err
	}

	if !opts.SkipColdStart {
		cold, err := w.needsColdStart(ctx)
		if err != nil {
			return fail(fmt.Errorf("cold start check: %w", err))
		}
		if cold {
			res.ColdStart = true
			if err := w.runColdStart(ctx); err != nil {
				return fail(fmt.Errorf("cold start: %w", err))
			}
		}
	}

	jql := w.spec.JQL
	if opts.JQLOverride != "" {
		jql = opts.JQLOverride
	}

	issues, err := w.source.SearchAll(ctx, jql, w.proj.RequiredFields())
	if err != nil {
		return fail(fmt.Errorf("source search: %w", err))
	}
	res.Total = len(issues)
	if len(issues) == 0 {
		res.Elapsed = w.now().Sub(started)
		return res, nil
	}

	if !opts.FullRefresh {
		issues, err = w.filterUnchanged(ctx, issues, res)
		if err != nil {
			return fail(fmt.Errorf("processing log filter: %w", err))
		}
	}
	if len(issues) == 0 {
		w.logger.Printf("table %s: all %d issues already current", w.spec.TableID, res.Total)
		res.Elapsed = w.now().Sub(started)
		return res, nil
	}

	recordIDs, err := w.log.RecordIDs(ctx)
	if err != nil {
		return fail(fmt.Errorf("processing log record ids: %w", err))
	}

	available, err := w.sink.FieldNames(ctx, w.spec.AppToken, w.spec.TableID)
	if err != nil {
		return fail(fmt.Errorf("sink field listing: %w", err))
	}

	projected, projErr := w.proj.ProjectAll(ctx, issues, available, w.spec.ExcludedFields)
	if projErr != nil {
		w.logger.Printf("table %s: %v", w.spec.TableID, projErr)
	}

	var (
		ops     []Operation
		entries []state.Entry
	)
	for _, issue := range issues {
		ms := updatedMS(issue)
		fields, ok := projected[issue.Key]
		if !ok {
			res.Failed++
			entries = append(entries, state.Entry{
				IssueKey:        issue.Key,
				SourceUpdatedMS: ms,
				Result:          state.ErrorResult(fmt.Errorf("projection failed")),
				RecordID:        recordIDs[issue.Key],
			})
			continue
		}

		op := Operation{Key: issue.Key, Kind: OpCreate, Fields: fields, SourceUpdatedMS: ms}
		if id, known := recordIDs[issue.Key]; known {
			op.Kind = OpUpdate
			op.RecordID = id
		}
		ops = append(ops, op)
	}

	batcher := NewBatcher(w.sink, w.spec.AppToken, w.spec.TableID, w.logger)
	for _, out := range batcher.Execute(ctx, ops) {
		entry := state.Entry{
			IssueKey:        out.Key,
			SourceUpdatedMS: out.SourceUpdatedMS,
			RecordID:        out.RecordID,
			Result:          state.ResultSuccess,
		}
		if out.Err != nil {
			res.Failed++
			entry.Result = state.ErrorResult(out.Err)
		} else if out.Kind == OpUpdate {
			res.Updated++
		} else {
			res.Created++
		}
		entries = append(entries, entry)
	}

	// The ledger write happens after the sink writes: a crash in between
	// replays those issues next cycle, which the record-id routing turns
	// into harmless updates.
	if err := w.log.RecordBatch(ctx, entries); err != nil {
		return fail(fmt.Errorf("processing log write: %w", err))
	}

	res.Elapsed = w.now().Sub(started)
	w.logger.Printf("table %s: total=%d filtered=%d created=%d updated=%d failed=%d in %s",
		w.spec.TableID, res.Total, res.Filtered, res.Created, res.Updated, res.Failed,
		res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// RunIssue force-syncs a single issue, bypassing both the staleness
// filter and the cold start check.
func (w *Workflow) RunIssue(ctx context.Context, issueKey string) (*CycleResult, error) {
	return w.Run(ctx, RunOptions{
		FullRefresh:   true,
		SkipColdStart: true,
		JQLOverride:   fmt.Sprintf("key = %s", issueKey),
	})
}

// needsColdStart reports whether the processing log can be trusted. An
// empty ledger, or one whose newest entry predates coldStartMaxAge,
// forces a sink rescan so creates do not duplicate existing rows.
func (w *Workflow) needsColdStart(ctx context.Context) (bool, error) {
	empty, err := w.log.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	if empty {
		return true, nil
	}

	lastMS, err := w.log.LastProcessedMS(ctx)
	if err != nil {
		return false, err
	}
	if lastMS == 0 {
		return true, nil
	}
	age := w.now().Sub(time.UnixMilli(lastMS))
	return age > coldStartMaxAge, nil
}

// runColdStart scans the sink table and registers every row already
// present. Registered rows carry a zero source timestamp, so the next
// comparison always elects them for reprocessing, as updates.
func (w *Workflow) runColdStart(ctx context.Context) error {
	w.logger.Printf("table %s: cold start, scanning sink for existing rows", w.spec.TableID)

	records, err := w.sink.ScanRecords(ctx, w.spec.AppToken, w.spec.TableID, []string{w.spec.TicketField})
	if err != nil {
		return fmt.Errorf("sink scan: %w", err)
	}

	var entries []state.Entry
	for _, rec := range records {
		key := ticketKeyFromCell(rec.Fields[w.spec.TicketField])
		if key == "" {
			continue
		}
		entries = append(entries, state.Entry{
			IssueKey:        key,
			SourceUpdatedMS: 0,
			RecordID:        rec.RecordID,
			Result:          state.ResultColdStart,
		})
	}

	if len(entries) == 0 {
		w.logger.Printf("table %s: sink is empty, nothing to register", w.spec.TableID)
		return nil
	}
	if err := w.log.RecordBatch(ctx, entries); err != nil {
		return fmt.Errorf("register existing rows: %w", err)
	}
	w.logger.Printf("table %s: registered %d existing rows", w.spec.TableID, len(entries))
	return nil
}

// filterUnchanged drops issues the ledger rules already current. An
// unparseable source timestamp fails open and keeps the issue.
func (w *Workflow) filterUnchanged(ctx context.Context, issues []*jira.Issue, res *CycleResult) ([]*jira.Issue, error) {
	kept := issues[:0]
	for _, issue := range issues {
		process, err := w.log.ShouldProcess(ctx, issue.Key, updatedMS(issue))
		if err != nil {
			return nil, err
		}
		if process {
			kept = append(kept, issue)
		} else {
			res.Filtered++
		}
	}
	return kept, nil
}

// updatedMS reads the issue's source update timestamp, zero when it is
// missing or malformed. Zero fails open: the staleness filter always
// keeps such issues.
func updatedMS(issue *jira.Issue) int64 {
	ms, err := issue.UpdatedMS()
	if err != nil {
		return 0
	}
	return ms
}

// ticketKeyFromCell recovers the issue key out of a scanned sink cell.
// Hyperlink columns store an object with text and link, older rows may
// hold a bare string, and some column types wrap the value in a list.
func ticketKeyFromCell(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if text, _ := v["text"].(string); text != "" {
			return strings.TrimSpace(text)
		}
		return ""
	case []any:
		if len(v) == 0 {
			return ""
		}
		return ticketKeyFromCell(v[0])
	default:
		return ""
	}
}
