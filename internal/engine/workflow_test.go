package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/lark"
	"github.com/bitbridge-tools/jlsync/internal/state"
)

type fakeSource struct {
	issues  []*jira.Issue
	err     error
	lastJQL string
}

func (f *fakeSource) SearchAll(_ context.Context, jql string, _ []string) ([]*jira.Issue, error) {
	f.lastJQL = jql
	if f.err != nil {
		return nil, f.err
	}
	return f.issues, nil
}

// fakeProjector maps each issue to a flat two-column row; keys listed in
// failKeys are dropped, mimicking identity projection failures.
type fakeProjector struct {
	failKeys map[string]bool
}

func (f *fakeProjector) RequiredFields() []string { return []string{"key", "summary", "updated"} }

func (f *fakeProjector) ProjectAll(_ context.Context, issues []*jira.Issue, _ map[string]bool, _ []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(issues))
	var err error
	for _, issue := range issues {
		if f.failKeys[issue.Key] {
			err = fmt.Errorf("projection failed for: %s", issue.Key)
			continue
		}
		summary, _ := issue.Fields["summary"].(string)
		out[issue.Key] = map[string]any{"Key": issue.Key, "Summary": summary}
	}
	return out, err
}

func sourceIssue(key, updated string) *jira.Issue {
	return &jira.Issue{
		Key: key,
		Fields: map[string]any{
			"summary": "work on " + key,
			"updated": updated,
		},
	}
}

func openTestLog(t *testing.T) *state.Log {
	t.Helper()
	l, err := state.Open(filepath.Join(t.TempDir(), "log.db"), "tbl")
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testWorkflow(t *testing.T, source SourceClient, sink SinkClient, plog ProcessingLog) *Workflow {
	t.Helper()
	spec := TableSpec{
		Team: "alpha", TableKey: "bugs", TableID: "tbl",
		AppToken: "app", JQL: "project = TP", TicketField: "Key",
	}
	return NewWorkflow(spec, source, sink, &fakeProjector{}, plog, nil)
}

const tsRecent = "2025-06-01T10:00:00.000+0000"

// msOf mirrors the source timestamp parsing so tests can assert exact
// ledger values.
func msOf(t *testing.T, s string) int64 {
	t.Helper()
	tm, err := jira.ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime(%q) failed: %v", s, err)
	}
	return tm.UnixMilli()
}

func TestRun_ColdStartThenCreates(t *testing.T) {
	plog := openTestLog(t)
	sink := newFakeSink()
	sink.fieldNames = map[string]bool{"Key": true, "Summary": true}
	// One row already lives in the sink, stored as a hyperlink cell.
	sink.scanned = []lark.Record{
		{RecordID: "recX", Fields: map[string]any{"Key": map[string]any{"text": "TP-1", "link": "https://jira/browse/TP-1"}}},
	}
	source := &fakeSource{issues: []*jira.Issue{
		sourceIssue("TP-1", tsRecent),
		sourceIssue("TP-2", tsRecent),
	}}

	w := testWorkflow(t, source, sink, plog)
	res, err := w.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !res.ColdStart {
		t.Error("empty ledger must trigger a cold start")
	}
	// TP-1 was registered by the scan, so it routes to an update; TP-2 is new.
	if res.Created != 1 || res.Updated != 1 || res.Failed != 0 {
		t.Errorf("created=%d updated=%d failed=%d, want 1/1/0", res.Created, res.Updated, res.Failed)
	}
	if _, ok := sink.updates["recX"]; !ok {
		t.Error("pre-existing row was not updated in place")
	}

	entry, err := plog.Get(context.Background(), "TP-1")
	if err != nil || entry == nil {
		t.Fatalf("Get(TP-1): entry=%v err=%v", entry, err)
	}
	if entry.Result != state.ResultSuccess || entry.RecordID != "recX" {
		t.Errorf("TP-1 ledger entry = %+v", entry)
	}
	if entry.SourceUpdatedMS != msOf(t, tsRecent) {
		t.Errorf("SourceUpdatedMS = %d, want %d", entry.SourceUpdatedMS, msOf(t, tsRecent))
	}
}

func TestRun_IncrementalFiltersCurrentIssues(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()

	// TP-1 was already processed at this exact source timestamp.
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "TP-1", SourceUpdatedMS: msOf(t, tsRecent),
		Result: state.ResultSuccess, RecordID: "rec1",
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	sink := newFakeSink()
	sink.fieldNames = map[string]bool{"Key": true, "Summary": true}
	source := &fakeSource{issues: []*jira.Issue{
		sourceIssue("TP-1", tsRecent),                        // unchanged
		sourceIssue("TP-2", "2025-06-02T09:00:00.000+0000"),  // new
	}}

	w := testWorkflow(t, source, sink, plog)
	res, err := w.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.ColdStart {
		t.Error("a fresh ledger entry should not trigger cold start")
	}
	if res.Filtered != 1 || res.Created != 1 || res.Updated != 0 {
		t.Errorf("filtered=%d created=%d updated=%d, want 1/1/0", res.Filtered, res.Created, res.Updated)
	}
}

func TestRun_FullRefreshSkipsFilterKeepsSplit(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "TP-1", SourceUpdatedMS: msOf(t, tsRecent),
		Result: state.ResultSuccess, RecordID: "rec1",
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	sink := newFakeSink()
	sink.fieldNames = map[string]bool{"Key": true, "Summary": true}
	source := &fakeSource{issues: []*jira.Issue{sourceIssue("TP-1", tsRecent)}}

	w := testWorkflow(t, source, sink, plog)
	res, err := w.Run(ctx, RunOptions{FullRefresh: true})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// The unchanged issue is pushed anyway, but as an update.
	if res.Filtered != 0 || res.Updated != 1 || res.Created != 0 {
		t.Errorf("filtered=%d updated=%d created=%d, want 0/1/0", res.Filtered, res.Updated, res.Created)
	}
	if _, ok := sink.updates["rec1"]; !ok {
		t.Error("known record id should route to an update")
	}
}

func TestRun_ZeroIssuesShortCircuits(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "TP-1", SourceUpdatedMS: 1, Result: state.ResultSuccess,
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	sink := newFakeSink()
	source := &fakeSource{}

	w := testWorkflow(t, source, sink, plog)
	res, err := w.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Total != 0 || !res.Success() {
		t.Errorf("result = %+v, want empty success", res)
	}
	if len(sink.batchCalls) != 0 {
		t.Error("no sink traffic expected for an empty fetch")
	}
}

func TestRun_SourceFailureIsFatal(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "TP-1", SourceUpdatedMS: 1, Result: state.ResultSuccess,
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	source := &fakeSource{err: fmt.Errorf("probe: %w", jira.ErrDataIncomplete)}
	w := testWorkflow(t, source, newFakeSink(), plog)

	res, err := w.Run(ctx, RunOptions{})
	if err == nil {
		t.Fatal("Run() should fail when the source fetch fails")
	}
	if !errors.Is(res.Err, jira.ErrDataIncomplete) {
		t.Errorf("result error %v does not wrap the source error", res.Err)
	}
}

func TestRun_ProjectionFailureRecordedAsError(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "SEED-1", SourceUpdatedMS: 1, Result: state.ResultSuccess,
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	sink := newFakeSink()
	sink.fieldNames = map[string]bool{"Key": true, "Summary": true}
	source := &fakeSource{issues: []*jira.Issue{
		sourceIssue("TP-1", tsRecent),
		sourceIssue("TP-2", tsRecent),
	}}

	spec := TableSpec{
		Team: "alpha", TableKey: "bugs", TableID: "tbl",
		AppToken: "app", JQL: "project = TP", TicketField: "Key",
	}
	proj := &fakeProjector{failKeys: map[string]bool{"TP-2": true}}
	w := NewWorkflow(spec, source, sink, proj, plog, nil)

	res, err := w.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Created != 1 || res.Failed != 1 {
		t.Errorf("created=%d failed=%d, want 1/1", res.Created, res.Failed)
	}

	entry, _ := plog.Get(ctx, "TP-2")
	if entry == nil || entry.Result == state.ResultSuccess {
		t.Errorf("TP-2 ledger entry = %+v, want an error result", entry)
	}
}

func TestRunIssue_BypassesFilterAndColdStart(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()

	sink := newFakeSink()
	sink.fieldNames = map[string]bool{"Key": true, "Summary": true}
	source := &fakeSource{issues: []*jira.Issue{sourceIssue("TP-7", tsRecent)}}

	// Ledger is empty; RunIssue must not scan the sink.
	w := testWorkflow(t, source, sink, plog)
	res, err := w.RunIssue(ctx, "TP-7")
	if err != nil {
		t.Fatalf("RunIssue() failed: %v", err)
	}
	if res.ColdStart {
		t.Error("single-issue sync must not cold start")
	}
	if source.lastJQL != "key = TP-7" {
		t.Errorf("JQL = %q, want key = TP-7", source.lastJQL)
	}
	if res.Created != 1 {
		t.Errorf("created = %d, want 1", res.Created)
	}
}

func TestNeedsColdStart_StaleLedger(t *testing.T) {
	plog := openTestLog(t)
	ctx := context.Background()
	if err := plog.Record(ctx, state.Entry{
		IssueKey: "TP-1", SourceUpdatedMS: 1, Result: state.ResultSuccess,
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	w := testWorkflow(t, &fakeSource{}, newFakeSink(), plog)

	cold, err := w.needsColdStart(ctx)
	if err != nil {
		t.Fatalf("needsColdStart() failed: %v", err)
	}
	if cold {
		t.Error("a just-written ledger should not be cold")
	}

	// Rewind the clock: the same ledger viewed from eight days later.
	w.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	cold, err = w.needsColdStart(ctx)
	if err != nil {
		t.Fatalf("needsColdStart() failed: %v", err)
	}
	if !cold {
		t.Error("a week-stale ledger must trigger cold start")
	}
}

func TestTicketKeyFromCell(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"hyperlink object", map[string]any{"text": "TP-1", "link": "u"}, "TP-1"},
		{"plain string", " TP-2 ", "TP-2"},
		{"list first", []any{map[string]any{"text": "TP-3"}}, "TP-3"},
		{"empty list", []any{}, ""},
		{"nil", nil, ""},
		{"number", 42, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ticketKeyFromCell(tt.in); got != tt.want {
				t.Errorf("ticketKeyFromCell(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
