// Package bench measures the sync pipeline's projection and batch
// planning throughput against synthetic issues and an in-memory sink.
// It exists to answer "how big a table can one cycle absorb" without
// touching a live source or sink.
package bench

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/engine"
	"github.com/bitbridge-tools/jlsync/internal/fieldproc"
	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/lark"
	"github.com/bitbridge-tools/jlsync/internal/schema"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Records is the number of synthetic issues to push through the
	// pipeline.
	Records int

	// UpdateShare is the fraction of records planned as updates
	// instead of creates (0.0-1.0). Updates bypass batching, so this
	// shifts load from the chunk planner to row-by-row execution.
	UpdateShare float64
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Records:     1000,
		UpdateShare: 0.2,
	}
}

// LatencyMetrics captures per-record projection latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Result captures all metrics from a benchmark run.
type Result struct {
	Config Config

	// Projection phase.
	Projected         int
	ProjectionLatency LatencyMetrics
	ProjectionElapsed time.Duration

	// Planning and execution phase.
	Creates       int
	Updates       int
	Failed        int
	BatchCalls    int
	ExecElapsed   time.Duration
	RecordsPerSec float64

	// Memory growth over the whole run.
	AllocDeltaBytes uint64

	TotalElapsed time.Duration
}

// Run pushes cfg.Records synthetic issues through projection and batch
// execution and reports the timings.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Records <= 0 {
		return nil, fmt.Errorf("records must be positive, got %d", cfg.Records)
	}
	if cfg.UpdateShare < 0 || cfg.UpdateShare > 1 {
		return nil, fmt.Errorf("update share must be in [0,1], got %g", cfg.UpdateShare)
	}

	proj := fieldproc.New(benchSchema(), "https://jira.example.com", nil, nil,
		log.New(io.Discard, "", 0))
	issues := syntheticIssues(cfg.Records)
	available := availableColumns()

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	// Projection, timed per record.
	durations := make([]time.Duration, 0, len(issues))
	projected := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t0 := time.Now()
		fields, err := proj.Project(ctx, issue, available, nil)
		if err != nil {
			return nil, fmt.Errorf("projecting %s: %w", issue.Key, err)
		}
		durations = append(durations, time.Since(t0))
		projected = append(projected, fields)
	}
	projectionElapsed := time.Since(start)

	// Planning: the first UpdateShare fraction pretends to be known
	// records, the rest are new.
	updates := int(float64(cfg.Records) * cfg.UpdateShare)
	ops := make([]engine.Operation, 0, cfg.Records)
	for i, fields := range projected {
		op := engine.Operation{
			Key:             issues[i].Key,
			Kind:            engine.OpCreate,
			Fields:          fields,
			SourceUpdatedMS: int64(i),
		}
		if i < updates {
			op.Kind = engine.OpUpdate
			op.RecordID = fmt.Sprintf("rec%06d", i)
		}
		ops = append(ops, op)
	}

	sink := &memorySink{fields: available}
	batcher := engine.NewBatcher(sink, "bench-app", "tblbench", log.New(io.Discard, "", 0))

	execStart := time.Now()
	outcomes := batcher.Execute(ctx, ops)
	execElapsed := time.Since(execStart)
	total := time.Since(start)
	runtime.ReadMemStats(&after)

	res := &Result{
		Config:            cfg,
		Projected:         len(projected),
		ProjectionLatency: computeStats(durations),
		ProjectionElapsed: projectionElapsed,
		Updates:           updates,
		BatchCalls:        sink.batchCalls,
		ExecElapsed:       execElapsed,
		TotalElapsed:      total,
	}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			res.Failed++
		case o.Kind == engine.OpCreate:
			res.Creates++
		}
	}
	if total > 0 {
		res.RecordsPerSec = float64(cfg.Records) / total.Seconds()
	}
	if after.Alloc > before.Alloc {
		res.AllocDeltaBytes = after.Alloc - before.Alloc
	}
	return res, nil
}

// computeStats calculates latency statistics from raw durations.
func computeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Max:  sorted[len(sorted)-1],
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult writes a formatted benchmark result to w.
func PrintResult(w io.Writer, res *Result) {
	fmt.Fprintf(w, "\n=== Pipeline Benchmark ===\n\n")

	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Records:        %d\n", res.Config.Records)
	fmt.Fprintf(w, "  Update share:   %.0f%%\n", res.Config.UpdateShare*100)
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Projection latency (per record):\n")
	l := res.ProjectionLatency
	fmt.Fprintf(w, "  Min:   %s\n", FormatDuration(l.Min))
	fmt.Fprintf(w, "  P50:   %s\n", FormatDuration(l.P50))
	fmt.Fprintf(w, "  Mean:  %s\n", FormatDuration(l.Mean))
	fmt.Fprintf(w, "  P95:   %s\n", FormatDuration(l.P95))
	fmt.Fprintf(w, "  P99:   %s\n", FormatDuration(l.P99))
	fmt.Fprintf(w, "  Max:   %s\n", FormatDuration(l.Max))
	fmt.Fprintf(w, "  Total: %s\n", FormatDuration(res.ProjectionElapsed))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Execution:\n")
	fmt.Fprintf(w, "  Creates:     %d (%d batch calls)\n", res.Creates, res.BatchCalls)
	fmt.Fprintf(w, "  Updates:     %d\n", res.Updates)
	fmt.Fprintf(w, "  Failed:      %d\n", res.Failed)
	fmt.Fprintf(w, "  Elapsed:     %s\n", FormatDuration(res.ExecElapsed))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  Records/sec: %.0f\n", res.RecordsPerSec)
	fmt.Fprintf(w, "  Alloc delta: %s\n", FormatBytes(res.AllocDeltaBytes))
	fmt.Fprintf(w, "  Total:       %s\n", FormatDuration(res.TotalElapsed))
}

// memorySink counts sink calls without doing any I/O.
type memorySink struct {
	mu         sync.Mutex
	fields     map[string]bool
	batchCalls int
	created    int
	updated    int
}

func (s *memorySink) FieldNames(ctx context.Context, appToken, tableID string) (map[string]bool, error) {
	return s.fields, nil
}

func (s *memorySink) ScanRecords(ctx context.Context, appToken, tableID string, fieldNames []string) ([]lark.Record, error) {
	return nil, nil
}

func (s *memorySink) CreateRecord(ctx context.Context, appToken, tableID string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return fmt.Sprintf("mem%06d", s.created), nil
}

func (s *memorySink) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated++
	return nil
}

func (s *memorySink) BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	ids := make([]string, len(rows))
	for i := range rows {
		s.created++
		ids[i] = fmt.Sprintf("mem%06d", s.created)
	}
	return ids, nil
}

// benchSchema covers every processor the pipeline ships so the numbers
// reflect a realistic mapping file, not the cheapest path.
func benchSchema() *schema.Schema {
	return &schema.Schema{
		Mappings: map[string]schema.Mapping{
			"key":         {SinkColumns: schema.Columns{"Ticket"}, Processor: schema.ProcTicketLink},
			"summary":     {SinkColumns: schema.Columns{"Summary"}},
			"description": {SinkColumns: schema.Columns{"Description"}},
			"status":      {SinkColumns: schema.Columns{"Status"}, Processor: schema.ProcNested, NestedPath: "name"},
			"assignee":    {SinkColumns: schema.Columns{"Assignee"}, Processor: schema.ProcUser},
			"updated":     {SinkColumns: schema.Columns{"Updated"}, Processor: schema.ProcDatetime},
			"components":  {SinkColumns: schema.Columns{"Components"}, Processor: schema.ProcComponents, FieldType: "multiselect"},
			"fixVersions": {SinkColumns: schema.Columns{"Fix Versions"}, Processor: schema.ProcVersions},
			"issuelinks":  {SinkColumns: schema.Columns{"Links"}, Processor: schema.ProcLinks},
		},
	}
}

func availableColumns() map[string]bool {
	return map[string]bool{
		"Ticket": true, "Summary": true, "Description": true,
		"Status": true, "Assignee": true, "Updated": true,
		"Components": true, "Fix Versions": true, "Links": true,
	}
}

// syntheticIssues fabricates n issues with enough field variety to
// exercise the chunk planner's complexity sampling.
func syntheticIssues(n int) []*jira.Issue {
	issues := make([]*jira.Issue, n)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := range issues {
		key := fmt.Sprintf("BN-%d", i+1)
		issues[i] = &jira.Issue{
			ID:   fmt.Sprintf("1%05d", i),
			Key:  key,
			Self: "https://jira.example.com/rest/api/2/issue/" + key,
			Fields: map[string]any{
				"summary":     fmt.Sprintf("Synthetic issue %d for pipeline measurement", i+1),
				"description": fmt.Sprintf("Body %d: steps, expectations, and a few lines of filler text to give the planner something to weigh.", i+1),
				"status":      map[string]any{"name": "In Progress"},
				"assignee":    map[string]any{"name": fmt.Sprintf("user%d", i%17)},
				"updated":     base.Add(time.Duration(i) * time.Minute).Format("2006-01-02T15:04:05.000-0700"),
				"components": []any{
					map[string]any{"name": "backend"},
					map[string]any{"name": fmt.Sprintf("area-%d", i%5)},
				},
				"fixVersions": []any{map[string]any{"name": "2.4.0"}},
				"issuelinks": []any{
					map[string]any{
						"type":         map[string]any{"outward": "blocks"},
						"outwardIssue": map[string]any{"key": fmt.Sprintf("BN-%d", i+2)},
					},
				},
			},
		}
	}
	return issues
}
