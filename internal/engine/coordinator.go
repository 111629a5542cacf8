package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/fieldproc"
	"github.com/bitbridge-tools/jlsync/internal/logging"
	"github.com/bitbridge-tools/jlsync/internal/metrics"
	"github.com/bitbridge-tools/jlsync/internal/schema"
	"github.com/bitbridge-tools/jlsync/internal/state"
	"github.com/bitbridge-tools/jlsync/internal/usermap"
)

// maxParallelTeams bounds how many teams sync concurrently. Tables
// within a team run sequentially; they share a wiki space and hammering
// one space in parallel just trades throughput for rate-limit retries.
const maxParallelTeams = 3

// WikiResolver resolves a wiki node token to the app token record
// operations need. The lark client satisfies this.
type WikiResolver interface {
	ResolveWikiToken(ctx context.Context, wikiToken string) (string, error)
}

// Reporter receives cycle and session results as they complete. The
// dashboard implements this; a nil reporter disables reporting.
type Reporter interface {
	CycleComplete(res *CycleResult)
	SessionComplete(sess *SessionResult)
}

// SessionResult aggregates one sync session across tables.
type SessionResult struct {
	SessionID string
	StartedAt time.Time
	Elapsed   time.Duration
	Cycles    []*CycleResult

	// PendingUsers are usernames first seen this session that have no
	// cache mapping yet.
	PendingUsers []string
}

// Totals sums the per-cycle counters.
func (s *SessionResult) Totals() (total, created, updated, failed int) {
	for _, c := range s.Cycles {
		total += c.Total
		created += c.Created
		updated += c.Updated
		failed += c.Failed
	}
	return
}

// Success reports whether every cycle completed without a fatal error.
func (s *SessionResult) Success() bool {
	for _, c := range s.Cycles {
		if c.Err != nil {
			return false
		}
	}
	return true
}

// Coordinator wires configuration, clients and per-table state into
// runnable sync workflows.
type Coordinator struct {
	cfg      *config.Config
	source   SourceClient
	sink     SinkClient
	wiki     WikiResolver
	schema   *schema.Schema
	logs     *logging.Sink
	metrics  *metrics.Store
	cache    *usermap.Cache
	mapper   *usermap.Mapper
	reporter Reporter

	mu        sync.Mutex
	appTokens map[string]string // team name → resolved app token
	tableLogs map[string]*state.Log
}

// CoordinatorConfig collects the Coordinator's collaborators. Source,
// Sink and Wiki are satisfied by the jira and lark clients; tests
// substitute fakes.
type CoordinatorConfig struct {
	Config   *config.Config
	Source   SourceClient
	Sink     SinkClient
	Wiki     WikiResolver
	Schema   *schema.Schema
	Logs     *logging.Sink
	Metrics  *metrics.Store
	Cache    *usermap.Cache
	Reporter Reporter
}

// NewCoordinator validates the wiring and returns a ready Coordinator.
func NewCoordinator(cc CoordinatorConfig) (*Coordinator, error) {
	if cc.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cc.Source == nil || cc.Sink == nil {
		return nil, fmt.Errorf("source and sink clients are required")
	}
	if cc.Schema == nil {
		return nil, fmt.Errorf("field schema is required")
	}
	if cc.Logs == nil {
		cc.Logs = logging.Discard()
	}

	c := &Coordinator{
		cfg:       cc.Config,
		source:    cc.Source,
		sink:      cc.Sink,
		wiki:      cc.Wiki,
		schema:    cc.Schema,
		logs:      cc.Logs,
		metrics:   cc.Metrics,
		cache:     cc.Cache,
		reporter:  cc.Reporter,
		appTokens: make(map[string]string),
		tableLogs: make(map[string]*state.Log),
	}
	if cc.Cache != nil && cc.Config.UserMapping.IsEnabled() {
		c.mapper = usermap.NewMapper(cc.Cache, cc.Logs.Logger("usermap"))
	}
	return c, nil
}

// Reload swaps in a newly loaded configuration so table sets, queries
// and filter rules take effect on the next dispatch. Cached app tokens
// survive unless the team's wiki token changed; cached processing logs
// are keyed by table ID and stay valid. Client credentials, the user
// mapping switch and the field schema are fixed at construction and
// need a restart.
func (c *Coordinator) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.cfg
	c.cfg = cfg
	for name := range c.appTokens {
		oldTeam, _ := old.Team(name)
		newTeam, ok := cfg.Team(name)
		if !ok || newTeam.WikiToken != oldTeam.WikiToken {
			delete(c.appTokens, name)
		}
	}
}

// config returns the current configuration snapshot. Callers hold the
// returned pointer for at most one operation so a concurrent Reload
// takes effect on the next one.
func (c *Coordinator) config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Close releases the per-table processing logs.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for id, l := range c.tableLogs {
		if err := l.Close(); err != nil && first == nil {
			first = fmt.Errorf("close processing log %s: %w", id, err)
		}
		delete(c.tableLogs, id)
	}
	return first
}

// SyncAll runs one session over every enabled team, at most
// maxParallelTeams teams at a time.
func (c *Coordinator) SyncAll(ctx context.Context, opts RunOptions) (*SessionResult, error) {
	teams := c.config().EnabledTeams()
	sess := c.newSession()
	logger := c.logs.Logger("coordinator")
	logger.Printf("session %s: syncing %d teams", sess.SessionID, len(teams))

	var (
		mu     sync.Mutex
		cycles []*CycleResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTeams)
	for _, team := range teams {
		team := team
		g.Go(func() error {
			results, err := c.syncTeamCycles(gctx, team, opts)
			mu.Lock()
			cycles = append(cycles, results...)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	sort.Slice(cycles, func(i, j int) bool {
		if cycles[i].Team != cycles[j].Team {
			return cycles[i].Team < cycles[j].Team
		}
		return cycles[i].TableKey < cycles[j].TableKey
	})
	sess.Cycles = cycles
	c.finishSession(ctx, sess, len(teams))
	return sess, err
}

// SyncTeam runs one session over a single team's tables.
func (c *Coordinator) SyncTeam(ctx context.Context, teamName string, opts RunOptions) (*SessionResult, error) {
	if _, ok := c.config().Team(teamName); !ok {
		return nil, fmt.Errorf("unknown team %q", teamName)
	}
	sess := c.newSession()
	cycles, err := c.syncTeamCycles(ctx, teamName, opts)
	sess.Cycles = cycles
	c.finishSession(ctx, sess, 1)
	return sess, err
}

// SyncTable runs one session over a single table.
func (c *Coordinator) SyncTable(ctx context.Context, teamName, tableKey string, opts RunOptions) (*SessionResult, error) {
	ref, ok := c.config().TableByKey(teamName, tableKey)
	if !ok {
		return nil, fmt.Errorf("unknown table %s/%s", teamName, tableKey)
	}

	sess := c.newSession()
	res, err := c.runTable(ctx, teamName, ref, opts)
	sess.Cycles = []*CycleResult{res}
	c.finishSession(ctx, sess, 1)
	return sess, err
}

// SyncIssue force-syncs one issue into a single table, bypassing the
// staleness filter.
func (c *Coordinator) SyncIssue(ctx context.Context, teamName, tableKey, issueKey string) (*CycleResult, error) {
	ref, ok := c.config().TableByKey(teamName, tableKey)
	if !ok {
		return nil, fmt.Errorf("unknown table %s/%s", teamName, tableKey)
	}

	w, err := c.workflow(ctx, teamName, ref)
	if err != nil {
		return nil, err
	}
	res, err := w.RunIssue(ctx, issueKey)
	if res != nil && c.reporter != nil {
		c.reporter.CycleComplete(res)
	}
	return res, err
}

func (c *Coordinator) syncTeamCycles(ctx context.Context, teamName string, opts RunOptions) ([]*CycleResult, error) {
	tables := c.config().EnabledTables(teamName)
	results := make([]*CycleResult, 0, len(tables))

	var firstErr error
	for _, ref := range tables {
		res, err := c.runTable(ctx, teamName, ref, opts)
		results = append(results, res)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("team %s table %s: %w", teamName, ref.Key, err)
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, firstErr
}

func (c *Coordinator) runTable(ctx context.Context, teamName string, ref config.TableRef, opts RunOptions) (*CycleResult, error) {
	started := time.Now()
	w, err := c.workflow(ctx, teamName, ref)
	if err != nil {
		res := &CycleResult{Team: teamName, TableKey: ref.Key, TableID: ref.TableID, Err: err}
		c.record(ctx, res, started)
		return res, err
	}

	res, err := w.Run(ctx, opts)
	c.record(ctx, res, started)
	return res, err
}

// workflow assembles (or reuses the cached state for) the workflow of
// one table.
func (c *Coordinator) workflow(ctx context.Context, teamName string, ref config.TableRef) (*Workflow, error) {
	appToken, err := c.appToken(ctx, teamName)
	if err != nil {
		return nil, err
	}

	plog, err := c.tableLog(ref.TableID)
	if err != nil {
		return nil, err
	}

	cfg := c.config()
	proj := fieldproc.New(
		c.schema,
		cfg.JIRA.ServerURL,
		cfg.LinkRules,
		c.userMapper(),
		c.logs.Logger("fieldproc"),
	)

	spec := TableSpec{
		Team:           teamName,
		TableKey:       ref.Key,
		TableID:        ref.TableID,
		AppToken:       appToken,
		JQL:            ref.JQLQuery,
		TicketField:    ref.TicketField,
		ExcludedFields: ref.ExcludedFields,
	}
	return NewWorkflow(spec, c.source, c.sink, proj, plog, c.logs.Logger("workflow")), nil
}

// userMapper adapts the optional mapper to the projector's interface
// without handing it a typed nil.
func (c *Coordinator) userMapper() fieldproc.UserMapper {
	if c.mapper == nil {
		return nil
	}
	return c.mapper
}

// appToken resolves and caches the sink app token behind a team's wiki
// token.
func (c *Coordinator) appToken(ctx context.Context, teamName string) (string, error) {
	team, ok := c.config().Team(teamName)
	if !ok {
		return "", fmt.Errorf("unknown team %q", teamName)
	}

	c.mu.Lock()
	token, cached := c.appTokens[teamName]
	c.mu.Unlock()
	if cached {
		return token, nil
	}

	if c.wiki == nil {
		// No resolver wired: treat the configured token as the app token.
		token = team.WikiToken
	} else {
		var err error
		token, err = c.wiki.ResolveWikiToken(ctx, team.WikiToken)
		if err != nil {
			return "", fmt.Errorf("resolve wiki token for team %s: %w", teamName, err)
		}
	}

	c.mu.Lock()
	c.appTokens[teamName] = token
	c.mu.Unlock()
	return token, nil
}

func (c *Coordinator) tableLog(tableID string) (*state.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.tableLogs[tableID]; ok {
		return l, nil
	}
	l, err := state.Open(c.cfg.ProcessingLogPath(tableID), tableID)
	if err != nil {
		return nil, fmt.Errorf("open processing log for %s: %w", tableID, err)
	}
	c.tableLogs[tableID] = l
	return l, nil
}

func (c *Coordinator) newSession() *SessionResult {
	now := time.Now()
	if c.mapper != nil {
		c.mapper.Reset()
	}
	return &SessionResult{
		SessionID: now.UTC().Format("20060102-150405.000"),
		StartedAt: now,
	}
}

func (c *Coordinator) finishSession(ctx context.Context, sess *SessionResult, teams int) {
	sess.Elapsed = time.Since(sess.StartedAt)
	if c.mapper != nil {
		sess.PendingUsers = c.mapper.PendingSeen()
	}

	if c.metrics != nil {
		total, created, updated, failed := sess.Totals()
		err := c.metrics.RecordSession(ctx, metrics.Session{
			SessionID:    sess.SessionID,
			StartedAtMS:  sess.StartedAt.UnixMilli(),
			FinishedAtMS: sess.StartedAt.Add(sess.Elapsed).UnixMilli(),
			Teams:        teams,
			Tables:       len(sess.Cycles),
			Total:        total,
			Created:      created,
			Updated:      updated,
			Failed:       failed,
			Success:      sess.Success(),
		})
		if err != nil {
			c.logs.Logger("coordinator").Printf("session metrics write failed: %v", err)
		}
	}

	if len(sess.PendingUsers) > 0 {
		c.logs.Logger("coordinator").Printf("session %s: %d users await mapping: %v",
			sess.SessionID, len(sess.PendingUsers), sess.PendingUsers)
	}
	if c.reporter != nil {
		c.reporter.SessionComplete(sess)
	}
}

// record persists one cycle's metrics and notifies the reporter.
func (c *Coordinator) record(ctx context.Context, res *CycleResult, started time.Time) {
	if c.metrics != nil {
		cy := metrics.Cycle{
			Team:        res.Team,
			TableID:     res.TableID,
			StartedAtMS: started.UnixMilli(),
			DurationMS:  res.Elapsed.Milliseconds(),
			Total:       res.Total,
			Filtered:    res.Filtered,
			Created:     res.Created,
			Updated:     res.Updated,
			Failed:      res.Failed,
			ColdStart:   res.ColdStart,
			Success:     res.Err == nil,
		}
		if res.Err != nil {
			cy.Error = res.Err.Error()
		}
		if err := c.metrics.RecordCycle(ctx, cy); err != nil {
			c.logs.Logger("coordinator").Printf("cycle metrics write failed: %v", err)
		}
	}
	if c.reporter != nil {
		c.reporter.CycleComplete(res)
	}
}
