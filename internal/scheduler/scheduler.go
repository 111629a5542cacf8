// Package scheduler drives the daemon: it keeps a next-run time per
// enabled table and fires sync cycles as they come due.
package scheduler

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/engine"
)

const (
	// pollInterval is how often the loop checks for due tables.
	pollInterval = 10 * time.Second

	// errorBackoff delays a table's next attempt after a failed cycle.
	errorBackoff = 60 * time.Second
)

// Runner executes one table sync. The engine coordinator satisfies this.
type Runner interface {
	SyncTable(ctx context.Context, team, tableKey string, opts engine.RunOptions) (*engine.SessionResult, error)
}

// Scheduler runs table cycles on their configured intervals.
type Scheduler struct {
	runner Runner
	logger *log.Logger

	mu      sync.Mutex
	cfg     *config.Config
	nextRun map[string]time.Time
	running map[string]bool

	wg sync.WaitGroup

	// poll is overridable for tests.
	poll time.Duration
	now  func() time.Time
}

// New builds a scheduler over the given configuration.
func New(cfg *config.Config, runner Runner, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Scheduler{
		runner:  runner,
		logger:  logger,
		nextRun: make(map[string]time.Time),
		running: make(map[string]bool),
		poll:    pollInterval,
		now:     time.Now,
	}
	s.Reload(cfg)
	return s
}

type slot struct {
	team     string
	tableKey string
}

func slotKey(team, tableKey string) string { return team + "/" + tableKey }

// Reload swaps in a new configuration. New tables become due
// immediately; tables that disappeared are forgotten; surviving tables
// keep their next-run time, so a reload never causes a thundering herd.
func (s *Scheduler) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	seen := make(map[string]bool)
	for _, team := range cfg.EnabledTeams() {
		for _, ref := range cfg.EnabledTables(team) {
			key := slotKey(team, ref.Key)
			seen[key] = true
			if _, known := s.nextRun[key]; !known {
				s.nextRun[key] = s.now()
			}
		}
	}
	for key := range s.nextRun {
		if !seen[key] {
			delete(s.nextRun, key)
		}
	}
}

// Run blocks until ctx is canceled, launching cycles as tables come due.
// In-flight cycles finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("scheduler started, polling every %s", s.poll)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("scheduler stopping, waiting for in-flight cycles")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue starts a cycle for every due table that is not already
// running.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []slot
	for _, team := range s.cfg.EnabledTeams() {
		for _, ref := range s.cfg.EnabledTables(team) {
			key := slotKey(team, ref.Key)
			next, ok := s.nextRun[key]
			if !ok || s.running[key] || next.After(now) {
				continue
			}
			s.running[key] = true
			due = append(due, slot{team: team, tableKey: ref.Key})
		}
	}
	s.mu.Unlock()

	for _, sl := range due {
		sl := sl
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSlot(ctx, sl)
		}()
	}
}

func (s *Scheduler) runSlot(ctx context.Context, sl slot) {
	key := slotKey(sl.team, sl.tableKey)

	_, err := s.runner.SyncTable(ctx, sl.team, sl.tableKey, engine.RunOptions{})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[key] = false

	// Next run counts from completion, not from the scheduled time:
	// ticks missed while a slow cycle ran collapse into a single run.
	switch {
	case ctx.Err() != nil:
		// Shutting down, no reschedule.
	case err != nil:
		s.logger.Printf("cycle %s failed, retrying in %s: %v", key, errorBackoff, err)
		s.nextRun[key] = s.now().Add(errorBackoff)
	default:
		interval := s.cfg.SyncInterval(sl.team, sl.tableKey)
		s.nextRun[key] = s.now().Add(interval)
	}
}

// NextRun reports when a table will next fire, for the status surface.
func (s *Scheduler) NextRun(team, tableKey string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextRun[slotKey(team, tableKey)]
	return next, ok
}
