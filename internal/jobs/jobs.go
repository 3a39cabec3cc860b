// Package jobs owns the run lifecycle: triggers, cron schedules, the monitor
// loop that finalizes runs, crash recovery and the completion hooks (retry,
// post-run analyzer, pipelines) that chain runs together.
//
// One Manager serves every kind of agent. Its storage roots come from
// Options, so a second instance over a different home directory is just
// another Manager.
package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/executor"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

var (
	// ErrNotReady is returned by Trigger before Recover has run.
	ErrNotReady = errors.New("job manager not ready: recovery has not run")
	// ErrQueued is returned when a trigger was parked until a slot frees up.
	ErrQueued = errors.New("trigger queued")
	// ErrDisabled is returned for automatic triggers of a disabled agent.
	ErrDisabled = errors.New("agent disabled")
	// ErrNotRunning is returned by Cancel when nothing matched.
	ErrNotRunning = errors.New("not running")

	ErrTimeout     = errors.New("timed out")
	ErrNonZeroExit = errors.New("non-zero exit")
	ErrInterrupted = errors.New("interrupted: no exit code marker")
)

// DefaultPollInterval is how often monitors check their runs.
const DefaultPollInterval = 5 * time.Second

// Options are the roots and collaborators of a Manager.
type Options struct {
	Config   *config.Store
	Ledger   *store.Ledger
	State    *store.StateTracker
	Running  *running.Set
	Executor executor.Executor
	Hub      *events.Hub
	Metrics  *Metrics

	PollInterval time.Duration
	// MaxConcurrent bounds runs in flight across all agents; zero means no bound.
	MaxConcurrent int
	Location      *time.Location
	Now           func() time.Time
}

// OptionsFor returns Options whose stores live under home. Executor is left
// for the caller.
func OptionsFor(home string) Options {
	return Options{
		Config:  config.NewStore(home),
		Ledger:  store.NewLedger(filepath.Join(home, "runs")),
		State:   store.NewStateTracker(filepath.Join(home, "state", "agents.json")),
		Running: running.NewSet(),
		Hub:     events.NewHub(),
	}
}

// CompletionHook observes every finalized run.
type CompletionHook func(ctx context.Context, run *store.RunLog)

// Manager is the job manager.
type Manager struct {
	opts    Options
	poll    time.Duration
	loc     *time.Location
	parser  cron.Parser
	cron    *cron.Cron
	sem     *semaphore.Weighted
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	mu        sync.Mutex
	live      map[string]*liveRun
	pending   []pendingTrigger
	entries   map[string]cron.EntryID
	schedules map[string]config.ScheduleConfig
	hooks     []CompletionHook
	timers    map[*time.Timer]struct{}
	closed    bool

	// retries holds the runs whose next attempt is armed on a timer.
	retries map[string]struct{}
	// recovered holds completions finalized before Recover opened the
	// manager; Recover runs them once triggers are accepted.
	recovered []completion
}

// NewManager builds a manager. Nil stores in opts are an error of the caller;
// a nil Hub or Metrics gets a private one.
func NewManager(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Running == nil {
		opts.Running = running.NewSet()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		poll:      opts.PollInterval,
		loc:       opts.Location,
		parser:    newParser(),
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[string]*liveRun),
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]config.ScheduleConfig),
		timers:    make(map[*time.Timer]struct{}),
		retries:   make(map[string]struct{}),
	}
	m.cron = cron.New(cron.WithParser(m.parser), cron.WithLocation(m.loc))
	if opts.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return m
}

// Hub returns the event hub runs are published on.
func (m *Manager) Hub() *events.Hub { return m.opts.Hub }

// Config returns the config store.
func (m *Manager) Config() *config.Store { return m.opts.Config }

// Ledger returns the run ledger.
func (m *Manager) Ledger() *store.Ledger { return m.opts.Ledger }

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Ready reports whether Recover has completed.
func (m *Manager) Ready() bool { return m.ready.Load() }

// OnComplete registers a hook called after each run is finalized.
func (m *Manager) OnComplete(h CompletionHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Close stops the cron engine, pending retries and all monitors. Runs still
// in flight stay recorded as running and are picked up by the next Recover.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.cancel()
	m.wg.Wait()
	debug.LogKV("jobs", "manager closed")
}

func (m *Manager) now() time.Time {
	return m.opts.Now().UTC()
}

// after runs fn once d has elapsed unless the manager is closed first.
func (m *Manager) after(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.timers != nil {
			delete(m.timers, t)
		}
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			fn()
		}
	})
	m.timers[t] = struct{}{}
}

// ListRunning returns the runs in flight, oldest first.
func (m *Manager) ListRunning() []running.Process {
	return m.opts.Running.List()
}

// History returns finalized and running records, newest first. An empty
// agent means all agents; limit <= 0 means no limit.
func (m *Manager) History(agent string, limit int) ([]*store.RunLog, error) {
	return m.opts.Ledger.List(agent, limit)
}

// Run returns one record from the ledger.
func (m *Manager) Run(runID string) (*store.RunLog, error) {
	return m.opts.Ledger.Get(runID)
}

// Cancel flags every run of agent and drops its queued triggers. Runs stop
// at their monitor's next poll.
func (m *Manager) Cancel(agent string) ([]string, error) {
	ids := m.opts.Running.CancelAgent(agent)
	dropped := m.dropQueued(agent)
	if len(ids) == 0 && dropped == 0 {
		return nil, ErrNotRunning
	}
	debug.LogKV("jobs", "cancel requested", "agent", agent, "runs", len(ids), "queued_dropped", dropped)
	return ids, nil
}

// CancelRun flags a single run.
func (m *Manager) CancelRun(runID string) error {
	if !m.opts.Running.Cancel(runID) {
		return ErrNotRunning
	}
	debug.LogKV("jobs", "cancel requested", "run_id", runID)
	return nil
}

// Wait blocks until runID is finalized and returns its record.
func (m *Manager) Wait(ctx context.Context, runID string) (*store.RunLog, error) {
	m.mu.Lock()
	lr, ok := m.live[runID]
	m.mu.Unlock()
	if ok {
		select {
		case <-lr.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.opts.Ledger.Get(runID)
}

func (m *Manager) publish(run *store.RunLog, kind events.Kind, content string) {
	m.opts.Hub.Publish(events.Event{
		RunID:      run.RunID,
		AgentName:  run.AgentName,
		PipelineID: run.PipelineID,
		Kind:       kind,
		Content:    content,
		Timestamp:  m.now(),
	})
}
