package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/executor"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/guardrail"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/worktree"
)

// TriggerOptions describe why and how a run starts.
type TriggerOptions struct {
	Kind store.TriggerKind
	// Prompt overrides the agent's configured prompt.
	Prompt      string
	ResumeToken string
	Label       string
	PipelineID  string
	ParentRunID string
	// Worktree fields reuse an existing worktree (pipeline stages share one).
	WorktreePath   string
	WorktreeBranch string
	BaseCommit     string
	Env            map[string]string
	Attempt        int
	// RetryOf is the retrying run this attempt follows.
	RetryOf string
}

type pendingTrigger struct {
	agent string
	opts  TriggerOptions
}

// automatic triggers respect the enabled flag; manual and pipeline ones do not.
func automatic(k store.TriggerKind) bool {
	switch k {
	case store.TriggerScheduled, store.TriggerCatchUp, store.TriggerEvent, store.TriggerRetry:
		return true
	}
	return false
}

// Trigger starts a run of agent and returns its running record.
//
// The config is read from disk on every call. The concurrency check and the
// RunningSet insert are one critical section; a refused trigger returns
// running.ErrAlreadyRunning, or ErrQueued when the agent queues instead.
func (m *Manager) Trigger(ctx context.Context, agent string, opts TriggerOptions) (*store.RunLog, error) {
	if !m.ready.Load() {
		return nil, ErrNotReady
	}
	if opts.Kind == "" {
		opts.Kind = store.TriggerManual
	}
	cfg, err := m.opts.Config.Load(agent)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled && automatic(opts.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, agent)
	}
	return m.start(ctx, cfg, opts)
}

func (m *Manager) start(ctx context.Context, cfg *config.AgentConfig, opts TriggerOptions) (*store.RunLog, error) {
	started := m.now()
	runID := uuid.NewString()
	proc := &running.Process{
		RunID:      runID,
		AgentName:  cfg.Name,
		StartedAt:  started,
		PipelineID: opts.PipelineID,
	}
	if err := m.opts.Running.TryInsert(proc, cfg.Concurrency.AllowParallel); err != nil {
		if errors.Is(err, running.ErrAlreadyRunning) && cfg.Concurrency.QueueIfRunning {
			m.enqueue(cfg.Name, opts)
			return nil, ErrQueued
		}
		m.metrics.TriggersRefused.WithLabelValues(cfg.Name).Inc()
		return nil, err
	}
	slot := false
	if m.sem != nil {
		if !m.sem.TryAcquire(1) {
			m.opts.Running.Remove(runID)
			m.enqueue(cfg.Name, opts)
			return nil, ErrQueued
		}
		slot = true
	}

	attempt := opts.Attempt
	if attempt < 1 {
		attempt = 1
	}
	run := &store.RunLog{
		RunID:          runID,
		AgentName:      cfg.Name,
		StartedAt:      started,
		Status:         store.StatusRunning,
		Attempt:        attempt,
		Trigger:        opts.Kind,
		OutputFile:     m.opts.Ledger.LogPath(runID, started),
		Label:          opts.Label,
		PipelineID:     opts.PipelineID,
		ParentRunID:    opts.ParentRunID,
		ResumeToken:    opts.ResumeToken,
		Prompt:         opts.Prompt,
		WorktreePath:   opts.WorktreePath,
		WorktreeBranch: opts.WorktreeBranch,
		BaseCommit:     opts.BaseCommit,
	}

	ownsWorktree := false
	if run.WorktreePath == "" && cfg.Worktree.Enabled && cfg.Worktree.RepoPath != "" {
		wt, err := worktree.NewManager(cfg.Worktree.RepoPath).Create(ctx, worktree.BranchName(cfg.Name, runID), cfg.Worktree.BaseBranch)
		if err != nil {
			return m.failLaunch(run, slot, fmt.Errorf("creating worktree: %w", err))
		}
		run.WorktreePath, run.WorktreeBranch, run.BaseCommit = wt.Path, wt.Branch, wt.BaseCommit
		ownsWorktree = true
	}

	launch, err := m.opts.Executor.Launch(ctx, executor.Request{
		RunID:       runID,
		Agent:       cfg,
		Trigger:     opts.Kind,
		Prompt:      opts.Prompt,
		ResumeToken: opts.ResumeToken,
		WorkDir:     run.WorktreePath,
		LogFile:     run.OutputFile,
		Env:         runEnv(run, opts.Env),
	})
	if err != nil {
		if ownsWorktree {
			m.removeWorktree(cfg, run)
		}
		return m.failLaunch(run, slot, err)
	}
	run.SessionName = launch.SessionName
	run.RunDir = launch.RunDir
	if launch.LogFile != "" {
		run.OutputFile = launch.LogFile
	}
	recordFile := m.opts.Ledger.RecordPath(runID, started)
	m.opts.Running.Update(runID, func(p *running.Process) {
		p.PID = launch.PID
		p.SessionName = launch.SessionName
		p.RunDir = launch.RunDir
		p.LogFile = run.OutputFile
		p.RecordFile = recordFile
		p.WorktreePath = run.WorktreePath
		p.WorktreeBranch = run.WorktreeBranch
	})
	if err := m.opts.Ledger.Save(run); err != nil {
		debug.LogKV("jobs", "saving running record failed", "run_id", runID, "error", err)
	}
	if opts.RetryOf != "" {
		m.linkRetry(opts.RetryOf, runID)
	}

	lr := &liveRun{
		run:          run,
		cfg:          cfg,
		opts:         opts,
		cancel:       proc.Cancel,
		guard:        guardrail.NewMonitor(cfg.Guardrails),
		slot:         slot,
		ownsWorktree: ownsWorktree,
		done:         make(chan struct{}),
	}
	m.track(lr)

	m.metrics.RunsStarted.WithLabelValues(cfg.Name, string(opts.Kind)).Inc()
	m.metrics.Running.Set(float64(m.opts.Running.Len()))
	m.publish(run, events.KindStatus, string(store.StatusRunning))
	debug.LogKV("jobs", "run started",
		"run_id", runID,
		"agent", cfg.Name,
		"trigger", opts.Kind,
		"attempt", attempt,
		"session", run.SessionName,
		"pipeline_id", run.PipelineID,
	)
	return run.Clone(), nil
}

// failLaunch records a run that never got a session.
func (m *Manager) failLaunch(run *store.RunLog, slot bool, err error) (*store.RunLog, error) {
	run.Error = err.Error()
	run.Complete(store.StatusFailed, m.now())
	if serr := m.opts.Ledger.Save(run); serr != nil {
		debug.LogKV("jobs", "saving failed launch", "run_id", run.RunID, "error", serr)
	}
	if serr := m.opts.State.RecordResult(run); serr != nil {
		debug.LogKV("jobs", "recording failed launch", "run_id", run.RunID, "error", serr)
	}
	m.opts.Running.Remove(run.RunID)
	if slot {
		m.sem.Release(1)
	}
	m.metrics.RunsFinished.WithLabelValues(run.AgentName, string(run.Status)).Inc()
	m.publish(run, events.KindComplete, string(run.Status))
	debug.LogKV("jobs", "launch failed", "run_id", run.RunID, "agent", run.AgentName, "error", err)
	return run.Clone(), err
}

func runEnv(run *store.RunLog, extra map[string]string) map[string]string {
	env := make(map[string]string, len(extra)+3)
	if run.PipelineID != "" {
		env["NOLAN_PIPELINE_ID"] = run.PipelineID
	}
	if run.ParentRunID != "" {
		env["NOLAN_PARENT_RUN_ID"] = run.ParentRunID
	}
	if run.WorktreePath != "" {
		env["NOLAN_WORKTREE"] = run.WorktreePath
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func (m *Manager) enqueue(agent string, opts TriggerOptions) {
	m.mu.Lock()
	m.pending = append(m.pending, pendingTrigger{agent: agent, opts: opts})
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.Queued.Set(float64(n))
	debug.LogKV("jobs", "trigger queued", "agent", agent, "queued", n)
}

func (m *Manager) dropQueued(agent string) int {
	m.mu.Lock()
	kept := m.pending[:0]
	var dropped []TriggerOptions
	for _, p := range m.pending {
		if p.agent == agent {
			dropped = append(dropped, p.opts)
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.Queued.Set(float64(n))
	for _, opts := range dropped {
		m.dropRetry(opts)
	}
	return len(dropped)
}

// Queued returns the number of parked triggers.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// drainQueue retries every parked trigger once, in arrival order. Triggers
// that are still blocked park themselves again.
func (m *Manager) drainQueue() {
	m.mu.Lock()
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(queue) == 0 {
		return
	}
	m.metrics.Queued.Set(0)
	for _, p := range queue {
		cfg, err := m.opts.Config.Load(p.agent)
		if err != nil {
			debug.LogKV("jobs", "dropping queued trigger", "agent", p.agent, "error", err)
			m.dropRetry(p.opts)
			continue
		}
		if !cfg.Enabled && automatic(p.opts.Kind) {
			debug.LogKV("jobs", "dropping queued trigger of disabled agent", "agent", p.agent, "trigger", p.opts.Kind)
			m.dropRetry(p.opts)
			continue
		}
		if _, err := m.start(m.ctx, cfg, p.opts); err != nil && !errors.Is(err, ErrQueued) {
			debug.LogKV("jobs", "queued trigger failed", "agent", p.agent, "error", err)
		}
	}
}

// dropRetry gives up on the run a dropped retry trigger was meant to follow.
func (m *Manager) dropRetry(opts TriggerOptions) {
	if opts.RetryOf != "" {
		m.abandonRetry(opts.RetryOf)
	}
}

// Emit triggers every enabled agent listening to event. Agents already
// running are reported in the returned error but do not stop the others.
func (m *Manager) Emit(ctx context.Context, event string) ([]*store.RunLog, error) {
	if !m.ready.Load() {
		return nil, ErrNotReady
	}
	agents, err := m.opts.Config.List()
	if err != nil {
		return nil, err
	}
	var runs []*store.RunLog
	var errs []error
	for _, a := range agents {
		if !a.Enabled || !a.ListensTo(event) {
			continue
		}
		run, err := m.Trigger(ctx, a.Name, TriggerOptions{Kind: store.TriggerEvent, Label: "event:" + event})
		if err != nil {
			if !errors.Is(err, ErrQueued) {
				errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
			}
			continue
		}
		runs = append(runs, run)
	}
	debug.LogKV("jobs", "event emitted", "event", event, "started", len(runs), "errors", len(errs))
	return runs, errors.Join(errs...)
}
