package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/guardrail"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// RecoveryReport summarizes one Recover pass.
type RecoveryReport struct {
	Orphans    int `json:"orphans"`
	Reattached int `json:"reattached"`
	Finalized  int `json:"finalized"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	// Rearmed and Abandoned count retries found waiting out their backoff.
	Rearmed   int      `json:"rearmed"`
	Abandoned int      `json:"abandoned"`
	Errors    []string `json:"errors,omitempty"`
}

// Recover reconciles every record left running by a previous process and
// then opens the manager for triggers.
//
// An orphan whose session is still alive is re-registered with a fresh
// cancel flag and handed to a monitor. An orphan whose session is gone is
// finalized from its exit code marker right away. Its completion (retry,
// post-run analyzer, hooks) runs once the manager is open, so pipelines see
// it like any other finished run. Retries that were waiting out their
// backoff are armed again for the time that is left.
//
// Orphans already in the running set and retries already armed are skipped,
// so a second pass changes nothing.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	orphans, err := m.opts.Ledger.Orphans()
	if err != nil {
		return rep, fmt.Errorf("listing orphaned runs: %w", err)
	}
	rep.Orphans = len(orphans)
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if m.opts.Running.Has(o.RunID) {
			rep.Skipped++
			m.metrics.Recovery.WithLabelValues("skipped").Inc()
			continue
		}
		if err := m.recoverOne(o, &rep); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", o.RunID, err))
			m.metrics.Recovery.WithLabelValues("failed").Inc()
			debug.LogKV("recovery", "orphan recovery failed", "run_id", o.RunID, "agent", o.AgentName, "error", err)
		}
	}

	m.mu.Lock()
	m.ready.Store(true)
	deferred := m.recovered
	m.recovered = nil
	m.mu.Unlock()
	for _, c := range deferred {
		m.complete(c)
	}

	if err := m.resumeRetries(&rep); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("retries: %v", err))
		debug.LogKV("recovery", "listing retrying runs failed", "error", err)
	}
	debug.LogKV("recovery", "recovery complete",
		"orphans", rep.Orphans,
		"reattached", rep.Reattached,
		"finalized", rep.Finalized,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"rearmed", rep.Rearmed,
		"abandoned", rep.Abandoned,
	)
	return rep, nil
}

// resumeRetries arms the next attempt of every run left retrying by a
// previous process. Runs whose agent is gone or no longer retries are
// abandoned as failed.
func (m *Manager) resumeRetries(rep *RecoveryReport) error {
	waiting, err := m.opts.Ledger.Retrying()
	if err != nil {
		return err
	}
	now := m.now()
	for _, run := range waiting {
		if m.retryArmed(run.RunID) {
			continue
		}
		cfg, err := m.opts.Config.Load(run.AgentName)
		if err != nil || !cfg.Retry.ShouldRetry(run.Attempt) {
			debug.LogKV("recovery", "abandoning retry", "run_id", run.RunID, "agent", run.AgentName, "error", err)
			m.abandonRetry(run.RunID)
			rep.Abandoned++
			m.metrics.Recovery.WithLabelValues("abandoned").Inc()
			continue
		}
		var delay time.Duration
		switch {
		case run.RetryAt != nil:
			delay = run.RetryAt.Sub(now)
		case run.CompletedAt != nil:
			delay = run.CompletedAt.Add(cfg.Retry.Delay(run.Attempt)).Sub(now)
		}
		if delay < 0 {
			delay = 0
		}
		owns := run.PipelineID == "" && cfg.Worktree.Enabled && run.WorktreePath != ""
		m.armRetry(run, retryOptions(optionsFrom(run), run, owns), delay)
		rep.Rearmed++
		m.metrics.Recovery.WithLabelValues("rearmed").Inc()
	}
	return nil
}

func (m *Manager) recoverOne(o *store.RunLog, rep *RecoveryReport) error {
	cfg, err := m.opts.Config.Load(o.AgentName)
	if err != nil {
		debug.LogKV("recovery", "agent config unavailable", "run_id", o.RunID, "agent", o.AgentName, "error", err)
	}

	alive := o.SessionName != "" && m.opts.Executor.Alive(o.SessionName)
	lr := &liveRun{
		run:    o,
		cfg:    cfg,
		opts:   optionsFrom(o),
		done:   make(chan struct{}),
		offset: fileSize(o.OutputFile),
	}
	if !alive {
		m.mu.Lock()
		m.live[o.RunID] = lr
		m.mu.Unlock()
		m.finalize(lr, markerOutcome(o.RunDir))
		rep.Finalized++
		m.metrics.Recovery.WithLabelValues("finalized").Inc()
		return nil
	}

	proc := &running.Process{
		RunID:          o.RunID,
		AgentName:      o.AgentName,
		StartedAt:      o.StartedAt,
		LogFile:        o.OutputFile,
		RecordFile:     m.opts.Ledger.RecordPath(o.RunID, o.StartedAt),
		SessionName:    o.SessionName,
		RunDir:         o.RunDir,
		WorktreePath:   o.WorktreePath,
		WorktreeBranch: o.WorktreeBranch,
		PipelineID:     o.PipelineID,
	}
	if err := m.opts.Running.TryInsert(proc, true); err != nil {
		return err
	}
	lr.cancel = proc.Cancel
	if cfg != nil {
		lr.guard = guardrail.NewMonitor(cfg.Guardrails)
		lr.ownsWorktree = o.PipelineID == "" && cfg.Worktree.Enabled && o.WorktreePath != ""
	}
	m.track(lr)
	m.metrics.Running.Set(float64(m.opts.Running.Len()))
	rep.Reattached++
	m.metrics.Recovery.WithLabelValues("reattached").Inc()
	debug.LogKV("recovery", "reattached live session", "run_id", o.RunID, "agent", o.AgentName, "session", o.SessionName)
	return nil
}

// optionsFrom rebuilds what a retry of a recovered run needs from its record.
func optionsFrom(run *store.RunLog) TriggerOptions {
	return TriggerOptions{
		Kind:           run.Trigger,
		Prompt:         run.Prompt,
		Label:          run.Label,
		PipelineID:     run.PipelineID,
		ParentRunID:    run.ParentRunID,
		WorktreePath:   run.WorktreePath,
		WorktreeBranch: run.WorktreeBranch,
		BaseCommit:     run.BaseCommit,
		Attempt:        run.Attempt,
	}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
