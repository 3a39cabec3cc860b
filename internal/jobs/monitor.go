package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/executor"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/guardrail"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/stream"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/verdict"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/worktree"
)

// maxOutputChunk caps how much of the log one poll reads.
const maxOutputChunk = 1 << 20

// liveRun is the monitor's view of one run in flight.
type liveRun struct {
	run    *store.RunLog
	cfg    *config.AgentConfig // nil when the agent was deleted
	opts   TriggerOptions
	cancel *running.CancelFlag
	guard  *guardrail.Monitor

	slot         bool
	ownsWorktree bool
	done         chan struct{}

	offset  int64
	partial []byte
}

// completion is what is left to do once a run is finalized.
type completion struct {
	lr    *liveRun
	retry bool
	delay time.Duration
}

type outcome struct {
	status   store.RunStatus
	exitCode *int
	err      string
}

func (m *Manager) track(lr *liveRun) {
	m.mu.Lock()
	m.live[lr.run.RunID] = lr
	m.mu.Unlock()
	m.wg.Add(1)
	go m.monitor(lr)
}

// monitor polls lr until it is finalized or the manager closes.
func (m *Manager) monitor(lr *liveRun) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if m.check(lr) {
			return
		}
	}
}

// check runs one poll and reports whether the run was finalized. Order:
// guardrails, cancel flag, timeout, session liveness.
func (m *Manager) check(lr *liveRun) bool {
	run := lr.run
	if v := m.streamOutput(lr); v != nil {
		m.kill(run)
		m.finalize(lr, outcome{status: store.StatusFailed, err: "guardrail violation: " + v.String()})
		return true
	}
	if lr.cancel.IsSet() {
		m.kill(run)
		m.finalize(lr, outcome{status: store.StatusCancelled, err: "cancelled"})
		return true
	}
	if lr.cfg != nil {
		if t := lr.cfg.Timeout(); t > 0 && m.now().Sub(run.StartedAt) > t {
			m.kill(run)
			m.finalize(lr, outcome{status: store.StatusTimeout, err: fmt.Sprintf("%v after %s", ErrTimeout, t)})
			return true
		}
	}
	if run.SessionName != "" && m.opts.Executor.Alive(run.SessionName) {
		return false
	}
	m.finalize(lr, markerOutcome(run.RunDir))
	return true
}

// markerOutcome reads the exit code marker: 0 is success, anything else is
// failure, no marker at all is an interruption.
func markerOutcome(runDir string) outcome {
	if runDir == "" {
		return outcome{status: store.StatusInterrupted, err: ErrInterrupted.Error()}
	}
	code, ok, err := executor.ReadExitCode(runDir)
	switch {
	case err != nil:
		return outcome{status: store.StatusInterrupted, err: fmt.Sprintf("%v: %v", ErrInterrupted, err)}
	case !ok:
		return outcome{status: store.StatusInterrupted, err: ErrInterrupted.Error()}
	case code == 0:
		return outcome{status: store.StatusSuccess, exitCode: &code}
	default:
		return outcome{status: store.StatusFailed, exitCode: &code, err: fmt.Sprintf("%v: %d", ErrNonZeroExit, code)}
	}
}

func (m *Manager) kill(run *store.RunLog) {
	if run.SessionName == "" {
		return
	}
	if err := m.opts.Executor.Kill(run.SessionName); err != nil {
		debug.LogKV("jobs", "kill failed", "run_id", run.RunID, "session", run.SessionName, "error", err)
	}
}

// streamOutput publishes complete lines appended to the run's log since the
// last poll and feeds them to the guardrail monitor.
func (m *Manager) streamOutput(lr *liveRun) *guardrail.Violation {
	f, err := os.Open(lr.run.OutputFile)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(lr.offset, io.SeekStart); err != nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxOutputChunk))
	if err != nil || len(buf) == 0 {
		return nil
	}
	lr.offset += int64(len(buf))
	data := append(lr.partial, buf...)
	lr.partial = nil
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}
		if v := lr.guard.CheckLine(line); v != nil {
			return v
		}
		if text := stream.ReadableText(line); text != "" {
			m.publish(lr.run, events.KindOutput, text)
		}
	}
	lr.partial = append([]byte(nil), data...)
	return nil
}

// finalize is the single completion path for every run.
func (m *Manager) finalize(lr *liveRun, out outcome) {
	run := lr.run
	m.streamOutput(lr)
	if len(lr.partial) > 0 {
		if text := stream.ReadableText(lr.partial); text != "" {
			m.publish(run, events.KindOutput, text)
		}
		lr.partial = nil
	}

	run.Complete(out.status, m.now())
	run.ExitCode = out.exitCode
	if out.err != "" {
		run.Error = out.err
	}

	res, err := executor.ParseResult(run.OutputFile)
	if err == nil {
		if res.ResumeToken != "" {
			run.ResumeToken = res.ResumeToken
		}
		run.TotalCostUSD = res.CostUSD
		if run.Status == store.StatusSuccess && wantsVerdict(lr.cfg, run) {
			v, err := verdict.Parse(res.Text)
			if err != nil {
				debug.LogKV("jobs", "no verdict in analyzer output", "run_id", run.RunID, "error", err)
			} else {
				run.Verdict = v
			}
		}
	}

	c := completion{lr: lr}
	c.retry = lr.cfg != nil &&
		(run.Status == store.StatusFailed || run.Status == store.StatusTimeout) &&
		lr.cfg.Retry.ShouldRetry(run.Attempt)
	if c.retry {
		c.delay = lr.cfg.Retry.Delay(run.Attempt)
		at := m.now().Add(c.delay)
		run.Status = store.StatusRetrying
		run.RetryAt = &at
	}

	if err := m.opts.Ledger.Save(run); err != nil {
		debug.LogKV("jobs", "saving final record failed", "run_id", run.RunID, "error", err)
	}
	if err := m.opts.State.RecordResult(run); err != nil {
		debug.LogKV("jobs", "recording state failed", "run_id", run.RunID, "error", err)
	}
	m.opts.Running.Remove(run.RunID)
	if lr.slot {
		m.sem.Release(1)
	}
	if run.Status == store.StatusSuccess && run.RunDir != "" {
		if err := os.RemoveAll(run.RunDir); err != nil {
			debug.LogKV("jobs", "removing run dir failed", "run_id", run.RunID, "error", err)
		}
	}
	if lr.ownsWorktree {
		m.closeWorktree(lr.cfg, run)
	}
	if run.Verdict != nil && run.ParentRunID != "" {
		m.attachVerdict(run.ParentRunID, run.Verdict)
	}

	m.mu.Lock()
	delete(m.live, run.RunID)
	deferred := !m.ready.Load()
	if deferred {
		m.recovered = append(m.recovered, c)
	}
	m.mu.Unlock()
	close(lr.done)

	m.metrics.RunsFinished.WithLabelValues(run.AgentName, string(run.Status)).Inc()
	m.metrics.RunDuration.WithLabelValues(run.AgentName).Observe(float64(run.DurationMS) / 1000)
	m.metrics.Running.Set(float64(m.opts.Running.Len()))
	m.publish(run, events.KindComplete, string(run.Status))
	debug.LogKV("jobs", "run finished",
		"run_id", run.RunID,
		"agent", run.AgentName,
		"status", run.Status,
		"duration_ms", run.DurationMS,
		"error", run.Error,
		"deferred", deferred,
	)
	if !deferred {
		m.complete(c)
	}
}

// complete arms the retry of a finalized run, starts its post-run analyzer,
// calls the completion hooks and drains the trigger queue.
func (m *Manager) complete(c completion) {
	lr := c.lr
	run := lr.run
	if c.retry {
		opts := retryOptions(lr.opts, run, lr.ownsWorktree)
		m.armRetry(run, opts, c.delay)
	}
	m.mu.Lock()
	hooks := append([]CompletionHook(nil), m.hooks...)
	m.mu.Unlock()
	final := run.Clone()
	if run.PipelineID == "" && lr.cfg != nil && lr.cfg.PostRunAnalyzer.Matches(string(run.Status)) {
		m.runPostAnalyzer(lr.cfg, final)
	}
	for _, h := range hooks {
		h(m.ctx, final.Clone())
	}
	m.drainQueue()
}

// wantsVerdict reports whether a successful run's output should carry a
// verdict: analyzer agents, team validations and post-run analyzers.
func wantsVerdict(cfg *config.AgentConfig, run *store.RunLog) bool {
	switch run.Label {
	case LabelPostRunAnalyzer, "analyzer", "phase_validation":
		return true
	}
	return cfg != nil && cfg.EffectiveRole() == config.RoleAnalyzer
}

func (m *Manager) attachVerdict(parentID string, v *store.Verdict) {
	parent, err := m.opts.Ledger.Get(parentID)
	if err != nil {
		debug.LogKV("jobs", "verdict parent not found", "parent_run_id", parentID, "error", err)
		return
	}
	if parent.Running() {
		return
	}
	c := *v
	parent.Verdict = &c
	if err := m.opts.Ledger.Save(parent); err != nil {
		debug.LogKV("jobs", "saving verdict on parent failed", "parent_run_id", parentID, "error", err)
	}
}

// closeWorktree commits whatever a successful run left behind and removes the
// checkout. The branch is kept.
func (m *Manager) closeWorktree(cfg *config.AgentConfig, run *store.RunLog) {
	if cfg == nil || run.WorktreePath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	wm := worktree.NewManager(cfg.Worktree.RepoPath)
	if run.Status == store.StatusSuccess {
		msg := fmt.Sprintf("nolan: %s run %s", run.AgentName, run.RunID)
		if hash, ok, err := wm.AutoCommitIfDirty(ctx, run.WorktreePath, msg); err != nil {
			debug.LogKV("jobs", "auto-commit failed", "run_id", run.RunID, "error", err)
		} else if ok {
			debug.LogKV("jobs", "auto-committed worktree", "run_id", run.RunID, "commit", hash)
		}
	}
	if err := wm.Remove(ctx, run.WorktreePath, ""); err != nil {
		debug.LogKV("jobs", "removing worktree failed", "run_id", run.RunID, "error", err)
	}
}

func (m *Manager) removeWorktree(cfg *config.AgentConfig, run *store.RunLog) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := worktree.NewManager(cfg.Worktree.RepoPath).Remove(ctx, run.WorktreePath, run.WorktreeBranch); err != nil {
		debug.LogKV("jobs", "removing worktree failed", "run_id", run.RunID, "error", err)
	}
}

// retryOptions derives the trigger of the attempt after run.
func retryOptions(base TriggerOptions, run *store.RunLog, ownsWorktree bool) TriggerOptions {
	opts := base
	opts.Kind = store.TriggerRetry
	opts.Attempt = run.Attempt + 1
	opts.RetryOf = run.RunID
	// A run that created its worktree removed it when it finished.
	if ownsWorktree {
		opts.WorktreePath, opts.WorktreeBranch, opts.BaseCommit = "", "", ""
	} else {
		opts.WorktreePath, opts.WorktreeBranch, opts.BaseCommit = run.WorktreePath, run.WorktreeBranch, run.BaseCommit
	}
	return opts
}

// armRetry starts the next attempt of run after delay. A retry that cannot
// start is abandoned.
func (m *Manager) armRetry(run *store.RunLog, opts TriggerOptions, delay time.Duration) {
	m.mu.Lock()
	m.retries[run.RunID] = struct{}{}
	m.mu.Unlock()
	debug.LogKV("jobs", "retry scheduled", "run_id", run.RunID, "agent", run.AgentName, "attempt", opts.Attempt, "delay", delay)
	m.after(delay, func() {
		m.mu.Lock()
		delete(m.retries, run.RunID)
		m.mu.Unlock()
		next, err := m.Trigger(m.ctx, run.AgentName, opts)
		if err != nil {
			debug.LogKV("jobs", "retry trigger failed", "agent", run.AgentName, "attempt", opts.Attempt, "error", err)
			if next == nil && !errors.Is(err, ErrQueued) {
				m.abandonRetry(run.RunID)
			}
		}
	})
}

// retryArmed reports whether runID's next attempt is waiting on a timer.
func (m *Manager) retryArmed(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retries[runID]
	return ok
}

// linkRetry records on a retrying run which run carries its next attempt.
func (m *Manager) linkRetry(prevID, nextID string) {
	prev, err := m.opts.Ledger.Get(prevID)
	if err != nil || !prev.AwaitingRetry() {
		return
	}
	prev.RetryRunID = nextID
	if err := m.opts.Ledger.Save(prev); err != nil {
		debug.LogKV("jobs", "linking retry failed", "run_id", prevID, "retry_run_id", nextID, "error", err)
	}
}

// abandonRetry rewrites a retrying record as failed when its retry will not
// start, so it does not stay retrying forever, and reports it to the
// completion hooks.
func (m *Manager) abandonRetry(runID string) {
	rec, err := m.opts.Ledger.Get(runID)
	if err != nil || !rec.AwaitingRetry() {
		return
	}
	rec.Status = store.StatusFailed
	rec.RetryAt = nil
	if err := m.opts.Ledger.Save(rec); err != nil {
		debug.LogKV("jobs", "saving abandoned retry failed", "run_id", runID, "error", err)
	}
	debug.LogKV("jobs", "retry abandoned", "run_id", runID, "agent", rec.AgentName)
	m.publish(rec, events.KindComplete, string(rec.Status))
	m.mu.Lock()
	hooks := append([]CompletionHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(m.ctx, rec.Clone())
	}
}
