package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

type triggerCall struct {
	agent string
	opts  jobs.TriggerOptions
	runID string
}

type fakeRunner struct {
	mu        sync.Mutex
	n         int
	runs      map[string]*store.RunLog
	calls     []triggerCall
	cancelled []string
	err       error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[string]*store.RunLog)}
}

func (f *fakeRunner) Trigger(_ context.Context, agent string, opts jobs.TriggerOptions) (*store.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.calls = append(f.calls, triggerCall{agent: agent, opts: opts})
		return nil, f.err
	}
	f.n++
	id := fmt.Sprintf("r%d", f.n)
	run := &store.RunLog{
		RunID:       id,
		AgentName:   agent,
		StartedAt:   t0,
		Status:      store.StatusRunning,
		Trigger:     opts.Kind,
		Label:       opts.Label,
		PipelineID:  opts.PipelineID,
		ParentRunID: opts.ParentRunID,
		ResumeToken: "tok-" + id,
	}
	f.runs[id] = run
	f.calls = append(f.calls, triggerCall{agent: agent, opts: opts, runID: id})
	return run.Clone(), nil
}

func (f *fakeRunner) Run(runID string) (*store.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (f *fakeRunner) History(agent string, limit int) ([]*store.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.RunLog
	for i := f.n; i > 0; i-- {
		run := f.runs[fmt.Sprintf("r%d", i)]
		if agent != "" && run.AgentName != agent {
			continue
		}
		out = append(out, run.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRunner) CancelRun(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRunner) last(t *testing.T) triggerCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("nothing was triggered")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// finished returns runID completed with status and verdict.
func (f *fakeRunner) finished(t *testing.T, runID string, status store.RunStatus, v *store.Verdict) *store.RunLog {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		t.Fatalf("unknown run %s", runID)
	}
	run.Complete(status, t0.Add(time.Minute))
	run.Verdict = v
	run.TotalCostUSD = 0.25
	return run.Clone()
}

type engineHarness struct {
	e      *Engine
	runner *fakeRunner
	cfg    *config.Store
	hub    *events.Hub
}

func newEngine(t *testing.T) *engineHarness {
	t.Helper()
	home := t.TempDir()
	cfg := config.NewStore(home)
	agents := []*config.AgentConfig{
		{Name: "impl", Enabled: true, Role: config.RoleImplementer, Prompt: "You implement ideas."},
		{Name: "ana", Enabled: true, Role: config.RoleAnalyzer},
		{Name: "qa", Enabled: true, Triggers: config.Triggers{PipelineStage: "qa"}},
		{Name: "merge", Enabled: true, Role: config.RoleMerger},
		{Name: "bill", Enabled: true, Role: config.RolePlanner},
		{Name: "val", Enabled: true, Role: config.RoleAnalyzer},
	}
	for _, a := range agents {
		if err := cfg.Save(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := cfg.SaveTeam(twoPhaseTeam()); err != nil {
		t.Fatal(err)
	}
	runner := newFakeRunner()
	hub := events.NewHub()
	e := NewEngine(Options{
		Runner:  runner,
		Config:  cfg,
		Store:   NewStore(home),
		Hub:     hub,
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Now:     func() time.Time { return t0 },
	})
	return &engineHarness{e: e, runner: runner, cfg: cfg, hub: hub}
}

func (h *engineHarness) pipeline(t *testing.T, id string) *Pipeline {
	t.Helper()
	p, err := h.e.opts.Store.LoadPipeline(id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *engineHarness) team(t *testing.T, id string) *TeamPipeline {
	t.Helper()
	tp, err := h.e.opts.Store.LoadTeamPipeline(id)
	if err != nil {
		t.Fatal(err)
	}
	return tp
}

func TestCreatePipelineTriggersImplementer(t *testing.T) {
	h := newEngine(t)
	p, err := h.e.CreatePipeline(context.Background(), CreateRequest{Title: "add login", Inputs: map[string]string{"ticket": "NL-7"}})
	if err != nil {
		t.Fatal(err)
	}
	call := h.runner.last(t)
	if call.agent != "impl" || call.opts.Kind != store.TriggerPipeline || call.opts.Label != "implementer" || call.opts.PipelineID != p.ID {
		t.Fatalf("trigger = %+v", call)
	}
	if !strings.Contains(call.opts.Prompt, "You implement ideas.") || !strings.Contains(call.opts.Prompt, "add login") || !strings.Contains(call.opts.Prompt, "ticket: NL-7") {
		t.Fatalf("prompt = %q", call.opts.Prompt)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "r1" || got.Status() != StatusInProgress {
		t.Fatalf("stages = %+v", got.Stages)
	}
	if got.Stages[1].Agent != "ana" || got.Stages[2].Agent != "qa" || got.Stages[3].Agent != "merge" {
		t.Fatalf("agents not resolved: %+v", got.Stages)
	}
}

func TestCreatePipelineValidates(t *testing.T) {
	h := newEngine(t)
	if _, err := h.e.CreatePipeline(context.Background(), CreateRequest{}); !config.IsValidation(err) {
		t.Fatalf("empty title err = %v", err)
	}
	_, err := h.e.CreatePipeline(context.Background(), CreateRequest{Title: "x", Agents: map[StageKind]string{StageImplementer: ""}})
	if err != nil {
		t.Fatalf("default implementer err = %v", err)
	}
}

func TestLinearPipelineCompletesWithoutWorktree(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})

	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	call := h.runner.last(t)
	if call.agent != "ana" || call.runID != "r2" || call.opts.ParentRunID != "r1" || call.opts.Label != "analyzer" {
		t.Fatalf("analyzer trigger = %+v", call)
	}
	if !strings.Contains(call.opts.Prompt, "Review run r1") {
		t.Fatalf("analyzer prompt = %q", call.opts.Prompt)
	}

	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, &store.Verdict{Kind: store.VerdictComplete}))
	got := h.pipeline(t, p.ID)
	if got.Status() != StatusCompleted {
		t.Fatalf("status = %s, stages %+v", got.Status(), got.Stages)
	}
	if got.Stages[2].Status != StageSkipped || got.Stages[3].Status != StageSkipped {
		t.Fatalf("qa/merger = %+v", got.Stages[2:])
	}
	if got.TotalCostUSD != 0.5 {
		t.Fatalf("cost = %v", got.TotalCostUSD)
	}
	if h.runner.count() != 2 {
		t.Fatalf("triggers = %d, want 2", h.runner.count())
	}
}

func TestFollowupRelaunchesImplementerSession(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, &store.Verdict{Kind: store.VerdictFollowup, FollowupPrompt: "continue X"}))

	call := h.runner.last(t)
	if call.agent != "impl" || call.opts.Prompt != "continue X" || call.opts.ResumeToken != "tok-r1" {
		t.Fatalf("relaunch = %+v", call)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "r3" || got.Stages[0].Attempt != 2 {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}
	if got.Stages[1].Status != StagePending || got.Current != 0 {
		t.Fatalf("analyzer = %+v, current %d", got.Stages[1], got.Current)
	}

	// The second pass is reviewed again.
	h.e.HandleRun(ctx, h.runner.finished(t, "r3", store.StatusSuccess, nil))
	if call := h.runner.last(t); call.agent != "ana" || call.opts.ParentRunID != "r3" {
		t.Fatalf("second review = %+v", call)
	}
}

func TestRevisionLimitBlocksPipeline(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	impl := "r1"
	for i := 0; i < MaxRevisions; i++ {
		h.e.HandleRun(ctx, h.runner.finished(t, impl, store.StatusSuccess, nil))
		ana := h.runner.last(t).runID
		h.e.HandleRun(ctx, h.runner.finished(t, ana, store.StatusSuccess, &store.Verdict{Kind: store.VerdictRevision, Reason: "again"}))
		impl = h.runner.last(t).runID
	}
	got := h.pipeline(t, p.ID)
	if got.Status() != StatusBlocked || got.Stages[1].Status != StageBlocked {
		t.Fatalf("status = %s, stages %+v", got.Status(), got.Stages)
	}
}

func TestAnalyzerWithoutVerdictFailsStage(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, nil))

	got := h.pipeline(t, p.ID)
	if got.Stages[1].Status != StageFailed || !strings.Contains(got.Stages[1].Error, "verdict parse error") {
		t.Fatalf("analyzer = %+v", got.Stages[1])
	}
	if got.Status() != StatusBlocked {
		t.Fatalf("status = %s", got.Status())
	}

	if err := h.e.Retry(ctx, p.ID, "analyzer"); err != nil {
		t.Fatal(err)
	}
	if call := h.runner.last(t); call.agent != "ana" || call.runID != "r3" || call.opts.ParentRunID != "r1" {
		t.Fatalf("retry = %+v", call)
	}
	if got := h.pipeline(t, p.ID); got.Status() != StatusInProgress {
		t.Fatalf("status after retry = %s", got.Status())
	}
}

func TestFailedVerdictFailsPipeline(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, &store.Verdict{Kind: store.VerdictFailed, Reason: "wrong approach"}))

	got := h.pipeline(t, p.ID)
	if got.Status() != StatusFailed {
		t.Fatalf("status = %s, stages %+v", got.Status(), got.Stages)
	}
	if got.Stages[1].Error != "wrong approach" || got.Stages[2].SkipReason != reasonAfterFailure {
		t.Fatalf("stages = %+v", got.Stages)
	}

	// Retrying the analyzer reopens the stages its failure skipped.
	if err := h.e.Retry(ctx, p.ID, "analyzer"); err != nil {
		t.Fatal(err)
	}
	got = h.pipeline(t, p.ID)
	if got.Stages[2].Status != StagePending || got.Stages[3].Status != StagePending {
		t.Fatalf("downstream after retry = %+v", got.Stages[2:])
	}
}

func TestFailedImplementerBlocksUntilRetried(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusFailed, nil))

	got := h.pipeline(t, p.ID)
	if got.Status() != StatusBlocked || got.Stages[0].Error == "" {
		t.Fatalf("status = %s, implementer %+v", got.Status(), got.Stages[0])
	}
	if err := h.e.Retry(ctx, p.ID, "merger"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retrying a stage with open predecessors err = %v", err)
	}
	if err := h.e.Retry(ctx, p.ID, "implementer"); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Retry(ctx, p.ID, "implementer"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retrying a running stage err = %v", err)
	}
}

func TestRetryingRunKeepsStageRunning(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusRetrying, nil))
	if got := h.pipeline(t, p.ID); got.Stages[0].Status != StageRunning {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}

	// The retry attempt has a run id the stage has never seen.
	retry := &store.RunLog{RunID: "retry-1", AgentName: "impl", PipelineID: p.ID, Status: store.StatusSuccess, Attempt: 2}
	h.e.HandleRun(ctx, retry)
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageSuccess || got.Stages[0].RunID != "retry-1" {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}
	if call := h.runner.last(t); call.agent != "ana" || call.opts.ParentRunID != "retry-1" {
		t.Fatalf("analyzer trigger = %+v", call)
	}
}

func TestQueuedStageTrigger(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	h.runner.err = jobs.ErrQueued
	p, err := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	if err != nil {
		t.Fatal(err)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "" {
		t.Fatalf("queued implementer = %+v", got.Stages[0])
	}
}

func TestReconcileRestartsLostQueuedTrigger(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	h.runner.err = jobs.ErrQueued
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})

	h.runner.err = nil
	if err := h.e.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	call := h.runner.last(t)
	if call.agent != "impl" || call.runID != "r1" || call.opts.PipelineID != p.ID {
		t.Fatalf("restart trigger = %+v", call)
	}
	if got := h.pipeline(t, p.ID); got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "r1" {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}
}

func TestReconcileBindsQueuedRunThatStarted(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	h.runner.err = jobs.ErrQueued
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})

	h.runner.err = nil
	if _, err := h.runner.Trigger(ctx, "impl", jobs.TriggerOptions{Kind: store.TriggerPipeline, PipelineID: p.ID}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if h.runner.count() != 2 {
		t.Fatalf("triggers = %d, want no extra trigger", h.runner.count())
	}
	if got := h.pipeline(t, p.ID); got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "r1" {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}
}

func TestReconcileAppliesFinishedRun(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.runner.finished(t, "r1", store.StatusSuccess, nil)

	if err := h.e.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageSuccess || got.Stages[1].Status != StageRunning || got.Stages[1].RunID != "r2" {
		t.Fatalf("stages = %+v", got.Stages)
	}

	// Nothing is left to reconcile.
	if err := h.e.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if h.runner.count() != 2 {
		t.Fatalf("triggers = %d, want 2", h.runner.count())
	}
}

func TestReconcileFollowsRetries(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.runner.finished(t, "r1", store.StatusRetrying, nil)
	if _, err := h.runner.Trigger(ctx, "impl", jobs.TriggerOptions{Kind: store.TriggerRetry, PipelineID: p.ID}); err != nil {
		t.Fatal(err)
	}
	h.runner.mu.Lock()
	h.runner.runs["r1"].RetryRunID = "r2"
	h.runner.mu.Unlock()

	if err := h.e.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageRunning || got.Stages[0].RunID != "r2" {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}
	if h.runner.count() != 2 {
		t.Fatalf("triggers = %d, want 2", h.runner.count())
	}
}

func TestRefusedStageChangeLeavesStage(t *testing.T) {
	h := newEngine(t)
	in := &instance{id: "p-aborted", graph: &Graph{
		Stages:  []Stage{{Kind: StageImplementer, Status: StagePending, Agent: "impl"}},
		Aborted: true,
	}}
	if h.e.update(in, 0, StageUpdate{Status: StageRunning, RunID: "r1"}, t0) {
		t.Fatal("update of an aborted pipeline reported success")
	}
	if st := in.graph.Stages[0]; st.Status != StagePending || st.RunID != "" {
		t.Fatalf("stage changed: %+v", st)
	}
	h.e.skip(in, 3, "out of range", t0)
	if len(in.graph.Stages) != 1 || in.graph.Stages[0].Status != StagePending {
		t.Fatalf("stages = %+v", in.graph.Stages)
	}
}

func TestRefusedTriggerFailsStage(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	h.runner.err = errors.New("agent busy")
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	got := h.pipeline(t, p.ID)
	if got.Stages[0].Status != StageFailed || got.Status() != StatusBlocked {
		t.Fatalf("implementer = %+v", got.Stages[0])
	}

	h.runner.err = nil
	if err := h.e.Retry(ctx, p.ID, "0"); err != nil {
		t.Fatal(err)
	}
	if got := h.pipeline(t, p.ID); got.Stages[0].Status != StageRunning {
		t.Fatalf("after retry = %+v", got.Stages[0])
	}
}

func TestSkipAdvances(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	h.runner.err = errors.New("agent busy")
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	h.runner.err = nil

	if err := h.e.Skip(ctx, p.ID, "implementer", ""); err != nil {
		t.Fatal(err)
	}
	got := h.pipeline(t, p.ID)
	if got.Stages[0].SkipReason != "skipped by user" || got.Stages[1].Status != StageRunning {
		t.Fatalf("stages = %+v", got.Stages)
	}
	if err := h.e.Skip(ctx, p.ID, "analyzer", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skipping a running stage err = %v", err)
	}
	if err := h.e.Skip(ctx, p.ID, "deploy", ""); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("unknown stage err = %v", err)
	}
}

func TestAbortCancelsRunningStage(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	sub := h.hub.Subscribe(16)
	defer sub.Close()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})

	if err := h.e.Abort(ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	if len(h.runner.cancelled) != 1 || h.runner.cancelled[0] != "r1" {
		t.Fatalf("cancelled = %v", h.runner.cancelled)
	}
	got := h.pipeline(t, p.ID)
	if got.Status() != StatusAborted || got.AbortReason != "aborted by user" {
		t.Fatalf("status = %s (%s)", got.Status(), got.AbortReason)
	}
	if err := h.e.Abort(ctx, p.ID, ""); !errors.Is(err, ErrAborted) {
		t.Fatalf("second abort err = %v", err)
	}

	// The cancelled run's completion changes nothing.
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusCancelled, nil))
	if h.runner.count() != 1 {
		t.Fatalf("triggers after abort = %d", h.runner.count())
	}

	var kinds []string
	for len(sub.C) > 0 {
		ev := <-sub.C
		if ev.Kind == events.KindPipeline && ev.PipelineID == p.ID {
			kinds = append(kinds, ev.Content)
		}
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != string(StatusAborted) {
		t.Fatalf("pipeline events = %v", kinds)
	}
}

func TestCompleteManually(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	if err := h.e.Complete(ctx, p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing with a running stage err = %v", err)
	}
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusFailed, nil))
	if err := h.e.Complete(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.pipeline(t, p.ID); got.Status() != StatusCompleted || got.Stages[0].SkipReason != "completed manually" {
		t.Fatalf("status = %s, stages %+v", got.Status(), got.Stages)
	}
}

func TestTeamPipelineFlow(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	tp, err := h.e.CreateTeamPipeline(ctx, "docs", "write the roadmap")
	if err != nil {
		t.Fatal(err)
	}
	call := h.runner.last(t)
	if call.agent != "ana" || call.opts.Label != "phase_execution" || call.opts.Env["NOLAN_TEAM"] != "docs" {
		t.Fatalf("first phase = %+v", call)
	}
	if !strings.Contains(call.opts.Prompt, `phase "Research"`) || !strings.Contains(call.opts.Prompt, "write the roadmap") {
		t.Fatalf("phase prompt = %q", call.opts.Prompt)
	}
	got := h.team(t, tp.ID)
	if got.CurrentPhase != "Research" || got.CurrentStageType != StagePhaseExecution || len(got.Stages) != 4 {
		t.Fatalf("team pipeline = %+v", got)
	}

	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	if call := h.runner.last(t); call.agent != "val" || call.opts.Label != "phase_validation" || !strings.Contains(call.opts.Prompt, "complete|revision|failed") {
		t.Fatalf("validation = %+v", call)
	}
	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, &store.Verdict{Kind: store.VerdictComplete}))
	if call := h.runner.last(t); call.agent != "bill" {
		t.Fatalf("second phase = %+v", call)
	}
	got = h.team(t, tp.ID)
	if got.CurrentPhase != "Planning" || got.CurrentStageType != StagePhaseExecution {
		t.Fatalf("current = %s/%s", got.CurrentPhase, got.CurrentStageType)
	}

	h.e.HandleRun(ctx, h.runner.finished(t, "r3", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r4", store.StatusSuccess, &store.Verdict{Kind: store.VerdictRevision, FollowupPrompt: "add risks"}))
	call = h.runner.last(t)
	if call.agent != "bill" || call.opts.Prompt != "add risks" || call.opts.ResumeToken != "tok-r3" {
		t.Fatalf("phase retry = %+v", call)
	}

	h.e.HandleRun(ctx, h.runner.finished(t, "r5", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r6", store.StatusSuccess, &store.Verdict{Kind: store.VerdictFailed, Reason: "off topic"}))
	got = h.team(t, tp.ID)
	if got.Status() != StatusBlocked || got.Stages[3].Status != StageBlocked || got.Stages[3].Error != "off topic" {
		t.Fatalf("escalation = %s, %+v", got.Status(), got.Stages[3])
	}
}

func TestTeamPipelineCompletes(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	tp, _ := h.e.CreateTeamPipeline(ctx, "docs", "")
	done := &store.Verdict{Kind: store.VerdictComplete}
	h.e.HandleRun(ctx, h.runner.finished(t, "r1", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r2", store.StatusSuccess, done))
	h.e.HandleRun(ctx, h.runner.finished(t, "r3", store.StatusSuccess, nil))
	h.e.HandleRun(ctx, h.runner.finished(t, "r4", store.StatusSuccess, done))
	if got := h.team(t, tp.ID); got.Status() != StatusCompleted {
		t.Fatalf("status = %s, stages %+v", got.Status(), got.Stages)
	}
}

func TestListBothShapes(t *testing.T) {
	h := newEngine(t)
	ctx := context.Background()
	p, _ := h.e.CreatePipeline(ctx, CreateRequest{Title: "add login"})
	tp, _ := h.e.CreateTeamPipeline(ctx, "docs", "")

	list, err := h.e.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	byID := map[string]Summary{}
	for _, s := range list {
		byID[s.ID] = s
	}
	if byID[p.ID].Variant != VariantLinear || byID[p.ID].Stage != "implementer" {
		t.Fatalf("linear summary = %+v", byID[p.ID])
	}
	if byID[tp.ID].Variant != VariantTeam || byID[tp.ID].Stage != "Research/phase_execution" {
		t.Fatalf("team summary = %+v", byID[tp.ID])
	}

	if _, err := h.e.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v", err)
	}
	if got, err := h.e.Get(tp.ID); err != nil {
		t.Fatal(err)
	} else if _, ok := got.(*TeamPipeline); !ok {
		t.Fatalf("Get(team) = %T", got)
	}
}
