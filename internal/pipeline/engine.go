package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/worktree"
)

// MaxRevisions bounds how often a stage is sent back by its analyzer before
// the pipeline blocks for a human.
const MaxRevisions = 5

const reasonAfterFailure = "upstream stage failed"

// Runner is the part of the job manager the engine drives.
type Runner interface {
	Trigger(ctx context.Context, agent string, opts jobs.TriggerOptions) (*store.RunLog, error)
	Run(runID string) (*store.RunLog, error)
	History(agent string, limit int) ([]*store.RunLog, error)
	CancelRun(runID string) error
}

// Options are the engine's collaborators.
type Options struct {
	Runner  Runner
	Config  *config.Store
	Store   *Store
	Hub     *events.Hub
	Metrics *Metrics
	Now     func() time.Time
}

// Engine owns every pipeline. All mutations of one pipeline id are
// serialized by a per-id lock and go through UpdateStage, SkipStage or Abort.
type Engine struct {
	opts  Options
	locks sync.Map
}

// NewEngine builds an engine. Register HandleRun with the job manager so
// finished stage runs drive the pipelines.
func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Engine{opts: opts}
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func (e *Engine) lock(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// instance is a loaded pipeline of either shape.
type instance struct {
	id     string
	graph  *Graph
	linear *Pipeline
	team   *TeamPipeline
}

func (in *instance) variant() Variant {
	if in.team != nil {
		return VariantTeam
	}
	return VariantLinear
}

func (in *instance) rules() Rules {
	if in.team != nil {
		return in.team.Rules()
	}
	return in.linear.Rules()
}

func (e *Engine) load(id string) (*instance, error) {
	p, err := e.opts.Store.LoadPipeline(id)
	if err == nil {
		return &instance{id: id, graph: &p.Graph, linear: p}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tp, err := e.opts.Store.LoadTeamPipeline(id)
	if err != nil {
		return nil, err
	}
	return &instance{id: id, graph: &tp.Graph, team: tp}, nil
}

func (e *Engine) save(in *instance) error {
	if in.team != nil {
		in.team.sync()
		return e.opts.Store.SaveTeamPipeline(in.team)
	}
	return e.opts.Store.SavePipeline(in.linear)
}

func (e *Engine) publish(in *instance, content string) {
	e.opts.Hub.Publish(events.Event{
		PipelineID: in.id,
		Kind:       events.KindPipeline,
		Content:    content,
		Timestamp:  e.now(),
	})
}

// CreateRequest describes a new linear pipeline.
type CreateRequest struct {
	IdeaID     string               `json:"idea_id,omitempty"`
	Title      string               `json:"title"`
	Prompt     string               `json:"prompt,omitempty"`
	RepoPath   string               `json:"repo_path,omitempty"`
	BaseBranch string               `json:"base_branch,omitempty"`
	Inputs     map[string]string    `json:"inputs,omitempty"`
	Agents     map[StageKind]string `json:"agents,omitempty"`
}

var stageRoles = map[StageKind]config.Role{
	StageImplementer: config.RoleImplementer,
	StageAnalyzer:    config.RoleAnalyzer,
	StageMerger:      config.RoleMerger,
}

// resolveAgent finds the agent bound to a linear stage: an explicit
// triggers.pipeline_stage binding first, then the first agent of the
// stage's role.
func (e *Engine) resolveAgent(kind StageKind) string {
	if cfg, err := e.opts.Config.FindByPipelineStage(string(kind)); err == nil {
		return cfg.Name
	}
	role, ok := stageRoles[kind]
	if !ok {
		return ""
	}
	cfgs, err := e.opts.Config.FindByRole(role)
	if err != nil || len(cfgs) == 0 {
		return ""
	}
	return cfgs[0].Name
}

// CreatePipeline creates a linear pipeline and starts its implementer.
func (e *Engine) CreatePipeline(ctx context.Context, req CreateRequest) (*Pipeline, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, &config.ValidationError{Field: "title", Reason: "pipeline needs a title"}
	}
	agents := make(map[StageKind]string)
	for _, k := range LinearStages {
		if name := req.Agents[k]; name != "" {
			agents[k] = name
			continue
		}
		agents[k] = e.resolveAgent(k)
	}
	if agents[StageImplementer] == "" {
		return nil, fmt.Errorf("implementer agent: %w", config.ErrNotFound)
	}

	id := uuid.NewString()
	p := NewPipeline(id, req.Title, agents, e.now())
	p.IdeaID = req.IdeaID
	p.Prompt = req.Prompt
	p.Inputs = req.Inputs
	p.RepoPath = req.RepoPath
	if req.RepoPath != "" {
		branch := "nolan/pipeline/" + strings.SplitN(id, "-", 2)[0]
		wt, err := worktree.NewManager(req.RepoPath).Create(ctx, branch, req.BaseBranch)
		if err != nil {
			return nil, fmt.Errorf("creating pipeline worktree: %w", err)
		}
		p.WorktreePath, p.WorktreeBranch, p.BaseCommit = wt.Path, wt.Branch, wt.BaseCommit
	}

	unlock := e.lock(id)
	defer unlock()
	in := &instance{id: id, graph: &p.Graph, linear: p}
	e.opts.Metrics.Created.WithLabelValues(string(VariantLinear)).Inc()
	debug.LogKV("pipeline", "pipeline created", "id", id, "title", req.Title, "worktree", p.WorktreePath)
	e.publish(in, "created")
	if err := e.advance(ctx, in); err != nil {
		return p, err
	}
	return p, nil
}

// CreateTeamPipeline creates a pipeline from a team definition and starts
// its first phase.
func (e *Engine) CreateTeamPipeline(ctx context.Context, team, prompt string) (*TeamPipeline, error) {
	tc, err := e.opts.Config.LoadTeam(team)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	tp, err := NewTeamPipeline(id, tc, e.now())
	if err != nil {
		return nil, err
	}
	tp.Prompt = prompt

	unlock := e.lock(id)
	defer unlock()
	in := &instance{id: id, graph: &tp.Graph, team: tp}
	e.opts.Metrics.Created.WithLabelValues(string(VariantTeam)).Inc()
	debug.LogKV("pipeline", "team pipeline created", "id", id, "team", team, "phases", len(tc.Phases))
	e.publish(in, "created")

	// The first execution stage is born running; start its run.
	first := tp.Stages[0]
	e.trigger(ctx, in, Action{Kind: ActionTriggerPhase, Stage: 0, Agent: first.Agent, Phase: first.Phase})
	if err := e.advance(ctx, in); err != nil {
		return tp, err
	}
	return tp, nil
}

// HandleRun is the job manager completion hook. It records the outcome of a
// stage run and applies the next action.
func (e *Engine) HandleRun(ctx context.Context, run *store.RunLog) {
	if run.PipelineID == "" {
		return
	}
	unlock := e.lock(run.PipelineID)
	defer unlock()
	in, err := e.load(run.PipelineID)
	if err != nil {
		debug.LogKV("pipeline", "run for unknown pipeline", "pipeline_id", run.PipelineID, "run_id", run.RunID, "error", err)
		return
	}
	g := in.graph
	if g.Aborted {
		return
	}
	idx, ok := g.StageByRun(run.RunID)
	if !ok {
		idx, ok = runningStageOf(g, run.AgentName)
	}
	if !ok || g.Stages[idx].Status != StageRunning {
		debug.LogKV("pipeline", "run matches no running stage", "pipeline_id", in.id, "run_id", run.RunID, "agent", run.AgentName)
		return
	}
	if !e.recordRun(in, idx, run) {
		e.saveOrLog(in)
		return
	}
	if err := e.advance(ctx, in); err != nil {
		debug.LogKV("pipeline", "advancing pipeline failed", "id", in.id, "error", err)
	}
}

// recordRun applies the outcome of a stage run to stage idx and reports
// whether the stage finished. A retrying run only re-points the stage.
func (e *Engine) recordRun(in *instance, idx int, run *store.RunLog) bool {
	g := in.graph
	now := e.now()
	st := g.Stages[idx]

	var u StageUpdate
	switch run.Status {
	case store.StatusRetrying:
		g.Stages[idx].RunID = run.RunID
		g.record(now, st.Name(), fmt.Sprintf("attempt %d failed, retrying: %s", run.Attempt, run.Error))
		return false
	case store.StatusSuccess:
		u = StageUpdate{Status: StageSuccess, RunID: run.RunID, Verdict: run.Verdict, CostUSD: run.TotalCostUSD}
		if needsVerdict(st.Kind) && run.Verdict == nil {
			u = StageUpdate{Status: StageFailed, RunID: run.RunID, Error: "verdict parse error: no verdict in analyzer output", CostUSD: run.TotalCostUSD}
		}
	default:
		msg := run.Error
		if msg == "" {
			msg = "run " + string(run.Status)
		}
		u = StageUpdate{Status: StageFailed, RunID: run.RunID, Error: msg, CostUSD: run.TotalCostUSD}
	}
	if err := g.UpdateStage(idx, u, now); err != nil {
		debug.LogKV("pipeline", "stage update refused", "id", in.id, "stage", st.Name(), "error", err)
		return false
	}
	debug.LogKV("pipeline", "stage finished", "id", in.id, "stage", st.Name(), "status", u.Status, "run_id", run.RunID)
	e.publish(in, st.Name()+" "+string(u.Status))

	if in.linear != nil && st.Kind == StageImplementer && u.Status == StageSuccess {
		e.commitWorktree(in.linear, run)
	}
	return true
}

func (e *Engine) saveOrLog(in *instance) {
	if err := e.save(in); err != nil {
		debug.LogKV("pipeline", "saving pipeline failed", "id", in.id, "error", err)
	}
}

// Reconcile lines up the running stages of every open pipeline with the run
// ledger. Call it once the job manager has recovered. A stage whose run
// already finished gets that outcome; a stage whose trigger was still queued
// when the previous process stopped is started again.
func (e *Engine) Reconcile(ctx context.Context) error {
	summaries, err := e.opts.Store.Summaries()
	if err != nil {
		return err
	}
	var errs []error
	for _, sum := range summaries {
		if sum.Status.Terminal() {
			continue
		}
		if err := e.reconcile(ctx, sum.ID); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", sum.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) reconcile(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()
	in, err := e.load(id)
	if err != nil {
		return err
	}
	g := in.graph
	if g.Aborted {
		return nil
	}
	changed, moved := false, false
	for idx := range g.Stages {
		st := g.Stages[idx]
		if st.Status != StageRunning {
			continue
		}
		run, err := e.stageRun(in.id, st)
		if err != nil {
			return err
		}
		switch {
		case run == nil:
			debug.LogKV("pipeline", "restarting stage with lost trigger", "id", in.id, "stage", st.Name(), "agent", st.Agent)
			if err := g.UpdateStage(idx, StageUpdate{Status: StagePending}, e.now()); err != nil {
				return err
			}
			g.Current = idx
			moved = true
		case run.Running() || run.AwaitingRetry():
			if st.RunID != run.RunID {
				g.Stages[idx].RunID = run.RunID
				changed = true
			}
		default:
			if e.recordRun(in, idx, run) {
				moved = true
			}
			changed = true
		}
	}
	if moved {
		return e.advance(ctx, in)
	}
	if changed {
		return e.save(in)
	}
	return nil
}

// stageRun finds the latest run of a running stage: its recorded run
// followed through retries, or for a stage started from the trigger queue
// the newest run of its agent in this pipeline since the stage started. It
// returns nil when no run exists.
func (e *Engine) stageRun(pipelineID string, st Stage) (*store.RunLog, error) {
	var run *store.RunLog
	if st.RunID != "" {
		r, err := e.opts.Runner.Run(st.RunID)
		if err != nil && !errors.Is(err, store.ErrRunNotFound) {
			return nil, err
		}
		run = r
	} else {
		runs, err := e.opts.Runner.History(st.Agent, 0)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if r.PipelineID == pipelineID && (st.StartedAt == nil || !r.StartedAt.Before(*st.StartedAt)) {
				run = r
				break
			}
		}
	}
	for run != nil && run.RetryRunID != "" {
		next, err := e.opts.Runner.Run(run.RetryRunID)
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				break
			}
			return nil, err
		}
		run = next
	}
	return run, nil
}

// update applies u to stage idx and logs a refused change.
func (e *Engine) update(in *instance, idx int, u StageUpdate, now time.Time) bool {
	if err := in.graph.UpdateStage(idx, u, now); err != nil {
		e.logRefused(in, idx, err)
		return false
	}
	return true
}

func (e *Engine) skip(in *instance, idx int, reason string, now time.Time) {
	if err := in.graph.SkipStage(idx, reason, now); err != nil {
		e.logRefused(in, idx, err)
	}
}

func (e *Engine) logRefused(in *instance, idx int, err error) {
	stage := strconv.Itoa(idx)
	if idx >= 0 && idx < len(in.graph.Stages) {
		stage = in.graph.Stages[idx].Name()
	}
	debug.LogKV("pipeline", "stage change refused", "id", in.id, "stage", stage, "error", err)
}

func needsVerdict(k StageKind) bool {
	return k == StageAnalyzer || k == StagePhaseValidation
}

// runningStageOf finds the running stage of agent. Retries and queued
// triggers start runs whose id the stage has not seen yet.
func runningStageOf(g *Graph, agent string) (int, bool) {
	for i, s := range g.Stages {
		if s.Status == StageRunning && s.Agent == agent {
			return i, true
		}
	}
	return -1, false
}

// advance applies actions until the rules have nothing more to do, then
// saves the pipeline.
func (e *Engine) advance(ctx context.Context, in *instance) error {
	rules := in.rules()
	for i := 0; i <= 2*len(in.graph.Stages); i++ {
		a := rules(in.graph)
		if a.Kind == ActionNone {
			break
		}
		e.opts.Metrics.Transitions.WithLabelValues(string(in.variant()), string(a.Kind)).Inc()
		debug.LogKV("pipeline", "next action", "id", in.id, "action", a.Kind, "stage", a.Stage, "agent", a.Agent)
		if !e.apply(ctx, in, a) {
			break
		}
	}
	if err := e.save(in); err != nil {
		return fmt.Errorf("saving pipeline %s: %w", in.id, err)
	}
	if st := in.graph.Status(); st.Terminal() {
		e.publish(in, string(st))
	}
	return nil
}

// apply performs a and reports whether the rules should be consulted again.
func (e *Engine) apply(ctx context.Context, in *instance, a Action) bool {
	g := in.graph
	now := e.now()
	switch a.Kind {
	case ActionTriggerImplementer, ActionTriggerAnalyzer, ActionTriggerQA, ActionTriggerMerger, ActionTriggerPhase, ActionTriggerValidation:
		st := g.Stages[a.Stage]
		if st.Status.done() {
			g.Current = g.firstOpen()
			return g.Current != a.Stage
		}
		if a.Agent == "" {
			if err := g.SkipStage(a.Stage, "no agent bound to stage", now); err != nil {
				e.logRefused(in, a.Stage, err)
				return false
			}
			return true
		}
		e.trigger(ctx, in, a)
		return false

	case ActionRelaunchSession, ActionRetryPhase:
		exec := g.Stages[a.Stage]
		review := a.Stage + 1
		if exec.Attempt >= MaxRevisions {
			g.Current = review
			e.update(in, review, StageUpdate{Status: StageBlocked, Error: fmt.Sprintf("revision limit of %d reached", MaxRevisions)}, now)
			return false
		}
		if !e.update(in, review, StageUpdate{Status: StagePending}, now) {
			return false
		}
		e.trigger(ctx, in, a)
		return false

	case ActionComplete:
		for i, s := range g.Stages {
			if !s.Status.done() && s.Status != StageRunning {
				e.skip(in, i, "not needed", now)
			}
		}
		e.closeWorktree(in)
		debug.LogKV("pipeline", "pipeline completed", "id", in.id)
		return false

	case ActionFail:
		g.Current = a.Stage
		e.update(in, a.Stage, StageUpdate{Status: StageFailed, Error: a.Reason}, now)
		for i := a.Stage + 1; i < len(g.Stages); i++ {
			if g.Stages[i].Status == StagePending {
				e.skip(in, i, reasonAfterFailure, now)
			}
		}
		e.closeWorktree(in)
		debug.LogKV("pipeline", "pipeline failed", "id", in.id, "reason", a.Reason)
		return false

	case ActionEscalate:
		g.Current = a.Stage
		e.update(in, a.Stage, StageUpdate{Status: StageBlocked, Error: a.Reason}, now)
		debug.LogKV("pipeline", "escalated to a human", "id", in.id, "phase", a.Phase, "reason", a.Reason)
		return false
	}
	return false
}

// trigger starts the run for a's stage and marks the stage running. A refused
// trigger fails the stage, which blocks the pipeline until retried.
func (e *Engine) trigger(ctx context.Context, in *instance, a Action) {
	g := in.graph
	st := g.Stages[a.Stage]
	opts := jobs.TriggerOptions{
		Kind:        store.TriggerPipeline,
		Prompt:      e.stagePrompt(in, a),
		Label:       string(st.Kind),
		PipelineID:  in.id,
		ParentRunID: a.RunID,
		Env: map[string]string{
			"NOLAN_PIPELINE_STAGE": st.Name(),
		},
	}
	if a.Kind == ActionRelaunchSession || a.Kind == ActionRetryPhase {
		opts.ParentRunID = ""
		if prev, err := e.opts.Runner.Run(a.RunID); err == nil {
			opts.ResumeToken = prev.ResumeToken
		}
	}
	if p := in.linear; p != nil {
		opts.WorktreePath, opts.WorktreeBranch, opts.BaseCommit = p.WorktreePath, p.WorktreeBranch, p.BaseCommit
	}
	if tp := in.team; tp != nil {
		opts.Env["NOLAN_TEAM"] = tp.Team
		if tp.DocsPath != "" {
			opts.Env["NOLAN_DOCS_PATH"] = tp.DocsPath
		}
	}

	now := e.now()
	run, err := e.opts.Runner.Trigger(ctx, a.Agent, opts)
	switch {
	case err == nil:
		e.update(in, a.Stage, StageUpdate{Status: StageRunning, Agent: a.Agent, RunID: run.RunID}, now)
	case errors.Is(err, jobs.ErrQueued):
		e.update(in, a.Stage, StageUpdate{Status: StageRunning, Agent: a.Agent}, now)
	default:
		g.Current = a.Stage
		e.update(in, a.Stage, StageUpdate{Status: StageFailed, Agent: a.Agent, Error: err.Error()}, now)
		debug.LogKV("pipeline", "stage trigger failed", "id", in.id, "stage", st.Name(), "agent", a.Agent, "error", err)
	}
	e.publish(in, st.Name()+" "+string(g.Stages[a.Stage].Status))
}

// Skip marks a stage skipped and lets the pipeline continue past it.
func (e *Engine) Skip(ctx context.Context, id, stage, reason string) error {
	unlock := e.lock(id)
	defer unlock()
	in, err := e.load(id)
	if err != nil {
		return err
	}
	idx, err := in.graph.Find(stage)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "skipped by user"
	}
	if err := in.graph.SkipStage(idx, reason, e.now()); err != nil {
		return err
	}
	debug.LogKV("pipeline", "stage skipped", "id", id, "stage", in.graph.Stages[idx].Name(), "reason", reason)
	return e.advance(ctx, in)
}

// Retry starts a stage again. Stages skipped because it failed become
// pending again.
func (e *Engine) Retry(ctx context.Context, id, stage string) error {
	unlock := e.lock(id)
	defer unlock()
	in, err := e.load(id)
	if err != nil {
		return err
	}
	g := in.graph
	if g.Aborted {
		return ErrAborted
	}
	idx, err := g.Find(stage)
	if err != nil {
		return err
	}
	if g.Stages[idx].Status == StageRunning {
		return fmt.Errorf("%w: stage %s is running", ErrInvalidTransition, g.Stages[idx].Name())
	}
	if !g.predecessorsDone(idx) {
		return fmt.Errorf("%w: earlier stages of %s are not done", ErrInvalidTransition, g.Stages[idx].Name())
	}
	now := e.now()
	if err := g.UpdateStage(idx, StageUpdate{Status: StagePending}, now); err != nil {
		return err
	}
	for i := idx + 1; i < len(g.Stages); i++ {
		if g.Stages[i].Status == StageSkipped && g.Stages[i].SkipReason == reasonAfterFailure {
			e.update(in, i, StageUpdate{Status: StagePending}, now)
		}
	}
	g.Current = idx
	debug.LogKV("pipeline", "stage retried", "id", id, "stage", g.Stages[idx].Name())
	return e.advance(ctx, in)
}

// Abort stops a pipeline for good and cancels its running stage runs.
func (e *Engine) Abort(ctx context.Context, id, reason string) error {
	unlock := e.lock(id)
	defer unlock()
	in, err := e.load(id)
	if err != nil {
		return err
	}
	if in.graph.Aborted {
		return ErrAborted
	}
	if reason == "" {
		reason = "aborted by user"
	}
	for _, s := range in.graph.Stages {
		if s.Status == StageRunning && s.RunID != "" {
			if err := e.opts.Runner.CancelRun(s.RunID); err != nil {
				debug.LogKV("pipeline", "cancelling stage run", "id", id, "run_id", s.RunID, "error", err)
			}
		}
	}
	in.graph.Abort(reason, e.now())
	e.closeWorktree(in)
	e.opts.Metrics.Transitions.WithLabelValues(string(in.variant()), "abort").Inc()
	debug.LogKV("pipeline", "pipeline aborted", "id", id, "reason", reason)
	if err := e.save(in); err != nil {
		return err
	}
	e.publish(in, string(StatusAborted))
	return nil
}

// Complete closes a pipeline by hand, skipping whatever is left.
func (e *Engine) Complete(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()
	in, err := e.load(id)
	if err != nil {
		return err
	}
	g := in.graph
	if g.Aborted {
		return ErrAborted
	}
	for _, s := range g.Stages {
		if s.Status == StageRunning {
			return fmt.Errorf("%w: stage %s is still running", ErrInvalidTransition, s.Name())
		}
	}
	now := e.now()
	for i, s := range g.Stages {
		if !s.Status.done() {
			if err := g.SkipStage(i, "completed manually", now); err != nil {
				return err
			}
		}
	}
	e.closeWorktree(in)
	debug.LogKV("pipeline", "pipeline completed manually", "id", id)
	if err := e.save(in); err != nil {
		return err
	}
	e.publish(in, string(StatusCompleted))
	return nil
}

// Get returns a pipeline of either shape.
func (e *Engine) Get(id string) (any, error) {
	in, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if in.team != nil {
		return in.team, nil
	}
	return in.linear, nil
}

// List summarizes every pipeline, newest first.
func (e *Engine) List() ([]Summary, error) {
	return e.opts.Store.Summaries()
}

// ActiveWorktrees returns the worktree paths of pipelines still in flight.
func (e *Engine) ActiveWorktrees() map[string]bool {
	keep := make(map[string]bool)
	linear, err := e.opts.Store.ListPipelines()
	if err != nil {
		return keep
	}
	for _, p := range linear {
		if p.WorktreePath != "" && !p.Status().Terminal() {
			keep[p.WorktreePath] = true
		}
	}
	return keep
}

// Repositories lists the repositories linear pipelines have worktrees in.
func (e *Engine) Repositories() []string {
	linear, err := e.opts.Store.ListPipelines()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var repos []string
	for _, p := range linear {
		if p.RepoPath != "" && !seen[p.RepoPath] {
			seen[p.RepoPath] = true
			repos = append(repos, p.RepoPath)
		}
	}
	return repos
}

func (e *Engine) commitWorktree(p *Pipeline, run *store.RunLog) {
	if p.WorktreePath == "" || p.RepoPath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	msg := fmt.Sprintf("nolan: %s (pipeline %s, run %s)", p.IdeaTitle, p.ID, run.RunID)
	hash, ok, err := worktree.NewManager(p.RepoPath).AutoCommitIfDirty(ctx, p.WorktreePath, msg)
	if err != nil {
		debug.LogKV("pipeline", "auto-commit failed", "id", p.ID, "error", err)
		return
	}
	if ok {
		debug.LogKV("pipeline", "implementer changes committed", "id", p.ID, "commit", hash)
	}
}

// closeWorktree removes a finished linear pipeline's checkout, keeping its
// branch.
func (e *Engine) closeWorktree(in *instance) {
	p := in.linear
	if p == nil || p.WorktreePath == "" || p.RepoPath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := worktree.NewManager(p.RepoPath).Remove(ctx, p.WorktreePath, ""); err != nil {
		debug.LogKV("pipeline", "removing worktree failed", "id", p.ID, "error", err)
	}
}
