// Package pipeline chains agent runs into multi-stage pipelines whose
// analyzer verdicts pick the next step.
//
// Both pipeline shapes share one Graph: an ordered stage list, the index of
// the current stage and an event history. A shape only contributes its rule
// function, which maps the current stage to the next Action. Overall status
// is never stored; it is derived from the stage statuses.
package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// StageKind names what a stage does.
type StageKind string

const (
	StageImplementer     StageKind = "implementer"
	StageAnalyzer        StageKind = "analyzer"
	StageQA              StageKind = "qa"
	StageMerger          StageKind = "merger"
	StagePhaseExecution  StageKind = "phase_execution"
	StagePhaseValidation StageKind = "phase_validation"
)

// StageStatus is the state of one stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
	StageBlocked StageStatus = "blocked"
)

func (s StageStatus) done() bool {
	return s == StageSuccess || s == StageSkipped
}

// Status is a pipeline's derived overall status.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether nothing more will happen without a human.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Stage is one step of a pipeline.
type Stage struct {
	Kind        StageKind      `json:"kind"`
	Phase       string         `json:"phase,omitempty"`
	Status      StageStatus    `json:"status"`
	Agent       string         `json:"agent,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Verdict     *store.Verdict `json:"verdict,omitempty"`
	SkipReason  string         `json:"skip_reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempt     int            `json:"attempt"`
}

// Name identifies the stage in commands: the kind for linear stages,
// "<phase>/<kind>" for team stages.
func (s Stage) Name() string {
	if s.Phase == "" {
		return string(s.Kind)
	}
	return s.Phase + "/" + string(s.Kind)
}

// Event is one entry of a pipeline's history.
type Event struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Graph is the state shared by both pipeline shapes.
type Graph struct {
	Stages       []Stage   `json:"stages"`
	Current      int       `json:"current_stage"`
	Events       []Event   `json:"events,omitempty"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	Aborted      bool      `json:"aborted,omitempty"`
	AbortReason  string    `json:"abort_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeriveStatus computes the overall status from stage statuses alone.
//
// Aborted wins, then any Blocked stage. All stages done is Completed; any
// Running stage is InProgress. A Failed stage is terminal only when no
// Pending stage follows it; with pending work behind it the pipeline is
// Blocked and can be retried.
func DeriveStatus(stages []Stage, aborted bool) Status {
	if aborted {
		return StatusAborted
	}
	allDone := true
	running := false
	for _, s := range stages {
		switch s.Status {
		case StageBlocked:
			return StatusBlocked
		case StageRunning:
			running = true
		}
		if !s.Status.done() {
			allDone = false
		}
	}
	if allDone {
		return StatusCompleted
	}
	if running {
		return StatusInProgress
	}
	for i, s := range stages {
		if s.Status != StageFailed {
			continue
		}
		for _, later := range stages[i+1:] {
			if later.Status == StagePending {
				return StatusBlocked
			}
		}
		return StatusFailed
	}
	return StatusInProgress
}

// Status derives the overall status.
func (g *Graph) Status() Status {
	return DeriveStatus(g.Stages, g.Aborted)
}

// CurrentStage returns the current stage, or nil for an empty graph.
func (g *Graph) CurrentStage() *Stage {
	if g.Current < 0 || g.Current >= len(g.Stages) {
		return nil
	}
	return &g.Stages[g.Current]
}

// StageByRun returns the index of the stage that ran runID.
func (g *Graph) StageByRun(runID string) (int, bool) {
	for i, s := range g.Stages {
		if runID != "" && s.RunID == runID {
			return i, true
		}
	}
	return -1, false
}

// Find resolves a stage reference: an index, a stage name or a kind.
// A bare kind matches the first stage of that kind.
func (g *Graph) Find(ref string) (int, error) {
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 0 || idx >= len(g.Stages) {
			return -1, fmt.Errorf("%w: index %d out of range", ErrUnknownStage, idx)
		}
		return idx, nil
	}
	for i, s := range g.Stages {
		if s.Name() == ref {
			return i, nil
		}
	}
	for i, s := range g.Stages {
		if string(s.Kind) == ref {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownStage, ref)
}

// StageUpdate is the change UpdateStage applies.
type StageUpdate struct {
	Status  StageStatus
	Agent   string
	RunID   string
	Verdict *store.Verdict
	Error   string
	CostUSD float64
}

// UpdateStage changes one stage. Moving a stage to Running makes it current,
// stamps its start, bumps its attempt and clears the previous outcome.
func (g *Graph) UpdateStage(idx int, u StageUpdate, now time.Time) error {
	if idx < 0 || idx >= len(g.Stages) {
		return fmt.Errorf("%w: index %d out of range", ErrUnknownStage, idx)
	}
	if g.Aborted {
		return ErrAborted
	}
	s := &g.Stages[idx]
	now = now.UTC()
	s.Status = u.Status
	if u.Agent != "" {
		s.Agent = u.Agent
	}
	switch u.Status {
	case StageRunning:
		g.Current = idx
		s.RunID = u.RunID
		s.StartedAt = &now
		s.CompletedAt = nil
		s.Verdict = nil
		s.Error = ""
		s.SkipReason = ""
		s.Attempt++
	case StagePending:
		s.RunID = ""
		s.StartedAt = nil
		s.CompletedAt = nil
		s.Verdict = nil
		s.Error = ""
		s.SkipReason = ""
	default:
		if u.RunID != "" {
			s.RunID = u.RunID
		}
		s.CompletedAt = &now
		if u.Verdict != nil {
			s.Verdict = u.Verdict
		}
		s.Error = u.Error
	}
	g.TotalCostUSD += u.CostUSD
	g.record(now, s.Name(), stageMessage(s))
	return nil
}

func stageMessage(s *Stage) string {
	msg := string(s.Status)
	if s.Agent != "" {
		msg += " (" + s.Agent + ")"
	}
	if s.Verdict != nil {
		msg += " verdict=" + string(s.Verdict.Kind)
	}
	if s.Error != "" {
		msg += ": " + s.Error
	}
	return msg
}

// SkipStage marks a stage Skipped and moves current to the first stage that
// is neither Success nor Skipped.
func (g *Graph) SkipStage(idx int, reason string, now time.Time) error {
	if idx < 0 || idx >= len(g.Stages) {
		return fmt.Errorf("%w: index %d out of range", ErrUnknownStage, idx)
	}
	if g.Aborted {
		return ErrAborted
	}
	s := &g.Stages[idx]
	if s.Status == StageRunning {
		return fmt.Errorf("%w: stage %s is running", ErrInvalidTransition, s.Name())
	}
	s.Status = StageSkipped
	s.SkipReason = reason
	g.Current = g.firstOpen()
	g.record(now.UTC(), s.Name(), "skipped: "+reason)
	return nil
}

// firstOpen returns the first stage that is neither Success nor Skipped, or
// the last index when every stage is done.
func (g *Graph) firstOpen() int {
	for i, s := range g.Stages {
		if !s.Status.done() {
			return i
		}
	}
	return len(g.Stages) - 1
}

// Abort terminates the pipeline regardless of stage state.
func (g *Graph) Abort(reason string, now time.Time) {
	g.Aborted = true
	g.AbortReason = reason
	g.record(now.UTC(), "", "aborted: "+reason)
}

func (g *Graph) record(now time.Time, stage, msg string) {
	g.UpdatedAt = now
	g.Events = append(g.Events, Event{At: now, Stage: stage, Message: msg})
}

// predecessorsDone reports whether every stage before idx is done.
func (g *Graph) predecessorsDone(idx int) bool {
	for _, s := range g.Stages[:idx] {
		if !s.Status.done() {
			return false
		}
	}
	return true
}
