package pipeline

import (
	"errors"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

var (
	ErrNotFound          = errors.New("pipeline not found")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrAborted           = errors.New("pipeline aborted")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// ActionKind is what the engine does next.
type ActionKind string

const (
	ActionNone               ActionKind = "none"
	ActionTriggerImplementer ActionKind = "trigger_implementer"
	ActionTriggerAnalyzer    ActionKind = "trigger_analyzer"
	ActionTriggerQA          ActionKind = "trigger_qa"
	ActionTriggerMerger      ActionKind = "trigger_merger"
	ActionTriggerPhase       ActionKind = "trigger_phase"
	ActionTriggerValidation  ActionKind = "trigger_validation"
	ActionRetryPhase         ActionKind = "retry_phase"
	ActionRelaunchSession    ActionKind = "relaunch_session"
	ActionComplete           ActionKind = "complete"
	ActionFail               ActionKind = "fail"
	ActionEscalate           ActionKind = "escalate"
)

// Action is the outcome of a rule function.
type Action struct {
	Kind ActionKind
	// Stage is the index the action starts or marks.
	Stage int
	Agent string
	Phase string
	// RunID is the run the action builds on: the implementer run an analyzer
	// reviews, or the session a relaunch resumes.
	RunID  string
	Prompt string
	Reason string
}

// Rules maps a graph's current stage to the next action.
type Rules func(g *Graph) Action

var none = Action{Kind: ActionNone, Stage: -1}

// LinearRules is the transition table of the four-stage pipeline. QA and
// merge only make sense with a worktree, so without one an analyzer's
// Complete verdict completes the pipeline.
func LinearRules(hasWorktree bool) Rules {
	return func(g *Graph) Action {
		if g.Aborted {
			return none
		}
		cur := g.CurrentStage()
		if cur == nil {
			return none
		}
		idx := g.Current
		if cur.Status == StagePending && g.predecessorsDone(idx) {
			return triggerLinear(g, idx)
		}
		if cur.Status != StageSuccess {
			return none
		}
		switch cur.Kind {
		case StageImplementer:
			return Action{Kind: ActionTriggerAnalyzer, Stage: idx + 1, Agent: g.Stages[idx+1].Agent, RunID: cur.RunID}
		case StageAnalyzer:
			if cur.Verdict == nil {
				return none
			}
			impl := g.Stages[0]
			switch cur.Verdict.Kind {
			case store.VerdictComplete:
				if hasWorktree {
					return Action{Kind: ActionTriggerQA, Stage: idx + 1, Agent: g.Stages[idx+1].Agent, RunID: impl.RunID}
				}
				return Action{Kind: ActionComplete, Stage: idx}
			case store.VerdictFollowup, store.VerdictRevision:
				return Action{Kind: ActionRelaunchSession, Stage: 0, Agent: impl.Agent, RunID: impl.RunID, Prompt: followupPrompt(cur.Verdict)}
			case store.VerdictFailed:
				return Action{Kind: ActionFail, Stage: idx, Reason: verdictReason(cur.Verdict)}
			}
		case StageQA:
			return Action{Kind: ActionTriggerMerger, Stage: idx + 1, Agent: g.Stages[idx+1].Agent, RunID: g.Stages[0].RunID}
		case StageMerger:
			return Action{Kind: ActionComplete, Stage: idx}
		}
		return none
	}
}

func triggerLinear(g *Graph, idx int) Action {
	s := g.Stages[idx]
	a := Action{Stage: idx, Agent: s.Agent, RunID: g.Stages[0].RunID}
	switch s.Kind {
	case StageImplementer:
		a.Kind, a.RunID = ActionTriggerImplementer, ""
	case StageAnalyzer:
		a.Kind = ActionTriggerAnalyzer
	case StageQA:
		a.Kind = ActionTriggerQA
	case StageMerger:
		a.Kind = ActionTriggerMerger
	default:
		return none
	}
	return a
}

// TeamRules is the transition table of a team pipeline: every phase runs an
// execution stage, then its validation; the validator's verdict advances,
// revises or escalates.
func TeamRules(g *Graph) Action {
	if g.Aborted {
		return none
	}
	cur := g.CurrentStage()
	if cur == nil {
		return none
	}
	idx := g.Current
	switch {
	case cur.Kind == StagePhaseExecution && cur.Status == StageSuccess:
		return triggerValidation(g, idx+1)
	case cur.Kind == StagePhaseExecution && cur.Status == StagePending && g.predecessorsDone(idx):
		return Action{Kind: ActionTriggerPhase, Stage: idx, Agent: cur.Agent, Phase: cur.Phase}
	case cur.Kind == StagePhaseValidation && cur.Status == StagePending && idx > 0 && g.Stages[idx-1].Status == StageSuccess:
		return triggerValidation(g, idx)
	case cur.Kind == StagePhaseValidation && cur.Status == StageSuccess && cur.Verdict != nil:
		exec := g.Stages[idx-1]
		switch cur.Verdict.Kind {
		case store.VerdictComplete:
			next, ok := FindNextPhase(g, cur.Phase)
			if !ok {
				return Action{Kind: ActionComplete, Stage: idx}
			}
			s := g.Stages[next]
			return Action{Kind: ActionTriggerPhase, Stage: next, Agent: s.Agent, Phase: s.Phase}
		case store.VerdictRevision, store.VerdictFollowup:
			return Action{Kind: ActionRetryPhase, Stage: idx - 1, Agent: exec.Agent, Phase: exec.Phase, RunID: exec.RunID, Prompt: followupPrompt(cur.Verdict)}
		case store.VerdictFailed:
			return Action{Kind: ActionEscalate, Stage: idx, Phase: cur.Phase, Reason: verdictReason(cur.Verdict)}
		}
	}
	return none
}

func triggerValidation(g *Graph, idx int) Action {
	if idx <= 0 || idx >= len(g.Stages) || g.Stages[idx].Kind != StagePhaseValidation {
		return none
	}
	v := g.Stages[idx]
	return Action{Kind: ActionTriggerValidation, Stage: idx, Agent: v.Agent, Phase: v.Phase, RunID: g.Stages[idx-1].RunID}
}

// FindNextPhase walks the stages in phase order and returns the index of the
// first execution stage of the phase after phase.
func FindNextPhase(g *Graph, phase string) (int, bool) {
	seen := false
	for i, s := range g.Stages {
		if s.Kind != StagePhaseExecution {
			continue
		}
		if seen && s.Phase != phase {
			return i, true
		}
		if s.Phase == phase {
			seen = true
		}
	}
	return -1, false
}

func followupPrompt(v *store.Verdict) string {
	if v.FollowupPrompt != "" {
		return v.FollowupPrompt
	}
	return v.Reason
}

func verdictReason(v *store.Verdict) string {
	if v.Reason != "" {
		return v.Reason
	}
	return "analyzer verdict: " + string(v.Kind)
}
