package pipeline

import (
	"fmt"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
)

// Variant tells the two pipeline shapes apart in listings.
type Variant string

const (
	VariantLinear Variant = "linear"
	VariantTeam   Variant = "team"
)

// Pipeline is the fixed implementer, analyzer, qa, merger chain for one idea.
type Pipeline struct {
	ID             string            `json:"id"`
	IdeaID         string            `json:"idea_id,omitempty"`
	IdeaTitle      string            `json:"idea_title"`
	Prompt         string            `json:"prompt,omitempty"`
	RepoPath       string            `json:"repo_path,omitempty"`
	WorktreePath   string            `json:"worktree_path,omitempty"`
	WorktreeBranch string            `json:"worktree_branch,omitempty"`
	BaseCommit     string            `json:"base_commit,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Graph
}

// LinearStages is the fixed stage order of a Pipeline.
var LinearStages = []StageKind{StageImplementer, StageAnalyzer, StageQA, StageMerger}

// NewPipeline builds a pipeline with all four stages pending. agents maps a
// stage kind to the agent bound to it.
func NewPipeline(id, title string, agents map[StageKind]string, now time.Time) *Pipeline {
	now = now.UTC()
	p := &Pipeline{ID: id, IdeaTitle: title}
	for _, k := range LinearStages {
		p.Stages = append(p.Stages, Stage{Kind: k, Status: StagePending, Agent: agents[k]})
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return p
}

// Rules returns the pipeline's transition function.
func (p *Pipeline) Rules() Rules {
	return LinearRules(p.WorktreePath != "")
}

// TeamPipeline runs a team's phases in order, each executed by its owner and
// checked by a validator.
type TeamPipeline struct {
	ID               string    `json:"id"`
	Team             string    `json:"team"`
	Project          string    `json:"project,omitempty"`
	DocsPath         string    `json:"docs_path,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	CurrentPhase     string    `json:"current_phase"`
	CurrentStageType StageKind `json:"current_stage_type"`
	Graph
}

// NewTeamPipeline expands the team's phases into an execution and a
// validation stage each. The first execution stage starts out Running.
func NewTeamPipeline(id string, team *config.TeamConfig, now time.Time) (*TeamPipeline, error) {
	if len(team.Phases) == 0 {
		return nil, &config.ValidationError{Field: "phases", Value: team.Name, Reason: "team has no phases"}
	}
	now = now.UTC()
	tp := &TeamPipeline{ID: id, Team: team.Name, Project: team.Project, DocsPath: team.DocsPath}
	for _, ph := range team.Phases {
		if ph.Name == "" || ph.Owner == "" {
			return nil, &config.ValidationError{Field: "phases", Value: team.Name, Reason: fmt.Sprintf("phase %q needs a name and an owner", ph.Name)}
		}
		tp.Stages = append(tp.Stages,
			Stage{Kind: StagePhaseExecution, Phase: ph.Name, Status: StagePending, Agent: ph.Owner},
			Stage{Kind: StagePhaseValidation, Phase: ph.Name, Status: StagePending, Agent: team.ValidatorFor(ph.Name)},
		)
	}
	tp.Stages[0].Status = StageRunning
	tp.Stages[0].StartedAt = &now
	tp.CreatedAt, tp.UpdatedAt = now, now
	tp.sync()
	return tp, nil
}

// sync mirrors the current stage into CurrentPhase and CurrentStageType.
func (tp *TeamPipeline) sync() {
	if s := tp.CurrentStage(); s != nil {
		tp.CurrentPhase = s.Phase
		tp.CurrentStageType = s.Kind
	}
}

// Rules returns the team transition function.
func (tp *TeamPipeline) Rules() Rules {
	return TeamRules
}

// Summary is the listing view of either shape.
type Summary struct {
	ID        string    `json:"id"`
	Variant   Variant   `json:"variant"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Stage     string    `json:"stage"`
	Stages    int       `json:"stages"`
	CostUSD   float64   `json:"total_cost_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the listing view of p.
func (p *Pipeline) Summary() Summary {
	return summarize(p.ID, VariantLinear, p.IdeaTitle, &p.Graph)
}

// Summary returns the listing view of tp.
func (tp *TeamPipeline) Summary() Summary {
	title := tp.Team
	if tp.Project != "" {
		title += ": " + tp.Project
	}
	return summarize(tp.ID, VariantTeam, title, &tp.Graph)
}

func summarize(id string, v Variant, title string, g *Graph) Summary {
	s := Summary{ID: id, Variant: v, Title: title, Status: g.Status(), Stages: len(g.Stages), CostUSD: g.TotalCostUSD, UpdatedAt: g.UpdatedAt}
	if cur := g.CurrentStage(); cur != nil {
		s.Stage = cur.Name()
	}
	return s
}
