package config

import (
	"time"
)

// DefaultCommand is the agent CLI used when neither the agent nor the
// settings name one.
const DefaultCommand = "claude"

// AgentConfig is one agent definition, stored as agents/<name>.yaml.
type AgentConfig struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Model          string   `yaml:"model,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        bool     `yaml:"enabled"`
	Role           Role     `yaml:"role,omitempty"`
	Command        string   `yaml:"command,omitempty"`
	Args           []string `yaml:"args,omitempty"`
	Prompt         string   `yaml:"prompt,omitempty"`

	Env             map[string]string `yaml:"env,omitempty"`
	Triggers        Triggers          `yaml:"triggers,omitempty"`
	Guardrails      Guardrails        `yaml:"guardrails,omitempty"`
	Concurrency     Concurrency       `yaml:"concurrency,omitempty"`
	Retry           RetryPolicy       `yaml:"retry,omitempty"`
	CatchUp         CatchUpPolicy     `yaml:"catch_up,omitempty"`
	Worktree        WorktreeConfig    `yaml:"worktree,omitempty"`
	PostRunAnalyzer *PostRunAnalyzer  `yaml:"post_run_analyzer,omitempty"`

	// Team is set by the loader for agents found under teams/<team>/agents.
	Team string `yaml:"-"`
	// Path is the file the definition was read from.
	Path string `yaml:"-"`
}

// Triggers lists the ways an agent can be started besides a manual trigger.
type Triggers struct {
	// Cron is a schedule embedded in the agent file. It becomes an implicit
	// schedule named <agent>-legacy.
	Cron          string   `yaml:"cron,omitempty"`
	Manual        bool     `yaml:"manual,omitempty"`
	Events        []string `yaml:"events,omitempty"`
	PipelineStage string   `yaml:"pipeline_stage,omitempty"`
}

// Guardrails restrict what a running agent may do.
type Guardrails struct {
	AllowedTools   []string `yaml:"allowed_tools,omitempty"`
	ForbiddenPaths []string `yaml:"forbidden_paths,omitempty"`
	MaxFileEdits   int      `yaml:"max_file_edits,omitempty"`
}

// Empty reports whether no guardrail is configured.
func (g Guardrails) Empty() bool {
	return len(g.AllowedTools) == 0 && len(g.ForbiddenPaths) == 0 && g.MaxFileEdits <= 0
}

// Concurrency is the per-agent parallelism policy.
type Concurrency struct {
	AllowParallel  bool `yaml:"allow_parallel,omitempty"`
	QueueIfRunning bool `yaml:"queue_if_running,omitempty"`
}

// RetryPolicy bounds automatic re-runs of failed or timed out runs.
type RetryPolicy struct {
	Enabled            bool `yaml:"enabled,omitempty"`
	MaxAttempts        int  `yaml:"max_attempts,omitempty"`
	DelaySeconds       int  `yaml:"delay_seconds,omitempty"`
	ExponentialBackoff bool `yaml:"exponential_backoff,omitempty"`
}

// ShouldRetry reports whether a run that ended at attempt may be retried.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return p.Enabled && attempt < p.MaxAttempts
}

// Delay returns how long to wait before starting attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(p.DelaySeconds) * time.Second
	if !p.ExponentialBackoff || attempt <= 1 {
		return d
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	return d << shift
}

// CatchUpPolicy decides what happens to scheduled fires missed while the
// daemon was down.
type CatchUpPolicy string

const (
	CatchUpSkip    CatchUpPolicy = "skip"
	CatchUpRunOnce CatchUpPolicy = "run_once"
	CatchUpRunAll  CatchUpPolicy = "run_all"
)

// WorktreeConfig enables running the agent in its own git worktree.
type WorktreeConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	RepoPath   string `yaml:"repo_path,omitempty"`
	BaseBranch string `yaml:"base_branch,omitempty"`
}

// PostRunAnalyzer names an agent that reviews this agent's output after
// each run whose status is listed in On.
type PostRunAnalyzer struct {
	Agent string   `yaml:"agent"`
	On    []string `yaml:"on,omitempty"`
}

// Matches reports whether a run that ended with status should be analyzed.
func (p *PostRunAnalyzer) Matches(status string) bool {
	if p == nil || p.Agent == "" {
		return false
	}
	if len(p.On) == 0 {
		return status == "success"
	}
	for _, s := range p.On {
		if s == status {
			return true
		}
	}
	return false
}

// EffectiveRole returns the configured role, or the one inferred from the name.
func (c *AgentConfig) EffectiveRole() Role {
	if c.Role != "" {
		return c.Role
	}
	return InferRole(c.Name)
}

// Timeout returns the run timeout, zero meaning none.
func (c *AgentConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EffectiveCatchUp defaults to skip.
func (c *AgentConfig) EffectiveCatchUp() CatchUpPolicy {
	switch c.CatchUp {
	case CatchUpRunOnce, CatchUpRunAll:
		return c.CatchUp
	default:
		return CatchUpSkip
	}
}

// ListensTo reports whether the agent is triggered by the named event.
func (c *AgentConfig) ListensTo(event string) bool {
	for _, e := range c.Triggers.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Validate checks the fields a store write depends on.
func (c *AgentConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.Role != "" && !ValidRole(c.Role) {
		return &ValidationError{Field: "role", Value: string(c.Role), Reason: "unknown role"}
	}
	switch c.CatchUp {
	case "", CatchUpSkip, CatchUpRunOnce, CatchUpRunAll:
	default:
		return &ValidationError{Field: "catch_up", Value: string(c.CatchUp), Reason: "must be skip, run_once or run_all"}
	}
	if c.TimeoutSeconds < 0 {
		return &ValidationError{Field: "timeout_seconds", Value: "negative", Reason: "must be zero or positive"}
	}
	return nil
}
