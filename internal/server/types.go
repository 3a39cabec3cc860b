package server

import (
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// Wire types shared with internal/client.

type errorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Ready       bool `json:"ready"`
	Running     int  `json:"running"`
	Queued      int  `json:"queued"`
	Subscribers int  `json:"subscribers"`
}

type AgentInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Role        config.Role `json:"role"`
	Enabled     bool        `json:"enabled"`
	Team        string      `json:"team,omitempty"`
	Health      jobs.Health `json:"health"`
}

func agentInfo(cfg *config.AgentConfig, h jobs.Health) AgentInfo {
	return AgentInfo{
		Name:        cfg.Name,
		Description: cfg.Description,
		Role:        cfg.EffectiveRole(),
		Enabled:     cfg.Enabled,
		Team:        cfg.Team,
		Health:      h,
	}
}

type TriggerRequest struct {
	Prompt      string `json:"prompt,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Label       string `json:"label,omitempty"`
}

type TriggerResponse struct {
	Queued bool          `json:"queued"`
	Run    *store.RunLog `json:"run,omitempty"`
}

type CancelResponse struct {
	RunIDs []string `json:"run_ids"`
}

type RunningRun struct {
	RunID        string    `json:"run_id"`
	AgentName    string    `json:"agent_name"`
	StartedAt    time.Time `json:"started_at"`
	PID          int       `json:"pid,omitempty"`
	SessionName  string    `json:"session_name,omitempty"`
	LogFile      string    `json:"log_file,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	PipelineID   string    `json:"pipeline_id,omitempty"`
	Cancelling   bool      `json:"cancelling,omitempty"`
}

func runningRun(p running.Process) RunningRun {
	return RunningRun{
		RunID:        p.RunID,
		AgentName:    p.AgentName,
		StartedAt:    p.StartedAt,
		PID:          p.PID,
		SessionName:  p.SessionName,
		LogFile:      p.LogFile,
		WorktreePath: p.WorktreePath,
		PipelineID:   p.PipelineID,
		Cancelling:   p.Cancel.IsSet(),
	}
}

type EmitResponse struct {
	Runs  []*store.RunLog `json:"runs"`
	Error string          `json:"error,omitempty"`
}

type StageRequest struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TeamPipelineRequest struct {
	Team   string `json:"team"`
	Prompt string `json:"prompt,omitempty"`
}
