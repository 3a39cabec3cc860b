// Package executor starts agent runs inside terminal sessions.
//
// Launch returns as soon as the session exists. The process writes its exit
// code to <run_dir>/exit_code; the job manager's monitor polls for it and
// produces the final run record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/session"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/stream"
)

// Request describes one run to launch.
type Request struct {
	// RunID is allocated by Launch when empty.
	RunID   string
	Agent   *config.AgentConfig
	Trigger store.TriggerKind
	// Prompt replaces the agent's configured prompt when set.
	Prompt      string
	ResumeToken string
	// WorkDir is where the agent runs, usually a worktree. Empty means the
	// run directory.
	WorkDir string
	// LogFile defaults to <run_dir>/output.log.
	LogFile string
	Env     map[string]string
}

// Launch is what the executor returns once the session is up.
type Launch struct {
	RunID       string
	SessionName string
	RunDir      string
	LogFile     string
	PID         int
	StartedAt   time.Time
}

// Executor is the contract the job manager depends on.
type Executor interface {
	Launch(ctx context.Context, req Request) (*Launch, error)
	Alive(sessionName string) bool
	Kill(sessionName string) error
}

// SessionExecutor launches runs on a session backend.
type SessionExecutor struct {
	Backend        session.Backend
	SessionsDir    string
	DefaultCommand string
}

// New returns a SessionExecutor keeping run directories under sessionsDir.
func New(backend session.Backend, sessionsDir, defaultCommand string) *SessionExecutor {
	return &SessionExecutor{Backend: backend, SessionsDir: sessionsDir, DefaultCommand: defaultCommand}
}

// RunDir returns the run directory of runID.
func (e *SessionExecutor) RunDir(runID string) string {
	return filepath.Join(e.SessionsDir, runID)
}

// Launch allocates the run directory, writes the wrapper and starts the session.
func (e *SessionExecutor) Launch(ctx context.Context, req Request) (*Launch, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("%w: no agent config", session.ErrSession)
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runDir := e.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating run dir: %v", session.ErrSession, err)
	}
	logFile := req.LogFile
	if logFile == "" {
		logFile = filepath.Join(runDir, "output.log")
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = runDir
	}

	argv := BuildCommand(req.Agent, req.Prompt, req.ResumeToken, e.DefaultCommand)
	spec := session.StartSpec{
		Name:    session.NameFor(runID),
		Dir:     workDir,
		RunDir:  runDir,
		LogFile: logFile,
		Command: argv,
		Env:     BuildEnv(req, runID),
	}
	debug.LogKV("executor", "launching", "run_id", runID, "agent", req.Agent.Name, "command", argv[0], "args", len(argv)-1, "workdir", workDir)

	info, err := e.Backend.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Launch{
		RunID:       runID,
		SessionName: info.Name,
		RunDir:      runDir,
		LogFile:     logFile,
		PID:         info.PID,
		StartedAt:   time.Now().UTC(),
	}, nil
}

// Alive reports whether the session still exists.
func (e *SessionExecutor) Alive(name string) bool {
	return e.Backend.Alive(name)
}

// Kill terminates the session.
func (e *SessionExecutor) Kill(name string) error {
	return e.Backend.Kill(name)
}

// BuildCommand returns argv for the agent. The claude CLI gets stream-json
// output so cost, resume token and tool use can be read back from the log;
// other commands receive the prompt as their last argument.
func BuildCommand(agent *config.AgentConfig, prompt, resume, defaultCommand string) []string {
	cmd := agent.Command
	if cmd == "" {
		cmd = defaultCommand
	}
	if cmd == "" {
		cmd = config.DefaultCommand
	}
	if prompt == "" {
		prompt = agent.Prompt
	}

	argv := []string{cmd}
	argv = append(argv, agent.Args...)
	if filepath.Base(cmd) == "claude" {
		argv = append(argv, "--print", "--output-format", "stream-json", "--verbose")
		if agent.Model != "" {
			argv = append(argv, "--model", agent.Model)
		}
		if resume != "" {
			argv = append(argv, "--resume", resume)
		}
		if len(agent.Guardrails.AllowedTools) > 0 {
			argv = append(argv, "--allowedTools", strings.Join(agent.Guardrails.AllowedTools, ","))
		}
		if prompt != "" {
			argv = append(argv, prompt)
		}
		return argv
	}
	if agent.Model != "" {
		argv = append(argv, "--model", agent.Model)
	}
	if prompt != "" {
		argv = append(argv, prompt)
	}
	return argv
}

// BuildEnv assembles the session environment. Caller-supplied variables win
// over the agent's env, which wins over nolan's own.
func BuildEnv(req Request, runID string) map[string]string {
	env := map[string]string{
		"NOLAN_RUN_ID":  runID,
		"NOLAN_AGENT":   req.Agent.Name,
		"NOLAN_ROLE":    string(req.Agent.EffectiveRole()),
		"NOLAN_TRIGGER": string(req.Trigger),
	}
	if req.Agent.Team != "" {
		env["NOLAN_TEAM"] = req.Agent.Team
	}
	g := req.Agent.Guardrails
	if len(g.ForbiddenPaths) > 0 {
		env["NOLAN_FORBIDDEN_PATHS"] = strings.Join(g.ForbiddenPaths, ":")
	}
	if g.MaxFileEdits > 0 {
		env["NOLAN_MAX_FILE_EDITS"] = strconv.Itoa(g.MaxFileEdits)
	}
	for k, v := range debug.PropagatedEnv("session:" + runID) {
		env[k] = v
	}
	for k, v := range req.Agent.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// ErrBadMarker is returned when the exit code file exists but is unreadable.
var ErrBadMarker = errors.New("malformed exit code marker")

// ReadExitCode reads <run_dir>/exit_code. ok is false when no marker exists.
func ReadExitCode(runDir string) (code int, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(runDir, session.ExitCodeFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	code, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("%w in %s: %q", ErrBadMarker, runDir, data)
	}
	return code, true, nil
}

// Result is what ParseResult reads back from a finished run's log.
type Result struct {
	ResumeToken string
	CostUSD     float64
	Text        string
}

// ParseResult extracts the resume token, cost and readable text from logFile.
func ParseResult(logFile string) (Result, error) {
	f, err := os.Open(logFile)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	s, err := stream.Summarize(f)
	return Result{ResumeToken: s.SessionID, CostUSD: s.CostUSD, Text: s.Text}, err
}
