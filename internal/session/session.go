// Package session runs agent processes inside persistent terminal sessions.
//
// A session is started from a wrapper script written into the run directory.
// The script runs the agent command and, whatever the outcome, writes the
// exit code to <run_dir>/exit_code (via a temp file and rename), which is the
// only evidence the job manager trusts when deciding how a run ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSession wraps every failure to create or reach a session.
var ErrSession = errors.New("session error")

const (
	// NamePrefix starts every session name nolan creates.
	NamePrefix = "nolan-"
	// ExitCodeFile is the marker written when the agent process exits.
	ExitCodeFile = "exit_code"
	// ScriptFile is the wrapper script inside the run directory.
	ScriptFile = "run.sh"
	// PIDFile holds the process id of pty sessions.
	PIDFile = "pid"
)

// StartSpec describes one session to start.
type StartSpec struct {
	Name    string
	Dir     string
	RunDir  string
	LogFile string
	Command []string
	Env     map[string]string
}

// Info identifies a started session.
type Info struct {
	Name string
	PID  int
}

// Backend starts, probes and kills sessions.
type Backend interface {
	Start(ctx context.Context, spec StartSpec) (Info, error)
	Alive(name string) bool
	Kill(name string) error
}

// NameFor returns the session name of a run.
func NameFor(runID string) string {
	return NamePrefix + runID
}

// RunIDFrom reverses NameFor.
func RunIDFrom(name string) string {
	return strings.TrimPrefix(name, NamePrefix)
}

func (s StartSpec) validate() error {
	if s.Name == "" || s.RunDir == "" || s.LogFile == "" {
		return fmt.Errorf("%w: name, run dir and log file are required", ErrSession)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: empty command", ErrSession)
	}
	return nil
}

// WriteScript writes the wrapper script for spec and returns its path. When
// redirect is true the script sends the command's output to the log file
// itself; otherwise the backend captures the terminal output.
func WriteScript(spec StartSpec, redirect bool) (string, error) {
	if err := os.MkdirAll(spec.RunDir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating run dir: %v", ErrSession, err)
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0755); err != nil {
		return "", fmt.Errorf("%w: creating log dir: %v", ErrSession, err)
	}

	marker := filepath.Join(spec.RunDir, ExitCodeFile)
	quoted := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		quoted[i] = shellQuote(arg)
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set +e\n")
	if spec.Dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 127\n", shellQuote(spec.Dir))
	}
	b.WriteString(strings.Join(quoted, " "))
	if redirect {
		fmt.Fprintf(&b, " >> %s 2>&1", shellQuote(spec.LogFile))
	}
	b.WriteString(" < /dev/null\n")
	b.WriteString("code=$?\n")
	fmt.Fprintf(&b, "printf '%%s' \"$code\" > %s && mv -f %s %s\n",
		shellQuote(marker+".tmp"), shellQuote(marker+".tmp"), shellQuote(marker))
	b.WriteString("exit \"$code\"\n")

	path := filepath.Join(spec.RunDir, ScriptFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o700); err != nil {
		return "", fmt.Errorf("%w: writing wrapper script: %v", ErrSession, err)
	}
	return path, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
