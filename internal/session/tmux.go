package session

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

// Tmux runs each agent in a detached tmux session. Sessions outlive the
// daemon, so runs can be reattached after a restart.
type Tmux struct {
	// Binary is the tmux executable, "tmux" when empty.
	Binary string
}

// NewTmux returns a tmux backend using the tmux found on PATH.
func NewTmux() *Tmux {
	return &Tmux{Binary: "tmux"}
}

func (t *Tmux) bin() string {
	if t.Binary == "" {
		return "tmux"
	}
	return t.Binary
}

// Start creates the session running the wrapper script.
func (t *Tmux) Start(ctx context.Context, spec StartSpec) (Info, error) {
	if err := spec.validate(); err != nil {
		return Info{}, err
	}
	script, err := WriteScript(spec, true)
	if err != nil {
		return Info{}, err
	}

	args := []string{"new-session", "-d", "-s", spec.Name, "-x", "200", "-y", "50"}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	for _, kv := range envList(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "bash", script)

	if out, err := t.run(ctx, args...); err != nil {
		return Info{}, fmt.Errorf("%w: tmux new-session %s: %s: %v", ErrSession, spec.Name, strings.TrimSpace(out), err)
	}
	info := Info{Name: spec.Name}
	if out, err := t.run(ctx, "display-message", "-p", "-t", spec.Name, "#{pane_pid}"); err == nil {
		fmt.Sscanf(strings.TrimSpace(out), "%d", &info.PID)
	}
	debug.LogKV("session", "tmux session started", "session", spec.Name, "pid", info.PID, "dir", spec.Dir)
	return info, nil
}

// Alive reports whether the tmux session still exists.
func (t *Tmux) Alive(name string) bool {
	_, err := t.run(context.Background(), "has-session", "-t", "="+name)
	return err == nil
}

// Kill ends the session and every process in it.
func (t *Tmux) Kill(name string) error {
	if !t.Alive(name) {
		return nil
	}
	if out, err := t.run(context.Background(), "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("%w: tmux kill-session %s: %s: %v", ErrSession, name, strings.TrimSpace(out), err)
	}
	debug.LogKV("session", "tmux session killed", "session", name)
	return nil
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.bin(), args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
