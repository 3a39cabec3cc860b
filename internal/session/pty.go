package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

// PTY runs each agent under a pseudo-terminal owned by the daemon, in its own
// process session. The process id is kept in <run_dir>/pid so liveness can be
// probed after a restart, but the terminal closes with the daemon, so these
// sessions do not survive one.
type PTY struct {
	// SessionsDir holds one run directory per session, named by run id.
	SessionsDir string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewPTY returns a pty backend whose run directories live under sessionsDir.
func NewPTY(sessionsDir string) *PTY {
	return &PTY{SessionsDir: sessionsDir, procs: make(map[string]*exec.Cmd)}
}

// Start launches the wrapper script under a pty and copies the terminal
// output into the log file until the process exits.
func (p *PTY) Start(ctx context.Context, spec StartSpec) (Info, error) {
	if err := spec.validate(); err != nil {
		return Info{}, err
	}
	script, err := WriteScript(spec, false)
	if err != nil {
		return Info{}, err
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Info{}, fmt.Errorf("%w: opening log: %v", ErrSession, err)
	}

	cmd := exec.Command("bash", script)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	ptmx, err := pty.StartWithAttrs(cmd, &pty.Winsize{Rows: 50, Cols: 200}, &syscall.SysProcAttr{Setsid: true, Setctty: true})
	if err != nil {
		logFile.Close()
		return Info{}, fmt.Errorf("%w: pty start %s: %v", ErrSession, spec.Name, err)
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(spec.RunDir, PIDFile), []byte(strconv.Itoa(pid)), 0644); err != nil {
		debug.LogKV("session", "pid file write failed", "session", spec.Name, "error", err)
	}

	p.mu.Lock()
	if p.procs == nil {
		p.procs = make(map[string]*exec.Cmd)
	}
	p.procs[spec.Name] = cmd
	p.mu.Unlock()

	go func() {
		_, _ = io.Copy(logFile, ptmx)
		_ = cmd.Wait()
		_ = ptmx.Close()
		_ = logFile.Close()
		p.mu.Lock()
		delete(p.procs, spec.Name)
		p.mu.Unlock()
		debug.LogKV("session", "pty session exited", "session", spec.Name, "pid", pid)
	}()

	debug.LogKV("session", "pty session started", "session", spec.Name, "pid", pid)
	return Info{Name: spec.Name, PID: pid}, nil
}

// Alive reports whether the session's process is still running.
func (p *PTY) Alive(name string) bool {
	p.mu.Lock()
	_, tracked := p.procs[name]
	p.mu.Unlock()
	if tracked {
		return true
	}
	pid := p.pid(name)
	return pid > 0 && processAlive(pid)
}

// Kill sends SIGTERM to the session's process group.
func (p *PTY) Kill(name string) error {
	pid := p.pid(name)
	if pid <= 0 || !processAlive(pid) {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: kill %s (pid %d): %v", ErrSession, name, pid, err)
	}
	debug.LogKV("session", "pty session killed", "session", name, "pid", pid)
	return nil
}

func (p *PTY) pid(name string) int {
	p.mu.Lock()
	cmd, ok := p.procs[name]
	p.mu.Unlock()
	if ok && cmd.Process != nil {
		return cmd.Process.Pid
	}
	data, err := os.ReadFile(filepath.Join(p.SessionsDir, RunIDFrom(name), PIDFile))
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
