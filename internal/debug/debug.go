// Package debug is nolan's structured diagnostic log.
//
// Every significant engine event (trigger, session start, monitor poll outcome,
// finalize, recovery decision, pipeline transition) is written as one line with
// a timestamp, pid, goroutine id, component, caller and key=value context. The
// daemon always initializes the log under $NOLAN_HOME/logs; other commands only
// when --debug is given. When the log is not initialized every call is a no-op.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// EnvEnabled toggles initialization for child processes.
	EnvEnabled = "NOLAN_DEBUG"
	// EnvLogPath makes a child process append to the parent's log file.
	EnvLogPath = "NOLAN_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every line.
	EnvProcess = "NOLAN_DEBUG_PROCESS"
)

var (
	current   *Logger
	currentMu sync.RWMutex
)

// Logger appends formatted lines to a writer.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	closer    io.Closer
	path      string
	startedAt time.Time
	pid       int
	process   string
}

// Init opens (or inherits) a log file inside dir and installs it as the
// process logger. A second call returns the path of the already open log.
func Init(dir string) (string, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return current.path, nil
	}

	path, inherited, err := resolvePath(dir)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open %s: %w", path, err)
	}

	l := newLogger(f, path)
	l.closer = f
	if inherited {
		fmt.Fprintf(f, "\n=== process attached pid=%d process=%s at=%s ===\n", l.pid, l.process, l.startedAt.Format(time.RFC3339Nano))
	} else {
		fmt.Fprintf(f, "=== nolan log started=%s pid=%d process=%s gomaxprocs=%d ===\n\n",
			l.startedAt.Format(time.RFC3339Nano), l.pid, l.process, runtime.GOMAXPROCS(0))
	}
	current = l
	return path, nil
}

// SetOutput installs a logger that writes to w. Tests use it to capture lines.
// It returns a function restoring the previous logger.
func SetOutput(w io.Writer) func() {
	currentMu.Lock()
	prev := current
	current = newLogger(w, "")
	currentMu.Unlock()
	return func() {
		currentMu.Lock()
		current = prev
		currentMu.Unlock()
	}
}

func newLogger(w io.Writer, path string) *Logger {
	return &Logger{
		out:       w,
		path:      path,
		startedAt: time.Now(),
		pid:       os.Getpid(),
		process:   processLabel(),
	}
}

// Close writes a trailer and closes the log file. Safe when not initialized.
func Close() {
	currentMu.Lock()
	l := current
	current = nil
	currentMu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "\n=== log closed pid=%d uptime=%s ===\n", l.pid, time.Since(l.startedAt).Truncate(time.Millisecond))
	if l.closer != nil {
		_ = l.closer.Close()
	}
}

// Enabled reports whether a logger is installed.
func Enabled() bool {
	return active() != nil
}

// Path returns the log file path, or "" when not logging to a file.
func Path() string {
	if l := active(); l != nil {
		return l.path
	}
	return ""
}

// ShouldEnableFromEnv reports whether an inherited environment asks for logging.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns env vars that make a child process log to the same file.
func PropagatedEnv(process string) map[string]string {
	path := Path()
	if path == "" {
		return nil
	}
	env := map[string]string{
		EnvEnabled: "1",
		EnvLogPath: path,
	}
	if strings.TrimSpace(process) != "" {
		env[EnvProcess] = process
	}
	return env
}

// Log writes msg for component.
func Log(component, msg string) {
	if l := active(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted message for component.
func Logf(component, format string, args ...any) {
	if l := active(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes msg followed by key=value pairs.
//
//	debug.LogKV("jobs", "run finalized", "run_id", id, "status", status)
func LogKV(component, msg string, kvs ...any) {
	l := active()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v=%s", kvs[i], formatValue(kvs[i+1]))
	}
	if len(kvs)%2 == 1 {
		fmt.Fprintf(&b, " !extra=%s", formatValue(kvs[len(kvs)-1]))
	}
	l.write(component, b.String())
}

func active() *Logger {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

func formatValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case error:
		s = x.Error()
	case time.Time:
		s = x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func (l *Logger) write(component, msg string) {
	now := time.Now()
	caller := "??:0"
	if _, file, line, ok := runtime.Caller(2); ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+len("/internal/"):]
		} else {
			file = filepath.Base(file)
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	line := fmt.Sprintf("%s [P%d] [%s] [G%d] [%-10s] %-28s | %s\n",
		now.Format("2006-01-02T15:04:05.000000"),
		l.pid,
		l.process,
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	_, _ = io.WriteString(l.out, line)
	l.mu.Unlock()
}

func resolvePath(dir string) (string, bool, error) {
	if inherited := strings.TrimSpace(os.Getenv(EnvLogPath)); inherited != "" {
		if err := os.MkdirAll(filepath.Dir(inherited), 0755); err != nil {
			return "", true, fmt.Errorf("debug: create dir: %w", err)
		}
		return inherited, true, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	name := fmt.Sprintf("nolan-%s-%s.log", time.Now().Format("20060102T150405"), id)
	return filepath.Join(dir, name), false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		if arg != "" && !strings.HasPrefix(arg, "-") {
			return base + ":" + arg
		}
	}
	return base
}

// goroutineID parses the id from the "goroutine N [...]" stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
