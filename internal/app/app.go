// Package app assembles the daemon: stores, session backend, job manager,
// pipeline engine and HTTP server, and runs them under one errgroup.
package app

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/buildinfo"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/executor"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/notify"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/session"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/worktree"
)

// MDNSServiceType is the service nolan daemons advertise on the LAN.
const MDNSServiceType = "_nolan._tcp"

// staleWorktreeAge is how old an unreferenced worktree must be before
// startup cleanup removes it.
const staleWorktreeAge = 7 * 24 * time.Hour

// App is a fully wired daemon.
type App struct {
	Home     string
	Settings config.Settings
	Registry *prometheus.Registry
	Jobs     *jobs.Manager
	Engine   *pipeline.Engine
	Server   *server.Server
}

// Options tweak New for tests and the serve command.
type Options struct {
	// Backend overrides the session backend chosen by Settings.
	Backend session.Backend
	// Executor overrides the session executor entirely.
	Executor executor.Executor
	// Advertise publishes the API over mDNS once listening.
	Advertise bool
	// OnListen is called with the bound address after the server starts.
	OnListen func(addr string)
}

// New wires the daemon from home and s. Nothing runs until Serve.
func New(home string, s config.Settings, opts Options) (*App, error) {
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	host, port, err := splitListen(s.Listen)
	if err != nil {
		return nil, err
	}

	exec := opts.Executor
	if exec == nil {
		backend := opts.Backend
		if backend == nil {
			backend = NewBackend(home, s)
		}
		exec = executor.New(backend, sessionsDir(home), s.DefaultCommand)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mopts := jobs.OptionsFor(home)
	mopts.Executor = exec
	mopts.Metrics = jobs.NewMetrics(reg)
	mopts.PollInterval = s.PollInterval
	mopts.MaxConcurrent = s.MaxConcurrentRuns
	mopts.Location = loc
	m := jobs.NewManager(mopts)

	e := pipeline.NewEngine(pipeline.Options{
		Runner:  m,
		Config:  mopts.Config,
		Store:   pipeline.NewStore(home),
		Hub:     m.Hub(),
		Metrics: pipeline.NewMetrics(reg),
	})
	m.OnComplete(e.HandleRun)
	if s.Pushover.Configured() {
		m.OnComplete(notify.Hook(m, notify.NewPushover(s.Pushover, "")))
	}

	srv := server.New(m, e, server.Options{Host: host, Port: port, Gatherer: reg})
	a := &App{Home: home, Settings: s, Registry: reg, Jobs: m, Engine: e, Server: srv}
	return a, nil
}

// NewBackend returns the session backend named by s.
func NewBackend(home string, s config.Settings) session.Backend {
	if s.SessionBackend == config.BackendPTY {
		return session.NewPTY(sessionsDir(home))
	}
	return session.NewTmux()
}

func sessionsDir(home string) string {
	return filepath.Join(home, "sessions")
}

func splitListen(listen string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, &config.ValidationError{Field: "listen", Value: listen, Reason: err.Error()}
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, &config.ValidationError{Field: "listen", Value: listen, Reason: "invalid port"}
	}
	return host, port, nil
}

// Serve recovers orphaned runs, reconciles open pipelines with the ledger,
// prunes stale worktrees, registers schedules and serves the API until ctx
// ends. Triggers are refused until recovery
// has finished.
func (a *App) Serve(ctx context.Context, opts Options) error {
	bi := buildinfo.Current()
	debug.LogKV("app", "daemon starting",
		"version", bi.Version,
		"home", a.Home,
		"backend", a.Settings.SessionBackend,
		"listen", a.Settings.Listen,
	)
	defer a.Jobs.Close()

	report, err := a.Jobs.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}
	debug.LogKV("app", "recovery finished", "report", fmt.Sprintf("%+v", report))
	if err := a.Engine.Reconcile(ctx); err != nil {
		debug.LogKV("app", "reconciling pipelines failed", "error", err)
	}

	a.cleanupWorktrees(ctx)

	if err := a.Jobs.ScheduleAll(ctx); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}

	if err := a.Server.Start(); err != nil {
		return fmt.Errorf("listening on %s: %w", a.Server.Addr(), err)
	}
	if opts.OnListen != nil {
		opts.OnListen(a.Server.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})
	if opts.Advertise || a.Settings.MDNS {
		g.Go(func() error {
			svc, err := StartMDNS(a.Server.Port(), "http://"+a.Server.Addr())
			if err != nil {
				debug.LogKV("app", "mdns advertisement failed", "error", err)
				return nil
			}
			<-gctx.Done()
			return svc.Shutdown()
		})
	}
	err = g.Wait()
	debug.LogKV("app", "daemon stopped", "error", err)
	return err
}

// StartMDNS advertises the daemon's API under MDNSServiceType.
func StartMDNS(port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	txtRecords := []string{
		fmt.Sprintf("version=%s", buildinfo.Current().Version),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService("nolan", MDNSServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

// cleanupWorktrees removes stale worktrees in every repository an agent or
// pipeline uses, keeping those of running processes and open pipelines.
func (a *App) cleanupWorktrees(ctx context.Context) {
	keep := a.Engine.ActiveWorktrees()
	for _, p := range a.Jobs.ListRunning() {
		if p.WorktreePath != "" {
			keep[p.WorktreePath] = true
		}
	}
	for repo := range a.repositories() {
		n, err := worktree.NewManager(repo).CleanupStale(ctx, staleWorktreeAge, nil, keep)
		if err != nil {
			debug.LogKV("app", "worktree cleanup failed", "repo", repo, "error", err)
			continue
		}
		if n > 0 {
			debug.LogKV("app", "removed stale worktrees", "repo", repo, "count", n)
		}
	}
}

func (a *App) repositories() map[string]bool {
	repos := make(map[string]bool)
	if cfgs, err := a.Jobs.Config().List(); err == nil {
		for _, c := range cfgs {
			if c.Worktree.Enabled && c.Worktree.RepoPath != "" {
				repos[c.Worktree.RepoPath] = true
			}
		}
	}
	for _, repo := range a.Engine.Repositories() {
		repos[repo] = true
	}
	return repos
}
