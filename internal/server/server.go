// Package server is nolan's HTTP control plane: a JSON API over the job
// manager and the pipeline engine, a websocket event stream and /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
)

// Options configures the listener.
type Options struct {
	Host string
	Port int
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server hosts the API and the event stream.
type Server struct {
	jobs       *jobs.Manager
	engine     *pipeline.Engine
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	host       string
	port       int
}

// New builds a server. Nothing listens until Start.
func New(m *jobs.Manager, e *pipeline.Engine, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port < 0 {
		port = 0
	}
	srv := &Server{jobs: m, engine: e, gatherer: opts.Gatherer, host: host, port: port}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the root handler.
func (srv *Server) Handler() http.Handler { return srv.httpServer.Handler }

// Start listens and serves in a background goroutine. Port 0 picks a free
// port, which Addr reports afterwards.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("server", "server stopped with error", "error", err)
		}
	}()
	debug.LogKV("server", "listening", "addr", srv.Addr())
	return nil
}

// Run starts the server and shuts it down when ctx ends.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr(), err)
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port.
func (srv *Server) Port() int { return srv.port }

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", srv.handleHealth)

	mux.HandleFunc("GET /api/agents", srv.handleAgents)
	mux.HandleFunc("GET /api/agents/{name}", srv.handleAgent)
	mux.HandleFunc("POST /api/agents/{name}/trigger", srv.handleTrigger)
	mux.HandleFunc("POST /api/agents/{name}/cancel", srv.handleCancelAgent)

	mux.HandleFunc("GET /api/running", srv.handleRunning)
	mux.HandleFunc("GET /api/runs", srv.handleHistory)
	mux.HandleFunc("GET /api/runs/{id}", srv.handleRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", srv.handleCancelRun)

	mux.HandleFunc("POST /api/emit/{event}", srv.handleEmit)

	mux.HandleFunc("GET /api/schedules", srv.handleSchedules)
	mux.HandleFunc("POST /api/schedules", srv.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{name}", srv.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{name}", srv.handleDeleteSchedule)

	mux.HandleFunc("GET /api/pipelines", srv.handlePipelines)
	mux.HandleFunc("POST /api/pipelines", srv.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", srv.handlePipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/skip", srv.handleSkipStage)
	mux.HandleFunc("POST /api/pipelines/{id}/retry", srv.handleRetryStage)
	mux.HandleFunc("POST /api/pipelines/{id}/abort", srv.handleAbortPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/complete", srv.handleCompletePipeline)
	mux.HandleFunc("POST /api/team-pipelines", srv.handleCreateTeamPipeline)

	mux.HandleFunc("GET /events", srv.handleEvents)
	if srv.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}
