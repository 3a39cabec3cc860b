package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("server", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSONBody decodes an optional body; an empty body leaves dst alone.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Ready:       srv.jobs.Ready(),
		Running:     len(srv.jobs.ListRunning()),
		Queued:      srv.jobs.Queued(),
		Subscribers: srv.jobs.Hub().Subscribers(),
	})
}

func (srv *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	cfgs, err := srv.jobs.Config().List()
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]AgentInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, agentInfo(cfg, srv.jobs.Health(cfg.Name)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	cfg, err := srv.jobs.Config().Load(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentInfo(cfg, srv.jobs.Health(cfg.Name)))
}

func (srv *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	run, err := srv.jobs.Trigger(r.Context(), r.PathValue("name"), jobs.TriggerOptions{
		Kind:        store.TriggerManual,
		Prompt:      req.Prompt,
		ResumeToken: req.ResumeToken,
		Label:       req.Label,
	})
	if errors.Is(err, jobs.ErrQueued) {
		writeJSON(w, http.StatusAccepted, TriggerResponse{Queued: true})
		return
	}
	if err != nil {
		// A failed launch is still recorded; report it alongside the error.
		if run != nil {
			writeJSON(w, http.StatusInternalServerError, struct {
				errorResponse
				Run *store.RunLog `json:"run"`
			}{errorResponse{Error: err.Error()}, run})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Run: run})
}

func (srv *Server) handleCancelAgent(w http.ResponseWriter, r *http.Request) {
	ids, err := srv.jobs.Cancel(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{RunIDs: ids})
}

func (srv *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	procs := srv.jobs.ListRunning()
	out := make([]RunningRun, 0, len(procs))
	for _, p := range procs {
		out = append(out, runningRun(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := srv.jobs.History(r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*store.RunLog{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (srv *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := srv.jobs.Run(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (srv *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := srv.jobs.CancelRun(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{RunIDs: []string{id}})
}

func (srv *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	runs, err := srv.jobs.Emit(r.Context(), r.PathValue("event"))
	resp := EmitResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []*store.RunLog{}
	}
	if err != nil {
		if errors.Is(err, jobs.ErrNotReady) {
			writeErr(w, err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := srv.jobs.ListSchedules()
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []jobs.ScheduleInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (srv *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc config.ScheduleConfig
	if !decodeJSONBody(w, r, &sc) {
		return
	}
	if err := srv.jobs.CreateSchedule(sc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobs.ScheduleInfo{ScheduleConfig: sc, NextRun: srv.jobs.NextRun(sc.Agent)})
}

func (srv *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc config.ScheduleConfig
	if !decodeJSONBody(w, r, &sc) {
		return
	}
	name := r.PathValue("name")
	if sc.Name == "" {
		sc.Name = name
	}
	if err := srv.jobs.UpdateSchedule(name, sc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs.ScheduleInfo{ScheduleConfig: sc, NextRun: srv.jobs.NextRun(sc.Agent)})
}

func (srv *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := srv.jobs.DeleteSchedule(r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	list, err := srv.engine.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (srv *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CreateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	p, err := srv.engine.CreatePipeline(r.Context(), req)
	if err != nil && p == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (srv *Server) handleCreateTeamPipeline(w http.ResponseWriter, r *http.Request) {
	var req TeamPipelineRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Team) == "" {
		writeError(w, http.StatusBadRequest, "team is required")
		return
	}
	tp, err := srv.engine.CreateTeamPipeline(r.Context(), req.Team, req.Prompt)
	if err != nil && tp == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tp)
}

func (srv *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	p, err := srv.engine.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (srv *Server) handleSkipStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	srv.pipelineOp(w, r, srv.engine.Skip(r.Context(), r.PathValue("id"), req.Stage, req.Reason))
}

func (srv *Server) handleRetryStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	srv.pipelineOp(w, r, srv.engine.Retry(r.Context(), r.PathValue("id"), req.Stage))
}

func (srv *Server) handleAbortPipeline(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	srv.pipelineOp(w, r, srv.engine.Abort(r.Context(), r.PathValue("id"), req.Reason))
}

func (srv *Server) handleCompletePipeline(w http.ResponseWriter, r *http.Request) {
	srv.pipelineOp(w, r, srv.engine.Complete(r.Context(), r.PathValue("id")))
}

// pipelineOp answers a pipeline mutation with the pipeline's new state.
func (srv *Server) pipelineOp(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	srv.handlePipeline(w, r)
}
