// Package client talks to a running `nolan serve` over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/buildinfo"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// ErrUnavailable wraps transport failures: the daemon is not listening.
var ErrUnavailable = errors.New("nolan daemon unavailable")

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client is a daemon API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for a listen address such as 127.0.0.1:7420 or a
// full http URL.
func New(listen string) *Client {
	base := strings.TrimSpace(listen)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ForSettings returns a client for the daemon configured in s.
func ForSettings(s config.Settings) *Client {
	return New(s.Listen)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", buildinfo.Current().UserAgent())
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health reports whether the daemon is up and recovered.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// Agents lists agents with their health.
func (c *Client) Agents(ctx context.Context) ([]server.AgentInfo, error) {
	var out []server.AgentInfo
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// Trigger starts a manual run. A queued trigger returns a nil run and
// queued == true.
func (c *Client) Trigger(ctx context.Context, agent string, req server.TriggerRequest) (*store.RunLog, bool, error) {
	var out server.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agent)+"/trigger", req, &out); err != nil {
		return nil, false, err
	}
	return out.Run, out.Queued, nil
}

// Cancel cancels every run of agent.
func (c *Client) Cancel(ctx context.Context, agent string) ([]string, error) {
	var out server.CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agent)+"/cancel", nil, &out)
	return out.RunIDs, err
}

// CancelRun cancels one run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Running lists in-flight runs.
func (c *Client) Running(ctx context.Context) ([]server.RunningRun, error) {
	var out []server.RunningRun
	err := c.do(ctx, http.MethodGet, "/api/running", nil, &out)
	return out, err
}

// Run fetches one run record.
func (c *Client) Run(ctx context.Context, runID string) (*store.RunLog, error) {
	var out store.RunLog
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists run records, newest first. An empty agent means all agents.
func (c *Client) History(ctx context.Context, agent string, limit int) ([]*store.RunLog, error) {
	q := url.Values{}
	if agent != "" {
		q.Set("agent", agent)
	}
	q.Set("limit", strconv.Itoa(limit))
	var out []*store.RunLog
	err := c.do(ctx, http.MethodGet, "/api/runs?"+q.Encode(), nil, &out)
	return out, err
}

// Emit fires a named event.
func (c *Client) Emit(ctx context.Context, event string) (server.EmitResponse, error) {
	var out server.EmitResponse
	err := c.do(ctx, http.MethodPost, "/api/emit/"+url.PathEscape(event), nil, &out)
	return out, err
}

// Schedules lists schedules with their next fire.
func (c *Client) Schedules(ctx context.Context) ([]jobs.ScheduleInfo, error) {
	var out []jobs.ScheduleInfo
	err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &out)
	return out, err
}

// CreateSchedule stores and registers a schedule.
func (c *Client) CreateSchedule(ctx context.Context, sc config.ScheduleConfig) (jobs.ScheduleInfo, error) {
	var out jobs.ScheduleInfo
	err := c.do(ctx, http.MethodPost, "/api/schedules", sc, &out)
	return out, err
}

// UpdateSchedule replaces a schedule.
func (c *Client) UpdateSchedule(ctx context.Context, name string, sc config.ScheduleConfig) (jobs.ScheduleInfo, error) {
	var out jobs.ScheduleInfo
	err := c.do(ctx, http.MethodPut, "/api/schedules/"+url.PathEscape(name), sc, &out)
	return out, err
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/schedules/"+url.PathEscape(name), nil, nil)
}

// Pipelines lists pipeline summaries.
func (c *Client) Pipelines(ctx context.Context) ([]pipeline.Summary, error) {
	var out []pipeline.Summary
	err := c.do(ctx, http.MethodGet, "/api/pipelines", nil, &out)
	return out, err
}

// Pipeline fetches a pipeline of either shape as raw JSON.
func (c *Client) Pipeline(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/pipelines/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CreatePipeline creates a linear pipeline.
func (c *Client) CreatePipeline(ctx context.Context, req pipeline.CreateRequest) (*pipeline.Pipeline, error) {
	var out pipeline.Pipeline
	if err := c.do(ctx, http.MethodPost, "/api/pipelines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTeamPipeline creates a team pipeline.
func (c *Client) CreateTeamPipeline(ctx context.Context, team, prompt string) (*pipeline.TeamPipeline, error) {
	var out pipeline.TeamPipeline
	if err := c.do(ctx, http.MethodPost, "/api/team-pipelines", server.TeamPipelineRequest{Team: team, Prompt: prompt}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SkipStage skips a pipeline stage.
func (c *Client) SkipStage(ctx context.Context, id, stage, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/pipelines/"+url.PathEscape(id)+"/skip", server.StageRequest{Stage: stage, Reason: reason}, nil)
}

// RetryStage reruns a pipeline stage.
func (c *Client) RetryStage(ctx context.Context, id, stage string) error {
	return c.do(ctx, http.MethodPost, "/api/pipelines/"+url.PathEscape(id)+"/retry", server.StageRequest{Stage: stage}, nil)
}

// AbortPipeline aborts a pipeline.
func (c *Client) AbortPipeline(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/pipelines/"+url.PathEscape(id)+"/abort", server.AbortRequest{Reason: reason}, nil)
}

// CompletePipeline closes a pipeline by hand.
func (c *Client) CompletePipeline(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/pipelines/"+url.PathEscape(id)+"/complete", nil, nil)
}

// Events dials the event stream. The returned channel closes when the
// connection ends or ctx is done.
func (c *Client) Events(ctx context.Context, f events.Filter) (<-chan events.Event, error) {
	q := url.Values{}
	if f.RunID != "" {
		q.Set("run_id", f.RunID)
	}
	if f.AgentName != "" {
		q.Set("agent", f.AgentName)
	}
	if f.PipelineID != "" {
		q.Set("pipeline_id", f.PipelineID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/events"
	if len(q) > 0 {
		wsURL += "?" + q.Encode()
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conn.SetReadLimit(4 << 20)

	ch := make(chan events.Event, events.DefaultBuffer)
	go func() {
		defer close(ch)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ev events.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// WaitRun polls until runID is finalized.
func (c *Client) WaitRun(ctx context.Context, runID string, every time.Duration) (*store.RunLog, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.Run(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !run.Running() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
