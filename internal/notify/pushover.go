// Package notify sends Pushover notifications when an agent turns critical
// or a pipeline run fails for good.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

const (
	// DefaultAPIURL is the Pushover messages endpoint.
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"

	MaxTitleLen   = 250
	MaxMessageLen = 1024
)

// Priority levels.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	Priority int
}

type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Pushover is a client of the Pushover API.
type Pushover struct {
	cfg    config.PushoverConfig
	apiURL string
	http   *http.Client
}

// NewPushover returns a client for cfg. An empty apiURL uses DefaultAPIURL.
func NewPushover(cfg config.PushoverConfig, apiURL string) *Pushover {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Pushover{cfg: cfg, apiURL: apiURL, http: &http.Client{Timeout: 15 * time.Second}}
}

// Send delivers msg, truncating title and body to the API limits.
func (p *Pushover) Send(ctx context.Context, msg Message) error {
	if !p.cfg.Configured() {
		return fmt.Errorf("pushover not configured: set pushover.user_key and pushover.app_token in config.yaml")
	}
	title := msg.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	body := msg.Body
	if len(body) > MaxMessageLen {
		body = body[:MaxMessageLen]
	}
	form := url.Values{
		"token":    {p.cfg.AppToken},
		"user":     {p.cfg.UserKey},
		"title":    {title},
		"message":  {body},
		"priority": {strconv.Itoa(msg.Priority)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HealthSource reports agent health after a run is recorded.
type HealthSource interface {
	Health(agent string) jobs.Health
}

// criticalStreak is the failure streak at which an agent turns critical.
const criticalStreak = 3

// Hook returns a completion hook that notifies once when an agent's failure
// streak reaches critical, and for every failed pipeline stage run.
func Hook(health HealthSource, s Sender) jobs.CompletionHook {
	return func(ctx context.Context, run *store.RunLog) {
		msg, ok := messageFor(health, run)
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		defer cancel()
		if err := s.Send(sendCtx, msg); err != nil {
			debug.LogKV("notify", "notification failed", "run_id", run.RunID, "error", err)
			return
		}
		debug.LogKV("notify", "notification sent", "run_id", run.RunID, "title", msg.Title)
	}
}

func messageFor(health HealthSource, run *store.RunLog) (Message, bool) {
	if !run.Status.Failure() {
		return Message{}, false
	}
	detail := string(run.Status)
	if run.Error != "" {
		detail += ": " + run.Error
	}
	if h := health.Health(run.AgentName); h.ConsecutiveFailures == criticalStreak {
		return Message{
			Title:    fmt.Sprintf("nolan: %s is critical", run.AgentName),
			Body:     fmt.Sprintf("%d consecutive failures. Last run %s %s", h.ConsecutiveFailures, run.RunID, detail),
			Priority: PriorityHigh,
		}, true
	}
	if run.PipelineID != "" && run.Status != store.StatusRetrying {
		return Message{
			Title:    fmt.Sprintf("nolan: pipeline stage %s failed", run.Label),
			Body:     fmt.Sprintf("Pipeline %s, agent %s, run %s %s", run.PipelineID, run.AgentName, run.RunID, detail),
			Priority: PriorityNormal,
		}, true
	}
	return Message{}, false
}
