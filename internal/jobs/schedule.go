package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/running"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

func newParser() cron.Parser {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NormalizeCron turns a 5-field expression into the 6-field form the engine
// runs by prefixing a zero seconds field. Anything else is returned as is.
func NormalizeCron(expr string) string {
	expr = strings.TrimSpace(expr)
	if len(strings.Fields(expr)) == 5 {
		return "0 " + expr
	}
	return expr
}

// ParseCron validates expr after normalization.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := newParser().Parse(NormalizeCron(expr))
	if err != nil {
		return nil, &config.ValidationError{Field: "cron", Value: expr, Reason: err.Error()}
	}
	return sched, nil
}

// ScheduleInfo is a schedule together with its next fire time.
type ScheduleInfo struct {
	config.ScheduleConfig
	NextRun *time.Time `json:"next_run,omitempty"`
}

// ScheduleAll registers every enabled schedule, starts the cron engine and
// runs catch-up for fires missed while nolan was down.
func (m *Manager) ScheduleAll(ctx context.Context) error {
	schedules, err := m.opts.Config.LoadSchedules()
	if err != nil {
		return err
	}
	registered := 0
	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		if err := m.register(sc); err != nil {
			debug.LogKV("scheduler", "skipping schedule", "schedule", sc.Name, "cron", sc.Cron, "error", err)
			continue
		}
		registered++
	}
	m.cron.Start()
	debug.LogKV("scheduler", "schedules registered", "count", registered, "location", m.loc.String())
	m.catchUp(ctx, schedules)
	return nil
}

func (m *Manager) register(sc config.ScheduleConfig) error {
	sched, err := ParseCron(sc.Cron)
	if err != nil {
		return err
	}
	name, agent := sc.Name, sc.Agent
	m.mu.Lock()
	if old, ok := m.entries[name]; ok {
		m.cron.Remove(old)
	}
	id := m.cron.Schedule(sched, cron.FuncJob(func() { m.fire(name, agent) }))
	m.entries[name] = id
	m.schedules[name] = sc
	m.mu.Unlock()
	m.recordNextRun(agent)
	return nil
}

func (m *Manager) unregister(name string) {
	m.mu.Lock()
	id, ok := m.entries[name]
	sc := m.schedules[name]
	delete(m.entries, name)
	delete(m.schedules, name)
	m.mu.Unlock()
	if ok {
		m.cron.Remove(id)
		m.recordNextRun(sc.Agent)
	}
}

// fire is a cron callback. The agent's config is re-read so edits and
// disables take effect before the next fire.
func (m *Manager) fire(schedule, agent string) {
	defer m.recordNextRun(agent)
	cfg, err := m.opts.Config.Load(agent)
	if err != nil {
		debug.LogKV("scheduler", "scheduled agent unavailable", "schedule", schedule, "agent", agent, "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}
	if !m.ready.Load() {
		debug.LogKV("scheduler", "fire before recovery, skipped", "schedule", schedule, "agent", agent)
		return
	}
	_, err = m.start(m.ctx, cfg, TriggerOptions{Kind: store.TriggerScheduled, Label: "schedule:" + schedule})
	switch {
	case err == nil, errors.Is(err, ErrQueued):
	case errors.Is(err, running.ErrAlreadyRunning):
		debug.LogKV("scheduler", "fire skipped, agent busy", "schedule", schedule, "agent", agent)
	default:
		debug.LogKV("scheduler", "scheduled trigger failed", "schedule", schedule, "agent", agent, "error", err)
	}
}

// NextRun returns the earliest upcoming fire across the agent's schedules.
func (m *Manager) NextRun(agent string) *time.Time {
	now := m.now().In(m.loc)
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *time.Time
	for name, sc := range m.schedules {
		if sc.Agent != agent {
			continue
		}
		t := m.nextFor(name, now)
		if t.IsZero() {
			continue
		}
		if next == nil || t.Before(*next) {
			t := t
			next = &t
		}
	}
	return next
}

// nextFor needs m.mu held.
func (m *Manager) nextFor(name string, now time.Time) time.Time {
	id, ok := m.entries[name]
	if !ok {
		return time.Time{}
	}
	e := m.cron.Entry(id)
	if e.Schedule == nil {
		return time.Time{}
	}
	return e.Schedule.Next(now).UTC()
}

func (m *Manager) recordNextRun(agent string) {
	if err := m.opts.State.SetNextRun(agent, m.NextRun(agent)); err != nil {
		debug.LogKV("scheduler", "recording next run failed", "agent", agent, "error", err)
	}
}

// ListSchedules returns every schedule on disk, legacy ones included.
func (m *Manager) ListSchedules() ([]ScheduleInfo, error) {
	schedules, err := m.opts.Config.LoadSchedules()
	if err != nil {
		return nil, err
	}
	now := m.now().In(m.loc)
	out := make([]ScheduleInfo, 0, len(schedules))
	m.mu.Lock()
	for _, sc := range schedules {
		info := ScheduleInfo{ScheduleConfig: sc}
		if t := m.nextFor(sc.Name, now); !t.IsZero() {
			info.NextRun = &t
		}
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSchedule validates and stores a new schedule and registers it when
// enabled.
func (m *Manager) CreateSchedule(sc config.ScheduleConfig) error {
	if err := m.checkSchedule(&sc); err != nil {
		return err
	}
	if _, err := m.opts.Config.LoadSchedule(sc.Name); err == nil {
		return &config.ValidationError{Field: "name", Value: sc.Name, Reason: "schedule already exists"}
	} else if !errors.Is(err, config.ErrNotFound) {
		return err
	}
	if err := m.opts.Config.SaveSchedule(sc); err != nil {
		return err
	}
	debug.LogKV("scheduler", "schedule created", "schedule", sc.Name, "agent", sc.Agent, "cron", sc.Cron, "enabled", sc.Enabled)
	if sc.Enabled {
		return m.register(sc)
	}
	return nil
}

// UpdateSchedule replaces an existing schedule and re-registers its timer.
func (m *Manager) UpdateSchedule(name string, sc config.ScheduleConfig) error {
	if _, err := m.opts.Config.LoadSchedule(name); err != nil {
		return err
	}
	if sc.Name == "" {
		sc.Name = name
	}
	if sc.Name != name {
		return &config.ValidationError{Field: "name", Value: sc.Name, Reason: "schedules cannot be renamed"}
	}
	if err := m.checkSchedule(&sc); err != nil {
		return err
	}
	if err := m.opts.Config.SaveSchedule(sc); err != nil {
		return err
	}
	m.unregister(name)
	debug.LogKV("scheduler", "schedule updated", "schedule", name, "agent", sc.Agent, "cron", sc.Cron, "enabled", sc.Enabled)
	if sc.Enabled {
		return m.register(sc)
	}
	return nil
}

// DeleteSchedule removes a schedule file and its timer.
func (m *Manager) DeleteSchedule(name string) error {
	if err := m.opts.Config.DeleteSchedule(name); err != nil {
		return err
	}
	m.unregister(name)
	debug.LogKV("scheduler", "schedule deleted", "schedule", name)
	return nil
}

func (m *Manager) checkSchedule(sc *config.ScheduleConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if _, err := ParseCron(sc.Cron); err != nil {
		return err
	}
	if _, err := m.opts.Config.Load(sc.Agent); err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	return nil
}

// Health classifies an agent by its failure streak: healthy, warning
// (1-2 consecutive failures) or critical (3 or more).
type Health struct {
	Agent               string          `json:"agent"`
	Status              string          `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastStatus          store.RunStatus `json:"last_status,omitempty"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	Running             bool            `json:"running"`
}

const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Health returns the agent's health summary.
func (m *Manager) Health(agent string) Health {
	st := m.opts.State.Get(agent)
	h := Health{
		Agent:               agent,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastStatus:          st.LastStatus,
		LastRunAt:           st.LastRunAt,
		NextRunAt:           m.NextRun(agent),
		Running:             m.opts.Running.AgentRunning(agent),
	}
	h.Status = HealthStatus(st.ConsecutiveFailures)
	return h
}

// HealthStatus classifies a failure streak.
func HealthStatus(consecutiveFailures int) string {
	switch {
	case consecutiveFailures >= 3:
		return HealthCritical
	case consecutiveFailures > 0:
		return HealthWarning
	}
	return HealthHealthy
}
