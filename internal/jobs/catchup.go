package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// MaxCatchUp bounds how many missed fires run_all replays.
const MaxCatchUp = 24

// MissedFires counts the fires of sched after last and not after now,
// stopping at limit.
func MissedFires(sched cron.Schedule, last, now time.Time, limit int) int {
	n := 0
	for t := sched.Next(last); !t.IsZero() && !t.After(now) && n < limit; t = sched.Next(t) {
		n++
	}
	return n
}

// planCatchUp returns how many catch-up runs each agent is owed. Agents that
// never ran, or whose policy is skip, owe nothing.
func (m *Manager) planCatchUp(schedules []config.ScheduleConfig, now time.Time) map[string]int {
	missed := make(map[string]int)
	policies := make(map[string]config.CatchUpPolicy)
	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		cfg, err := m.opts.Config.Load(sc.Agent)
		if err != nil || !cfg.Enabled {
			continue
		}
		policy := cfg.EffectiveCatchUp()
		if policy == config.CatchUpSkip {
			continue
		}
		last := m.opts.State.Get(sc.Agent).LastRunAt
		if last == nil {
			continue
		}
		sched, err := ParseCron(sc.Cron)
		if err != nil {
			continue
		}
		policies[sc.Agent] = policy
		missed[sc.Agent] += MissedFires(sched, last.In(m.loc), now.In(m.loc), MaxCatchUp+1)
	}
	plan := make(map[string]int)
	for agent, n := range missed {
		if n == 0 {
			continue
		}
		switch policies[agent] {
		case config.CatchUpRunOnce:
			plan[agent] = 1
		case config.CatchUpRunAll:
			plan[agent] = min(n, MaxCatchUp)
		}
	}
	return plan
}

func (m *Manager) catchUp(ctx context.Context, schedules []config.ScheduleConfig) {
	plan := m.planCatchUp(schedules, m.now())
	agents := make([]string, 0, len(plan))
	for a := range plan {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		debug.LogKV("scheduler", "catching up missed fires", "agent", agent, "runs", plan[agent])
		m.wg.Add(1)
		go m.runCatchUp(ctx, agent, plan[agent])
	}
}

// runCatchUp starts count runs of agent one after another.
func (m *Manager) runCatchUp(ctx context.Context, agent string, count int) {
	defer m.wg.Done()
	for i := 0; i < count; i++ {
		run, err := m.Trigger(ctx, agent, TriggerOptions{
			Kind:  store.TriggerCatchUp,
			Label: fmt.Sprintf("catch_up:%d/%d", i+1, count),
		})
		if err != nil {
			debug.LogKV("scheduler", "catch-up trigger failed", "agent", agent, "index", i+1, "error", err)
			return
		}
		if _, err := m.Wait(m.ctx, run.RunID); err != nil {
			return
		}
	}
}
