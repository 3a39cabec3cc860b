package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

func TestNormalizeCron(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"*/5 * * * *", "0 */5 * * * *"},
		{"0 9 * * 1-5", "0 0 9 * * 1-5"},
		{"30 0 9 * * 1-5", "30 0 9 * * 1-5"},
		{"  15 3 * * *  ", "0 15 3 * * *"},
		{"@hourly", "@hourly"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeCron(tt.in)
			if got != tt.want {
				t.Fatalf("NormalizeCron(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := NormalizeCron(got); again != got {
				t.Fatalf("NormalizeCron not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestParseCronRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"", "every day", "61 * * * *", "* * *"} {
		if _, err := ParseCron(expr); !config.IsValidation(err) {
			t.Fatalf("ParseCron(%q) err = %v, want ValidationError", expr, err)
		}
	}
	if _, err := ParseCron("0 3 * * *"); err != nil {
		t.Fatalf("ParseCron(valid) = %v", err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	h := newHarness(t, agent("nightly-scanner"))
	h.recover(t)

	bad := config.ScheduleConfig{Name: "nightly", Cron: "not a cron", Agent: "nightly-scanner", Enabled: true}
	if err := h.m.CreateSchedule(bad); !config.IsValidation(err) {
		t.Fatalf("CreateSchedule(bad cron) = %v, want ValidationError", err)
	}
	missing := config.ScheduleConfig{Name: "nightly", Cron: "0 3 * * *", Agent: "ghost", Enabled: true}
	if err := h.m.CreateSchedule(missing); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("CreateSchedule(unknown agent) = %v, want ErrNotFound", err)
	}

	sc := config.ScheduleConfig{Name: "nightly", Cron: "0 3 * * *", Agent: "nightly-scanner", Enabled: true}
	if err := h.m.CreateSchedule(sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := h.m.CreateSchedule(sc); !config.IsValidation(err) {
		t.Fatalf("duplicate CreateSchedule = %v, want ValidationError", err)
	}

	list, err := h.m.ListSchedules()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].NextRun == nil {
		t.Fatalf("ListSchedules() = %+v", list)
	}
	if next := list[0].NextRun.In(time.UTC); next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next run = %v, want 03:00", next)
	}
	if st := h.opts.State.Get("nightly-scanner"); st.NextRunAt == nil {
		t.Fatal("next_run_at not recorded")
	}

	sc.Enabled = false
	if err := h.m.UpdateSchedule("nightly", sc); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	list, _ = h.m.ListSchedules()
	if list[0].Enabled || list[0].NextRun != nil {
		t.Fatalf("disabled schedule = %+v", list[0])
	}
	if err := h.m.UpdateSchedule("absent", sc); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("UpdateSchedule(absent) = %v, want ErrNotFound", err)
	}

	if err := h.m.DeleteSchedule("nightly"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := h.m.DeleteSchedule("nightly"); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("second DeleteSchedule = %v, want ErrNotFound", err)
	}
}

func TestFireSkipsDisabledAgent(t *testing.T) {
	a := agent("reporter")
	h := newHarness(t, a)
	h.recover(t)

	a.Enabled = false
	if err := h.opts.Config.Save(a); err != nil {
		t.Fatal(err)
	}
	h.m.fire("daily", "reporter")
	if n := len(h.exec.launched()); n != 0 {
		t.Fatalf("disabled agent launched %d runs", n)
	}

	a.Enabled = true
	if err := h.opts.Config.Save(a); err != nil {
		t.Fatal(err)
	}
	h.m.fire("daily", "reporter")
	reqs := h.exec.launched()
	if len(reqs) != 1 || reqs[0].Trigger != store.TriggerScheduled {
		t.Fatalf("launched = %+v", reqs)
	}
}

func TestMissedFires(t *testing.T) {
	sched, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	last := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		now   time.Time
		limit int
		want  int
	}{
		{last.Add(10 * time.Minute), 25, 0},
		{time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), 25, 1},
		{time.Date(2026, 3, 1, 14, 5, 0, 0, time.UTC), 25, 4},
		{time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), 25, 25},
	}
	for _, tt := range tests {
		if got := MissedFires(sched, last, tt.now, tt.limit); got != tt.want {
			t.Fatalf("MissedFires(now=%v) = %d, want %d", tt.now, got, tt.want)
		}
	}
}

func TestPlanCatchUp(t *testing.T) {
	once := agent("hourly-once")
	once.CatchUp = config.CatchUpRunOnce
	all := agent("hourly-all")
	all.CatchUp = config.CatchUpRunAll
	skip := agent("hourly-skip")
	fresh := agent("never-ran")
	fresh.CatchUp = config.CatchUpRunAll
	h := newHarness(t, once, all, skip, fresh)

	now := time.Date(2026, 3, 3, 12, 30, 0, 0, time.UTC)
	threeHoursAgo := now.Add(-3 * time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)
	for name, started := range map[string]time.Time{"hourly-once": threeHoursAgo, "hourly-all": twoDaysAgo, "hourly-skip": threeHoursAgo} {
		run := &store.RunLog{RunID: "seed-" + name, AgentName: name, StartedAt: started, Attempt: 1}
		run.Complete(store.StatusSuccess, started.Add(time.Minute))
		if err := h.opts.State.RecordResult(run); err != nil {
			t.Fatal(err)
		}
	}

	var schedules []config.ScheduleConfig
	for _, name := range []string{"hourly-once", "hourly-all", "hourly-skip", "never-ran"} {
		schedules = append(schedules, config.ScheduleConfig{Name: name, Cron: "0 * * * *", Agent: name, Enabled: true})
	}
	plan := h.m.planCatchUp(schedules, now)
	want := map[string]int{"hourly-once": 1, "hourly-all": MaxCatchUp}
	if len(plan) != len(want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
	for k, v := range want {
		if plan[k] != v {
			t.Fatalf("plan[%s] = %d, want %d", k, plan[k], v)
		}
	}
}

func TestScheduleAllRegistersLegacy(t *testing.T) {
	a := agent("legacy-monitor")
	a.Triggers.Cron = "*/10 * * * *"
	h := newHarness(t, a)
	h.recover(t)
	if err := h.m.ScheduleAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.NextRun("legacy-monitor") == nil {
		t.Fatal("legacy schedule not registered")
	}
}
