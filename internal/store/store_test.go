package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newRun(id, agent string, started time.Time) *RunLog {
	return &RunLog{
		RunID:     id,
		AgentName: agent,
		StartedAt: started,
		Status:    StatusRunning,
		Attempt:   1,
		Trigger:   TriggerManual,
	}
}

func TestRunLogValidate(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := newRun("r1", "a", start)
	if err := run.Validate(); err != nil {
		t.Fatalf("running record: %v", err)
	}

	run.Status = StatusSuccess
	if err := run.Validate(); !errors.Is(err, ErrInvalidRun) {
		t.Fatalf("success without completed_at: err = %v, want ErrInvalidRun", err)
	}

	run.Complete(StatusSuccess, start.Add(90*time.Second))
	if err := run.Validate(); err != nil {
		t.Fatalf("completed record: %v", err)
	}
	if run.DurationMS != 90000 {
		t.Fatalf("DurationMS = %d, want 90000", run.DurationMS)
	}

	odd := newRun("r2", "a", start)
	odd.Complete(StatusRunning, start)
	if odd.Status != StatusInterrupted {
		t.Fatalf("Complete(running) status = %q, want interrupted", odd.Status)
	}
}

func TestLedgerSaveGetList(t *testing.T) {
	l := NewLedger(t.TempDir())
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	runs := []*RunLog{
		newRun("r1", "builder", day1),
		newRun("r2", "scanner", day1.Add(time.Minute)),
		newRun("r3", "builder", day2),
	}
	for _, r := range runs {
		if err := l.Save(r); err != nil {
			t.Fatalf("Save(%s): %v", r.RunID, err)
		}
	}
	if _, err := os.Stat(filepath.Join(l.Root(), "2026-03-02", "r3.json")); err != nil {
		t.Fatalf("record not grouped by date: %v", err)
	}

	fresh := NewLedger(l.Root())
	got, err := fresh.Get("r2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentName != "scanner" {
		t.Fatalf("Get(r2).AgentName = %q", got.AgentName)
	}
	if _, err := fresh.Get("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Get(nope) err = %v, want ErrRunNotFound", err)
	}

	all, err := fresh.List("", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ids := runIDs(all); len(ids) != 3 || ids[0] != "r3" || ids[2] != "r1" {
		t.Fatalf("List() = %v, want newest first", ids)
	}
	builders, _ := fresh.List("builder", 1)
	if ids := runIDs(builders); len(ids) != 1 || ids[0] != "r3" {
		t.Fatalf("List(builder, 1) = %v", ids)
	}
}

func TestLedgerRejectsInvalid(t *testing.T) {
	l := NewLedger(t.TempDir())
	r := newRun("r1", "a", time.Now())
	r.Status = StatusFailed
	if err := l.Save(r); !errors.Is(err, ErrInvalidRun) {
		t.Fatalf("Save(invalid) err = %v, want ErrInvalidRun", err)
	}
}

func TestLedgerOrphans(t *testing.T) {
	l := NewLedger(t.TempDir())
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	done := newRun("done", "a", start)
	done.Complete(StatusSuccess, start.Add(time.Second))
	for _, r := range []*RunLog{done, newRun("o2", "a", start.Add(2*time.Hour)), newRun("o1", "b", start.Add(time.Hour))} {
		if err := l.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	orphans, err := l.Orphans()
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if ids := runIDs(orphans); len(ids) != 2 || ids[0] != "o1" || ids[1] != "o2" {
		t.Fatalf("Orphans() = %v, want [o1 o2]", ids)
	}
}

func TestLedgerRetrying(t *testing.T) {
	l := NewLedger(t.TempDir())
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	waiting := newRun("waiting", "a", start)
	waiting.Complete(StatusRetrying, start.Add(time.Second))
	started := newRun("started", "a", start.Add(time.Minute))
	started.Complete(StatusRetrying, start.Add(2*time.Minute))
	started.RetryRunID = "next"
	failed := newRun("failed", "a", start.Add(time.Hour))
	failed.Complete(StatusFailed, start.Add(2*time.Hour))
	for _, r := range []*RunLog{waiting, started, failed, newRun("live", "a", start)} {
		if err := l.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := l.Retrying()
	if err != nil {
		t.Fatalf("Retrying: %v", err)
	}
	if ids := runIDs(got); len(ids) != 1 || ids[0] != "waiting" {
		t.Fatalf("Retrying() = %v, want [waiting]", ids)
	}
}

func TestStateTrackerRecordResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agents.json")
	st := NewStateTracker(path)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	statuses := []RunStatus{StatusFailed, StatusTimeout, StatusCancelled, StatusSuccess, StatusInterrupted}
	for i, s := range statuses {
		r := newRun("r", "builder", start.Add(time.Duration(i)*time.Minute))
		r.TotalCostUSD = 0.5
		r.Complete(s, r.StartedAt.Add(time.Second))
		if err := st.RecordResult(r); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}

	reloaded := NewStateTracker(path)
	got := reloaded.Get("builder")
	if got.TotalRuns != 5 || got.TotalSuccesses != 1 || got.TotalFailures != 3 {
		t.Fatalf("counters = %+v", got)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastStatus != StatusInterrupted || got.TotalCostUSD != 2.5 {
		t.Fatalf("last status/cost = %q/%v", got.LastStatus, got.TotalCostUSD)
	}
	if !got.LastRunAt.Equal(start.Add(4 * time.Minute)) {
		t.Fatalf("LastRunAt = %v", got.LastRunAt)
	}

	next := start.Add(time.Hour)
	if err := reloaded.SetNextRun("builder", &next); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
	if n := NewStateTracker(path).Get("builder").NextRunAt; n == nil || !n.Equal(next) {
		t.Fatalf("NextRunAt = %v, want %v", n, next)
	}
}

func runIDs(runs []*RunLog) []string {
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	return ids
}
