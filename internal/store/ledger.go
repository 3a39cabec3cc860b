// Package store persists run records and per-agent state as JSON files.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

const dateLayout = "2006-01-02"

// Ledger is the RunLedger: one JSON file per run under runs/<YYYY-MM-DD>/,
// next to the run's output log. The date is the UTC start date.
type Ledger struct {
	root string

	mu    sync.RWMutex
	paths map[string]string
}

// NewLedger returns a ledger rooted at dir (normally $NOLAN_HOME/runs).
func NewLedger(dir string) *Ledger {
	return &Ledger{root: dir, paths: make(map[string]string)}
}

// Root returns the runs directory.
func (l *Ledger) Root() string { return l.root }

// RecordPath returns where the record of a run started at startedAt lives.
func (l *Ledger) RecordPath(runID string, startedAt time.Time) string {
	return filepath.Join(l.root, startedAt.UTC().Format(dateLayout), runID+".json")
}

// LogPath returns the output log path of a run started at startedAt.
func (l *Ledger) LogPath(runID string, startedAt time.Time) string {
	return filepath.Join(l.root, startedAt.UTC().Format(dateLayout), runID+".log")
}

// Save validates run and replaces its record file.
func (l *Ledger) Save(run *RunLog) error {
	if err := run.Validate(); err != nil {
		return err
	}
	path := l.RecordPath(run.RunID, run.StartedAt)
	if err := WriteJSON(path, run); err != nil {
		return fmt.Errorf("saving run %s: %w", run.RunID, err)
	}
	l.mu.Lock()
	l.paths[run.RunID] = path
	l.mu.Unlock()
	return nil
}

// Get loads one run by id.
func (l *Ledger) Get(runID string) (*RunLog, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	l.mu.RLock()
	path, ok := l.paths[runID]
	l.mu.RUnlock()
	if !ok {
		dates, err := l.dates()
		if err != nil {
			return nil, err
		}
		for i := len(dates) - 1; i >= 0; i-- {
			candidate := filepath.Join(l.root, dates[i], runID+".json")
			if _, err := os.Stat(candidate); err == nil {
				path, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var run RunLog
	if err := ReadJSON(path, &run); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	l.mu.Lock()
	l.paths[runID] = path
	l.mu.Unlock()
	return &run, nil
}

// List returns runs newest first. An empty agent matches every agent; a
// limit of zero or less means no limit.
func (l *Ledger) List(agent string, limit int) ([]*RunLog, error) {
	dates, err := l.dates()
	if err != nil {
		return nil, err
	}
	var out []*RunLog
	for i := len(dates) - 1; i >= 0; i-- {
		runs, err := l.readDate(dates[i])
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if agent == "" || r.AgentName == agent {
				out = append(out, r)
			}
		}
		// Dates are processed newest first, so once the limit is met no
		// older day can contribute a newer run.
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Orphans returns every run whose record was never completed, oldest first.
func (l *Ledger) Orphans() ([]*RunLog, error) {
	return l.scan((*RunLog).Running)
}

// Retrying returns every run still waiting for its next attempt, oldest
// first.
func (l *Ledger) Retrying() ([]*RunLog, error) {
	return l.scan((*RunLog).AwaitingRetry)
}

// scan returns the records matching keep, oldest first.
func (l *Ledger) scan(keep func(*RunLog) bool) ([]*RunLog, error) {
	dates, err := l.dates()
	if err != nil {
		return nil, err
	}
	var out []*RunLog
	for _, d := range dates {
		runs, err := l.readDate(d)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if keep(r) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (l *Ledger) dates() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

func (l *Ledger) readDate(date string) ([]*RunLog, error) {
	dir := filepath.Join(l.root, date)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []*RunLog
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		var r RunLog
		if err := ReadJSON(filepath.Join(dir, name), &r); err != nil {
			continue
		}
		runs = append(runs, &r)
	}
	return runs, nil
}
