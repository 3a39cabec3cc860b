// Package running is the registry of in-flight runs.
//
// Set is the only structure written by more than one goroutine (scheduler
// fires, manual triggers, monitors, recovery and cancellation). Every mutation
// happens under one mutex, and the concurrency check plus insert is a single
// critical section.
package running

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned when an agent without allow_parallel already
// has a run in flight, or when a run id is inserted twice.
var ErrAlreadyRunning = errors.New("already running")

// CancelFlag is polled by a run's monitor. Setting it is the only way to ask
// a run to stop.
type CancelFlag struct {
	set atomic.Bool
}

// IsSet reports whether cancellation was requested.
func (f *CancelFlag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Process is one in-flight run.
type Process struct {
	RunID          string
	AgentName      string
	StartedAt      time.Time
	PID            int
	LogFile        string
	RecordFile     string
	SessionName    string
	RunDir         string
	WorktreePath   string
	WorktreeBranch string
	PipelineID     string
	Cancel         *CancelFlag
}

// Set is the RunningSet.
type Set struct {
	mu    sync.Mutex
	procs map[string]*Process
}

// NewSet returns an empty registry.
func NewSet() *Set {
	return &Set{procs: make(map[string]*Process)}
}

// TryInsert registers p. Unless allowParallel is true it refuses when another
// run of the same agent is present. A fresh cancel flag is attached when p
// has none.
func (s *Set) TryInsert(p *Process, allowParallel bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.procs[p.RunID]; dup {
		return fmt.Errorf("run %s: %w", p.RunID, ErrAlreadyRunning)
	}
	if !allowParallel {
		for _, other := range s.procs {
			if other.AgentName == p.AgentName {
				return fmt.Errorf("agent %s (run %s): %w", p.AgentName, other.RunID, ErrAlreadyRunning)
			}
		}
	}
	if p.Cancel == nil {
		p.Cancel = &CancelFlag{}
	}
	s.procs[p.RunID] = p
	return nil
}

// Update applies fn to the entry of runID under the lock. It reports whether
// the run was present.
func (s *Set) Update(runID string, fn func(*Process)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[runID]
	if ok {
		fn(p)
	}
	return ok
}

// Remove deletes runID and returns the removed entry.
func (s *Set) Remove(runID string) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[runID]
	if !ok {
		return Process{}, false
	}
	delete(s.procs, runID)
	return *p, true
}

// Has reports whether runID is registered.
func (s *Set) Has(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[runID]
	return ok
}

// Get returns a snapshot of runID's entry.
func (s *Set) Get(runID string) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[runID]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

// AgentRunning reports whether agent has any run in flight.
func (s *Set) AgentRunning(agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.AgentName == agent {
			return true
		}
	}
	return false
}

// Cancel sets the cancel flag of runID. It reports whether the run was found.
func (s *Set) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[runID]
	if ok {
		p.Cancel.set.Store(true)
	}
	return ok
}

// CancelAgent flags every run of agent and returns the affected run ids.
func (s *Set) CancelAgent(agent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.procs {
		if p.AgentName == agent {
			p.Cancel.set.Store(true)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns snapshots of every entry, oldest first.
func (s *Set) List() []Process {
	s.mu.Lock()
	out := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of runs in flight.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
