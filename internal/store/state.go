package store

import (
	"sort"
	"sync"
	"time"
)

// StateTracker keeps the AgentState map in a single JSON file that is
// rewritten wholesale on every update.
type StateTracker struct {
	path string

	mu     sync.Mutex
	states map[string]*AgentState
}

// NewStateTracker loads path if it exists. An unreadable file starts empty.
func NewStateTracker(path string) *StateTracker {
	t := &StateTracker{path: path, states: make(map[string]*AgentState)}
	var loaded map[string]*AgentState
	if err := ReadJSON(path, &loaded); err == nil {
		for name, st := range loaded {
			if st != nil {
				t.states[name] = st
			}
		}
	}
	return t
}

// Get returns a copy of the agent's state; the zero value when unknown.
func (t *StateTracker) Get(agent string) AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[agent]; ok {
		return *st
	}
	return AgentState{}
}

// Agents returns the names with recorded state, sorted.
func (t *StateTracker) Agents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.states))
	for n := range t.states {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RecordResult folds a finalized run into its agent's counters.
// Cancelled and skipped runs count as runs but leave the failure streak alone.
func (t *StateTracker) RecordResult(run *RunLog) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.entry(run.AgentName)
	started := run.StartedAt.UTC()
	st.LastRunAt = &started
	st.LastStatus = run.Status
	st.TotalRuns++
	st.TotalCostUSD += run.TotalCostUSD
	switch {
	case run.Status == StatusSuccess:
		st.TotalSuccesses++
		st.ConsecutiveFailures = 0
	case run.Status.Failure():
		st.TotalFailures++
		st.ConsecutiveFailures++
	}
	return t.flush()
}

// SetNextRun records when the agent's next scheduled fire is due; nil clears it.
func (t *StateTracker) SetNextRun(agent string, next *time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.entry(agent)
	if next != nil {
		n := next.UTC()
		next = &n
	}
	st.NextRunAt = next
	return t.flush()
}

func (t *StateTracker) entry(agent string) *AgentState {
	st, ok := t.states[agent]
	if !ok {
		st = &AgentState{}
		t.states[agent] = st
	}
	return st
}

func (t *StateTracker) flush() error {
	if t.path == "" {
		return nil
	}
	return WriteJSON(t.path, t.states)
}
