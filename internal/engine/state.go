package engine

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultErrorCap bounds AgentRunnerState.Errors when no cap is configured.
const DefaultErrorCap = 20

// healthWindow is the number of most recent tick attempts kept for health
// classification.
const healthWindow = 10

// RunnerError is one recorded failure.
type RunnerError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AgentRunnerState is the externally visible runtime state of one agent.
type AgentRunnerState struct {
	AgentID    string        `json:"agentId"`
	IsRunning  bool          `json:"isRunning"`
	IntervalMs int64         `json:"intervalMs"`
	LastTickAt *time.Time    `json:"lastTickAt"`
	NextTickAt *time.Time    `json:"nextTickAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	TickCount  int64         `json:"tickCount"`
	Errors     []RunnerError `json:"errors"`
}

// runnerEntry is the mutable record behind an AgentRunnerState.
type runnerEntry struct {
	// inFlight is the single-flight guard. It is never part of a snapshot.
	inFlight atomic.Bool

	mu         sync.Mutex
	isRunning  bool
	intervalMs int64
	lastTickAt time.Time
	nextTickAt time.Time
	startedAt  time.Time
	tickCount  int64
	errors     []RunnerError
	// outcomes holds the last healthWindow tick attempts, oldest first;
	// true means the attempt recorded an error.
	outcomes []bool
}

func (e *runnerEntry) snapshot(id string) AgentRunnerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := AgentRunnerState{
		AgentID:    id,
		IsRunning:  e.isRunning,
		IntervalMs: e.intervalMs,
		TickCount:  e.tickCount,
		Errors:     append([]RunnerError(nil), e.errors...),
	}
	if s.Errors == nil {
		s.Errors = []RunnerError{}
	}
	s.LastTickAt = optionalTime(e.lastTickAt)
	s.NextTickAt = optionalTime(e.nextTickAt)
	s.StartedAt = optionalTime(e.startedAt)
	return s
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// StateStore holds the runner state of every agent this process has seen.
// Entries are created lazily and live until Reset.
type StateStore struct {
	errorCap int

	mu      sync.RWMutex
	entries map[string]*runnerEntry
}

// NewStateStore creates a StateStore whose error lists hold at most errorCap
// entries.
func NewStateStore(errorCap int) *StateStore {
	if errorCap <= 0 {
		errorCap = DefaultErrorCap
	}
	return &StateStore{errorCap: errorCap, entries: make(map[string]*runnerEntry)}
}

// ErrorCap returns the configured bound on recorded errors.
func (s *StateStore) ErrorCap() int { return s.errorCap }

func (s *StateStore) lookup(id string) *runnerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// entry returns the entry for id, creating it if needed.
func (s *StateStore) entry(id string) *runnerEntry {
	if e := s.lookup(id); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &runnerEntry{}
	s.entries[id] = e
	return e
}

// Snapshot returns a copy of the agent's state.
func (s *StateStore) Snapshot(id string) (AgentRunnerState, bool) {
	e := s.lookup(id)
	if e == nil {
		return AgentRunnerState{}, false
	}
	return e.snapshot(id), true
}

// IDs returns every known agent id in sorted order.
func (s *StateStore) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// All returns a snapshot of every known agent, sorted by id.
func (s *StateStore) All() []AgentRunnerState {
	ids := s.IDs()
	out := make([]AgentRunnerState, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Snapshot(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Reset drops every entry. Agents with armed timers must be stopped first.
func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*runnerEntry)
}

// tryAcquire takes the single-flight guard for id.
func (s *StateStore) tryAcquire(id string) bool {
	return s.entry(id).inFlight.CompareAndSwap(false, true)
}

func (s *StateStore) release(id string) {
	s.entry(id).inFlight.Store(false)
}

// InFlight reports whether a tick is currently running for id.
func (s *StateStore) InFlight(id string) bool {
	e := s.lookup(id)
	return e != nil && e.inFlight.Load()
}

// RecordError appends a failure, evicting the oldest entries beyond the cap.
func (s *StateStore) RecordError(id string, at time.Time, msg string) {
	e := s.entry(id)
	e.mu.Lock()
	e.errors = append(e.errors, RunnerError{Timestamp: at, Message: msg})
	if over := len(e.errors) - s.errorCap; over > 0 {
		e.errors = append([]RunnerError(nil), e.errors[over:]...)
	}
	e.mu.Unlock()

	slog.Error("engine: agent error recorded",
		slog.String("agent_id", id),
		slog.String("error", msg),
	)
}

// recordAttempt counts a finished tick attempt.
func (s *StateStore) recordAttempt(id string, at time.Time, failed bool) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickCount++
	e.lastTickAt = at
	e.outcomes = append(e.outcomes, failed)
	if over := len(e.outcomes) - healthWindow; over > 0 {
		e.outcomes = append([]bool(nil), e.outcomes[over:]...)
	}
}

// markStarted flags the agent running. A transition from stopped starts a
// fresh health window; errors and tickCount are kept.
func (s *StateStore) markStarted(id string, intervalMs int64, now time.Time) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRunning {
		e.startedAt = now
		e.outcomes = nil
	}
	e.isRunning = true
	e.intervalMs = intervalMs
	e.nextTickAt = now.Add(time.Duration(intervalMs) * time.Millisecond)
}

func (s *StateStore) markStopped(id string) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isRunning = false
	e.nextTickAt = time.Time{}
}

func (s *StateStore) setInterval(id string, intervalMs int64) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intervalMs = intervalMs
}

func (s *StateStore) setNextTick(id string, at time.Time) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTickAt = at
}

func (s *StateStore) interval(id string) int64 {
	e := s.lookup(id)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intervalMs
}

// healthView is what the health classifier reads.
type healthView struct {
	isRunning  bool
	intervalMs int64
	lastTickAt time.Time
	startedAt  time.Time
	outcomes   []bool
}

func (s *StateStore) healthView(id string) (healthView, bool) {
	e := s.lookup(id)
	if e == nil {
		return healthView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return healthView{
		isRunning:  e.isRunning,
		intervalMs: e.intervalMs,
		lastTickAt: e.lastTickAt,
		startedAt:  e.startedAt,
		outcomes:   append([]bool(nil), e.outcomes...),
	}, true
}
