package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// TickRunner runs one tick. *Executor implements it.
type TickRunner interface {
	Execute(ctx context.Context, agentID string) (trade.Log, error)
}

// SchedulerOptions bounds and seeds the tick interval.
type SchedulerOptions struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	// RunImmediately fires the first tick right after start instead of one
	// interval later.
	RunImmediately bool
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.MinInterval <= 0 {
		o.MinInterval = time.Second
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = 24 * time.Hour
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = time.Minute
	}
	return o
}

// loop is an armed self-scheduling loop. gen distinguishes it from earlier
// loops of the same agent so stale timer callbacks can be ignored.
type loop struct {
	gen   uint64
	timer *clock.Timer
}

// Scheduler runs ticks for many agents, either on demand (push-ticks) or on
// a self-rescheduling timer per agent. All ticks for one agent share the
// single-flight guard in the StateStore.
type Scheduler struct {
	states *StateStore
	runner TickRunner
	clk    clock.Clock
	opts   SchedulerOptions
	events EventPublisher

	mu      sync.Mutex
	loops   map[string]*loop
	nextGen uint64
	closed  bool
	ticks   sync.WaitGroup
}

// NewScheduler creates a Scheduler. events may be nil.
func NewScheduler(states *StateStore, runner TickRunner, clk clock.Clock, events EventPublisher, opts SchedulerOptions) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		states: states,
		runner: runner,
		clk:    clk,
		opts:   opts.withDefaults(),
		events: events,
		loops:  make(map[string]*loop),
	}
}

// ClampInterval bounds an interval in milliseconds to the configured range.
// Non-positive values select the default interval.
func (s *Scheduler) ClampInterval(ms int64) int64 {
	if ms <= 0 {
		ms = s.opts.DefaultInterval.Milliseconds()
	}
	if minMs := s.opts.MinInterval.Milliseconds(); ms < minMs {
		return minMs
	}
	if maxMs := s.opts.MaxInterval.Milliseconds(); ms > maxMs {
		return maxMs
	}
	return ms
}

// ExecuteTick runs one push-triggered tick. It returns ErrTickInFlight
// without running anything if a tick for the agent is already in progress.
func (s *Scheduler) ExecuteTick(ctx context.Context, agentID string) (trade.Log, error) {
	if agentID == "" {
		return trade.Log{}, ErrInvalidAgentID
	}
	if err := s.beginTick(); err != nil {
		return trade.Log{}, err
	}
	defer s.ticks.Done()

	if !s.states.tryAcquire(agentID) {
		slog.Warn("engine: push tick rejected, tick in flight", slog.String("agent_id", agentID))
		return trade.Log{}, ErrTickInFlight
	}
	defer s.states.release(agentID)

	l, panicked, err := s.safeExecute(ctx, agentID)
	if panicked {
		s.stopAfterPanic(agentID, 0)
	}
	s.publishState(agentID)
	return l, err
}

// StartAgent arms a self-scheduling loop for the agent. It is idempotent:
// on a running agent it only updates the interval (when intervalMs > 0),
// which takes effect at the next re-arm.
func (s *Scheduler) StartAgent(agentID string, intervalMs int64) (AgentRunnerState, error) {
	if agentID == "" {
		return AgentRunnerState{}, ErrInvalidAgentID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return AgentRunnerState{}, ErrSchedulerClosed
	}
	if _, running := s.loops[agentID]; running {
		if intervalMs > 0 {
			s.states.setInterval(agentID, s.ClampInterval(intervalMs))
		}
		s.mu.Unlock()
		st, _ := s.states.Snapshot(agentID)
		return st, nil
	}

	if intervalMs <= 0 {
		intervalMs = s.states.interval(agentID)
	}
	iv := s.ClampInterval(intervalMs)

	s.nextGen++
	l := &loop{gen: s.nextGen}
	s.loops[agentID] = l
	s.states.markStarted(agentID, iv, s.clk.Now())

	delay := time.Duration(iv) * time.Millisecond
	if s.opts.RunImmediately {
		delay = 0
	}
	gen := l.gen
	l.timer = s.clk.AfterFunc(delay, func() { s.fire(agentID, gen) })
	s.mu.Unlock()

	slog.Info("engine: agent started",
		slog.String("agent_id", agentID),
		slog.Int64("interval_ms", iv),
		slog.Bool("run_immediately", s.opts.RunImmediately),
	)
	s.publishState(agentID)
	st, _ := s.states.Snapshot(agentID)
	return st, nil
}

// StopAgent cancels the agent's pending timer. A tick already in flight is
// allowed to finish. Stopping an unknown or stopped agent is a no-op; the
// returned bool reports whether the agent has any state.
func (s *Scheduler) StopAgent(agentID string) (AgentRunnerState, bool) {
	s.mu.Lock()
	wasRunning := s.stopLocked(agentID)
	s.mu.Unlock()

	if wasRunning {
		slog.Info("engine: agent stopped", slog.String("agent_id", agentID))
		s.publishState(agentID)
	}
	return s.states.Snapshot(agentID)
}

// stopLocked must be called with s.mu held.
func (s *Scheduler) stopLocked(agentID string) bool {
	l, ok := s.loops[agentID]
	if ok {
		l.timer.Stop()
		delete(s.loops, agentID)
	}
	s.states.markStopped(agentID)
	return ok
}

// GetRunnerState returns the agent's state, if any.
func (s *Scheduler) GetRunnerState(agentID string) (AgentRunnerState, bool) {
	return s.states.Snapshot(agentID)
}

// States exposes the underlying store to read-only consumers.
func (s *Scheduler) States() *StateStore { return s.states }

// RunningAgents returns the ids of agents with an armed loop.
func (s *Scheduler) RunningAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every loop and rejects further ticks and starts. In-flight
// ticks keep running; use Wait to let them finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.loops {
		s.stopLocked(id)
	}
	slog.Info("engine: scheduler closed")
}

// Wait blocks until all in-flight ticks finish or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: wait for in-flight ticks: %w", ctx.Err())
	}
}

func (s *Scheduler) beginTick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	s.ticks.Add(1)
	return nil
}

// fire is the timer callback of loop generation gen.
func (s *Scheduler) fire(agentID string, gen uint64) {
	s.mu.Lock()
	l, ok := s.loops[agentID]
	if !ok || l.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.ticks.Add(1)
	s.mu.Unlock()
	defer s.ticks.Done()

	if !s.states.tryAcquire(agentID) {
		slog.Warn("engine: scheduled tick skipped, tick in flight", slog.String("agent_id", agentID))
		s.rearm(agentID, gen)
		return
	}

	_, panicked, err := s.safeExecute(context.Background(), agentID)
	s.states.release(agentID)

	if panicked {
		s.stopAfterPanic(agentID, gen)
		return
	}
	if err != nil {
		slog.Error("engine: scheduled tick failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}
	s.rearm(agentID, gen)
}

// rearm schedules the next fire relative to now, so slow ticks do not
// accumulate drift. It does nothing if the loop was stopped or replaced.
func (s *Scheduler) rearm(agentID string, gen uint64) {
	s.mu.Lock()
	l, ok := s.loops[agentID]
	if !ok || l.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	iv := time.Duration(s.states.interval(agentID)) * time.Millisecond
	s.states.setNextTick(agentID, s.clk.Now().Add(iv))
	l.timer = s.clk.AfterFunc(iv, func() { s.fire(agentID, gen) })
	s.mu.Unlock()

	s.publishState(agentID)
}

// safeExecute runs the tick, converting a panic into a recorded error.
func (s *Scheduler) safeExecute(ctx context.Context, agentID string) (l trade.Log, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: tick panic",
				slog.String("agent_id", agentID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			msg := truncate(fmt.Sprintf("scheduler: tick panicked: %v", r), maxErrorLen)
			s.states.RecordError(agentID, s.clk.Now(), msg)
			s.states.recordAttempt(agentID, s.clk.Now(), true)
			l, panicked, err = trade.Log{}, true, fmt.Errorf("%w: %v", ErrTickPanic, r)
		}
	}()
	l, err = s.runner.Execute(ctx, agentID)
	return l, false, err
}

// stopAfterPanic marks the agent stopped. gen 0 stops whatever loop is armed.
func (s *Scheduler) stopAfterPanic(agentID string, gen uint64) {
	s.mu.Lock()
	if l, ok := s.loops[agentID]; ok && (gen == 0 || l.gen == gen) {
		s.stopLocked(agentID)
	}
	s.mu.Unlock()
	slog.Error("engine: agent loop stopped after panic", slog.String("agent_id", agentID))
	s.publishState(agentID)
}

func (s *Scheduler) publishState(agentID string) {
	if s.events == nil {
		return
	}
	st, ok := s.states.Snapshot(agentID)
	if !ok {
		return
	}
	if err := s.events.PublishRunnerState(context.Background(), st); err != nil {
		slog.Warn("engine: publish runner state failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}
}
