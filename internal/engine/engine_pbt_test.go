package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/market"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// --- Mock implementations ---

type mockConfigs struct {
	mu      sync.Mutex
	configs map[string]agent.Config
	err     error
}

func (m *mockConfigs) GetConfig(_ context.Context, id string) (agent.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return agent.Config{}, m.err
	}
	c, ok := m.configs[id]
	if !ok {
		return agent.Config{}, agent.ErrNotFound
	}
	return c, nil
}

type mockMarket struct {
	err error
}

func (m *mockMarket) Build(_ context.Context, cfg agent.Config) (market.Snapshot, error) {
	if m.err != nil {
		return market.Snapshot{}, m.err
	}
	return market.Snapshot{Asset: cfg.Asset, Data: map[string]any{"get_price": 100.0}}, nil
}

// mockDecider returns a fixed decision. When block is set, Decide waits on it
// after announcing itself on started.
type mockDecider struct {
	mu        sync.Mutex
	decision  trade.Decision
	err       error
	panicMsg  string
	block     chan struct{}
	started   chan struct{}
	calls     int
	active    int
	maxActive int
}

func (m *mockDecider) Decide(ctx context.Context, cfg agent.Config, _ market.Snapshot) (trade.Decision, error) {
	m.mu.Lock()
	m.calls++
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	d, err, p, block, started := m.decision, m.err, m.panicMsg, m.block, m.started
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return trade.Decision{}, ctx.Err()
		}
	}
	if p != "" {
		panic(p)
	}
	return d, err
}

func (m *mockDecider) set(d trade.Decision, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision, m.err = d, err
}

func (m *mockDecider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockOrders fills with result. afterFill runs once the fill is decided,
// standing in for a caller that goes away while the order is out.
type mockOrders struct {
	mu        sync.Mutex
	result    trade.ExecutionResult
	err       error
	calls     int
	afterFill func()
}

func (m *mockOrders) SubmitOrder(_ context.Context, _ agent.Config, _ trade.Decision) (trade.ExecutionResult, error) {
	m.mu.Lock()
	m.calls++
	res, err, after := m.result, m.err, m.afterFill
	m.mu.Unlock()
	if err != nil {
		return trade.ExecutionResult{}, err
	}
	if after != nil {
		after()
	}
	return res, nil
}

func (m *mockOrders) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockLogs struct {
	mu   sync.Mutex
	logs []trade.Log
	err  error
}

// AppendTradeLog fails on a done context the way a database write would.
func (m *mockLogs) AppendTradeLog(ctx context.Context, l trade.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: append trade log: %w", err)
	}
	m.logs = append(m.logs, l)
	return nil
}

func (m *mockLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

type mockEvents struct {
	mu        sync.Mutex
	tradeLogs int
	states    []AgentRunnerState
	err       error
}

func (m *mockEvents) PublishTradeLog(context.Context, trade.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradeLogs++
	return m.err
}

func (m *mockEvents) PublishRunnerState(_ context.Context, s AgentRunnerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
	return m.err
}

// --- Test rig ---

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type rig struct {
	clk     *clock.Fake
	states  *StateStore
	configs *mockConfigs
	market  *mockMarket
	decider *mockDecider
	orders  *mockOrders
	logs    *mockLogs
	events  *mockEvents
	exec    *Executor
	sched   *Scheduler
	health  *HealthMonitor
}

type rigOptions struct {
	errorCap       int
	threshold      float64
	runImmediately bool
	tickTimeout    time.Duration
}

func newRig(opts rigOptions) *rig {
	r := &rig{
		clk:     clock.NewFake(testEpoch),
		states:  NewStateStore(opts.errorCap),
		configs: &mockConfigs{configs: map[string]agent.Config{}},
		market:  &mockMarket{},
		decider: &mockDecider{decision: trade.Hold("BTC", "flat market")},
		orders:  &mockOrders{result: trade.ExecutionResult{Success: true, OrderID: "ord-1", Status: "filled"}},
		logs:    &mockLogs{},
		events:  &mockEvents{},
	}
	r.exec = NewExecutor(r.states, r.configs, r.market, r.decider, r.orders, r.logs, r.events, r.clk,
		ExecutorOptions{ConfidenceThreshold: opts.threshold, TickTimeout: opts.tickTimeout})
	r.sched = NewScheduler(r.states, r.exec, r.clk, r.events, SchedulerOptions{
		DefaultInterval: time.Minute,
		MinInterval:     time.Second,
		MaxInterval:     24 * time.Hour,
		RunImmediately:  opts.runImmediately,
	})
	r.health = NewHealthMonitor(r.states, r.clk)
	return r
}

func (r *rig) addAgent(id string) {
	r.configs.mu.Lock()
	defer r.configs.mu.Unlock()
	r.configs.configs[id] = agent.Config{ID: id, Asset: "BTC", TickIntervalMs: 60_000, IsActive: true}
}

func (r *rig) tickCount(t testing.TB, id string) int64 {
	t.Helper()
	st, ok := r.sched.GetRunnerState(id)
	if !ok {
		return 0
	}
	return st.TickCount
}

func longDecision(conf float64) trade.Decision {
	return trade.Decision{Action: trade.ActionLong, Asset: "BTC", Size: 0.1, Leverage: 2, Confidence: conf, Reasoning: "breakout"}
}

// Feature: agentfi-runner, Property: Confidence gate
// For any decision, the order is submitted iff action != hold and
// confidence >= threshold, and a trade log is appended either way.
func TestPropertyConfidenceGate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newRig(rigOptions{})
		r.addAgent("a1")

		action := rapid.SampledFrom([]trade.Action{trade.ActionHold, trade.ActionLong, trade.ActionShort}).Draw(rt, "action")
		conf := float64(rapid.IntRange(0, 100).Draw(rt, "confidence_pct")) / 100.0
		d := trade.Decision{Action: action, Asset: "BTC", Size: 1, Leverage: 1, Confidence: conf}
		r.decider.set(d, nil)

		l, err := r.sched.ExecuteTick(context.Background(), "a1")
		if err != nil {
			rt.Fatalf("ExecuteTick: %v", err)
		}

		want := action != trade.ActionHold && conf >= DefaultConfidenceThreshold
		if l.Executed != want {
			rt.Fatalf("action=%s conf=%v: executed=%v, want %v", action, conf, l.Executed, want)
		}
		if (r.orders.callCount() == 1) != want {
			rt.Fatalf("action=%s conf=%v: submit calls=%d", action, conf, r.orders.callCount())
		}
		if r.logs.count() != 1 {
			rt.Fatalf("expected exactly one trade log, got %d", r.logs.count())
		}
	})
}

func TestConfidenceBoundary(t *testing.T) {
	cases := []struct {
		conf     float64
		executed bool
	}{
		{0.59, false},
		{0.60, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("confidence_%.2f", tc.conf), func(t *testing.T) {
			r := newRig(rigOptions{})
			r.addAgent("a1")
			r.decider.set(longDecision(tc.conf), nil)

			l, err := r.sched.ExecuteTick(context.Background(), "a1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.Executed != tc.executed {
				t.Fatalf("executed=%v, want %v", l.Executed, tc.executed)
			}
			if got := r.orders.callCount(); (got == 1) != tc.executed {
				t.Fatalf("submit calls=%d", got)
			}
		})
	}
}

func TestPerAgentMinConfidenceOverride(t *testing.T) {
	r := newRig(rigOptions{})
	minConf := 0.8
	r.configs.configs["a1"] = agent.Config{ID: "a1", Asset: "BTC", MinConfidence: &minConf}
	r.decider.set(longDecision(0.7), nil)

	l, err := r.sched.ExecuteTick(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Executed {
		t.Fatal("0.7 is below the agent's 0.8 override and must not execute")
	}
}

// Feature: agentfi-runner, Property: Error cap
// For any cap and any number of recorded errors, the error list never exceeds
// the cap and keeps the newest entries in insertion order.
func TestPropertyErrorCapFIFO(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capN := rapid.IntRange(1, 30).Draw(rt, "cap")
		n := rapid.IntRange(0, 100).Draw(rt, "errors")
		s := NewStateStore(capN)

		for i := 0; i < n; i++ {
			s.RecordError("a1", testEpoch.Add(time.Duration(i)*time.Second), fmt.Sprintf("err-%d", i))
		}

		st, ok := s.Snapshot("a1")
		if n == 0 {
			if ok {
				rt.Fatal("no errors recorded: state should not exist")
			}
			return
		}
		if len(st.Errors) > capN {
			rt.Fatalf("len(errors)=%d exceeds cap %d", len(st.Errors), capN)
		}
		keep := min(n, capN)
		if len(st.Errors) != keep {
			rt.Fatalf("len(errors)=%d, want %d", len(st.Errors), keep)
		}
		for i, e := range st.Errors {
			want := fmt.Sprintf("err-%d", n-keep+i)
			if e.Message != want {
				rt.Fatalf("errors[%d]=%q, want %q", i, e.Message, want)
			}
		}
	})
}

// Feature: agentfi-runner, Property: Idempotent start
// For any interval and number of elapsed intervals, starting an agent twice
// arms a single loop: tickCount equals the immediate tick plus one per
// elapsed interval.
func TestPropertyDoubleStartNeverDoubleArms(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newRig(rigOptions{runImmediately: true})
		r.addAgent("a1")
		intervalMs := rapid.Int64Range(1_000, 120_000).Draw(rt, "interval_ms")
		fires := rapid.IntRange(0, 8).Draw(rt, "fires")

		if _, err := r.sched.StartAgent("a1", intervalMs); err != nil {
			rt.Fatalf("start: %v", err)
		}
		if _, err := r.sched.StartAgent("a1", intervalMs); err != nil {
			rt.Fatalf("second start: %v", err)
		}
		iv := time.Duration(intervalMs) * time.Millisecond
		st, _ := r.sched.GetRunnerState("a1")
		if st.NextTickAt == nil || !st.NextTickAt.Equal(testEpoch.Add(iv)) {
			rt.Fatalf("second start moved the deadline: %v", st.NextTickAt)
		}

		r.clk.Advance(0)
		for i := 0; i < fires; i++ {
			r.clk.Advance(iv)
		}

		if got := r.tickCount(t, "a1"); got != int64(fires+1) {
			rt.Fatalf("tickCount=%d, want %d", got, fires+1)
		}
		st, _ = r.sched.GetRunnerState("a1")
		if want := r.clk.Now().Add(iv); st.NextTickAt == nil || !st.NextTickAt.Equal(want) {
			rt.Fatalf("nextTickAt=%v, want %v", st.NextTickAt, want)
		}
	})
}

// Feature: agentfi-runner, Property: Stop halts ticking
// After stopAgent, waiting 2 * interval produces no further ticks.
func TestPropertyStopHaltsTicking(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newRig(rigOptions{runImmediately: rapid.Bool().Draw(rt, "immediate")})
		r.addAgent("a1")
		intervalMs := rapid.Int64Range(1_000, 60_000).Draw(rt, "interval_ms")
		iv := time.Duration(intervalMs) * time.Millisecond

		if _, err := r.sched.StartAgent("a1", intervalMs); err != nil {
			rt.Fatalf("start: %v", err)
		}
		r.clk.Advance(time.Duration(rapid.IntRange(0, 3).Draw(rt, "before_stop")) * iv)

		st, _ := r.sched.StopAgent("a1")
		if st.IsRunning || st.NextTickAt != nil {
			rt.Fatalf("stopped state should have isRunning=false and nextTickAt=nil: %+v", st)
		}
		before := r.tickCount(t, "a1")
		r.clk.Advance(2 * iv)
		if after := r.tickCount(t, "a1"); after != before {
			rt.Fatalf("tickCount moved after stop: %d -> %d", before, after)
		}
		if st, _ := r.sched.GetRunnerState("a1"); st.IsRunning || st.NextTickAt != nil {
			rt.Fatalf("loop re-armed after stop: %+v", st)
		}
	})
}

// Feature: agentfi-runner, Property: Interval clamping
// For any requested interval, the armed interval lies within [min, max];
// non-positive requests select the default.
func TestPropertyIntervalClamping(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newRig(rigOptions{})
		ms := rapid.Int64Range(-10_000, 200_000_000).Draw(rt, "interval_ms")
		got := r.sched.ClampInterval(ms)

		switch {
		case ms <= 0:
			if got != 60_000 {
				rt.Fatalf("ClampInterval(%d)=%d, want default 60000", ms, got)
			}
		case ms < 1_000:
			if got != 1_000 {
				rt.Fatalf("ClampInterval(%d)=%d, want 1000", ms, got)
			}
		case ms > 86_400_000:
			if got != 86_400_000 {
				rt.Fatalf("ClampInterval(%d)=%d, want 86400000", ms, got)
			}
		default:
			if got != ms {
				rt.Fatalf("ClampInterval(%d)=%d, want unchanged", ms, got)
			}
		}
	})
}

// Feature: agentfi-runner, Property: Health classification
// For any running state, classify returns unhealthy iff the last two attempts
// failed or the agent is stale, degraded iff otherwise any attempt in the
// window failed, healthy otherwise.
func TestPropertyHealthClassification(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		intervalMs := rapid.Int64Range(1_000, 600_000).Draw(rt, "interval_ms")
		outcomes := rapid.SliceOfN(rapid.Bool(), 0, healthWindow).Draw(rt, "outcomes")
		sinceMs := rapid.Int64Range(0, 5*intervalMs).Draw(rt, "since_last_ms")
		running := rapid.Bool().Draw(rt, "running")

		now := testEpoch.Add(time.Hour)
		v := healthView{
			isRunning:  running,
			intervalMs: intervalMs,
			startedAt:  testEpoch,
			lastTickAt: now.Add(-time.Duration(sinceMs) * time.Millisecond),
			outcomes:   outcomes,
		}
		got := classify(v, now)

		n := len(outcomes)
		anyFailed := false
		for _, f := range outcomes {
			anyFailed = anyFailed || f
		}
		var want HealthStatus
		switch {
		case !running:
			want = HealthStopped
		case n >= 2 && outcomes[n-1] && outcomes[n-2]:
			want = HealthUnhealthy
		case sinceMs > 3*intervalMs:
			want = HealthUnhealthy
		case anyFailed:
			want = HealthDegraded
		default:
			want = HealthHealthy
		}
		if got != want {
			rt.Fatalf("classify(outcomes=%v since=%dms interval=%dms running=%v)=%s, want %s",
				outcomes, sinceMs, intervalMs, running, got, want)
		}
	})
}

// Feature: agentfi-runner, Property: Single flight
// Concurrent push-ticks for one agent never overlap: while one runs, every
// other call is rejected with ErrTickInFlight.
func TestPropertySingleFlightPushTicks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newRig(rigOptions{})
		r.addAgent("a1")
		r.decider.block = make(chan struct{})
		r.decider.started = make(chan struct{}, 1)
		extra := rapid.IntRange(1, 8).Draw(rt, "concurrent_calls")

		done := make(chan error, 1)
		go func() {
			_, err := r.sched.ExecuteTick(context.Background(), "a1")
			done <- err
		}()
		<-r.decider.started

		var wg sync.WaitGroup
		rejected := make(chan error, extra)
		for i := 0; i < extra; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.sched.ExecuteTick(context.Background(), "a1")
				rejected <- err
			}()
		}
		wg.Wait()
		close(rejected)
		for err := range rejected {
			if !errors.Is(err, ErrTickInFlight) {
				rt.Fatalf("expected ErrTickInFlight, got %v", err)
			}
		}

		close(r.decider.block)
		if err := <-done; err != nil {
			rt.Fatalf("first tick failed: %v", err)
		}
		if r.decider.callCount() != 1 {
			rt.Fatalf("decider ran %d times, want 1", r.decider.callCount())
		}
		r.decider.mu.Lock()
		maxActive := r.decider.maxActive
		r.decider.mu.Unlock()
		if maxActive != 1 {
			rt.Fatalf("overlapping ticks observed: %d", maxActive)
		}
	})
}
