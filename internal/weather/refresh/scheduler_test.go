package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"atmobot/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type call struct {
	limit    int
	interval time.Duration
}

// scriptUpdater replays results in order; once exhausted it repeats the last
// one. When gate is set, Update waits on it (or on ctx when honorCtx).
type scriptUpdater struct {
	mu     sync.Mutex
	script []bool
	err    error
	panics bool
	calls  []call

	gate     chan struct{}
	honorCtx bool

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (u *scriptUpdater) Update(ctx context.Context, limit int, interval time.Duration) (bool, error) {
	n := u.inflight.Add(1)
	defer u.inflight.Add(-1)
	for {
		m := u.maxInflight.Load()
		if n <= m || u.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	u.mu.Lock()
	i := len(u.calls)
	u.calls = append(u.calls, call{limit: limit, interval: interval})
	gate := u.gate
	u.mu.Unlock()

	if gate != nil {
		if u.honorCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		} else {
			<-gate
		}
	}
	if u.panics {
		panic("store exploded")
	}
	if u.err != nil {
		return false, u.err
	}
	if len(u.script) == 0 {
		return false, nil
	}
	if i >= len(u.script) {
		i = len(u.script) - 1
	}
	return u.script[i], nil
}

func (u *scriptUpdater) Calls() []call {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]call(nil), u.calls...)
}

// waitPending blocks until the running worker has handed off its result.
func waitPending(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ready := s.state == StateRunning && s.results != nil && len(s.results) == 1
		s.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for worker result")
}

func closeNow(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{StateIdle: "idle", StateRunning: "running", StateSuspended: "suspended", State(9): "unknown"}
	for st, want := range tests {
		if st.String() != want {
			t.Fatalf("%d.String() = %q, want %q", int(st), st.String(), want)
		}
	}
}

func TestFirstTickSpawns(t *testing.T) {
	up := &scriptUpdater{script: []bool{false}}
	s := New(Config{}, up)
	defer closeNow(t, s)

	if got := s.Snapshot().State; got != StateIdle {
		t.Fatalf("initial state = %v", got)
	}
	s.Tick()
	if got := s.Snapshot().State; got != StateRunning {
		t.Fatalf("state after first tick = %v", got)
	}
}

// Scenario A: [true, true, false] with a 600s suspension.
func TestChainingThenSuspension(t *testing.T) {
	clk := newFakeClock()
	up := &scriptUpdater{script: []bool{true, true, false, false}}
	s := New(Config{Suspension: 600 * time.Second}, up, WithClock(clk.Now))
	defer closeNow(t, s)

	s.Tick()
	for want := 2; want <= 3; want++ {
		waitPending(t, s)
		s.Tick()
		if n := s.Snapshot().Counters.Runs; n != uint64(want) {
			t.Fatalf("runs = %d, want %d (productive result must chain in the same tick)", n, want)
		}
		if st := s.Snapshot().State; st != StateRunning {
			t.Fatalf("state = %v, want running", st)
		}
	}

	waitPending(t, s)
	s.Tick()
	snap := s.Snapshot()
	if snap.State != StateSuspended {
		t.Fatalf("state = %v, want suspended", snap.State)
	}
	if want := clk.Now().Add(600 * time.Second); !snap.SuspendedUntil.Equal(want) {
		t.Fatalf("suspended until %v, want %v", snap.SuspendedUntil, want)
	}

	for _, step := range []time.Duration{time.Second, 5 * time.Minute, 4*time.Minute + 58*time.Second} {
		clk.Advance(step)
		s.Tick()
		if n := s.Snapshot().Counters.Runs; n != 3 {
			t.Fatalf("spawned during suspension: runs = %d", n)
		}
	}
	clk.Advance(time.Second) // exactly 600s
	s.Tick()
	if n := s.Snapshot().Counters.Runs; n != 4 {
		t.Fatalf("runs after suspension = %d, want 4", n)
	}
	snap = s.Snapshot()
	if snap.State != StateRunning || !snap.SuspendedUntil.IsZero() {
		t.Fatalf("snapshot after resume = %+v", snap)
	}
	if snap.Counters.Productive != 2 || snap.Counters.Unproductive != 1 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
}

// Scenario B: no suspension, Update always false.
func TestNoSuspensionRespawnsNextTick(t *testing.T) {
	up := &scriptUpdater{script: []bool{false}}
	s := New(Config{}, up)
	defer closeNow(t, s)

	s.Tick()
	for i := 1; i <= 5; i++ {
		waitPending(t, s)
		s.Tick()
		if st := s.Snapshot().State; st != StateIdle {
			t.Fatalf("round %d: state = %v, want idle", i, st)
		}
		s.Tick()
		if n := s.Snapshot().Counters.Runs; n != uint64(i+1) {
			t.Fatalf("round %d: runs = %d, want %d", i, n, i+1)
		}
	}
}

// Scenario C: the budget and interval reach Update unchanged.
func TestConfigPassedThrough(t *testing.T) {
	up := &scriptUpdater{script: []bool{true, false, true, false, false}}
	s := New(Config{RequestLimit: 10, MinInterval: 10 * time.Minute}, up)
	defer closeNow(t, s)

	for s.Snapshot().Counters.Runs < 5 {
		if s.Snapshot().State == StateRunning {
			waitPending(t, s)
		}
		s.Tick()
	}
	waitPending(t, s)

	calls := up.Calls()
	if len(calls) != 5 {
		t.Fatalf("calls = %d, want 5", len(calls))
	}
	for i, c := range calls {
		if c.limit != 10 || c.interval != 10*time.Minute {
			t.Fatalf("call %d = %+v", i, c)
		}
	}
}

// Scenario D and P2: a hung Update never blocks Tick.
func TestHungUpdateNeverBlocksTick(t *testing.T) {
	up := &scriptUpdater{gate: make(chan struct{}), honorCtx: true}
	s := New(Config{Suspension: time.Minute}, up)

	s.Tick()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Tick()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("1000 ticks did not return promptly")
	}
	if st := s.Snapshot().State; st != StateRunning {
		t.Fatalf("state = %v, want running", st)
	}
	if n := s.Snapshot().Counters.Runs; n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
	closeNow(t, s)
}

// P6: polling while running changes nothing.
func TestPollingWhileRunningIsIdempotent(t *testing.T) {
	up := &scriptUpdater{gate: make(chan struct{})}
	s := New(Config{}, up)
	s.Tick()
	before := s.Snapshot()
	for i := 0; i < 100; i++ {
		s.Tick()
	}
	after := s.Snapshot()
	if before.State != after.State || before.Counters != after.Counters || !before.SuspendedUntil.Equal(after.SuspendedUntil) {
		t.Fatalf("snapshot changed: %+v -> %+v", before, after)
	}
	close(up.gate)
	closeNow(t, s)
}

// P1: concurrent tickers never produce two in-flight updates.
func TestSingleConcurrency(t *testing.T) {
	up := &scriptUpdater{script: []bool{true}}
	s := New(Config{RequestLimit: 3}, up)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Tick()
				if i%50 == 0 {
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()
	closeNow(t, s)

	if m := up.maxInflight.Load(); m > 1 {
		t.Fatalf("max in-flight updates = %d", m)
	}
	if len(up.Calls()) == 0 {
		t.Fatal("expected at least one update")
	}
}

func TestFailuresSuspend(t *testing.T) {
	tests := []struct {
		name    string
		up      *scriptUpdater
		errText string
	}{
		{name: "error", up: &scriptUpdater{script: []bool{true}, err: errors.New("api down")}, errText: "api down"},
		{name: "panic", up: &scriptUpdater{panics: true}, errText: "panic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			s := New(Config{Suspension: 10 * time.Minute}, tt.up, WithClock(clk.Now))
			defer closeNow(t, s)

			s.Tick()
			waitPending(t, s)
			s.Tick()

			snap := s.Snapshot()
			if snap.State != StateSuspended {
				t.Fatalf("state = %v, want suspended", snap.State)
			}
			if snap.Counters.Failures != 1 || snap.Counters.Productive != 0 {
				t.Fatalf("counters = %+v", snap.Counters)
			}
			if !strings.Contains(snap.LastError, tt.errText) {
				t.Fatalf("last error = %q, want %q", snap.LastError, tt.errText)
			}
			if snap.LastResult == nil || snap.LastResult.Updated {
				t.Fatalf("last result = %+v", snap.LastResult)
			}
		})
	}
}

func TestFailureWithoutSuspensionGoesIdle(t *testing.T) {
	up := &scriptUpdater{err: errors.New("boom")}
	s := New(Config{}, up)
	defer closeNow(t, s)

	s.Tick()
	waitPending(t, s)
	s.Tick()
	if st := s.Snapshot().State; st != StateIdle {
		t.Fatalf("state = %v, want idle", st)
	}
}

func TestCloseCancelsWorkerAndStopsTicks(t *testing.T) {
	up := &scriptUpdater{gate: make(chan struct{}), honorCtx: true}
	s := New(Config{}, up)
	s.Tick()

	closeNow(t, s)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	s.Tick()
	s.Tick()
	if n := len(up.Calls()); n != 1 {
		t.Fatalf("calls after close = %d", n)
	}
	if !s.Snapshot().Closed {
		t.Fatal("snapshot should report closed")
	}
}

func TestCloseIsBoundedByContext(t *testing.T) {
	up := &scriptUpdater{gate: make(chan struct{})}
	s := New(Config{}, up)
	s.Tick()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want deadline exceeded", err)
	}
	close(up.gate)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	up := &scriptUpdater{script: []bool{false}}
	s := New(Config{Suspension: time.Hour}, up, WithEvents(bus))
	defer closeNow(t, s)

	s.Tick()
	waitPending(t, s)
	s.Tick()

	want := []string{EventStarted, EventFinished, EventSuspended}
	for _, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ {
				t.Fatalf("event = %q, want %q", e.Type, typ)
			}
		default:
			t.Fatalf("missing event %q", typ)
		}
	}
}

func TestNegativeConfigIsClamped(t *testing.T) {
	s := New(Config{RequestLimit: -1, MinInterval: -time.Second, Suspension: -time.Second}, UpdaterFunc(
		func(context.Context, int, time.Duration) (bool, error) { return false, nil },
	))
	defer closeNow(t, s)
	if got := s.Config(); got != (Config{}) {
		t.Fatalf("config = %+v", got)
	}
}

func TestSnapshotNeverBlocksTick(t *testing.T) {
	up := &scriptUpdater{script: []bool{true, false}}
	s := New(Config{}, up)
	defer closeNow(t, s)

	s.Tick()
	waitPending(t, s)

	// Readers must not need the tick lock: hold it and read anyway.
	s.mu.Lock()
	got := make(chan Snapshot, 1)
	go func() { got <- s.Snapshot() }()
	select {
	case snap := <-got:
		if snap.State != StateRunning || snap.Counters.Runs != 1 {
			s.mu.Unlock()
			t.Fatalf("snapshot = %+v", snap)
		}
	case <-time.After(time.Second):
		s.mu.Unlock()
		t.Fatal("Snapshot blocked on the tick lock")
	}
	s.mu.Unlock()

	// A tick racing with a stream of readers still chains the pending result.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.Snapshot()
				}
			}
		}()
	}
	s.Tick()
	close(stop)
	wg.Wait()
	if runs := s.Snapshot().Counters.Runs; runs != 2 {
		t.Fatalf("runs after tick under concurrent reads = %d, want 2", runs)
	}
}

func TestSnapshotJSONOmitsZeroTimes(t *testing.T) {
	clk := newFakeClock()
	s := New(Config{Suspension: time.Minute}, &scriptUpdater{script: []bool{false}}, WithClock(clk.Now))
	defer closeNow(t, s)

	b, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"suspended_until", "last_finished", "0001-01-01"} {
		if strings.Contains(string(b), key) {
			t.Fatalf("idle snapshot JSON has %q: %s", key, b)
		}
	}

	s.Tick()
	waitPending(t, s)
	s.Tick()
	b, _ = json.Marshal(s.Snapshot())
	if !strings.Contains(string(b), `"suspended_until":"2024-03-01T12:01:00Z"`) {
		t.Fatalf("suspended snapshot JSON = %s", b)
	}
}
