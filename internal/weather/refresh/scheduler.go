// Package refresh drives a telemetry store's Update from a non-blocking Tick.
//
// Each Tick either starts a background refresh, collects a finished one or
// does nothing. At most one refresh is in flight. A refresh that reports no
// work (or fails) suspends refreshing for Config.Suspension.
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"atmobot/internal/eventbus"
	logx "atmobot/pkg/logx"
)

const (
	EventStarted   = "weather.refresh.started"
	EventFinished  = "weather.refresh.finished"
	EventSuspended = "weather.refresh.suspended"
)

var ErrClosed = errors.New("refresh: scheduler closed")

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock overrides the time source used for suspension windows.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithEvents(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

type Scheduler struct {
	cfg Config
	up  Updater
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards everything below. Tick only ever TryLocks it.
	mu             sync.Mutex
	state          State
	results        chan Result
	suspendedUntil time.Time
	counters       Counters
	last           *Result
	lastFinished   time.Time
	closed         bool

	// snap is rebuilt under mu after every change; readers never take mu.
	snap atomic.Pointer[Snapshot]
}

func New(cfg Config, up Updater, opts ...Option) *Scheduler {
	if cfg.RequestLimit < 0 {
		cfg.RequestLimit = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Suspension < 0 {
		cfg.Suspension = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		up:     up,
		log:    logx.Nop(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	s.storeSnapshotLocked()
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Tick advances the state machine by at most one step and never blocks.
// A Tick that overlaps another Tick (or Close) returns immediately.
func (s *Scheduler) Tick() {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	defer s.storeSnapshotLocked()

	switch s.state {
	case StateSuspended:
		if s.now().Before(s.suspendedUntil) {
			return
		}
		s.log.Debug("suspension elapsed")
		s.spawnLocked()

	case StateIdle:
		s.spawnLocked()

	case StateRunning:
		var res Result
		select {
		case res = <-s.results:
		default:
			return
		}
		s.results = nil
		s.collectLocked(res)
		if res.Updated {
			s.spawnLocked()
			return
		}
		if s.cfg.Suspension <= 0 {
			s.state = StateIdle
			return
		}
		s.state = StateSuspended
		s.suspendedUntil = s.now().Add(s.cfg.Suspension)
		s.log.Info("refresh suspended",
			logx.Time("until", s.suspendedUntil),
			logx.Duration("for", s.cfg.Suspension),
		)
		s.publish(EventSuspended, s.suspendedUntil)
	}
}

func (s *Scheduler) collectLocked(res Result) {
	r := res
	s.last = &r
	s.lastFinished = s.now()
	switch {
	case res.Err != nil:
		s.counters.Failures++
		if errors.Is(res.Err, context.Canceled) {
			s.log.Debug("refresh canceled", logx.Duration("took", res.Took))
		} else {
			s.log.Warn("refresh failed", logx.Duration("took", res.Took), logx.Err(res.Err))
		}
	case res.Updated:
		s.counters.Productive++
		s.log.Debug("refresh finished; more data pending", logx.Duration("took", res.Took))
	default:
		s.counters.Unproductive++
		s.log.Info("refresh finished; store is up to date", logx.Duration("took", res.Took))
	}
	s.publish(EventFinished, r)
}

// Snapshot returns the state as of the last Tick or Close. It never waits
// on Tick.
func (s *Scheduler) Snapshot() Snapshot {
	snap := *s.snap.Load()
	if snap.LastResult != nil {
		r := *snap.LastResult
		snap.LastResult = &r
	}
	return snap
}

func (s *Scheduler) storeSnapshotLocked() {
	snap := &Snapshot{
		State:          s.state,
		SuspendedUntil: s.suspendedUntil,
		Counters:       s.counters,
		LastFinished:   s.lastFinished,
		Closed:         s.closed,
	}
	if s.last != nil {
		r := *s.last
		snap.LastResult = &r
		if r.Err != nil {
			snap.LastError = r.Err.Error()
		}
	}
	s.snap.Store(snap)
}

// Close stops spawning, cancels an in-flight refresh and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.storeSnapshotLocked()
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
