package plugin

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"atmobot/internal/eventbus"
	"atmobot/internal/runtime/supervisor"
	"atmobot/internal/task/scheduler"
	logx "atmobot/pkg/logx"
)

// Base is embedded by plugins for logging, a per-plugin supervisor and
// namespaced schedules.
//
//	type Plugin struct { plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	name string
	ctx  context.Context

	mu        sync.Mutex
	schedules []string
}

// InitBase wires deps and the plugin logger.
func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase removes schedules, cancels the runner and waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	b.UnscheduleAll()
	if b.Runner == nil {
		return nil
	}
	err := b.Runner.Stop(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *Base) Health(ctx context.Context) (string, error) {
	if b.ctx == nil {
		return "not_started", nil
	}
	if err := b.ctx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// Schedule registers job under "<plugin>:<name>" with the host scheduler.
func (b *Base) Schedule(name, schedule string, timeout time.Duration, job scheduler.Job) (string, error) {
	s := b.Deps.Scheduler
	if s == nil {
		return "", errors.New("scheduler not available")
	}
	full, err := s.AddSchedule(b.ns(name), schedule, timeout, job)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	if !slices.Contains(b.schedules, full) {
		b.schedules = append(b.schedules, full)
	}
	b.mu.Unlock()
	return full, nil
}

// RunSchedule triggers a registered schedule now.
func (b *Base) RunSchedule(name string) bool {
	if b.Deps.Scheduler == nil {
		return false
	}
	return b.Deps.Scheduler.RunNow(b.ns(name))
}

// Unschedule removes one schedule registered through Schedule.
func (b *Base) Unschedule(name string) bool {
	full := b.ns(name)
	b.mu.Lock()
	b.schedules = slices.DeleteFunc(b.schedules, func(s string) bool { return s == full })
	b.mu.Unlock()
	if b.Deps.Scheduler == nil {
		return false
	}
	return b.Deps.Scheduler.Remove(full)
}

// UnscheduleAll removes every schedule registered through Schedule.
func (b *Base) UnscheduleAll() {
	b.mu.Lock()
	names := b.schedules
	b.schedules = nil
	b.mu.Unlock()
	if b.Deps.Scheduler == nil {
		return
	}
	for _, n := range names {
		b.Deps.Scheduler.Remove(n)
	}
}

func (b *Base) ns(name string) string {
	if b.name == "" {
		return name
	}
	if name == "" {
		return b.name
	}
	return b.name + ":" + name
}

// PublishEvent publishes to the in-process event bus, if present.
func (b *Base) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
