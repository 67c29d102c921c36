package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"atmobot/internal/config"
	"atmobot/internal/eventbus"
	"atmobot/internal/router"
	kit "atmobot/internal/transport"
	logx "atmobot/pkg/logx"
)

const callTimeout = 30 * time.Second

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

// Status is the runtime state of one registered plugin.
type Status struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	LastErr string `json:"last_err,omitempty"`
}

type Manager struct {
	mu sync.Mutex

	log    logx.Logger
	deps   Deps
	router *router.Router

	reg     map[string]Plugin
	order   []string
	run     map[string]bool
	enabled map[string]bool
	inited  map[string]bool
	// last config blob hash per running plugin
	lastHash map[string]uint64
	lastErr  map[string]string
	pcancel  map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewManager(log logx.Logger, deps Deps, rt *router.Router) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log.With(logx.String("comp", "plugins")),
		deps:       deps,
		router:     rt,
		reg:        map[string]Plugin{},
		run:        map[string]bool{},
		enabled:    map[string]bool{},
		inited:     map[string]bool{},
		lastHash:   map[string]uint64{},
		lastErr:    map[string]string{},
		pcancel:    map[string]context.CancelFunc{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		name := pl.Name()
		if _, ok := pm.reg[name]; !ok {
			pm.order = append(pm.order, name)
		}
		pm.reg[name] = pl
	}
}

// SetOwnerUserIDs updates the owner list handed to plugins on Init.
func (pm *Manager) SetOwnerUserIDs(ids []int64) {
	pm.mu.Lock()
	pm.deps.OwnerUserIDs = slices.Clone(ids)
	pm.mu.Unlock()
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// ValidateConfig checks enabled plugin blocks before a reload is committed.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	plugins := make(map[string]Plugin, len(pm.reg))
	for name, p := range pm.reg {
		plugins[name] = p
	}
	pm.mu.Unlock()

	for name, raw := range cfg.Plugins {
		p, ok := plugins[name]
		if !ok {
			return fmt.Errorf("plugins.%s: no such plugin", name)
		}
		v, ok := p.(ConfigValidator)
		if !raw.Enabled || !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := v.ValidateConfig(cctx, raw.Config)
		cancel()
		if err != nil {
			return fmt.Errorf("plugins.%s: %w", name, err)
		}
	}
	return nil
}

// Apply reconciles running plugins with cfg: enables, disables and
// reconfigures them, then refreshes the command registry.
func (pm *Manager) Apply(ctx context.Context, cfg *config.Config) {
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		hash    uint64
		enabled bool
		running bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.order))
	for _, name := range pm.order {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       pm.reg[name],
			raw:     raw,
			hash:    canonicalHashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
		pm.enabled[name] = ok && raw.Enabled
	}
	pm.mu.Unlock()

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			pm.start(o.name, o.p, o.raw, o.hash)
		case !o.enabled && o.running:
			sctx, cancel := context.WithTimeout(ctx, callTimeout)
			pm.stopOne(sctx, o.name, "disabled")
			cancel()
		case o.enabled && o.running:
			pm.mu.Lock()
			unchanged := pm.lastHash[o.name] == o.hash
			pm.mu.Unlock()
			if unchanged {
				pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", o.name))
				continue
			}
			pm.reconfigure(ctx, o.name, o.p, o.raw, o.hash)
		}
	}
	pm.refreshCommands()
}

func (pm *Manager) start(name string, p Plugin, raw config.PluginConfigRaw, hash uint64) {
	start := time.Now()
	pctx, cancel := context.WithCancel(pm.baseCtx)
	fail := func(stage string, err error) {
		cancel()
		pm.log.Error("plugin "+stage+" failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin."+stage+"_failed", pluginEvent{Plugin: name, Err: err.Error()})
		pm.mu.Lock()
		pm.lastErr[name] = fmt.Sprintf("%s: %v", stage, err)
		pm.mu.Unlock()
	}

	pm.mu.Lock()
	needInit := !pm.inited[name]
	deps := pm.deps
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			fail("init", err)
			return
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}
	if cp, ok := p.(Configurable); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			fail("config", err)
			return
		}
	}
	if err := pm.startWithTimeout(name, p, pctx, cancel); err != nil {
		fail("start", err)
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pcancel[name] = cancel
	pm.lastHash[name] = hash
	delete(pm.lastErr, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name), logx.Duration("took", time.Since(start)))
	pm.emit("plugin.started", pluginEvent{Plugin: name, TookMS: time.Since(start).Milliseconds()})
}

// reconfigure hands a changed config to a running plugin, or restarts
// plugins that cannot apply it live.
func (pm *Manager) reconfigure(ctx context.Context, name string, p Plugin, raw config.PluginConfigRaw, hash uint64) {
	if cp, ok := p.(Configurable); ok {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		cancel()
		if err == nil {
			pm.mu.Lock()
			pm.lastHash[name] = hash
			pm.mu.Unlock()
			pm.log.Info("plugin config applied", logx.String("plugin", name))
			pm.emit("plugin.config_applied", pluginEvent{Plugin: name})
			return
		}
		pm.log.Warn("plugin config apply failed; restarting", logx.String("plugin", name), logx.Err(err))
	}
	sctx, cancel := context.WithTimeout(ctx, callTimeout)
	pm.stopOne(sctx, name, "reconfigure")
	cancel()
	pm.start(name, p, raw, hash)
}

// startWithTimeout calls Start(pctx) but enforces a deadline. On timeout the
// plugin ctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(callTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", callTimeout, err)
			}
			return fmt.Errorf("start timeout (%s)", callTimeout)
		case <-time.After(2 * time.Second):
			return fmt.Errorf("start timeout (%s): start did not return after cancel", callTimeout)
		}
	}
}

func (pm *Manager) stopOne(ctx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		if err := pm.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) }); err != nil {
			pm.log.Warn("plugin stop error", logx.String("plugin", name), logx.Err(err))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: reason, Err: ctx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: reason, TookMS: took.Milliseconds()})
}

// StopAll stops running plugins in reverse registration order.
func (pm *Manager) StopAll(ctx context.Context) {
	pm.mu.Lock()
	names := slices.Clone(pm.order)
	pm.mu.Unlock()
	slices.Reverse(names)
	for _, name := range names {
		pm.stopOne(ctx, name, "shutdown")
	}
	pm.baseCancel()
	pm.refreshCommands()
}

// OnUpdate fans an incoming update out to running observers.
func (pm *Manager) OnUpdate(ctx context.Context, up kit.Update) {
	pm.mu.Lock()
	var obs []UpdateObserver
	for _, name := range pm.order {
		if !pm.run[name] {
			continue
		}
		if o, ok := pm.reg[name].(UpdateObserver); ok {
			obs = append(obs, o)
		}
	}
	pm.mu.Unlock()
	for _, o := range obs {
		_ = pm.safeCall("plugin.on_update", func() error {
			o.OnUpdate(ctx, up)
			return nil
		})
	}
}

// Lookup returns a running plugin by name.
func (pm *Manager) Lookup(name string) (Plugin, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.reg[name]
	return p, ok && pm.run[name]
}

func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.order))
	for _, name := range pm.order {
		out = append(out, Status{
			Name:    name,
			Enabled: pm.enabled[name],
			Running: pm.run[name],
			LastErr: pm.lastErr[name],
		})
	}
	return out
}

func (pm *Manager) refreshCommands() {
	if pm.router == nil {
		return
	}
	pm.mu.Lock()
	var running []Plugin
	for _, name := range pm.order {
		if pm.run[name] {
			running = append(running, pm.reg[name])
		}
	}
	pm.mu.Unlock()

	var cmds []router.Command
	for _, p := range running {
		for _, c := range pm.safeCommands(p) {
			c.Plugin = p.Name()
			cmds = append(cmds, c)
		}
	}
	pm.router.SetCommands(cmds)
}

func (pm *Manager) safeCommands(p Plugin) (out []router.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", p.Name()), logx.Any("panic", r))
			out = nil
		}
	}()
	return p.Commands()
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
