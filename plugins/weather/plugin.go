// Package weather keeps a local store of Netatmo station data fresh and
// renders it as charts.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"atmobot/internal/netatmo"
	"atmobot/internal/plugin"
	"atmobot/internal/weather/refresh"
	"atmobot/internal/weather/store"
	logx "atmobot/pkg/logx"
)

const (
	Name = "weather"

	tickTimeout  = 5 * time.Second
	chartTimeout = 2 * time.Minute
)

var (
	ErrNotRunning   = errors.New("weather: plugin is not running")
	ErrUnknownChart = errors.New("weather: unknown chart")

	errRestartRequired = errors.New("weather: connection settings changed, restart required")
)

// Connector builds the API client used by the store. Tests replace it.
type Connector func(ctx context.Context, core CoreSettings, log logx.Logger) (store.API, error)

type Plugin struct {
	plugin.Base

	connect Connector
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings
	st       *store.Store
	sched    *refresh.Scheduler
	// chartJobs are the schedule names currently registered for charts.
	chartJobs []string
}

type Option func(*Plugin)

// WithConnector overrides how the Netatmo client is built.
func WithConnector(c Connector) Option {
	return func(p *Plugin) { p.connect = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *Plugin) { p.now = now }
}

func New(opts ...Option) *Plugin {
	p := &Plugin{connect: Connect, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	_, err := DecodeConfig(raw)
	return err
}

// OnConfigChange stores new settings. While running, chart changes are
// applied live; anything touching the client, store or refresh loop asks the
// manager for a restart.
func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	s, err := DecodeConfig(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	running := p.sched != nil
	old := p.settings
	p.settings = s
	p.mu.Unlock()

	if !running {
		return nil
	}
	if old.Core != s.Core {
		return errRestartRequired
	}
	p.scheduleCharts(s)
	p.Log.Info("charts reconfigured", logx.Int("charts", len(s.Charts)))
	return nil
}

// Start connects, opens the store, registers devices once and starts the
// heartbeat. Any error here is fatal for the plugin.
func (p *Plugin) Start(ctx context.Context) (err error) {
	p.StartBase(ctx)
	defer func() {
		if err != nil {
			_ = p.StopBase(context.Background())
		}
	}()

	s := p.currentSettings()
	api, err := p.connect(ctx, s.Core, p.Log.With(logx.String("comp", "netatmo")))
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, s.Core.Store, api, p.Log.With(logx.String("comp", "store")))
	if err != nil {
		return err
	}
	if err := st.RegisterDevices(ctx, s.Core.RegisterFavorites); err != nil {
		_ = st.Close()
		return fmt.Errorf("register devices: %w", err)
	}

	sched := refresh.New(s.Core.Refresh, st,
		refresh.WithLogger(p.Log.With(logx.String("comp", "refresh"))),
		refresh.WithClock(p.now),
		refresh.WithEvents(p.Deps.Bus),
	)

	p.mu.Lock()
	p.st, p.sched = st, sched
	p.mu.Unlock()

	if _, err := p.Schedule("tick", s.Core.Tick, tickTimeout, func(context.Context) error {
		sched.Tick()
		return nil
	}); err != nil {
		p.shutdown(context.Background())
		return fmt.Errorf("tick schedule: %w", err)
	}
	p.scheduleCharts(s)

	// First refresh right away instead of waiting for the first heartbeat.
	sched.Tick()
	p.Log.Info("started",
		logx.String("db", s.Core.Store.Path),
		logx.Int("request_limit", s.Core.Refresh.RequestLimit),
		logx.Duration("update_interval", s.Core.Refresh.Suspension),
		logx.String("tick", s.Core.Tick),
	)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.UnscheduleAll()
	p.shutdown(ctx)
	return p.StopBase(ctx)
}

// shutdown closes the scheduler before the store so an in-flight refresh
// never writes to a closed database.
func (p *Plugin) shutdown(ctx context.Context) {
	p.mu.Lock()
	st, sched := p.st, p.sched
	p.st, p.sched = nil, nil
	p.mu.Unlock()

	if sched != nil {
		if err := sched.Close(ctx); err != nil {
			p.Log.Warn("refresh worker still running at stop", logx.Err(err))
		}
	}
	if st != nil {
		if err := st.Close(); err != nil {
			p.Log.Warn("store close failed", logx.Err(err))
		}
	}
}

func (p *Plugin) currentSettings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

func (p *Plugin) running() (*store.Store, *refresh.Scheduler, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.st == nil || p.sched == nil {
		return nil, nil, ErrNotRunning
	}
	return p.st, p.sched, nil
}

// Connect builds an authenticated Netatmo client from the secret and token
// files.
func Connect(ctx context.Context, core CoreSettings, log logx.Logger) (store.API, error) {
	c, _, err := NewClient(core, log)
	if err != nil {
		return nil, err
	}
	if !c.HasToken() {
		return nil, fmt.Errorf("%w: run `atmobot authorize` first", netatmo.ErrNoToken)
	}
	return c, nil
}

// NewClient loads the secret and returns an unauthorized-capable client.
func NewClient(core CoreSettings, log logx.Logger) (*netatmo.Client, netatmo.Secret, error) {
	secret, err := netatmo.LoadSecret(core.SecretFile)
	if err != nil {
		return nil, netatmo.Secret{}, err
	}
	c, err := netatmo.New(netatmo.Config{
		BaseURL:         core.BaseURL,
		ClientID:        secret.ClientID,
		ClientSecret:    secret.ClientSecret,
		Scopes:          core.ScopeList(),
		TokenFile:       core.TokenFile,
		RequestInterval: core.RequestInterval,
		Logger:          log,
	})
	if err != nil {
		return nil, netatmo.Secret{}, err
	}
	return c, secret, nil
}
