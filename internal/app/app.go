// Package app wires the bot together: config, logging, transport, router,
// scheduler, plugins and the status API.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"atmobot/internal/config"
	"atmobot/internal/eventbus"
	"atmobot/internal/httpapi"
	"atmobot/internal/plugin"
	"atmobot/internal/router"
	"atmobot/internal/runtime/supervisor"
	"atmobot/internal/task/scheduler"
	kit "atmobot/internal/transport"
	telegram "atmobot/internal/transport/telegram/adapter"
	logx "atmobot/pkg/logx"
	"atmobot/plugins/weather"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	sched   *scheduler.Service
	router  *router.Router
	pm      *plugin.Manager
	http    *httpapi.Service
	weather *weather.Plugin

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	adapter kit.Adapter
	weather []weather.Option
}

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a kit.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithWeatherOptions passes options to the weather plugin.
func WithWeatherOptions(opts ...weather.Option) Option {
	return func(o *options) { o.weather = append(o.weather, opts...) }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := cfg.PollTimeout()
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("info").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Start with chat logging off; the target must be set before Apply enables it.
	logCfg := mapLogConfig(cfg)
	chatEnabled := logCfg.Chat.Enabled
	logCfg.Chat.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	setChatTarget(logSvc, cfg)
	logCfg.Chat.Enabled = chatEnabled
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}

	a.router = router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithObserver(func(ctx context.Context, up kit.Update) { a.pm.OnUpdate(ctx, up) }),
	)
	a.pm = plugin.NewManager(log.With(logx.String("comp", "plugins")), plugin.Deps{
		Logger:       log.With(logx.String("comp", "plugin")),
		Adapter:      ad,
		Config:       cfgm,
		Scheduler:    sched,
		Bus:          bus,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
	}, a.router)

	a.weather = weather.New(o.weather...)
	a.pm.Register(a.weather)

	if err := a.pm.ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpapi.New(httpCfg, httpapi.Backend{
		Weather:   a.weather,
		Plugins:   a.pm.Snapshot,
		Scheduler: a.sched.Snapshot,
	}, log.With(logx.String("comp", "httpapi")))
	return a, nil
}

// Plugins returns the plugin manager.
func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads are validated before they are committed and published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.http.Start(a.sup.Context())

	a.pm.Apply(a.sup.Context(), a.cfgm.Get())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the newest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("plugins", len(a.pm.Snapshot())))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields, _ := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	setChatTarget(a.logs, next)
	a.logs.Apply(mapLogConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.pm.SetOwnerUserIDs(next.Telegram.OwnerUserIDs)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{Enabled: next.Scheduler.Enabled, Timezone: next.Scheduler.Timezone})
	switch {
	case wasEnabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.pm.Apply(ctx, next)

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Plugins first: the weather plugin waits for its refresh worker and
	// closes the store.
	a.step(ctx, "plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "httpapi", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// setChatTarget points chat logging at telegram.group_log. An empty or
// invalid value clears the target.
func setChatTarget(svc *logx.Service, cfg *config.Config) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		svc.SetChatTarget(0, 0)
		return
	}
	svc.SetChatTarget(chatID, cfg.Logging.Chat.ThreadID)
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	if cfg.HTTP == nil {
		return httpapi.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        cfg.HTTP.Pprof,
	}, nil
}
