package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atmobot/internal/config"
	"atmobot/internal/netatmo"
	"atmobot/internal/plugin"
	"atmobot/internal/task/scheduler"
	"atmobot/internal/weather/chart"
	"atmobot/internal/weather/refresh"
	"atmobot/internal/weather/store"
)

const (
	defaultTick           = "@every 30s"
	defaultUpdateInterval = 600 * time.Second
	defaultUpdateStep     = 10
	defaultDatabasePath   = "data/weather.db"
	defaultTokenFile      = "data/netatmo_token.json"
	defaultBusyTimeout    = 5 * time.Second
)

// Config is the raw plugin block.
type Config struct {
	Netatmo  NetatmoConfig  `json:"netatmo"`
	Database DatabaseConfig `json:"database"`
	// Tick is the heartbeat schedule driving the refresh scheduler.
	Tick   string        `json:"tick"`
	Charts []ChartConfig `json:"charts"`
}

type NetatmoConfig struct {
	SecretFile      string         `json:"secret_file"`
	OAuthTokenFile  string         `json:"oauth_token_file"`
	TokenScope      netatmo.Scopes `json:"token_scope"`
	RequestInterval string         `json:"request_interval"`
	BaseURL         string         `json:"base_url"`
}

type DatabaseConfig struct {
	Path                    string                  `json:"path"`
	RegisterFavoriteDevices bool                    `json:"register_favorite_devices"`
	UpdateInterval          config.OptionalDuration `json:"update_interval"`
	UpdateStep              config.OptionalInt      `json:"update_step"`
	BusyTimeout             string                  `json:"busy_timeout"`
	SQLLogLevel             string                  `json:"sql_log_level"`
}

type ChartConfig struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	// Schedule posts the chart to ChatID. Empty means on demand only.
	Schedule string        `json:"schedule"`
	ChatID   int64         `json:"chat_id"`
	ThreadID int           `json:"thread_id"`
	Figure   FigureConfig  `json:"figure"`
	Source   *SourceConfig `json:"source"`
	Plots    []PlotConfig  `json:"plots"`
}

type FigureConfig struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	DPI     float64 `json:"dpi"`
	Format  string  `json:"format"`
	Rows    int     `json:"rows"`
	Columns int     `json:"columns"`
}

type SourceConfig struct {
	Device SpecifierConfig `json:"device"`
	Module SpecifierConfig `json:"module"`
}

type SpecifierConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PlotConfig struct {
	Position int           `json:"position"`
	Title    string        `json:"title"`
	Period   string        `json:"period"`
	XAxis    XAxisConfig   `json:"x_axis"`
	Values   []ValueConfig `json:"values"`
}

type XAxisConfig struct {
	Mode            string `json:"mode"`
	MinorTicks      bool   `json:"minor_ticks"`
	MinorTickValues []int  `json:"minor_tick_values"`
}

type ValueConfig struct {
	Field     chart.Field   `json:"field"`
	Label     string        `json:"label"`
	TimeShift string        `json:"time_shift"`
	Source    *SourceConfig `json:"source"`
}

// Settings is the validated, defaulted form of Config.
type Settings struct {
	Core   CoreSettings
	Charts []ChartSettings
}

// CoreSettings changes require a plugin restart. The struct is comparable.
type CoreSettings struct {
	SecretFile        string
	TokenFile         string
	Scopes            string
	RequestInterval   time.Duration
	BaseURL           string
	Store             store.Config
	RegisterFavorites bool
	Refresh           refresh.Config
	Tick              string
}

// ScopeList returns Scopes split back into a list.
func (c CoreSettings) ScopeList() netatmo.Scopes {
	var out netatmo.Scopes
	for _, s := range strings.Fields(c.Scopes) {
		out = append(out, netatmo.Scope(s))
	}
	return out
}

type ChartSettings struct {
	Name     string
	Schedule string
	Target   ChatTargetSettings
	Title    string
	Format   chart.FigureFormat
	Source   chart.DataSource
	Plots    []PlotSettings
}

type ChatTargetSettings struct {
	ChatID   int64
	ThreadID int
}

type PlotSettings struct {
	Position int
	Title    string
	Period   time.Duration
	XAxis    chart.XAxisSetting
	Values   []chart.ValueSetting
}

// Figure builds the chart for the period ending at now.
func (c ChartSettings) Figure(now time.Time) chart.Figure {
	fig := chart.Figure{Title: c.Title, Format: c.Format, Source: c.Source}
	for _, p := range c.Plots {
		fig.Plots = append(fig.Plots, chart.PlotSetting{
			Position:  p.Position,
			Title:     p.Title,
			TimeRange: chart.TimeRange{Origin: now.Add(-p.Period), Period: p.Period},
			XAxis:     p.XAxis,
			Values:    p.Values,
		})
	}
	return fig
}

// Chart returns the chart named name.
func (s Settings) Chart(name string) (ChartSettings, bool) {
	for _, c := range s.Charts {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ChartSettings{}, false
}

// DecodeConfig decodes and resolves a raw plugin block.
func DecodeConfig(raw json.RawMessage) (Settings, error) {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return Settings{}, fmt.Errorf("weather config: %w", err)
	}
	return c.Resolve()
}

// Resolve applies defaults and validates every field.
func (c Config) Resolve() (Settings, error) {
	var errs []error
	core := CoreSettings{
		SecretFile:        strings.TrimSpace(c.Netatmo.SecretFile),
		TokenFile:         strings.TrimSpace(c.Netatmo.OAuthTokenFile),
		BaseURL:           strings.TrimSpace(c.Netatmo.BaseURL),
		RegisterFavorites: c.Database.RegisterFavoriteDevices,
		Tick:              strings.TrimSpace(c.Tick),
	}
	if core.TokenFile == "" {
		core.TokenFile = defaultTokenFile
	}
	if len(c.Netatmo.TokenScope) > 0 {
		core.Scopes = strings.Join(c.Netatmo.TokenScope.Strings(), " ")
	}
	var err error
	if core.RequestInterval, err = config.ParseDurationOrDefault("netatmo.request_interval", c.Netatmo.RequestInterval, 0); err != nil {
		errs = append(errs, err)
	}

	core.Store.Path = strings.TrimSpace(c.Database.Path)
	if core.Store.Path == "" {
		core.Store.Path = defaultDatabasePath
	}
	if core.Store.BusyTimeout, err = config.ParseDurationOrDefault("database.busy_timeout", c.Database.BusyTimeout, defaultBusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if core.Store.SQLLog, err = store.ParseSQLLogging(c.Database.SQLLogLevel); err != nil {
		errs = append(errs, fmt.Errorf("database.sql_log_level: %w", err))
	}

	// update_interval is both the pacing hint and the suspension window.
	if d, ok := c.Database.UpdateInterval.Resolve(defaultUpdateInterval); ok {
		if d < 0 {
			errs = append(errs, errors.New("database.update_interval must not be negative"))
		}
		core.Refresh.MinInterval, core.Refresh.Suspension = d, d
	}
	if n, ok := c.Database.UpdateStep.Resolve(defaultUpdateStep); ok {
		if n < 0 {
			errs = append(errs, errors.New("database.update_step must not be negative"))
		}
		core.Refresh.RequestLimit = n
	}

	if core.Tick == "" {
		core.Tick = defaultTick
	}
	if _, err := scheduler.ParseSchedule(core.Tick); err != nil {
		errs = append(errs, fmt.Errorf("tick: %w", err))
	}

	out := Settings{Core: core}
	seen := map[string]bool{}
	for i, cc := range c.Charts {
		cs, err := cc.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("charts[%d]: %w", i, err))
			continue
		}
		key := strings.ToLower(cs.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("charts[%d]: duplicate name %q", i, cs.Name))
			continue
		}
		seen[key] = true
		out.Charts = append(out.Charts, cs)
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (c ChartConfig) resolve() (ChartSettings, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return ChartSettings{}, fmt.Errorf("invalid name %q", c.Name)
	}
	cs := ChartSettings{
		Name:     name,
		Schedule: strings.TrimSpace(c.Schedule),
		Target:   ChatTargetSettings{ChatID: c.ChatID, ThreadID: c.ThreadID},
		Title:    c.Title,
		Source:   c.Source.dataSource(),
	}
	if cs.Schedule != "" {
		if _, err := scheduler.ParseSchedule(cs.Schedule); err != nil {
			return ChartSettings{}, fmt.Errorf("schedule: %w", err)
		}
		if cs.Target.ChatID == 0 {
			return ChartSettings{}, errors.New("schedule requires chat_id")
		}
	}
	format, err := chart.ParseFileFormat(c.Figure.Format)
	if err != nil {
		return ChartSettings{}, err
	}
	cs.Format = chart.FigureFormat{
		Width:   c.Figure.Width,
		Height:  c.Figure.Height,
		DPI:     c.Figure.DPI,
		Format:  format,
		Rows:    c.Figure.Rows,
		Columns: c.Figure.Columns,
	}
	for i, pc := range c.Plots {
		ps, err := pc.resolve()
		if err != nil {
			return ChartSettings{}, fmt.Errorf("plots[%d]: %w", i, err)
		}
		cs.Plots = append(cs.Plots, ps)
	}
	// Validate the shape once with a fixed end time.
	if err := cs.Figure(time.Unix(0, 0)).Validate(); err != nil {
		return ChartSettings{}, err
	}
	return cs, nil
}

func (p PlotConfig) resolve() (PlotSettings, error) {
	period, err := ParsePeriod(p.Period)
	if err != nil {
		return PlotSettings{}, fmt.Errorf("period: %w", err)
	}
	mode, err := chart.ParseXAxisMode(p.XAxis.Mode)
	if err != nil {
		return PlotSettings{}, err
	}
	position := p.Position
	if position == 0 {
		position = 1
	}
	ps := PlotSettings{
		Position: position,
		Title:    p.Title,
		Period:   period,
		XAxis:    chart.XAxisSetting{Mode: mode, MinorTicks: p.XAxis.MinorTicks, MinorTickValues: p.XAxis.MinorTickValues},
	}
	for i, v := range p.Values {
		var shift time.Duration
		if strings.TrimSpace(v.TimeShift) != "" {
			if shift, err = ParsePeriod(strings.TrimPrefix(strings.TrimSpace(v.TimeShift), "-")); err != nil {
				return PlotSettings{}, fmt.Errorf("values[%d].time_shift: %w", i, err)
			}
			if strings.HasPrefix(strings.TrimSpace(v.TimeShift), "-") {
				shift = -shift
			}
		}
		ps.Values = append(ps.Values, chart.ValueSetting{
			Field:     v.Field,
			Source:    v.Source.dataSource(),
			Label:     v.Label,
			TimeShift: shift,
		})
	}
	return ps, nil
}

func (s *SourceConfig) dataSource() chart.DataSource {
	if s == nil {
		return chart.DataSource{}
	}
	return chart.DataSource{
		Device: chart.DeviceSpecifier{ID: strings.TrimSpace(s.Device.ID), Name: strings.TrimSpace(s.Device.Name)},
		Module: chart.DeviceSpecifier{ID: strings.TrimSpace(s.Module.ID), Name: strings.TrimSpace(s.Module.Name)},
	}
}

// ParsePeriod parses a positive chart period such as "1d", "2w" or "90m".
func ParsePeriod(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, errors.New("empty period")
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("period %q must be positive", s)
	}
	return d, nil
}
