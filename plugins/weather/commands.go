package weather

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"atmobot/internal/router"
	kit "atmobot/internal/transport"
	"atmobot/internal/weather/refresh"
	"atmobot/internal/weather/store"
)

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "weather",
			Aliases:     []string{"w"},
			Description: "latest readings of every module",
			Usage:       "/weather [module]",
			Handle:      p.handleWeather,
		},
		{
			Name:        "devices",
			Description: "registered stations and modules",
			Usage:       "/devices",
			Handle:      p.handleDevices,
		},
		{
			Name:        "refresh",
			Description: "refresh status, tick the scheduler",
			Usage:       "/refresh",
			Access:      router.AccessOwnerOnly,
			Handle:      p.handleRefresh,
		},
		{
			Name:        "plot",
			Aliases:     []string{"chart"},
			Description: "render a configured chart",
			Usage:       "/plot <chart>",
			Timeout:     chartTimeout,
			Handle:      p.handlePlot,
		},
	}
}

// OnUpdate ticks the refresh scheduler on every chat update. Tick never
// blocks, so this is safe on the dispatch path.
func (p *Plugin) OnUpdate(ctx context.Context, up kit.Update) {
	if _, sched, err := p.running(); err == nil {
		sched.Tick()
	}
}

// RefreshStatus returns the scheduler snapshot.
func (p *Plugin) RefreshStatus() (refresh.Snapshot, error) {
	_, sched, err := p.running()
	if err != nil {
		return refresh.Snapshot{}, err
	}
	return sched.Snapshot(), nil
}

// TriggerRefresh ticks the scheduler once and returns the new snapshot.
func (p *Plugin) TriggerRefresh() (refresh.Snapshot, error) {
	_, sched, err := p.running()
	if err != nil {
		return refresh.Snapshot{}, err
	}
	sched.Tick()
	return sched.Snapshot(), nil
}

// Devices returns the registered devices.
func (p *Plugin) Devices(ctx context.Context) ([]store.Device, error) {
	st, _, err := p.running()
	if err != nil {
		return nil, err
	}
	return st.Devices(ctx)
}

func (p *Plugin) handleWeather(ctx context.Context, req *router.Request) error {
	st, _, err := p.running()
	if err != nil {
		return err
	}
	devs, err := st.Devices(ctx)
	if err != nil {
		return err
	}
	filter := strings.ToLower(strings.Join(req.Args, " "))
	loc := p.location()

	var b strings.Builder
	for _, d := range devs {
		var lines []string
		for _, m := range d.Modules {
			if filter != "" && !strings.Contains(strings.ToLower(m.Name), filter) && !strings.EqualFold(m.ID, filter) {
				continue
			}
			last, ok, err := st.Latest(ctx, m.ID)
			if err != nil {
				return err
			}
			if !ok {
				lines = append(lines, fmt.Sprintf("• <b>%s</b>: no data yet", html.EscapeString(m.Name)))
				continue
			}
			lines = append(lines, fmt.Sprintf("• <b>%s</b> <i>%s</i>\n  %s",
				html.EscapeString(m.Name), last.Time.In(loc).Format("02 Jan 15:04"), formatReading(last)))
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "🏠 <b>%s</b>\n%s\n\n", html.EscapeString(d.StationName), strings.Join(lines, "\n"))
	}
	if b.Len() == 0 {
		if filter != "" {
			return req.Reply(ctx, "no module matches "+filter)
		}
		return req.Reply(ctx, "no devices registered")
	}
	return req.ReplyHTML(ctx, strings.TrimSpace(b.String()))
}

var readingFormat = []struct {
	column, icon, format string
}{
	{"temperature", "🌡", "%.1f °C"},
	{"humidity", "💧", "%.0f %%"},
	{"pressure", "🧭", "%.1f hPa"},
	{"co2", "🫁", "%.0f ppm"},
	{"noise", "🔊", "%.0f dB"},
	{"rain", "🌧", "%.1f mm"},
	{"wind_strength", "🌬", "%.0f km/h"},
	{"gust_strength", "💨", "%.0f km/h"},
}

func formatReading(m store.Measurement) string {
	var parts []string
	for _, f := range readingFormat {
		if v, ok := m.Value(f.column); ok {
			parts = append(parts, f.icon+" "+fmt.Sprintf(f.format, v))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "  ")
}

func (p *Plugin) handleDevices(ctx context.Context, req *router.Request) error {
	devs, err := p.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return req.Reply(ctx, "no devices registered")
	}
	loc := p.location()
	var b strings.Builder
	for _, d := range devs {
		fav := ""
		if d.Favorite {
			fav = " ⭐"
		}
		fmt.Fprintf(&b, "🏠 <b>%s</b>%s <code>%s</code>\n", html.EscapeString(d.StationName), fav, d.ID)
		for _, m := range d.Modules {
			seen := "never"
			if !m.LastMeasured.IsZero() {
				seen = m.LastMeasured.In(loc).Format("02 Jan 15:04")
			}
			fmt.Fprintf(&b, "  • %s (%s) <code>%s</code> last %s\n", html.EscapeString(m.Name), m.Type, m.ID, seen)
		}
	}
	return req.ReplyHTML(ctx, strings.TrimSpace(b.String()))
}

func (p *Plugin) handleRefresh(ctx context.Context, req *router.Request) error {
	snap, err := p.TriggerRefresh()
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, formatSnapshot(snap, p.location()))
}

func formatSnapshot(s refresh.Snapshot, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 <b>Refresh</b>: %s\n", s.State)
	if s.State == refresh.StateSuspended && !s.SuspendedUntil.IsZero() {
		fmt.Fprintf(&b, "resumes at %s\n", s.SuspendedUntil.In(loc).Format("15:04:05"))
	}
	c := s.Counters
	fmt.Fprintf(&b, "runs %d · productive %d · caught up %d · failed %d", c.Runs, c.Productive, c.Unproductive, c.Failures)
	if !s.LastFinished.IsZero() {
		fmt.Fprintf(&b, "\nlast finished %s", s.LastFinished.In(loc).Format("02 Jan 15:04:05"))
		if s.LastResult != nil {
			fmt.Fprintf(&b, " in %s", s.LastResult.Took.Round(time.Millisecond))
		}
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "\n⚠️ %s", html.EscapeString(s.LastError))
	}
	return b.String()
}

func (p *Plugin) handlePlot(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		names := p.ChartNames()
		if len(names) == 0 {
			return req.Reply(ctx, "no charts configured")
		}
		return req.Reply(ctx, "usage: /plot <chart>\ncharts: "+strings.Join(names, ", "))
	}
	err := p.SendChart(ctx, req.Args[0], req.Chat)
	if errors.Is(err, ErrUnknownChart) {
		return req.Reply(ctx, fmt.Sprintf("unknown chart %q, try /plot", req.Args[0]))
	}
	return err
}
