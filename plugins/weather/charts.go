package weather

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	kit "atmobot/internal/transport"
	"atmobot/internal/weather/chart"
	logx "atmobot/pkg/logx"
)

func chartJobName(name string) string { return "chart:" + strings.ToLower(name) }

// scheduleCharts replaces every chart schedule with the ones in s.
func (p *Plugin) scheduleCharts(s Settings) {
	p.mu.Lock()
	old := p.chartJobs
	p.chartJobs = nil
	p.mu.Unlock()
	for _, name := range old {
		p.Unschedule(name)
	}

	var jobs []string
	for _, c := range s.Charts {
		if c.Schedule == "" {
			continue
		}
		name, target := c.Name, kit.ChatTarget{ChatID: c.Target.ChatID, ThreadID: c.Target.ThreadID}
		job := chartJobName(name)
		if _, err := p.Schedule(job, c.Schedule, chartTimeout, func(ctx context.Context) error {
			return p.SendChart(ctx, name, target)
		}); err != nil {
			p.Log.Warn("chart schedule failed", logx.String("chart", name), logx.Err(err))
			continue
		}
		jobs = append(jobs, job)
	}
	p.mu.Lock()
	p.chartJobs = jobs
	p.mu.Unlock()
}

// ChartNames lists configured charts in config order.
func (p *Plugin) ChartNames() []string {
	s := p.currentSettings()
	out := make([]string, 0, len(s.Charts))
	for _, c := range s.Charts {
		out = append(out, c.Name)
	}
	return out
}

// RenderChart renders the named chart for the period ending now.
func (p *Plugin) RenderChart(ctx context.Context, name string, w io.Writer) (chart.FileFormat, error) {
	st, _, err := p.running()
	if err != nil {
		return "", err
	}
	c, ok := p.currentSettings().Chart(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChart, name)
	}
	fig := c.Figure(p.now().In(p.location()))
	if err := chart.Render(ctx, st, fig, w); err != nil {
		return "", err
	}
	return c.Format.Format, nil
}

// SendChart renders a chart and uploads it to target.
func (p *Plugin) SendChart(ctx context.Context, name string, target kit.ChatTarget) error {
	if p.Deps.Adapter == nil {
		return fmt.Errorf("weather: no transport to send chart %q", name)
	}
	var buf bytes.Buffer
	format, err := p.RenderChart(ctx, name, &buf)
	if err != nil {
		return err
	}
	c, _ := p.currentSettings().Chart(name)
	size := buf.Len()
	caption := c.Title
	if caption == "" {
		caption = c.Name
	}
	_, err = p.Deps.Adapter.SendFile(ctx, target, kit.File{
		Name:    c.Name + "." + string(format),
		Caption: caption,
		Photo:   format.IsImage(),
		Reader:  &buf,
	})
	if err != nil {
		return fmt.Errorf("send chart %q: %w", name, err)
	}
	p.Log.Debug("chart sent", logx.String("chart", name), logx.Int("bytes", size))
	return nil
}

func (p *Plugin) location() *time.Location {
	if p.Deps.Scheduler != nil {
		return p.Deps.Scheduler.Location()
	}
	return time.Local
}
