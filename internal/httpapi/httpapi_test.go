package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"atmobot/internal/plugin"
	"atmobot/internal/weather/chart"
	"atmobot/internal/weather/refresh"
	"atmobot/internal/weather/store"
	logx "atmobot/pkg/logx"
	"atmobot/plugins/weather"
)

type fakeWeather struct {
	stopped bool
	ticks   int
}

func (f *fakeWeather) RefreshStatus() (refresh.Snapshot, error) {
	if f.stopped {
		return refresh.Snapshot{}, weather.ErrNotRunning
	}
	return refresh.Snapshot{State: refresh.StateSuspended, Counters: refresh.Counters{Runs: 3}}, nil
}

func (f *fakeWeather) TriggerRefresh() (refresh.Snapshot, error) {
	f.ticks++
	return refresh.Snapshot{State: refresh.StateRunning}, nil
}

func (f *fakeWeather) Devices(ctx context.Context) ([]store.Device, error) {
	return []store.Device{{ID: "70:ee:50:00:00:01", StationName: "Home"}}, nil
}

func (f *fakeWeather) ChartNames() []string { return []string{"today"} }

func (f *fakeWeather) RenderChart(ctx context.Context, name string, w io.Writer) (chart.FileFormat, error) {
	if name != "today" {
		return "", fmt.Errorf("%w: %q", weather.ErrUnknownChart, name)
	}
	_, err := io.WriteString(w, "<svg></svg>")
	return chart.FormatSVG, err
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	fw := &fakeWeather{}
	h := Handler(Backend{
		Weather: fw,
		Plugins: func() []plugin.Status { return []plugin.Status{{Name: "weather", Enabled: true, Running: true}} },
	}, "", logx.Nop())

	tests := []struct {
		method, path string
		code         int
		contains     string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, "ok"},
		{http.MethodGet, "/api/refresh", http.StatusOK, `"state": "suspended"`},
		{http.MethodPost, "/api/refresh", http.StatusAccepted, `"state": "running"`},
		{http.MethodGet, "/api/devices", http.StatusOK, `"station_name": "Home"`},
		{http.MethodGet, "/api/charts", http.StatusOK, `"today"`},
		{http.MethodGet, "/api/charts/today", http.StatusOK, "<svg>"},
		{http.MethodGet, "/api/charts/nope", http.StatusNotFound, "unknown chart"},
		{http.MethodGet, "/api/status", http.StatusOK, `"running": true`},
	}
	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, "")
		if rec.Code != tt.code || !strings.Contains(rec.Body.String(), tt.contains) {
			t.Fatalf("%s %s = %d %q", tt.method, tt.path, rec.Code, rec.Body.String())
		}
	}
	if fw.ticks != 1 {
		t.Fatalf("ticks = %d", fw.ticks)
	}
	if ct := do(t, h, http.MethodGet, "/api/charts/today", "").Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestHandlerNotRunning(t *testing.T) {
	t.Parallel()
	h := Handler(Backend{Weather: &fakeWeather{stopped: true}}, "", logx.Nop())
	rec := do(t, h, http.MethodGet, "/api/refresh", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("body = %q, %v", rec.Body.String(), err)
	}

	h = Handler(Backend{}, "", logx.Nop())
	if rec := do(t, h, http.MethodGet, "/api/devices", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no backend code = %d", rec.Code)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	h := Handler(Backend{Weather: &fakeWeather{}}, "s3cret", logx.Nop())
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz needs no token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/refresh", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token code = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/refresh", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/refresh", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("valid token code = %d", rec.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Backend{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("addr after disable = %q", got)
	}
}

func TestHandlerProfiler(t *testing.T) {
	t.Parallel()
	off := Handler(Backend{}, "", logx.Nop())
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("profiler off code = %d", rec.Code)
	}
	on := Handler(Backend{}, "s3cret", logx.Nop(), WithProfiler(true))
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("profiler without token code = %d", rec.Code)
	}
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("profiler code = %d", rec.Code)
	}
}
