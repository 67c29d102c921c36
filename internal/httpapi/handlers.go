package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"atmobot/internal/plugin"
	"atmobot/internal/task/scheduler"
	"atmobot/internal/weather/chart"
	"atmobot/internal/weather/refresh"
	"atmobot/internal/weather/store"
	logx "atmobot/pkg/logx"
	"atmobot/plugins/weather"
)

// Weather is the part of the weather plugin the API exposes.
type Weather interface {
	RefreshStatus() (refresh.Snapshot, error)
	TriggerRefresh() (refresh.Snapshot, error)
	Devices(ctx context.Context) ([]store.Device, error)
	ChartNames() []string
	RenderChart(ctx context.Context, name string, w io.Writer) (chart.FileFormat, error)
}

// Backend collects the data sources. Nil funcs are omitted from /api/status.
type Backend struct {
	Weather   Weather
	Plugins   func() []plugin.Status
	Scheduler func() scheduler.Snapshot
}

type statusResponse struct {
	Plugins   []plugin.Status     `json:"plugins,omitempty"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
	Refresh   *refresh.Snapshot   `json:"refresh,omitempty"`
}

// HandlerOption tweaks Handler.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	profiler bool
}

// WithProfiler mounts net/http/pprof under /debug, behind the same token as /api.
func WithProfiler(on bool) HandlerOption {
	return func(o *handlerOptions) { o.profiler = on }
}

// Handler builds the API router. A non-empty token is required as a bearer
// token on every /api route.
func Handler(b Backend, token string, log logx.Logger, opts ...HandlerOption) http.Handler {
	var o handlerOptions
	for _, fn := range opts {
		fn(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/status", b.status)
		r.Get("/refresh", b.refreshStatus)
		r.Post("/refresh", b.triggerRefresh)
		r.Get("/devices", b.devices)
		r.Get("/charts", b.charts)
		r.Get("/charts/{name}", b.renderChart)
	})
	if o.profiler {
		r.With(bearerAuth(token)).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (b Backend) status(w http.ResponseWriter, r *http.Request) {
	var out statusResponse
	if b.Plugins != nil {
		out.Plugins = b.Plugins()
	}
	if b.Scheduler != nil {
		snap := b.Scheduler()
		out.Scheduler = &snap
	}
	if b.Weather != nil {
		if snap, err := b.Weather.RefreshStatus(); err == nil {
			out.Refresh = &snap
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b Backend) refreshStatus(w http.ResponseWriter, r *http.Request) {
	if b.Weather == nil {
		writeError(w, weather.ErrNotRunning)
		return
	}
	snap, err := b.Weather.RefreshStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (b Backend) triggerRefresh(w http.ResponseWriter, r *http.Request) {
	if b.Weather == nil {
		writeError(w, weather.ErrNotRunning)
		return
	}
	snap, err := b.Weather.TriggerRefresh()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (b Backend) devices(w http.ResponseWriter, r *http.Request) {
	if b.Weather == nil {
		writeError(w, weather.ErrNotRunning)
		return
	}
	devs, err := b.Weather.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

func (b Backend) charts(w http.ResponseWriter, r *http.Request) {
	if b.Weather == nil {
		writeError(w, weather.ErrNotRunning)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"charts": b.Weather.ChartNames()})
}

var contentTypes = map[chart.FileFormat]string{
	chart.FormatPNG: "image/png",
	chart.FormatJPG: "image/jpeg",
	chart.FormatSVG: "image/svg+xml",
	chart.FormatPDF: "application/pdf",
}

func (b Backend) renderChart(w http.ResponseWriter, r *http.Request) {
	if b.Weather == nil {
		writeError(w, weather.ErrNotRunning)
		return
	}
	var buf bytes.Buffer
	format, err := b.Weather.RenderChart(r.Context(), chi.URLParam(r, "name"), &buf)
	if err != nil {
		writeError(w, err)
		return
	}
	ct := contentTypes[format]
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, weather.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, weather.ErrUnknownChart):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
