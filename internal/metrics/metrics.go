// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itzam",
			Name:      "runs_total",
			Help:      "Runs by origin, terminal status and error code",
		},
		[]string{"origin", "status", "code"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "itzam",
			Name:      "run_duration_seconds",
			Help:      "Dispatch duration of finished runs",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"origin", "provider"},
	)

	RunTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itzam",
			Name:      "run_tokens_total",
			Help:      "Tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	RunCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itzam",
			Name:      "run_cost_usd_total",
			Help:      "Accumulated run cost in USD",
		},
		[]string{"provider"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itzam",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordRun records one closed run.
func RecordRun(origin domain.Origin, provider string, status domain.Status, ev generation.Event) {
	RunsTotal.WithLabelValues(string(origin), string(status), string(ev.Code)).Inc()
	RunDuration.WithLabelValues(string(origin), provider).Observe(time.Duration(ev.DurationMs * int64(time.Millisecond)).Seconds())
	RunTokens.WithLabelValues(provider, "input").Add(float64(ev.Usage.InputTokens))
	RunTokens.WithLabelValues(provider, "output").Add(float64(ev.Usage.OutputTokens))
	RunCost.WithLabelValues(provider).Add(ev.Cost.InexactFloat64())
}

// Middleware counts requests by chi route pattern, so path parameters do
// not explode the label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
