// Package admin serves the operational HTTP surface of a taskbus process:
// health, Prometheus metrics, dead-letter inspection and the active
// subscriptions.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/taskbus/internal/runtime/broker"
	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/logging"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Options selects what the router exposes. Nil fields disable the matching
// routes, except Gatherer which defaults to the Prometheus default gatherer.
type Options struct {
	Checks        map[string]Check
	Gatherer      prometheus.Gatherer
	DeadLetters   deadletter.Store
	DLQMetrics    *deadletter.Metrics
	Subscriptions func() []broker.Subscription
	// CheckTimeout bounds each health check. Defaults to two seconds.
	CheckTimeout time.Duration
}

// NewRouter builds the admin handler.
func NewRouter(logger logging.ServiceLogger, opts Options) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	h := &handlers{logger: logger.With(logging.LogFields{"component": "admin"}), opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	if opts.Subscriptions != nil {
		r.Get("/subscriptions", h.subscriptions)
	}
	if opts.DeadLetters != nil {
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", h.listDeadLetters)
			if opts.DLQMetrics != nil {
				r.Get("/stats", h.deadLetterStats)
			}
		})
	}
	return r
}

func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Admin request", logging.LogFields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}
