// Package metrics exposes pgdispatch's Prometheus collectors: HTTP traffic,
// per-strategy dispatch latency, connection pool usage and blocking
// executor rejections.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/errs"
)

const namespace = "pgdispatch"

// Metrics groups the collectors. It satisfies dispatch.Observer.
type Metrics struct {
	reg prometheus.Registerer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	dispatch     *prometheus.HistogramVec
	rejected     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from pool acquire to converted result, by strategy and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy", "outcome"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_rejected_total",
			Help:      "Tasks rejected by the blocking executor.",
		}),
	}

	for _, c := range []prometheus.Collector{m.httpRequests, m.httpDuration, m.dispatch, m.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterPool exports the pool's usage as pgdispatch_pool_connections{state}.
// stat is called on every scrape.
func (m *Metrics) RegisterPool(stat func() database.PoolStat) error {
	states := map[string]func(database.PoolStat) int{
		"in_use": func(s database.PoolStat) int { return s.InUse },
		"idle":   func(s database.PoolStat) int { return s.Idle },
		"total":  func(s database.PoolStat) int { return s.Total },
		"max":    func(s database.PoolStat) int { return s.Max },
	}
	for state, pick := range states {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_connections",
			Help:        "Connection pool usage by state.",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 { return float64(pick(stat())) })
		if err := m.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDispatch records one finished query. The outcome label is "ok" or
// the error kind.
func (m *Metrics) ObserveDispatch(strategy string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	m.dispatch.WithLabelValues(strategy, outcome).Observe(elapsed.Seconds())
}

// ObserveRejected counts one blocking executor rejection.
func (m *Metrics) ObserveRejected() {
	m.rejected.Inc()
}

// Middleware records request count and latency. Routes are labelled by their
// chi pattern so query names do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
