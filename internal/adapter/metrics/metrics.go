package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/storefront/internal/core/domain"
)

// Metrics owns the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	LatencyMS        *prometheus.HistogramVec
	Reservations     *prometheus.CounterVec
	StockRetries     prometheus.Counter
	OrderTransitions *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of handled requests.",
		}, []string{"transport", "handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_ms",
			Help:      "Request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"transport", "handler"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),
		StockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_update_retries_total",
			Help:      "Optimistic stock updates retried after a version conflict.",
		}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"from", "to"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_events_published_total",
			Help:      "Order events handed to the publisher by type and outcome.",
		}, []string{"type", "outcome"}),
	}

	m.registry.MustRegister(
		m.Requests, m.LatencyMS, m.Reservations, m.StockRetries, m.OrderTransitions, m.EventsPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records count and latency of every HTTP request under its
// chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.ObserveRequest("http", route, strconv.Itoa(status), time.Since(start))
	})
}

func (m *Metrics) ObserveRequest(transport, handler, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(transport, handler, status).Inc()
	m.LatencyMS.WithLabelValues(transport, handler).Observe(float64(elapsed.Microseconds()) / 1000)
}

// ObserveReservation classifies the result of a reserve or release call.
func (m *Metrics) ObserveReservation(operation string, err error) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(operation, reservationOutcome(err)).Inc()
}

func reservationOutcome(err error) string {
	var (
		insufficient *domain.InsufficientStockError
		release      *domain.InvalidReleaseError
		notFound     *domain.NotFoundError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.As(err, &release):
		return "invalid_release"
	case errors.As(err, &notFound):
		return "not_found"
	case domain.IsClientError(err):
		return "rejected"
	}
	return "error"
}

// ObserveRetry matches retry.Policy.OnRetry.
func (m *Metrics) ObserveRetry(int, error, time.Duration) {
	if m == nil {
		return
	}
	m.StockRetries.Inc()
}

// ObserveEvent counts a dispatched order event and the transition it announces.
func (m *Metrics) ObserveEvent(event domain.OrderEvent, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(string(event.Type), outcome).Inc()

	if event.PreviousStatus != "" {
		m.OrderTransitions.WithLabelValues(string(event.PreviousStatus), string(event.Status)).Inc()
	}
}
