package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pixelcredit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"method", "route"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "generation",
			Name:      "jobs_total",
			Help:      "Generation jobs by tool and terminal outcome.",
		},
		[]string{"tool", "status", "reason"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pixelcredit",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall time from job creation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
		[]string{"tool", "status"},
	)

	providerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Provider call attempts by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	providerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pixelcredit",
			Subsystem: "provider",
			Name:      "inflight_calls",
			Help:      "Provider calls currently holding a concurrency slot.",
		},
	)

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	compensationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "ledger",
			Name:      "compensation_failures_total",
			Help:      "Compensations that exhausted their inline retries and were escalated.",
		},
	)

	recoveredJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelcredit",
			Subsystem: "recovery",
			Name:      "jobs_total",
			Help:      "Jobs resolved by the recovery sweeper.",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		generations,
		generationDuration,
		providerAttempts,
		providerInFlight,
		ledgerOps,
		compensationFailures,
		recoveredJobs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency keyed by chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordGeneration(tool, status, reason string, duration time.Duration) {
	generations.WithLabelValues(tool, status, reason).Inc()
	generationDuration.WithLabelValues(tool, status).Observe(duration.Seconds())
}

func RecordProviderAttempt(backend, outcome string) {
	providerAttempts.WithLabelValues(backend, outcome).Inc()
}

func ProviderCallStarted()  { providerInFlight.Inc() }
func ProviderCallFinished() { providerInFlight.Dec() }

func RecordLedgerOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerOps.WithLabelValues(op, result).Inc()
}

func RecordCompensationFailure() {
	compensationFailures.Inc()
}

func RecordRecovery(action string) {
	recoveredJobs.WithLabelValues(action).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
