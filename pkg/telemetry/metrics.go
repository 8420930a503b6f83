package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the agent daemon.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsAccepted prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	sessionsActive   prometheus.Gauge

	// Protocol metrics
	authAttempts *prometheus.CounterVec
	requests     *prometheus.CounterVec

	// Batch metrics
	batchesSubmitted *prometheus.CounterVec
	batchWait        prometheus.Histogram
	workersLaunched  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_accepted_total",
				Help:      "Total number of connections admitted as sessions",
			},
		),
		sessionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_rejected_total",
				Help:      "Total number of connections refused",
			},
			[]string{"reason"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Current number of live sessions",
			},
		),

		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of password authentication attempts",
			},
			[]string{"outcome"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of protocol requests by function and response code",
			},
			[]string{"function", "code"},
		),

		batchesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_submitted_total",
				Help:      "Total number of batches written to the queue",
			},
			[]string{"mode"},
		),
		batchWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_wait_seconds",
				Help:      "Time synchronous submissions waited for a terminal batch",
				Buckets:   buckets,
			},
		),
		workersLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_launched_total",
				Help:      "Total number of worker processes started",
			},
			[]string{"origin", "result"},
		),
	}

	registry.MustRegister(
		m.sessionsAccepted,
		m.sessionsRejected,
		m.sessionsActive,
		m.authAttempts,
		m.requests,
		m.batchesSubmitted,
		m.batchWait,
		m.workersLaunched,
	)

	return m, nil
}

// Session Metrics

// RecordSessionAccepted counts an admitted connection.
func (m *Metrics) RecordSessionAccepted() {
	if m == nil || m.sessionsAccepted == nil {
		return
	}
	m.sessionsAccepted.Inc()
	m.sessionsActive.Inc()
}

// RecordSessionClosed decrements the live session gauge.
func (m *Metrics) RecordSessionClosed() {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordSessionRejected counts a refused connection.
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil || m.sessionsRejected == nil {
		return
	}
	m.sessionsRejected.WithLabelValues(reason).Inc()
}

// Protocol Metrics

// RecordAuthAttempt counts an authenticate request by outcome.
func (m *Metrics) RecordAuthAttempt(outcome string) {
	if m == nil || m.authAttempts == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// RecordRequest counts a handled request.
func (m *Metrics) RecordRequest(function, code string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(function, code).Inc()
}

// Batch Metrics

// RecordBatchSubmitted counts a persisted batch.
func (m *Metrics) RecordBatchSubmitted(mode string) {
	if m == nil || m.batchesSubmitted == nil {
		return
	}
	m.batchesSubmitted.WithLabelValues(mode).Inc()
}

// RecordBatchWait observes how long a synchronous submission waited.
func (m *Metrics) RecordBatchWait(d time.Duration) {
	if m == nil || m.batchWait == nil {
		return
	}
	m.batchWait.Observe(d.Seconds())
}

// RecordWorkerLaunch counts a worker start attempt.
func (m *Metrics) RecordWorkerLaunch(origin string, err error) {
	if m == nil || m.workersLaunched == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.workersLaunched.WithLabelValues(origin, result).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
