package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcome labels used by RolloutMetrics.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeNoTests = "no_tests"
	OutcomeError   = "error"
)

// RolloutMetrics collects counters for the parallel rollout engine on a private
// registry, so several engines in one process (or in tests) never collide.
type RolloutMetrics struct {
	Registry *prometheus.Registry

	Completed      *prometheus.CounterVec
	Duration       prometheus.Histogram
	InFlight       prometheus.Gauge
	TransportRetry prometheus.Counter
	Pairs          *prometheus.CounterVec
}

// NewRolloutMetrics registers the rollout collectors on a fresh registry.
func NewRolloutMetrics() *RolloutMetrics {
	m := &RolloutMetrics{
		Registry: prometheus.NewRegistry(),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoagent",
			Name:      "rollouts_completed_total",
			Help:      "Rollout work units finished, by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repoagent",
			Name:      "rollout_duration_seconds",
			Help:      "Wall clock duration of one rollout work unit.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoagent",
			Name:      "rollouts_in_flight",
			Help:      "Work units currently executing.",
		}),
		TransportRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repoagent",
			Name:      "llm_transport_retries_total",
			Help:      "Model transport attempts retried after a transient failure.",
		}),
		Pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoagent",
			Name:      "preference_tasks_total",
			Help:      "Tasks reduced to a preference pair or marked as having no contrast.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(m.Completed, m.Duration, m.InFlight, m.TransportRetry, m.Pairs)
	return m
}

// ObserveOutcome records one finished unit.
func (m *RolloutMetrics) ObserveOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Completed.WithLabelValues(outcome).Inc()
	m.Duration.Observe(d.Seconds())
}

// OnRetry satisfies the retry notification hook of the transport layer.
func (m *RolloutMetrics) OnRetry() {
	if m == nil {
		return
	}
	m.TransportRetry.Inc()
}

// ServeMetrics exposes the registry on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}
