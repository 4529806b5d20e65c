// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DosesScheduled        prometheus.Counter
	DoseStatusUpdates     *prometheus.CounterVec
	SweepRuns             *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	SweepDosesScanned     prometheus.Counter
	SweepDosesNotTaken    prometheus.Counter
	SweepRemindersIssued  prometheus.Counter
	SweepRecordFailures   prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	StatementsWritten     *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DosesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_scheduled_total",
			Help: "Total dose records materialized",
		}),
		DoseStatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_status_updates_total",
			Help: "Dose status updates by target status",
		}, []string{"status"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_sweep_runs_total",
			Help: "Reconciliation sweep runs by outcome",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adherence_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		SweepDosesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_sweep_doses_scanned_total",
			Help: "Pending doses examined by the sweep",
		}),
		SweepDosesNotTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_sweep_doses_not_taken_total",
			Help: "Doses marked NOT_TAKEN by the sweep",
		}),
		SweepRemindersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_sweep_reminders_total",
			Help: "Dose reminders issued by the sweep",
		}),
		SweepRecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_sweep_record_failures_total",
			Help: "Per-dose failures during the sweep",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		StatementsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_statements_written_total",
			Help: "MedicationStatement writes by result",
		}, []string{"result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DosesScheduled,
		m.DoseStatusUpdates,
		m.SweepRuns,
		m.SweepDuration,
		m.SweepDosesScanned,
		m.SweepDosesNotTaken,
		m.SweepRemindersIssued,
		m.SweepRecordFailures,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.StatementsWritten,
		m.CircuitBreakerState,
	)

	return m
}

// SweepResult is what a finished sweep reports to metrics
type SweepResult struct {
	Scanned        int
	MarkedNotTaken int
	Reminded       int
	Failed         int
}

// ObserveSweep records a completed sweep run
func (m *Metrics) ObserveSweep(r SweepResult, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues("completed").Inc()
	m.SweepDuration.Observe(took.Seconds())
	m.SweepDosesScanned.Add(float64(r.Scanned))
	m.SweepDosesNotTaken.Add(float64(r.MarkedNotTaken))
	m.SweepRemindersIssued.Add(float64(r.Reminded))
	m.SweepRecordFailures.Add(float64(r.Failed))
}

// SweepSkipped records a run skipped because another was active
func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues("skipped").Inc()
}

// SweepFailed records a run that could not load its work set
func (m *Metrics) SweepFailed() {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues("failed").Inc()
}

// DosesMaterialized adds n scheduled doses
func (m *Metrics) DosesMaterialized(n int) {
	if m == nil {
		return
	}
	m.DosesScheduled.Add(float64(n))
}

// StatusUpdated counts one status update
func (m *Metrics) StatusUpdated(status string) {
	if m == nil {
		return
	}
	m.DoseStatusUpdates.WithLabelValues(status).Inc()
}

// Produced counts produced Kafka messages
func (m *Metrics) Produced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// Consumed counts consumed Kafka messages
func (m *Metrics) Consumed(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Add(float64(n))
}

// SetOutboxPending sets the pending outbox gauge
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// StatementWritten counts a MedicationStatement write attempt
func (m *Metrics) StatementWritten(result string) {
	if m == nil {
		return
	}
	m.StatementsWritten.WithLabelValues(result).Inc()
}

// SetBreakerState records a circuit breaker state
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ReadyFunc reports whether a process can take work.
type ReadyFunc func(ctx context.Context) error

// Mux serves /metrics, /health and /ready. A nil ready always reports ready.
func Mux(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Serve exposes Mux on addr in the background. Callers shut the returned
// server down.
func Serve(addr string, ready ReadyFunc, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           Mux(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return server
}
