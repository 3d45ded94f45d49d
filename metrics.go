package parinvoke

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for invokers and persistence. A nil
// *Metrics records nothing.
type Metrics struct {
	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Worker metrics
	WorkersLive   prometheus.Gauge
	WorkerCrashes prometheus.Counter

	// Persistence metrics
	PersistedBytes  *prometheus.CounterVec
	PersistedModels *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parinvoke_tasks_total",
				Help: "Total number of tasks run by invokers",
			},
			[]string{"op", "outcome"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parinvoke_task_duration_seconds",
				Help:    "Task duration in seconds, including transfer to and from the worker",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"op"},
		),
		WorkersLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parinvoke_workers_live",
				Help: "Number of running worker processes",
			},
		),
		WorkerCrashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parinvoke_worker_crashes_total",
				Help: "Total number of worker processes that died unexpectedly",
			},
		),
		PersistedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parinvoke_persisted_bytes_total",
				Help: "Total bytes of model data persisted for sharing",
			},
			[]string{"method"},
		),
		PersistedModels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parinvoke_persisted_models_total",
				Help: "Total number of models persisted for sharing",
			},
			[]string{"method"},
		),
	}
}

func (m *Metrics) task(op string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.TasksTotal.WithLabelValues(op, outcome).Inc()
	m.TaskDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) workerStarted() {
	if m != nil {
		m.WorkersLive.Inc()
	}
}

func (m *Metrics) workerStopped(crashed bool) {
	if m == nil {
		return
	}
	m.WorkersLive.Dec()
	if crashed {
		m.WorkerCrashes.Inc()
	}
}

func (m *Metrics) persisted(method Method, size int64) {
	if m == nil {
		return
	}
	m.PersistedBytes.WithLabelValues(method.String()).Add(float64(size))
	m.PersistedModels.WithLabelValues(method.String()).Inc()
}
