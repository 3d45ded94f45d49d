package parinvoke

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.task("op", true, time.Millisecond)
		m.workerStarted()
		m.workerStopped(true)
		m.persisted(MethodFile, 10)
	})
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.task("op", true, time.Millisecond)
	m.task("op", false, time.Millisecond)
	m.task("op", true, time.Millisecond)
	m.workerStarted()
	m.workerStarted()
	m.workerStopped(false)
	m.workerStopped(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("op", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("op", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkersLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerCrashes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TaskDuration))
}

func TestMetricsPersisted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	pm, err := Persist(countingMatrix(4, 8), WithConfig(testConfig(t)), WithMetrics(m))
	require.NoError(t, err)
	defer pm.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistedModels.WithLabelValues("file")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PersistedBytes.WithLabelValues("file")), float64(4*8*8))
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
