package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStoreRequest("create", "ok", 0.1)
		m.RecordCacheHit()
		m.RecordConflicts("generic", 1, 1)
		m.UpdateSyncStatus(2)
		m.UpdateSystemStats(1, 2, 3, 4)
		m.UpdateWorkerPoolStats("conflicts", 10, 100, 1, 0)
	})
}

func TestInstancesUseSeparateRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	a.RecordCacheHit()
	a.RecordConflicts("project", 2, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHitsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.ConflictsResolvedTotal.WithLabelValues("project")))
}

func TestWorkerPoolStats(t *testing.T) {
	m := NewMetrics("node")
	m.UpdateWorkerPoolStats("conflicts", 25, 90, 2, 3)

	assert.Equal(t, 25.0, testutil.ToFloat64(m.WorkerPoolQueueUtilization.WithLabelValues("conflicts")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.WorkerPoolSuccessRate.WithLabelValues("conflicts")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerPoolActiveWorkers.WithLabelValues("conflicts")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WorkerPoolRejectedTasks.WithLabelValues("conflicts")))
}
