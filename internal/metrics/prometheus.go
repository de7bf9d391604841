package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldstore"

// Metrics holds all Prometheus metrics of a fieldstore node. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Datastore operation metrics
	StoreRequestsTotal    *prometheus.CounterVec
	StoreRequestsDuration *prometheus.HistogramVec

	// Change feed metrics
	FeedEventsTotal       *prometheus.CounterVec
	NotificationsDropped  prometheus.Counter
	TombstonesTotal       prometheus.Gauge
	IndexedDocumentsTotal prometheus.Gauge
	IndexUpdateDuration   prometheus.Histogram

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheEntriesTotal   prometheus.Gauge

	// Conflict resolution metrics
	ConflictsResolvedTotal   *prometheus.CounterVec
	ConflictsUnresolvedTotal *prometheus.CounterVec

	// Sync and replication metrics
	SyncStatus               prometheus.Gauge
	SyncRetriesTotal         prometheus.Counter
	ReplicatedRevisionsTotal *prometheus.CounterVec
	ReplicationRequestsTotal *prometheus.CounterVec

	// Engine metrics
	EngineSequence  prometheus.Gauge
	EngineDocuments prometheus.Gauge

	// Worker pool metrics
	WorkerPoolQueueUtilization *prometheus.GaugeVec
	WorkerPoolSuccessRate      *prometheus.GaugeVec
	WorkerPoolActiveWorkers    *prometheus.GaugeVec
	WorkerPoolRejectedTasks    *prometheus.GaugeVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		Registry: reg,

		StoreRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "datastore",
			Name:        "requests_total",
			Help:        "Total number of datastore operations by operation and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		StoreRequestsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "datastore",
			Name:        "request_duration_seconds",
			Help:        "Histogram of datastore operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),

		FeedEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changes",
			Name:        "events_total",
			Help:        "Total number of change feed events by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changes",
			Name:        "notifications_dropped_total",
			Help:        "Notifications dropped for slow subscribers",
			ConstLabels: labels,
		}),
		TombstonesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "changes",
			Name:        "tombstones",
			Help:        "Ids currently held in the deletion tombstone set",
			ConstLabels: labels,
		}),
		IndexedDocumentsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "documents",
			Help:        "Documents held by the index",
			ConstLabels: labels,
		}),
		IndexUpdateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "update_duration_seconds",
			Help:        "Histogram of per-document index update durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of document cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of document cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total number of document cache evictions",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Documents held by the cache",
			ConstLabels: labels,
		}),

		ConflictsResolvedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conflicts",
			Name:        "resolved_total",
			Help:        "Conflicting revisions squashed, by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		ConflictsUnresolvedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conflicts",
			Name:        "unresolved_total",
			Help:        "Conflicting revisions left for manual resolution, by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),

		SyncStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "status",
			Help:        "Sync status: 0 offline, 1 connecting, 2 online, 3 error",
			ConstLabels: labels,
		}),
		SyncRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "retries_total",
			Help:        "Total number of sync restarts after an error",
			ConstLabels: labels,
		}),
		ReplicatedRevisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "documents_total",
			Help:        "Documents transferred, by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		ReplicationRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "requests_total",
			Help:        "Replication peer requests served, by route and status code",
			ConstLabels: labels,
		}, []string{"route", "code"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "sequence",
			Help:        "Current change sequence of the engine",
			ConstLabels: labels,
		}),
		EngineDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "documents",
			Help:        "Documents known to the engine, including deleted ones",
			ConstLabels: labels,
		}),

		WorkerPoolQueueUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "queue_utilization_percent",
			Help:        "Queued tasks as a percentage of pool capacity",
			ConstLabels: labels,
		}, []string{"pool"}),
		WorkerPoolSuccessRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "success_rate_percent",
			Help:        "Completed tasks as a percentage of submitted tasks",
			ConstLabels: labels,
		}, []string{"pool"}),
		WorkerPoolActiveWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "active_workers",
			Help:        "Workers currently executing a task",
			ConstLabels: labels,
		}, []string{"pool"}),
		WorkerPoolRejectedTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "rejected_tasks",
			Help:        "Tasks rejected because the pool queue was full or stopped",
			ConstLabels: labels,
		}, []string{"pool"}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk usage of the data directory volume",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space on the data directory volume",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory in use",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordStoreRequest records one datastore operation
func (m *Metrics) RecordStoreRequest(op, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.StoreRequestsTotal.WithLabelValues(op, outcome).Inc()
	m.StoreRequestsDuration.WithLabelValues(op).Observe(duration)
}

// RecordFeedEvent counts a change feed event of the given kind
func (m *Metrics) RecordFeedEvent(kind string) {
	if m == nil {
		return
	}
	m.FeedEventsTotal.WithLabelValues(kind).Inc()
}

// RecordNotificationsDropped counts notifications lost to slow subscribers
func (m *Metrics) RecordNotificationsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NotificationsDropped.Add(float64(n))
}

// UpdateTombstones sets the tombstone gauge
func (m *Metrics) UpdateTombstones(n int) {
	if m == nil {
		return
	}
	m.TombstonesTotal.Set(float64(n))
}

// UpdateIndexStats records index size and the duration of one update
func (m *Metrics) UpdateIndexStats(documents int, duration float64) {
	if m == nil {
		return
	}
	m.IndexedDocumentsTotal.Set(float64(documents))
	m.IndexUpdateDuration.Observe(duration)
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction records an eviction
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// UpdateCacheSize sets the cache entry gauge
func (m *Metrics) UpdateCacheSize(entries int) {
	if m == nil {
		return
	}
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordConflicts records the outcome of one resolution pass
func (m *Metrics) RecordConflicts(strategy string, resolved, unresolved int) {
	if m == nil {
		return
	}
	if resolved > 0 {
		m.ConflictsResolvedTotal.WithLabelValues(strategy).Add(float64(resolved))
	}
	if unresolved > 0 {
		m.ConflictsUnresolvedTotal.WithLabelValues(strategy).Add(float64(unresolved))
	}
}

// UpdateSyncStatus sets the sync status gauge
func (m *Metrics) UpdateSyncStatus(status int) {
	if m == nil {
		return
	}
	m.SyncStatus.Set(float64(status))
}

// RecordSyncRetry counts a scheduled sync restart
func (m *Metrics) RecordSyncRetry() {
	if m == nil {
		return
	}
	m.SyncRetriesTotal.Inc()
}

// RecordReplicated counts transferred documents
func (m *Metrics) RecordReplicated(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplicatedRevisionsTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordReplicationRequest counts a request served to a peer
func (m *Metrics) RecordReplicationRequest(route, code string) {
	if m == nil {
		return
	}
	m.ReplicationRequestsTotal.WithLabelValues(route, code).Inc()
}

// UpdateEngineStats sets engine gauges
func (m *Metrics) UpdateEngineStats(seq uint64, documents int) {
	if m == nil {
		return
	}
	m.EngineSequence.Set(float64(seq))
	m.EngineDocuments.Set(float64(documents))
}

// UpdateWorkerPoolStats sets the gauges of the named pool
func (m *Metrics) UpdateWorkerPoolStats(pool string, queueUtilization, successRate float64, activeWorkers int, rejected uint64) {
	if m == nil {
		return
	}
	m.WorkerPoolQueueUtilization.WithLabelValues(pool).Set(queueUtilization)
	m.WorkerPoolSuccessRate.WithLabelValues(pool).Set(successRate)
	m.WorkerPoolActiveWorkers.WithLabelValues(pool).Set(float64(activeWorkers))
	m.WorkerPoolRejectedTasks.WithLabelValues(pool).Set(float64(rejected))
}

// UpdateSystemStats updates system-level metrics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
