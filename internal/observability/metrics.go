package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEvictions   prometheus.Counter
	CacheBytesUsed   prometheus.Gauge

	// Backend I/O metrics
	ChunksUploadedTotal   prometheus.Counter
	ChunksDownloadedTotal prometheus.Counter
	BytesTransferredTotal *prometheus.CounterVec

	// Crypto metrics
	SealOperationsTotal   *prometheus.CounterVec
	CryptoOperationLatency prometheus.Histogram

	// Sync / CRDT metrics
	SyncCyclesTotal     *prometheus.CounterVec
	SyncCycleDuration   prometheus.Histogram
	PendingOps          prometheus.Gauge
	ConflictsTotal      *prometheus.CounterVec

	// Storage metrics
	RefcountSweepsTotal   prometheus.Counter
	ChunksSweptTotal      prometheus.Counter
	MetadataOperationsTotal *prometheus.CounterVec

	// Snapshot / replication metrics
	SnapshotsTotal        *prometheus.CounterVec
	SnapshotVersion       prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against the
// default registry via promauto, matching the teacher's wiring.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_cache_hits_total",
			Help: "Chunk cache hits.",
		}),
		CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_cache_misses_total",
			Help: "Chunk cache misses.",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_cache_evictions_total",
			Help: "Chunks evicted from the local cache under size pressure.",
		}),
		CacheBytesUsed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tgcryptfs_cache_bytes_used",
			Help: "Bytes currently occupied by the local chunk cache.",
		}),

		ChunksUploadedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_chunks_uploaded_total",
			Help: "Chunks sealed and uploaded to the backend.",
		}),
		ChunksDownloadedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_chunks_downloaded_total",
			Help: "Chunks fetched from the backend on a cache miss.",
		}),
		BytesTransferredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_bytes_transferred_total",
			Help: "Sealed chunk bytes transferred to or from the backend.",
		}, []string{"direction"}),

		SealOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_seal_operations_total",
			Help: "AEAD seal/open operations performed.",
		}, []string{"operation", "result"}),
		CryptoOperationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgcryptfs_crypto_operation_duration_seconds",
			Help:    "Seal/open/KDF latency.",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		SyncCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_sync_cycles_total",
			Help: "Oplog sync cycles run.",
		}, []string{"result"}),
		SyncCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgcryptfs_sync_cycle_duration_seconds",
			Help:    "Duration of one oplog sync cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingOps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tgcryptfs_pending_ops",
			Help: "Operations in the pending_ops table awaiting upload.",
		}),
		ConflictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_conflicts_total",
			Help: "Conflicting operations resolved during apply, by strategy.",
		}, []string{"strategy"}),

		RefcountSweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_refcount_sweeps_total",
			Help: "Refcount sweep passes run.",
		}),
		ChunksSweptTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tgcryptfs_chunks_swept_total",
			Help: "Chunks deleted after their refcount reached zero.",
		}),
		MetadataOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_metadata_operations_total",
			Help: "Metadata store operations by kind and result.",
		}, []string{"operation", "result"}),

		SnapshotsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tgcryptfs_snapshots_total",
			Help: "Master-replica full metadata snapshots, by direction and result.",
		}, []string{"direction", "result"}),
		SnapshotVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tgcryptfs_snapshot_version",
			Help: "Version number of the most recently created or applied snapshot.",
		}),
	}
}

// RecordCacheLookup updates cache hit/miss counters.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// RecordChunkUpload updates upload counters for a sealed chunk of n bytes.
func (m *Metrics) RecordChunkUpload(n int) {
	m.ChunksUploadedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("upload").Add(float64(n))
}

// RecordChunkDownload updates download counters for a sealed chunk of n
// bytes.
func (m *Metrics) RecordChunkDownload(n int) {
	m.ChunksDownloadedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("download").Add(float64(n))
}

// RecordSeal records a seal or open operation outcome.
func (m *Metrics) RecordSeal(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.SealOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordSyncCycle records completion of one sync cycle.
func (m *Metrics) RecordSyncCycle(err error, durationSeconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.SyncCyclesTotal.WithLabelValues(result).Inc()
	m.SyncCycleDuration.Observe(durationSeconds)
}

// RecordConflict records a resolved conflict for the given strategy name.
func (m *Metrics) RecordConflict(strategy string) {
	m.ConflictsTotal.WithLabelValues(strategy).Inc()
}

// RecordRefcountSweep records one sweep pass removing swept chunks.
func (m *Metrics) RecordRefcountSweep(swept int) {
	m.RefcountSweepsTotal.Inc()
	m.ChunksSweptTotal.Add(float64(swept))
}

// RecordMetadataOp records a metadata store operation outcome.
func (m *Metrics) RecordMetadataOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.MetadataOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordSnapshot records a snapshot create (direction "create") or apply
// (direction "apply") outcome and updates the version gauge on success.
func (m *Metrics) RecordSnapshot(direction string, version uint64, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.SnapshotsTotal.WithLabelValues(direction, result).Inc()
	if err == nil {
		m.SnapshotVersion.Set(float64(version))
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
