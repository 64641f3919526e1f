// Package metrics registers the Prometheus collectors that expose the engine's queue,
// journal, and allocator state, generalizing tunnelmesh's internal/coord/s3.S3Metrics
// (one struct of promauto collectors behind a constructor, no ad hoc prometheus calls
// scattered through the domain packages).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. The Store updates the wait counter and the gauges;
// OpsTotal and OpDuration are updated only through RecordOp, which the Store never calls.
type Metrics struct {
	OpsTotal      *prometheus.CounterVec   // blockstore_ops_total{opcode,status}
	OpDuration    *prometheus.HistogramVec // blockstore_op_duration_seconds{opcode}
	WaitsTotal    *prometheus.CounterVec   // blockstore_dispatch_waits_total{reason}
	QueueDepth    prometheus.Gauge         // blockstore_submission_queue_depth
	InFlightOps   prometheus.Gauge         // blockstore_inflight_ops
	JournalUsed   prometheus.Gauge         // blockstore_journal_used_bytes
	JournalFree   prometheus.Gauge         // blockstore_journal_free_bytes
	DataBlocksTot prometheus.Gauge         // blockstore_data_blocks_total
	DataBlocksFre prometheus.Gauge         // blockstore_data_blocks_free
	DirtyEntries  prometheus.Gauge         // blockstore_dirty_entries
	CleanEntries  prometheus.Gauge         // blockstore_clean_entries
}

// New registers and returns the engine's collectors against registry. Passing nil
// registers against prometheus.DefaultRegisterer, matching InitS3Metrics's fallback.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		OpsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blockstore_ops_total",
			Help: "Total ops completed, by opcode and status",
		}, []string{"opcode", "status"}),

		OpDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockstore_op_duration_seconds",
			Help:    "Op completion latency in seconds, by opcode",
			Buckets: prometheus.DefBuckets,
		}, []string{"opcode"}),

		WaitsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blockstore_dispatch_waits_total",
			Help: "Times the head-of-line op was parked, by wait reason",
		}, []string{"reason"}),

		QueueDepth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_submission_queue_depth",
			Help: "Ops currently sitting in the submission queue",
		}),

		InFlightOps: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_inflight_ops",
			Help: "Ops currently registered in the op arena",
		}),

		JournalUsed: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_journal_used_bytes",
			Help: "Bytes of the journal region between UsedStart and NextFree",
		}),

		JournalFree: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_journal_free_bytes",
			Help: "Bytes of the journal region still available for reservation",
		}),

		DataBlocksTot: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_data_blocks_total",
			Help: "Total blocks in the data region",
		}),

		DataBlocksFre: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_data_blocks_free",
			Help: "Unallocated blocks in the data region",
		}),

		DirtyEntries: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_dirty_entries",
			Help: "Versions currently traversing the journal/data lifecycle",
		}),

		CleanEntries: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "blockstore_clean_entries",
			Help: "Objects with a committed CURRENT version",
		}),
	}
}

// RecordOp records one completed op's outcome and latency.
func (m *Metrics) RecordOp(opcode, status string, seconds float64) {
	m.OpsTotal.WithLabelValues(opcode, status).Inc()
	m.OpDuration.WithLabelValues(opcode).Observe(seconds)
}

// RecordWait records one dispatch pass parking on reason.
func (m *Metrics) RecordWait(reason string) {
	m.WaitsTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth reports the current submission queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetInFlightOps reports the current op arena size.
func (m *Metrics) SetInFlightOps(n int) {
	m.InFlightOps.Set(float64(n))
}

// SetJournal reports the journal ring's used/free byte counts.
func (m *Metrics) SetJournal(used, free uint64) {
	m.JournalUsed.Set(float64(used))
	m.JournalFree.Set(float64(free))
}

// SetBitmap reports the data-region allocator's total/free block counts.
func (m *Metrics) SetBitmap(total, free uint64) {
	m.DataBlocksTot.Set(float64(total))
	m.DataBlocksFre.Set(float64(free))
}

// SetIndexSizes reports the current dirty/clean index sizes.
func (m *Metrics) SetIndexSizes(dirty, clean int) {
	m.DirtyEntries.Set(float64(dirty))
	m.CleanEntries.Set(float64(clean))
}
