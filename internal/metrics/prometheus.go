package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric this node exposes.
type Metrics struct {
	// Durability monitor metrics, one series per partition via the
	// "partition" label.
	HighPreparedSeqno      *prometheus.GaugeVec
	HighCompletedSeqno     *prometheus.GaugeVec
	TrackedWritesTotal     *prometheus.GaugeVec
	SnapshotQueueDepth     *prometheus.GaugeVec
	SyncWritesAcceptedTotal *prometheus.CounterVec
	SyncWritesCommittedTotal *prometheus.CounterVec
	SyncWritesAbortedTotal *prometheus.CounterVec
	SeqnoAckLatency        prometheus.Histogram
	ProgrammerErrorsTotal  *prometheus.CounterVec

	// Failover table metrics.
	FailoverRollbacksTotal   *prometheus.CounterVec
	FailoverEntriesTotal     *prometheus.GaugeVec
	FailoverErroneousErased  *prometheus.GaugeVec
	FailoverPersistsTotal    prometheus.Counter

	// Cluster gossip metrics.
	GossipMembersTotal     prometheus.Gauge
	GossipMembersHealthy   prometheus.Gauge
	GossipMessagesTotal    *prometheus.CounterVec
	GossipMessagesDuration prometheus.Histogram

	// System metrics.
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers every metric under the pairdb
// namespace, labelled with this node's id via ConstLabels the way the
// teacher's NewMetrics does.
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		HighPreparedSeqno: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "high_prepared_seqno",
			Help:        "Current high prepared seqno (HPS) per partition",
			ConstLabels: labels,
		}, []string{"partition"}),
		HighCompletedSeqno: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "high_completed_seqno",
			Help:        "Current high completed seqno (HCS) per partition",
			ConstLabels: labels,
		}, []string{"partition"}),
		TrackedWritesTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "tracked_writes_total",
			Help:        "Number of SyncWrites currently tracked per partition",
			ConstLabels: labels,
		}, []string{"partition"}),
		SnapshotQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "snapshot_queue_depth",
			Help:        "Number of snapshot-end markers queued but not yet fully advanced past",
			ConstLabels: labels,
		}, []string{"partition"}),
		SyncWritesAcceptedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "sync_writes_accepted_total",
			Help:        "Total SyncWrites accepted via addSyncWrite",
			ConstLabels: labels,
		}, []string{"partition"}),
		SyncWritesCommittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "sync_writes_committed_total",
			Help:        "Total SyncWrites resolved as committed",
			ConstLabels: labels,
		}, []string{"partition"}),
		SyncWritesAbortedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "sync_writes_aborted_total",
			Help:        "Total SyncWrites resolved as aborted",
			ConstLabels: labels,
		}, []string{"partition"}),
		SeqnoAckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "seqno_ack_latency_seconds",
			Help:        "Time between a prepare's arrival and the ack covering its seqno being sent",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ProgrammerErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "durability",
			Name:        "programmer_errors_total",
			Help:        "Total ProgrammerErrors raised, by partition; any increment means that partition is now dead",
			ConstLabels: labels,
		}, []string{"partition"}),

		FailoverRollbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "failover",
			Name:        "rollbacks_total",
			Help:        "Total needsRollback decisions that required a rollback, by reason",
			ConstLabels: labels,
		}, []string{"partition", "reason"}),
		FailoverEntriesTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "failover",
			Name:        "entries_total",
			Help:        "Current number of entries in the failover table",
			ConstLabels: labels,
		}, []string{"partition"}),
		FailoverErroneousErased: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "failover",
			Name:        "erroneous_entries_erased",
			Help:        "Cumulative entries erased for pointing above the vbucket's high seqno",
			ConstLabels: labels,
		}, []string{"partition"}),
		FailoverPersistsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "failover",
			Name:        "persists_total",
			Help:        "Total async persistence flushes of a failover log to disk",
			ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Current number of known cluster members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Current number of cluster members considered healthy",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total gossip messages processed, by type",
			ConstLabels: labels,
		}, []string{"type"}),
		GossipMessagesDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "messages_duration_seconds",
			Help:        "Histogram of gossip message handling durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// ObserveMonitorStats pushes a durability.Stats-equivalent snapshot for
// one partition into the gauges above.
func (m *Metrics) ObserveMonitorStats(partitionID string, highPreparedSeqno, highCompletedSeqno int64, numTracked int) {
	m.HighPreparedSeqno.WithLabelValues(partitionID).Set(float64(highPreparedSeqno))
	m.HighCompletedSeqno.WithLabelValues(partitionID).Set(float64(highCompletedSeqno))
	m.TrackedWritesTotal.WithLabelValues(partitionID).Set(float64(numTracked))
}

// RecordSyncWriteAccepted records a successful addSyncWrite.
func (m *Metrics) RecordSyncWriteAccepted(partitionID string) {
	m.SyncWritesAcceptedTotal.WithLabelValues(partitionID).Inc()
}

// RecordSyncWriteResolved records a completeSyncWrite resolution.
func (m *Metrics) RecordSyncWriteResolved(partitionID string, committed bool) {
	if committed {
		m.SyncWritesCommittedTotal.WithLabelValues(partitionID).Inc()
		return
	}
	m.SyncWritesAbortedTotal.WithLabelValues(partitionID).Inc()
}

// RecordSeqnoAckLatency records the delay between a prepare landing and
// the ack covering it being sent.
func (m *Metrics) RecordSeqnoAckLatency(seconds float64) {
	m.SeqnoAckLatency.Observe(seconds)
}

// RecordProgrammerError records a ProgrammerError for partitionID; any
// increment here means that partition is now dead.
func (m *Metrics) RecordProgrammerError(partitionID string) {
	m.ProgrammerErrorsTotal.WithLabelValues(partitionID).Inc()
}

// RecordRollback records a needsRollback decision that required a
// rewind.
func (m *Metrics) RecordRollback(partitionID, reason string) {
	m.FailoverRollbacksTotal.WithLabelValues(partitionID, reason).Inc()
}

// ObserveFailoverStats pushes a failover.Table snapshot into the gauges
// above.
func (m *Metrics) ObserveFailoverStats(partitionID string, numEntries, erroneousErased int) {
	m.FailoverEntriesTotal.WithLabelValues(partitionID).Set(float64(numEntries))
	m.FailoverErroneousErased.WithLabelValues(partitionID).Set(float64(erroneousErased))
}

// RecordFailoverPersist records one completed async persistence flush.
func (m *Metrics) RecordFailoverPersist() {
	m.FailoverPersistsTotal.Inc()
}

// UpdateGossipStats updates gossip membership statistics.
func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}

// RecordGossipMessage records a gossip message handling event.
func (m *Metrics) RecordGossipMessage(messageType string, duration float64) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
	m.GossipMessagesDuration.Observe(duration)
}

// UpdateSystemStats updates process-level resource statistics.
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
