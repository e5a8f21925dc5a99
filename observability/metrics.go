package observability

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics exposes Prometheus collectors for the reveal relay.
type RelayMetrics struct {
	submissions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	rebroadcasts  prometheus.Counter
	finalized     prometheus.Counter
	expired       prometheus.Counter
	exhausted     prometheus.Counter
	fatal         *prometheus.CounterVec
	tickLatency   *prometheus.HistogramVec
	queueSize     prometheus.Gauge
	pendingSize   prometheus.Gauge
	escrowedWei   prometheus.Gauge
	syncedBlock   prometheus.Gauge
	nonceAssigned prometheus.Gauge
}

var (
	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics
)

// Relay returns the lazily-initialised metrics registry shared by the relay
// components.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "api",
				Name:      "submissions_total",
				Help:      "Accepted submissions segmented by action.",
			}, []string{"action"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "api",
				Name:      "rejections_total",
				Help:      "Rejected submissions segmented by error code.",
			}, []string{"code"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "scheduler",
				Name:      "broadcasts_total",
				Help:      "Broadcast transactions segmented by kind (reveal or noop).",
			}, []string{"kind"}),
			rebroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "monitor",
				Name:      "rebroadcasts_total",
				Help:      "Pending transactions resubmitted with an escalated fee.",
			}),
			finalized: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "monitor",
				Name:      "finalized_total",
				Help:      "Reveals finalized after reaching the confirmation threshold.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "scheduler",
				Name:      "expired_total",
				Help:      "Queued reveals dropped past their absolute expiry deadline.",
			}),
			exhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "scheduler",
				Name:      "retries_exhausted_total",
				Help:      "Queued reveals dropped after exhausting the retry ceiling.",
			}),
			fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fleetrelay",
				Subsystem: "core",
				Name:      "fatal_errors_total",
				Help:      "Structural inconsistencies that aborted a tick.",
			}, []string{"reason"}),
			tickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fleetrelay",
				Subsystem: "core",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution of driver ticks.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"driver"}),
			queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fleetrelay",
				Subsystem: "scheduler",
				Name:      "queue_size",
				Help:      "Number of queued reveal requests.",
			}),
			pendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fleetrelay",
				Subsystem: "monitor",
				Name:      "pending_size",
				Help:      "Number of broadcast-but-unfinalized transactions.",
			}),
			escrowedWei: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fleetrelay",
				Subsystem: "ledger",
				Name:      "escrowed_wei",
				Help:      "Sum of reserved escrow across all accounts, in wei.",
			}),
			syncedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fleetrelay",
				Subsystem: "sync",
				Name:      "synced_block",
				Help:      "Highest finalized block folded into the ledger.",
			}),
			nonceAssigned: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fleetrelay",
				Subsystem: "scheduler",
				Name:      "next_nonce",
				Help:      "Next transaction nonce the scheduler will allocate.",
			}),
		}
		prometheus.MustRegister(
			relayRegistry.submissions,
			relayRegistry.rejections,
			relayRegistry.broadcasts,
			relayRegistry.rebroadcasts,
			relayRegistry.finalized,
			relayRegistry.expired,
			relayRegistry.exhausted,
			relayRegistry.fatal,
			relayRegistry.tickLatency,
			relayRegistry.queueSize,
			relayRegistry.pendingSize,
			relayRegistry.escrowedWei,
			relayRegistry.syncedBlock,
			relayRegistry.nonceAssigned,
		)
	})
	return relayRegistry
}

// RecordSubmission counts an accepted submission for the given action.
func (m *RelayMetrics) RecordSubmission(action string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(action).Inc()
}

// RecordRejection counts a client rejection by stable error code.
func (m *RelayMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// RecordBroadcast counts a broadcast, kind is "reveal" or "noop".
func (m *RelayMetrics) RecordBroadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
}

// RecordRebroadcast counts a fee-escalated resubmission.
func (m *RelayMetrics) RecordRebroadcast() {
	if m == nil {
		return
	}
	m.rebroadcasts.Inc()
}

// RecordFinalized counts a settled reveal.
func (m *RelayMetrics) RecordFinalized() {
	if m == nil {
		return
	}
	m.finalized.Inc()
}

// RecordExpired counts a reveal dropped at its expiry deadline.
func (m *RelayMetrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// RecordExhausted counts a reveal dropped after the retry ceiling.
func (m *RelayMetrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// RecordFatal counts a structural inconsistency that aborted a tick.
func (m *RelayMetrics) RecordFatal(reason string) {
	if m == nil {
		return
	}
	m.fatal.WithLabelValues(reason).Inc()
}

// ObserveTick records the duration of one driver tick.
func (m *RelayMetrics) ObserveTick(driver string, d time.Duration) {
	if m == nil {
		return
	}
	m.tickLatency.WithLabelValues(driver).Observe(d.Seconds())
}

// SetQueueSize publishes the current queue depth.
func (m *RelayMetrics) SetQueueSize(n int) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}

// SetPendingSize publishes the current pending-transaction depth.
func (m *RelayMetrics) SetPendingSize(n int) {
	if m == nil {
		return
	}
	m.pendingSize.Set(float64(n))
}

// SetEscrowed publishes the aggregate reserved escrow.
func (m *RelayMetrics) SetEscrowed(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	value, _ := new(big.Float).SetInt(total).Float64()
	m.escrowedWei.Set(value)
}

// SetSyncedBlock publishes the balance synchronizer's cursor.
func (m *RelayMetrics) SetSyncedBlock(block uint64) {
	if m == nil {
		return
	}
	m.syncedBlock.Set(float64(block))
}

// SetNextNonce publishes the nonce counter.
func (m *RelayMetrics) SetNextNonce(nonce uint64) {
	if m == nil {
		return
	}
	m.nonceAssigned.Set(float64(nonce))
}
