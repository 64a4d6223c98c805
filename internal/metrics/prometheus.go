package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ringdb"

// NodeMetrics holds all Prometheus metrics for a storage node
type NodeMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	KeysTransferredTotal prometheus.Counter
	KeysReceivedTotal    prometheus.Counter
	KeysDeletedTotal     prometheus.Counter

	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	RateLimitedTotal    prometheus.Counter

	State       *prometheus.GaugeVec
	RingMembers prometheus.Gauge
}

// NewNodeMetrics creates and registers node metrics on reg.
func NewNodeMetrics(reg prometheus.Registerer, nodeID string) *NodeMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &NodeMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "requests_total",
			Help:        "Client requests by operation and reply status",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "request_duration_seconds",
			Help:        "Histogram of client request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "cache_hits_total",
			Help:        "Reads served from the cache",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "cache_misses_total",
			Help:        "Reads that went to the store",
			ConstLabels: labels,
		}),
		KeysTransferredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "keys_transferred_total",
			Help:        "Keys pushed to other nodes during rebalances",
			ConstLabels: labels,
		}),
		KeysReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "keys_received_total",
			Help:        "Keys accepted from other nodes during rebalances",
			ConstLabels: labels,
		}),
		KeysDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "keyrange_deleted_total",
			Help:        "Keys removed by range deletes",
			ConstLabels: labels,
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "connections_active",
			Help:        "Open client connections",
			ConstLabels: labels,
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "connections_rejected_total",
			Help:        "Connections refused because the worker pool was full",
			ConstLabels: labels,
		}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "rate_limited_total",
			Help:        "Requests refused by the rate limiter",
			ConstLabels: labels,
		}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "state",
			Help:        "1 for the current lifecycle state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		RingMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "ring_members",
			Help:        "Nodes in the ring snapshot this node holds",
			ConstLabels: labels,
		}),
	}
}

// SetState marks state as current.
func (m *NodeMetrics) SetState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// CoordinatorMetrics holds all Prometheus metrics for the coordinator
type CoordinatorMetrics struct {
	NodesActive       prometheus.Gauge
	RingVersion       prometheus.Gauge
	RebalancesTotal   *prometheus.CounterVec
	RebalanceDuration *prometheus.HistogramVec
	KeysMovedTotal    prometheus.Counter
	LostNodesTotal    prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
}

// NewCoordinatorMetrics creates and registers coordinator metrics on reg.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)

	return &CoordinatorMetrics{
		NodesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "nodes_active",
			Help:      "Nodes currently on the ring",
		}),
		RingVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "ring_version",
			Help:      "Version of the last committed ring",
		}),
		RebalancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "rebalances_total",
			Help:      "Rebalances by kind and result",
		}, []string{"kind", "result"}),
		RebalanceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "rebalance_duration_seconds",
			Help:      "Histogram of rebalance durations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		KeysMovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "keys_moved_total",
			Help:      "Keys moved between nodes as reported by donors",
		}),
		LostNodesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "lost_nodes_total",
			Help:      "Nodes removed without a data transfer",
		}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "heartbeats_sent_total",
			Help:      "WAGWAN heartbeats sent to nodes",
		}),
	}
}
