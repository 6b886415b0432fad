package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerdexd",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "Number of protocol messages sent, by delivery kind.",
	}, []string{"kind"})

	messagesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerdexd",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "Number of protocol messages received.",
	})

	storeOpsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerdexd",
		Subsystem: "storage",
		Name:      "replication_ops_total",
		Help:      "Replicated storage operations received from peers, by op and outcome.",
	}, []string{"op", "outcome"})

	connectedPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerdexd",
		Subsystem: "transport",
		Name:      "connected_peers",
		Help:      "Number of currently connected peers.",
	})
)

func storeOpOutcome(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}
