package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	topicSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uds_rpc_topic_subscribers",
			Help: "Number of connections subscribed to a topic",
		},
		[]string{"topic"},
	)
	publishDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_rpc_publish_deliveries_total",
			Help: "Published envelopes written to subscribers",
		},
		[]string{"topic", "status"},
	)
)

func init() {
	prometheus.MustRegister(topicSubscribers)
	prometheus.MustRegister(publishDeliveries)
}
