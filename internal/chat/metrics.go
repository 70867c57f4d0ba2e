package chat

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relaychat"

var (
	ConnectedParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_participants",
		Help:      "Number of participants currently in the registry",
	})

	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Number of admitted sessions, named or not",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Broadcast lines by type",
	}, []string{"type"})

	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Lines that could not be delivered to a recipient",
	}, []string{"reason"})

	RejectedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_connections_total",
		Help:      "Connections closed at accept because the server was at capacity",
	})

	TranscriptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_errors_total",
		Help:      "Lines dropped from the transcript",
	})

	BroadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_seconds",
		Help:      "Time spent fanning one line out to the registry",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ConnectedParticipants)
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(DeliveryFailures)
	prometheus.MustRegister(RejectedConnections)
	prometheus.MustRegister(TranscriptErrors)
	prometheus.MustRegister(BroadcastDuration)
}
