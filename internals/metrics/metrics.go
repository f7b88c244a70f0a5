package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room lifecycle
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wpcall_rooms_created_total",
		Help: "Total rooms initialized via POST /room",
	})

	RoomsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wpcall_rooms_evicted_total",
		Help: "Total expired empty room actors evicted from memory",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wpcall_active_rooms",
		Help: "Number of room actors currently resident in memory",
	})

	// Admission
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpcall_joins_total",
		Help: "Join attempts by outcome",
	}, []string{"outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wpcall_active_sessions",
		Help: "Number of admitted signaling sessions",
	})

	// Relay
	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpcall_relayed_messages_total",
		Help: "Signaling messages forwarded between room members",
	}, []string{"type"})

	RelaySendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wpcall_relay_send_failures_total",
		Help: "Broadcast sends that failed toward one member",
	})

	// Storage health
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wpcall_store_latency_ms",
		Help:    "Room store operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
	})

	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wpcall_store_errors_total",
		Help: "Total room store errors",
	})
)

// Join outcomes.
const (
	JoinAccepted      = "accepted"
	JoinTokenMismatch = "token_mismatch"
	JoinExpired       = "expired"
	JoinFull          = "full"
)

func RecordJoin(outcome string) {
	JoinsTotal.WithLabelValues(outcome).Inc()
}

func RecordRelay(messageType string) {
	RelayedMessagesTotal.WithLabelValues(messageType).Inc()
}

func ObserveStore(start time.Time, err error) {
	StoreLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		StoreErrorsTotal.Inc()
	}
}
