package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride transitions by resulting status"},
		[]string{"status"},
	)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_rejected_total", Help: "Rejected ride transitions by error code"},
		[]string{"code"},
	)
	AcceptRacesLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_races_lost_total", Help: "Accept attempts that lost to another driver"})
	AcceptLatency   = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_latency_seconds",
		Help:      "Time from ride request to driver acceptance",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers delivered to candidate drivers"})
	GeoLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "geo_lookup_seconds", Help: "Nearby driver lookup latency"})

	LocationSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples by outcome"},
		[]string{"outcome"},
	)

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Registered live connections"})
	EventsEmitted   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_emitted_total", Help: "Events handed to connections by type"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped for lack of a live target by type"},
		[]string{"type"},
	)

	KafkaPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_publish_errors_total", Help: "Records that failed to reach Kafka by topic"},
		[]string{"topic"},
	)
	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Driver location records consumed by outcome"},
		[]string{"outcome"},
	)
	DriverPings = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_pings_total", Help: "Driver availability pings received"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
