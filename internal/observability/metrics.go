package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_attempts_total", Help: "Matching decisions by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match decision latency seconds"})
	SearchRadius = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "search_radius_meters",
		Help:      "Radius at which a search terminated",
		Buckets:   []float64{5000, 7500, 10000, 12500, 15000, 20000},
	})
	DriversNotified  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "drivers_notified_total", Help: "Drivers added to notified lists"})
	PredicateErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "predicate_errors_total", Help: "Per-candidate geo predicate failures"})
	IndexFallbacks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "index_fallbacks_total", Help: "Radius levels that fell back from the range index to per-candidate checks"})
	OutcomePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "outcome_publishes_total", Help: "Outcome publish attempts by sink and result"},
		[]string{"sink", "result"},
	)
	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "consumer_messages_total", Help: "Trigger events consumed from Kafka by result"},
		[]string{"result"},
	)
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Driver position updates applied to the geo index by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
