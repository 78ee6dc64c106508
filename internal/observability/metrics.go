package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of match requests served"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of drivers marked online over a live connection"})

	MatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_results_total", Help: "Match outcomes (found, empty, degraded)"},
		[]string{"outcome"},
	)

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Live websocket connections"})
	PresenceEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_evictions_total", Help: "Connections removed from the presence registry"},
		[]string{"reason"},
	)
	RoomBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "room_broadcasts_total", Help: "Room broadcasts by room flavor"},
		[]string{"flavor"},
	)

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip lifecycle transitions by action and result"},
		[]string{"action", "result"},
	)

	GeoUpserts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_upserts_total", Help: "Driver location upserts into the geo index"})
	GeoQueryErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_query_errors_total", Help: "Geo index queries that failed open"})
	EventSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_sink_errors_total", Help: "Trip event publish failures by sink"},
		[]string{"sink"},
	)

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
