package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides created, by vehicle class"},
		[]string{"vehicle_class"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride status transitions, by target status"},
		[]string{"status"},
	)
	TransitionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transition_conflicts_total", Help: "Rejected transitions, by operation"},
		[]string{"op"},
	)
	RidesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Pending rides cancelled by the expiry sweep"})

	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Drivers found per dispatch",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	DispatchNotified = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_notified_total", Help: "Drivers notified of new rides"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Ride request latency including lookups"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Realtime events delivered"},
		[]string{"event"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Realtime events not delivered, by reason"},
		[]string{"event", "reason"},
	)
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_connections", Help: "Realtime connections bound to a party"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	MapsLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maps_lookup_duration_seconds",
			Help:      "Geocode and route lookup latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)
	MapsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "maps_cache_hits_total", Help: "Map lookups served from cache"},
		[]string{"op"},
	)

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates, by source and result"},
		[]string{"source", "result"},
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
