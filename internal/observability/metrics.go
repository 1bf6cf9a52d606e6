package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Total rides created"})
	OffersCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Total driver offers created"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted in time"})
	OffersRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_rejected_total", Help: "Total offers explicitly rejected"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Total offers that lapsed on TTL"})
	Reassignments   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reassignments_requested_total", Help: "Total reassignment rounds requested"})
	ReassignExhaust = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reassignments_exhausted_total", Help: "Rides that ran out of reassignment attempts"})
	PricingFallback = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pricing_fallback_total", Help: "Ride creations priced by the local fallback"})
	PublishErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "event_publish_errors_total", Help: "Event publish failures"})

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
