package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch runs by final outcome"},
		[]string{"outcome"},
	)

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch start to a final outcome",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers issued by resolution"},
		[]string{"outcome"},
	)

	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservation_conflicts_total", Help: "Candidates skipped because another dispatch reserved them first"})
	RadiusWidenings      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "radius_widenings_total", Help: "Search radius expansions after an empty candidate list"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"from", "to", "result"},
	)

	PositionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Driver position samples by result"},
		[]string{"result"},
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
