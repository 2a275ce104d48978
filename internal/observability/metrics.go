package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roadside_dispatch"

var (
	CandidateSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidate_searches_total", Help: "Provider searches by outcome"},
		[]string{"outcome"},
	)
	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "search_latency_seconds", Help: "Provider search latency seconds"})

	SearchAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_attempts",
		Help:      "Retry attempts an offer window ran before it closed",
		Buckets:   prometheus.LinearBuckets(0, 2, 8),
	})

	OffersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Job offers sent per channel"},
		[]string{"channel"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_finished_total", Help: "Jobs reaching a terminal status"},
		[]string{"status"},
	)

	OpenWindows = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offer_windows_open", Help: "Offer windows currently searching"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket connections"})

	WSMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_messages_dropped_total", Help: "Outbound messages dropped with their connection"},
		[]string{"reason"},
	)

	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "providers_online", Help: "Providers reported online by status updates"})

	ConsumedLocations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_locations_total", Help: "Location messages handled by the consumer"},
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
