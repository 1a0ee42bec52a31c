package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session core
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_messages_appended_total",
			Help: "Messages appended to session stores",
		},
		[]string{"sender"},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_event_handler_panics_total",
			Help: "Event handlers that panicked during delivery",
		},
		[]string{"topic"},
	)

	NarrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_narrations_total",
			Help: "Autoplay narrations by outcome",
		},
		[]string{"outcome"}, // "ok", "failed", "interrupted"
	)

	CaptureTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_capture_ticks_total",
			Help: "Screen capture ticks by outcome",
		},
		[]string{"outcome"}, // "published", "skipped", "failed", "discarded"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_active_sessions",
			Help: "Open browser sessions",
		},
	)

	// Gateways
	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_gateway_latency_seconds",
			Help:    "External gateway call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"gateway"},
	)

	GatewayFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_gateway_fallbacks_total",
			Help: "Replies served from a canned fallback",
		},
		[]string{"reason"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	SocketFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_socket_frames_dropped_total",
			Help: "Outbound socket frames dropped because the client was slow",
		},
		[]string{"kind"},
	)

	DocsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_docs_ingested_total",
			Help: "Documents ingested into the knowledge store",
		},
	)
)
