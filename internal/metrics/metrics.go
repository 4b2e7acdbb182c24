package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketrelay_connections_active",
			Help: "Live WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketrelay_connections_total",
			Help: "Total WebSocket connections by identity kind",
		},
		[]string{"kind"},
	)

	UpgradesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketrelay_upgrades_throttled_total",
			Help: "WebSocket upgrades refused by the per-IP throttle",
		},
	)

	IdleConnectionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketrelay_idle_connections_closed_total",
			Help: "WebSocket connections closed for inactivity",
		},
	)

	// Dispatch metrics
	EventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketrelay_events_total",
			Help: "Inbound events handled",
		},
		[]string{"event", "outcome"}, // outcome: "ok" or an error kind
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketrelay_dispatch_duration_seconds",
			Help:    "Time to handle one inbound event",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"event"},
	)

	// Business metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketrelay_messages_persisted_total",
			Help: "Messages accepted and stored",
		},
		[]string{"visibility"}, // "public" or "internal"
	)

	PlaceholderTickets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketrelay_placeholder_tickets_total",
			Help: "Tickets created on first join by a registered user",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketrelay_rate_limit_hits_total",
			Help: "Sends denied by the rate limiter",
		},
		[]string{"transport"}, // "websocket" or "http"
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketrelay_broadcast_drops_total",
			Help: "Outbound events dropped because a connection queue was full",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
