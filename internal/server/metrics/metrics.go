package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cldzshop_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cldzshop_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cldzshop_messages_sent_total",
			Help: "Total chat messages written",
		},
	)

	GroupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cldzshop_groups_created_total",
			Help: "Total group conversations created",
		},
	)

	GroupCompensations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cldzshop_group_compensations_total",
			Help: "Group conversations deleted after a failed membership insert",
		},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cldzshop_websocket_connections",
			Help: "Open websocket connections",
		},
	)

	// Storefront metrics
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cldzshop_uploads_total",
			Help: "Image uploads by bucket and outcome",
		},
		[]string{"bucket", "outcome"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cldzshop_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"limit"}, // "connections" or "auth"
	)
)
