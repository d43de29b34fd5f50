package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "Duration of HTTP requests in ms",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
		[]string{"method", "path"},
	)

	// CheckoutSessions counts checkout attempts by result (created, rejected, provider_error, unconfigured).
	CheckoutSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_checkout_sessions_total",
			Help: "Checkout session attempts by result",
		},
		[]string{"result"},
	)

	// Settlements counts payment confirmations by trigger source and outcome.
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_settlements_total",
			Help: "Payment confirmation attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// Notifications counts sent and failed emails by recipient kind.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_notifications_total",
			Help: "Order notification emails by recipient and result",
		},
		[]string{"recipient", "result"},
	)

	// ExpiredOrders counts pending orders cancelled without payment, labelled by trigger.
	ExpiredOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_expired_orders_total",
			Help: "Pending orders cancelled after their payment window closed",
		},
		[]string{"trigger"},
	)
)

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := float64(time.Since(start).Milliseconds())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
