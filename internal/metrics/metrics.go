// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts processed webhook events by outcome reason.
	// Stored files are counted under "stored".
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgbed_events_total",
			Help: "Webhook events processed, by outcome.",
		},
		[]string{"channel", "reason"},
	)

	// FinalizeTotal counts finalize task runs by outcome.
	FinalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgbed_batch_finalize_total",
			Help: "Batch finalize runs, by outcome.",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts outbound notification calls.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgbed_notifications_total",
			Help: "Outbound notification calls, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// MirrorTotal counts blob mirror copies.
	MirrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgbed_mirror_total",
			Help: "Blob mirror copies, by result.",
		},
		[]string{"result"},
	)

	// BatchSize observes the number of files in each finalized batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imgbed_batch_files",
		Help:    "Files per finalized media group.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgbed_http_requests_total",
			Help: "HTTP requests, by route and status.",
		},
		[]string{"method", "route", "status"},
	)
)

// Notification records one send or edit outcome.
func Notification(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// HTTPRequest records one served request.
func HTTPRequest(method, route, status string) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
