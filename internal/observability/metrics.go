package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makinet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "makinet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	taskStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makinet",
			Subsystem: "task",
			Name:      "starts_total",
			Help:      "Tasks started by this agent.",
		},
		[]string{"node"},
	)
	imagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makinet",
			Subsystem: "image",
			Name:      "pulls_total",
			Help:      "Image pulls attempted by this agent.",
		},
		[]string{"node", "success"},
	)
	imagePullDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "makinet",
			Subsystem: "image",
			Name:      "pull_duration_seconds",
			Help:      "Image pull duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, taskStarts, imagePulls, imagePullDuration)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTaskStart(node string) {
	RegisterMetrics()
	taskStarts.WithLabelValues(node).Inc()
}

func RecordImagePull(node string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	imagePulls.WithLabelValues(node, successLabel).Inc()
	imagePullDuration.WithLabelValues(node, successLabel).Observe(duration.Seconds())
}
