package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "simlink"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	listenCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "cycles_total",
			Help:      "Listen cycles started (socket bound and manifest published).",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "handshakes_total",
			Help:      "Key handshakes by result.",
		},
		[]string{"result"},
	)
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Dispatched command envelopes by route.",
		},
		[]string{"route"},
	)
	syncWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "wait_duration_seconds",
			Help:      "Synchronized request wait time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"success"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "viewer_connected",
			Help:      "1 while a viewer is bound to the engine socket.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, listenCycles, handshakes, dispatched, syncWait, connected)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordListenCycle() {
	RegisterMetrics()
	listenCycles.Inc()
}

// RecordHandshake counts one handshake outcome: success, mismatch or error.
func RecordHandshake(result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(result).Inc()
}

func RecordDispatch(route string) {
	RegisterMetrics()
	dispatched.WithLabelValues(route).Inc()
}

func RecordSyncWait(duration time.Duration, success bool) {
	RegisterMetrics()
	syncWait.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

func SetViewerConnected(v bool) {
	RegisterMetrics()
	if v {
		connected.Set(1)
		return
	}
	connected.Set(0)
}
