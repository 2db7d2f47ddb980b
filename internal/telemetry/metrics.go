package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrcast",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Cluster adapter ----
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "messages_published_total",
			Help:      "Messages handed to the broker, by channel kind.",
		},
		[]string{"channel"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "messages_received_total",
			Help:      "Messages received from the broker, by channel kind.",
		},
		[]string{"channel"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before delivery, by stage (publish, inbound).",
		},
		[]string{"stage"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "decode_errors_total",
			Help:      "Inbound messages that failed to decode, by channel kind.",
		},
		[]string{"channel"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "pending_requests",
			Help:      "Cluster requests waiting for responses.",
		},
	)

	RequestsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "requests_settled_total",
			Help:      "Cluster requests settled, by request type and reason.",
		},
		[]string{"type", "reason"},
	)

	ClusterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrcast",
			Name:      "cluster_request_duration_seconds",
			Help:      "Time from publishing a cluster request to its settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"type"},
	)

	BrokerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "broker_reconnects_total",
			Help:      "Successful broker reconnections.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, InFlight, buildInfo, uptime)
	Registry.MustRegister(MessagesPublished, MessagesReceived, MessagesDropped, DecodeErrors,
		PendingRequests, RequestsSettled, ClusterRequestDuration, BrokerReconnects)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(s.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
