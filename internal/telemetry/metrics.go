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

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "ticks_total",
			Help:      "Broadcast passes executed.",
		},
	)

	TickOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "tick_overruns_total",
			Help:      "Ticks that finished after their deadline.",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hifi",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one broadcast pass.",
			// 50us .. ~100ms; the budget at 60Hz is 16.7ms.
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		},
	)

	PacketsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "packets_sent_total",
			Help:      "Datagrams sent, by packet type.",
		},
		[]string{"type"},
	)

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent in bulk avatar datagrams.",
		},
	)

	SendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "send_errors_total",
			Help:      "Datagram sends that failed.",
		},
	)

	DatagramsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "datagrams_received_total",
			Help:      "Inbound datagrams, by packet type.",
		},
		[]string{"type"},
	)

	DatagramsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped, by reason.",
		},
		[]string{"reason"},
	)

	Participants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hifi",
			Name:      "participants",
			Help:      "Participants currently in the directory.",
		},
	)

	RelayPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hifi",
			Name:      "relay_peers",
			Help:      "Other relays known through discovery.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hifi",
			Name:      "admin_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hifi",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hifi",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		TicksTotal, TickOverruns, TickDuration,
		PacketsSent, BytesSent, SendErrors,
		DatagramsReceived, DatagramsDropped,
		Participants, RelayPeers,
		RequestsTotal, buildInfo, uptime,
	)
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

// Instrument wraps an admin http.Handler to count requests under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
	})
}
