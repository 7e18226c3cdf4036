package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticsync"

var (
	Registry = prometheus.NewRegistry()

	// ---- Tic command bus ----
	PacketsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Command packets handed to the transport.",
		},
	)

	// result is one of ok, unknown_sender, bad, handshake.
	PacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams drained from the transport, by result.",
		},
		[]string{"result"},
	)

	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Send and receive failures, treated as packet loss.",
		},
		[]string{"op"},
	)

	CommandsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_merged_total",
			Help:      "Remote tic commands accepted into the buffer.",
		},
	)

	CommandsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_duplicate_total",
			Help:      "Remote tic commands discarded as retransmits or out of window.",
		},
	)

	TicsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tics_consumed_total",
			Help:      "Tics handed to the simulation.",
		},
	)

	LocalLead = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_lead_tics",
			Help:      "Local tics built but not yet run (maketic - gametic).",
		},
	)

	FrameWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_wait_seconds",
			Help:      "Time spent waiting for a tic to complete.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	ConsistencyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_failures_total",
			Help:      "Tics where a player's consistency value disagreed with ours.",
		},
		[]string{"player"},
	)

	// ---- HTTP status endpoints ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	sessionInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_info",
			Help:      "Session parameters (constant 1).",
		},
		[]string{"nodes", "ticdup", "extratics", "console"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PacketsSent, PacketsReceived, TransportErrors,
		CommandsMerged, CommandsDuplicate, TicsConsumed,
		LocalLead, FrameWait, ConsistencyFailures,
		RequestsTotal, RequestDuration, InFlight,
		buildInfo, sessionInfo, uptime,
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

// SetSessionInfo records the negotiated parameters once the session starts.
func SetSessionInfo(nodes, ticDup int, extraTics bool, console int) {
	sessionInfo.WithLabelValues(
		strconv.Itoa(nodes), strconv.Itoa(ticDup), strconv.FormatBool(extraTics), strconv.Itoa(console),
	).Set(1)
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
//
//	mux.Handle("/info", telemetry.Instrument("info", reg.Info(loop)))
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
