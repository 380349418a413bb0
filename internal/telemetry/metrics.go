// Package telemetry owns the process metrics registry: HTTP request
// instrumentation, delivery counters and resource state gauges, all exposed
// on /metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrmesh"

// Registry is the node-wide registry served on /metrics. Components that
// need isolation in tests take a prometheus.Registerer instead.
var Registry = prometheus.NewRegistry()

var (
	startTime = time.Now()

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build info (constant 1, labeled by version and git_sha).",
	}, []string{"version", "git_sha"})

	defaultHTTP = mustHTTPMetrics(Registry)
)

func init() {
	Registry.MustRegister(
		buildInfo,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		}, func() float64 { return time.Since(startTime).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
}

// MetricsHandler serves Registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SetBuildInfo is called once at startup with the ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// HTTPMetrics counts API requests by operation name. Operations are route
// names, never raw paths, so resource ids stay out of the label set.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

func NewHTTPMetrics(reg prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by operation and status class.",
		}, []string{"op", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency by operation.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{"op"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "API requests currently being served.",
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func mustHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m, err := NewHTTPMetrics(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// Instrument wraps next with the default HTTPMetrics on Registry.
func Instrument(op string, next http.Handler) http.Handler {
	return defaultHTTP.Instrument(op, next)
}

func (m *HTTPMetrics) Instrument(op string, next http.Handler) http.Handler {
	inflight := m.inflight.WithLabelValues(op)
	latency := m.latency.WithLabelValues(op)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		next.ServeHTTP(rec, r)

		m.requests.WithLabelValues(op, strconv.Itoa(rec.status/100)+"xx").Inc()
		latency.Observe(time.Since(start).Seconds())
	})
}

// statusRecorder keeps the first status written; a bare Write implies 200.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
