package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "http"

func httpOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "chatd", Subsystem: metricsSubsystem, Name: name, Help: help}
}

var (
	requestLabels = []string{"path", "method", "status"}

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("requests_total", "HTTP requests by route pattern, method and status.")),
		requestLabels,
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatd",
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time to complete an HTTP request. Streams count until their last line.",
			// Chat and acquisition requests run for seconds to minutes.
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300, 1800},
		},
		requestLabels,
	)

	// Unlabeled: the route pattern is only known once routing finished.
	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts(httpOpts("inflight_requests", "Requests currently being served.")),
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("backpressure_total", "Requests rejected with 429 by error kind.")),
		[]string{"reason"},
	)

	streamLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("stream_lines_total", "NDJSON lines written per stream.")),
		[]string{"stream"},
	)

	openStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(httpOpts("open_streams", "NDJSON responses with committed headers that have not finished.")),
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal, streamLinesTotal, openStreams)
}

// statusRecorder captures the first status written while still letting
// streaming handlers flush through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// MetricsMiddleware records request count, latency and concurrency. Labels
// use the chi route pattern so that /models/{name} is one series.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		labels := []string{routePatternOrPath(r), r.Method, strconv.Itoa(rec.status)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure counts a 429 response.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}
