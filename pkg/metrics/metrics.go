package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradegate"

// Metrics groups every collector the gateway exports. Each instance owns its
// registry so tests never collide on global registration.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	ActiveStreams   *prometheus.GaugeVec
	FramesBroadcast *prometheus.CounterVec
	Evictions       *prometheus.CounterVec
	PollErrors      *prometheus.CounterVec
	BusUp           *prometheus.GaugeVec
	AuthFailures    *prometheus.CounterVec
	GateDenials     *prometheus.CounterVec
	ProxyErrors     *prometheus.CounterVec
	EnvelopeDropped *prometheus.CounterVec
	EnvelopeGaps    *prometheus.CounterVec
	EnvelopeLate    *prometheus.CounterVec
	ScheduleBuilds  *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency; streams are observed when they end.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_streams",
			Help: "Connected stream clients per topic.",
		}, []string{"topic"}),
		FramesBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_broadcast_total",
			Help: "Frames produced per topic.",
		}, []string{"topic"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_evictions_total",
			Help: "Stream clients disconnected by the gateway, by reason.",
		}, []string{"reason"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "producer_errors_total",
			Help: "Producer read failures per topic.",
		}, []string{"topic"}),
		BusUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bus_up",
			Help: "1 when the bus answered the last probe.",
		}, []string{"bus"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Rejected identity exchanges and unauthenticated requests, by kind.",
		}, []string{"kind"}),
		GateDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_denials_total",
			Help: "Feature gate denials by gate and tier.",
		}, []string{"gate", "tier"}),
		ProxyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_upstream_errors_total",
			Help: "Proxied requests that failed to reach their backend.",
		}, []string{"dependency"}),
		EnvelopeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelope_dropped_total",
			Help: "Envelopes dropped as duplicate or invalid.",
		}, []string{"topic", "reason"}),
		EnvelopeGaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelope_gaps_total",
			Help: "Sequence gaps observed per topic.",
		}, []string{"topic"}),
		EnvelopeLate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelope_late_total",
			Help: "Envelopes forwarded out of order, behind the highest sequence seen.",
		}, []string{"topic"}),
		ScheduleBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_builds_total",
			Help: "Schedule rebuilds by result.",
		}, []string{"result"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests refused by the rate limiter.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach Flush and SetWriteDeadline.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Middleware records request counts and latency keyed by the chi route
// pattern, so per-symbol paths do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
