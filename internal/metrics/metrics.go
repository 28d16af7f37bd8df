package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter
	buildInfo *prometheus.GaugeVec

	rateLimited prometheus.Counter

	storeCalls    *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	contentWrites *prometheus.CounterVec
	authFailures  prometheus.Counter
}

// New returns a private registry with go/process collectors plus the
// gateway's own metrics. Labels are bounded: method, route, status, op, result.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "go_version", "vcs_dirty"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the per-ip rate limiter",
		}),
		storeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_requests_total",
			Help: "Upstream content store calls by operation and HTTP status (\"error\" when no response)",
		}, []string{"op", "code"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_request_duration_seconds",
			Help:    "Upstream content store call latency by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),
		contentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "content_writes_total",
			Help: "Content replace attempts that reached the store, by result (ok, conflict, rejected, canceled, error)",
		}, []string{"result"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "content_auth_failures_total",
			Help: "Write requests rejected for a wrong admin password",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errors,
		m.panics,
		m.buildInfo,
		m.rateLimited,
		m.storeCalls,
		m.storeDuration,
		m.contentWrites,
		m.authFailures,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// set once at startup
func (m *ServerMetrics) SetBuildInfo(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.AppName,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildId,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.rateLimited.Inc() }

func (m *ServerMetrics) ObserveStoreCall(op, code string, d time.Duration) {
	m.storeCalls.WithLabelValues(op, code).Inc()
	m.storeDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *ServerMetrics) IncContentWrite(result string) {
	m.contentWrites.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncAuthFailure() { m.authFailures.Inc() }
