// Package metrics owns the prometheus registry served on the ops port.
//
// HTTP series carry method, route pattern and status only. Order ids, client
// addresses and payment methods never become label values.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/topupstore/internal/version"
)

const namespace = "topup"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	floodDenied   prometheus.Counter
	floodCapacity prometheus.Counter

	admissions    *prometheus.CounterVec
	ordersCreated prometheus.Counter
	proofs        *prometheus.CounterVec
	proofDur      prometheus.Histogram
	notifyFailed  prometheus.Counter
	rulesReloads  *prometheus.CounterVec
}

// New builds an isolated registry, so tests can create as many as they like
func New() *ServerMetrics {
	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests by method, route and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Request latency by method and route, proof uploads include OCR",
			// upper buckets cover a slow proof recognition
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 7),
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value is always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling runs",
		}),
		floodDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests refused by the per-address flood guard",
		}),
		floodCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Requests refused because the flood guard tracked too many addresses",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_admission_total",
			Help:      "Order admission decisions by result (allowed, throttled, locked)",
		}, []string{"result"}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders placed",
		}),
		proofs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_validations_total",
			Help:      "Payment proof validations by outcome (accepted, flagged, rejected, error)",
		}, []string{"outcome"}),
		proofDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_validation_duration_seconds",
			Help:      "Compress, recognize and score time of one proof",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		notifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Operator notifications that were not delivered",
		}),
		rulesReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_rules_reloads_total",
			Help:      "Proof rules file reloads by result (ok, error)",
		}, []string{"result"}),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.reqTotal, m.reqDur, m.respBytes, m.errors, m.panics,
		m.buildInfo, m.profilingActive,
		m.floodDenied, m.floodCapacity,
		m.admissions, m.ordersCreated, m.proofs, m.proofDur, m.notifyFailed, m.rulesReloads,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// SetBuildInfoFromVersion is called once at startup
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *ServerMetrics) IncHttpPanic()         { m.panics.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.floodDenied.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.floodCapacity.Inc() }

// IncOrderAdmission takes "allowed" or the rejection reason
func (m *ServerMetrics) IncOrderAdmission(result string) {
	m.admissions.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncOrdersCreated() { m.ordersCreated.Inc() }
func (m *ServerMetrics) IncNotifyFailure() { m.notifyFailed.Inc() }

func (m *ServerMetrics) ObserveProofValidation(outcome string, seconds float64) {
	m.proofs.WithLabelValues(outcome).Inc()
	m.proofDur.Observe(seconds)
}

// ObserveRulesReload matches proof.RulesWatcherOptions.OnReload
func (m *ServerMetrics) ObserveRulesReload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rulesReloads.WithLabelValues(result).Inc()
}
