package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"equiaudit/internal/domain"
)

// Metrics holds the auditd collectors. Each instance registers on its own
// registry so tests can build several.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	exportsTotal     *prometheus.CounterVec
	exportDuration   prometheus.Histogram
	violationsTotal  *prometheus.CounterVec
	chainChecksTotal *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equiaudit_http_requests_total",
			Help: "HTTP requests by method, route, and response status.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equiaudit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		exportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equiaudit_exports_total",
			Help: "Export runs by terminal state.",
		}, []string{"state"}),
		exportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "equiaudit_export_duration_seconds",
			Help:    "Export run duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		violationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equiaudit_validation_violations_total",
			Help: "Schema and compliance violations by schema id.",
		}, []string{"schema_id"}),
		chainChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equiaudit_chain_verifications_total",
			Help: "Ledger chain verifications by result.",
		}, []string{"result"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equiaudit_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveExport(state domain.ExportState, elapsed time.Duration) {
	m.exportsTotal.WithLabelValues(string(state)).Inc()
	m.exportDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveViolations(schemaID string, count int) {
	m.violationsTotal.WithLabelValues(schemaID).Add(float64(count))
}

func (m *Metrics) ObserveChainVerification(valid bool) {
	if valid {
		m.chainChecksTotal.WithLabelValues("valid").Inc()
		return
	}
	m.chainChecksTotal.WithLabelValues("broken").Inc()
}

func (m *Metrics) ObserveRateLimited(route string) {
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

// Middleware records per-request counts and latency labelled by route
// template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
