package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simgate"

// Metrics is safe to use through a nil pointer; every recorder is then a
// no-op.
type Metrics struct {
	registry *prometheus.Registry

	challenges    *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	tokensIssued  prometheus.Counter
	redemptions   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	executionTime prometheus.Histogram
	usageDropped  prometheus.Counter
	sweptRows     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	challenges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "payments", Name: "challenges_total",
		Help: "Payment challenges issued, by provider and whether a pending session was reused.",
	}, []string{"provider", "reused"})
	reg.MustRegister(challenges)

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "payments", Name: "webhooks_total",
		Help: "Provider notifications received, by result.",
	}, []string{"provider", "result"})
	reg.MustRegister(webhooks)

	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tokens", Name: "issued_total",
	})
	reg.MustRegister(tokensIssued)

	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tokens", Name: "redemptions_total",
	}, []string{"result"})
	reg.MustRegister(redemptions)

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sandbox", Name: "executions_total",
	}, []string{"outcome"})
	reg.MustRegister(executions)

	executionTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sandbox", Name: "execution_seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	reg.MustRegister(executionTime)

	usageDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "usage", Name: "dropped_total",
		Help: "Usage records lost because the queue was full or the write failed.",
	})
	reg.MustRegister(usageDropped)

	sweptRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sweeper", Name: "expired_rows_total",
	}, []string{"table"})
	reg.MustRegister(sweptRows)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
	}, []string{"method", "route", "code"})
	reg.MustRegister(httpRequests)

	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	reg.MustRegister(httpDuration)

	return &Metrics{
		registry:      reg,
		challenges:    challenges,
		webhooks:      webhooks,
		tokensIssued:  tokensIssued,
		redemptions:   redemptions,
		executions:    executions,
		executionTime: executionTime,
		usageDropped:  usageDropped,
		sweptRows:     sweptRows,
		httpRequests:  httpRequests,
		httpDuration:  httpDuration,
	}
}

// Handler serves the exposition format for this registry only.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Challenge(provider string, reused bool) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(provider, strconv.FormatBool(reused)).Inc()
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) Redemption(result string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) Execution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionTime.Observe(d.Seconds())
}

func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

func (m *Metrics) Swept(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptRows.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) Request(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
