// Package metrics 暴露报价、执行与订单的 prometheus 指标。
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swap-router/internal/swap"
)

const namespace = "swap_router"

// Metrics 持有独立的注册表，避免测试间重复注册。
type Metrics struct {
	registry *prometheus.Registry

	quotes       *prometheus.CounterVec
	quoteLatency *prometheus.HistogramVec
	executions   *prometheus.CounterVec
	orders       *prometheus.CounterVec
	sessions     prometheus.Gauge
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "报价请求次数，按场所与结果划分。",
		}, []string{"provider", "result"}),
		quoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "latency_seconds",
			Help:      "报价请求耗时。",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "total",
			Help:      "提交次数，按流程、场所与结果划分。",
		}, []string{"flow", "provider", "result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "order",
			Name:      "status_total",
			Help:      "订单状态变化次数。",
		}, []string{"provider", "status"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "当前活跃会话数。",
		}),
	}
	m.registry.MustRegister(
		m.quotes,
		m.quoteLatency,
		m.executions,
		m.orders,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveQuote 实现报价编排器的观察接口。
func (m *Metrics) ObserveQuote(_ swap.Session, provider swap.Provider, latency time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.quotes.WithLabelValues(string(provider), result).Inc()
	m.quoteLatency.WithLabelValues(string(provider)).Observe(latency.Seconds())
}

// ObserveExecution 实现执行器的观察接口。
func (m *Metrics) ObserveExecution(sess swap.Session, _ *swap.OrderRecord, execErr *swap.ExecutionError) {
	result := "ok"
	if execErr != nil {
		result = string(execErr.Kind)
	}
	m.executions.WithLabelValues(string(sess.Kind()), string(sess.Provider), result).Inc()
}

// OrderUpdated 实现订单追踪器的输出接口。
func (m *Metrics) OrderUpdated(_ context.Context, rec swap.OrderRecord) {
	m.orders.WithLabelValues(string(rec.Provider), string(rec.Status)).Inc()
}

// SetActiveSessions 更新活跃会话数。
func (m *Metrics) SetActiveSessions(n int) {
	m.sessions.Set(float64(n))
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
