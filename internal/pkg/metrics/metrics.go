// Package metrics 暴露激活服务的 Prometheus 指标
//
// 所有方法对 nil *Metrics 安全，未启用指标时传 nil 即可。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "license"

// 缓存访问结果
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

type Metrics struct {
	registry         *prometheus.Registry
	redeemTotal      *prometheus.CounterVec
	redeemDuration   prometheus.Histogram
	cacheRequests    *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec
	codesGenerated   prometheus.Counter
}

// New 创建独立 registry 的指标集，同时注册 Go 运行时与进程指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		redeemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeem_total",
			Help:      "Redemption attempts by result reason.",
		}, []string{"result"}),
		redeemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redeem_duration_seconds",
			Help:      "Redemption latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_transitions_total",
			Help:      "Records moved to expired by the sweeper.",
		}, []string{"entity"}),
		codesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_generated_total",
			Help:      "Activation codes minted.",
		}),
	}

	m.registry.MustRegister(
		m.redeemTotal,
		m.redeemDuration,
		m.cacheRequests,
		m.sweepTransitions,
		m.codesGenerated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRedeem(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.redeemTotal.WithLabelValues(result).Inc()
	m.redeemDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) SweepTransitions(entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepTransitions.WithLabelValues(entity).Add(float64(n))
}

func (m *Metrics) CodesGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.codesGenerated.Add(float64(n))
}
