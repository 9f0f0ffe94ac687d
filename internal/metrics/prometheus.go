package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records events against its own registry rather than
// the global default one, so a process hosting more than one pool or
// service does not hit a double-registration panic.
type PrometheusCollector struct {
	registry *prometheus.Registry

	acquireTotal   *prometheus.CounterVec
	acquireSeconds *prometheus.HistogramVec
	releaseTotal   *prometheus.CounterVec
	failureTotal   *prometheus.CounterVec
	exhaustedTotal *prometheus.CounterVec
	createdTotal   *prometheus.CounterVec
	destroyedTotal *prometheus.CounterVec
	poolSize       *prometheus.GaugeVec

	mu          sync.Mutex
	subscribers []func(Event)
}

// NewPrometheusCollector builds a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()

	c := &PrometheusCollector{
		registry: reg,
		acquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_acquire_total",
			Help: "Total browser acquisitions, labeled by whether the handle was reused.",
		}, []string{"session_name", "reused"}),
		acquireSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lesca_pool_acquire_seconds",
			Help:    "Time spent servicing an acquire call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"session_name"}),
		releaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_release_total",
			Help: "Total browser releases.",
		}, []string{"session_name"}),
		failureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_failure_total",
			Help: "Total pool-level failures.",
		}, []string{"session_name"}),
		exhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_exhausted_total",
			Help: "Total times a pool was at capacity when acquired.",
		}, []string{"session_name"}),
		createdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_browser_created_total",
			Help: "Total browsers launched.",
		}, []string{"session_name"}),
		destroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesca_pool_browser_destroyed_total",
			Help: "Total browsers destroyed, labeled by reason.",
		}, []string{"session_name", "reason"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lesca_pool_size",
			Help: "Most recently observed pool size at event time.",
		}, []string{"session_name"}),
	}

	reg.MustRegister(
		c.acquireTotal, c.acquireSeconds, c.releaseTotal, c.failureTotal,
		c.exhaustedTotal, c.createdTotal, c.destroyedTotal, c.poolSize,
	)
	return c
}

// Handler exposes the collector's registry for scraping.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) Record(e Event) {
	switch e.Kind {
	case KindPoolAcquire:
		c.acquireTotal.WithLabelValues(e.SessionName, boolLabel(e.Reused)).Inc()
		c.acquireSeconds.WithLabelValues(e.SessionName).Observe(float64(e.DurationMs) / 1000)
		c.poolSize.WithLabelValues(e.SessionName).Set(float64(e.PoolSize))
	case KindPoolRelease:
		c.releaseTotal.WithLabelValues(e.SessionName).Inc()
		c.poolSize.WithLabelValues(e.SessionName).Set(float64(e.PoolSize))
	case KindPoolFailure:
		c.failureTotal.WithLabelValues(e.SessionName).Inc()
	case KindPoolExhausted:
		c.exhaustedTotal.WithLabelValues(e.SessionName).Inc()
	case KindPoolBrowserCreated:
		c.createdTotal.WithLabelValues(e.SessionName).Inc()
	case KindPoolBrowserDestroyed:
		c.destroyedTotal.WithLabelValues(e.SessionName, string(e.Reason)).Inc()
	}

	c.mu.Lock()
	subs := append([]func(Event){}, c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(e)
		}
	}
}

func (c *PrometheusCollector) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
	idx := len(c.subscribers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subscribers) {
			c.subscribers[idx] = nil
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var (
	_ Collector     = (*PrometheusCollector)(nil)
	_ Subscribable  = (*PrometheusCollector)(nil)
)
