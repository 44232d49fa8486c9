package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles Prometheus collectors for one pipeline run. All methods are
// nil-safe so components can run without a registry wired.
type Metrics struct {
	Registry          *prometheus.Registry
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	FieldsTotal       *prometheus.CounterVec
	ModelCallsTotal   prometheus.Counter
	RotationsTotal    *prometheus.CounterVec
	ItemsTotal        *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
}

// New constructs and registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extractor_cache_hits_total",
		Help: "URL-result cache hits.",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extractor_cache_misses_total",
		Help: "URL-result cache misses.",
	})
	fields := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extractor_fields_total",
		Help: "Fields resolved, by extraction path.",
	}, []string{"path"})
	modelCalls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extractor_model_calls_total",
		Help: "Model-driven extraction calls issued.",
	})
	rotations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extractor_session_rotations_total",
		Help: "Session rotations, by reason.",
	}, []string{"reason"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extractor_items_total",
		Help: "Items completed, by outcome.",
	}, []string{"outcome"})
	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "extractor_flush_duration_seconds",
		Help:    "Output flush latency.",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(cacheHits, cacheMisses, fields, modelCalls, rotations, items, flushDuration)

	return &Metrics{
		Registry:         registry,
		CacheHitsTotal:   cacheHits,
		CacheMissesTotal: cacheMisses,
		FieldsTotal:      fields,
		ModelCallsTotal:  modelCalls,
		RotationsTotal:   rotations,
		ItemsTotal:       items,
		FlushDuration:    flushDuration,
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHitsTotal.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMissesTotal.Inc()
	}
}

// IncField records one resolved field; path is "direct", "strategy" or "model".
func (m *Metrics) IncField(path string) {
	if m != nil {
		m.FieldsTotal.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) IncModelCall() {
	if m != nil {
		m.ModelCallsTotal.Inc()
	}
}

func (m *Metrics) IncRotation(reason string) {
	if m != nil {
		m.RotationsTotal.WithLabelValues(reason).Inc()
	}
}

// IncItem records one completed item; outcome is "success" or "failure".
func (m *Metrics) IncItem(outcome string) {
	if m != nil {
		m.ItemsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m != nil {
		m.FlushDuration.Observe(seconds)
	}
}

// CacheHitRate returns hits/(hits+misses) for the run, or 0 before any
// lookup.
func (m *Metrics) CacheHitRate() float64 {
	if m == nil {
		return 0
	}
	hits := counterValue(m.CacheHitsTotal)
	misses := counterValue(m.CacheMissesTotal)
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

func counterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}
