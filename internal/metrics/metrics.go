// Package metrics exposes Prometheus collectors for the attention core and the
// decoding loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttentionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmos_attention_calls_total",
		Help: "Attention calls by the kernel strategy that actually ran",
	}, []string{"strategy"})

	AttentionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmos_attention_fallbacks_total",
		Help: "Attention calls rerouted from one strategy to another",
	}, []string{"from", "to"})

	PrecisionCasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmos_precision_casts_total",
		Help: "Inputs cast to the pipeline precision before a fused kernel",
	}, []string{"dtype"})

	CacheTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kosmos_kv_cache_tokens",
		Help: "Tokens held by the most recently updated key/value cache layer 0",
	})

	DecodeSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kosmos_decode_steps_total",
		Help: "Autoregressive decode steps executed",
	})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kosmos_decode_step_duration_seconds",
		Help:    "Wall time of one decode step",
		Buckets: prometheus.DefBuckets,
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kosmos_context_length_tokens",
		Help:    "Distribution of decoder context lengths processed",
		Buckets: []float64{16, 64, 256, 1024, 2048, 4096, 8192},
	})
)

// RecordAttention counts one attention call served by strategy.
func RecordAttention(strategy string) {
	AttentionCalls.WithLabelValues(strategy).Inc()
}

// RecordFallback counts a strategy reroute.
func RecordFallback(from, to string) {
	AttentionFallbacks.WithLabelValues(from, to).Inc()
}

// RecordPrecisionCast counts an input cast to dtype.
func RecordPrecisionCast(dtype string) {
	PrecisionCasts.WithLabelValues(dtype).Inc()
}

// RecordCacheLength publishes the current cache length.
func RecordCacheLength(tokens int) {
	CacheTokens.Set(float64(tokens))
}

// RecordDecodeStep records one decode step and the context it ran over.
func RecordDecodeStep(contextLen int, d time.Duration) {
	DecodeSteps.Inc()
	DecodeStepDuration.Observe(d.Seconds())
	ContextLength.Observe(float64(contextLen))
}
