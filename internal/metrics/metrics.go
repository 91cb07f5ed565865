// Package metrics records tile cache activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines an interface to collect tile cache metrics.
type Metrics interface {
	// RecordCacheLookup records a lookup against an in-memory cache provider.
	RecordCacheLookup(provider string, hit bool)

	// RecordEviction records entries dropped by a provider's eviction policy.
	RecordEviction(provider string, count int)

	// RecordStoreOperation records the duration of a blob store call.
	RecordStoreOperation(backend, op string, success bool, duration float64)

	// RecordIntercept records the outcome of an intercepted map request.
	RecordIntercept(outcome string)

	// RecordRequest records the time it takes to process an HTTP request.
	RecordRequest(method, handler string, duration float64)
}

type promMetrics struct {
	cacheLookups    *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	intercepts      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ Metrics = &promMetrics{}

func (m *promMetrics) RecordCacheLookup(provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(provider, result).Inc()
}

func (m *promMetrics) RecordEviction(provider string, count int) {
	m.evictions.WithLabelValues(provider).Add(float64(count))
}

func (m *promMetrics) RecordStoreOperation(backend, op string, success bool, duration float64) {
	s := "false"
	if success {
		s = "true"
	}
	m.storeDuration.WithLabelValues(backend, op, s).Observe(duration)
}

func (m *promMetrics) RecordIntercept(outcome string) {
	m.intercepts.WithLabelValues(outcome).Inc()
}

func (m *promMetrics) RecordRequest(method, handler string, duration float64) {
	m.requestDuration.WithLabelValues(method, handler).Observe(duration)
}

// NewPromMetrics creates Prometheus collectors and registers them with reg.
func NewPromMetrics(reg prometheus.Registerer) Metrics {
	m := &promMetrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilecache",
			Subsystem: "provider",
			Name:      "lookups_total",
			Help:      "Lookups against the in-memory cache provider.",
		}, []string{"provider", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilecache",
			Subsystem: "provider",
			Name:      "evictions_total",
			Help:      "Entries evicted from the in-memory cache provider.",
		}, []string{"provider"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tilecache",
			Subsystem: "blobstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of blob store operations, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op", "success"}),
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilecache",
			Subsystem: "intercept",
			Name:      "requests_total",
			Help:      "Intercepted map requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tilecache",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "handler"}),
	}

	reg.MustRegister(m.cacheLookups, m.evictions, m.storeDuration, m.intercepts, m.requestDuration)
	return m
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheLookup(string, bool)                     {}
func (nopMetrics) RecordEviction(string, int)                         {}
func (nopMetrics) RecordStoreOperation(string, string, bool, float64) {}
func (nopMetrics) RecordIntercept(string)                             {}
func (nopMetrics) RecordRequest(string, string, float64)              {}

// Nop discards everything.
func Nop() Metrics {
	return nopMetrics{}
}
