package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	sets          prometheus.Counter
	gets          prometheus.Counter
	removes       prometheus.Counter
	bytesAppended prometheus.Counter
	rollovers     prometheus.Counter
	merges        prometheus.Counter
}

// newStoreMetrics builds the store's counters. With a nil registerer the
// metrics are created unregistered, so embedded use without a metrics
// pipeline costs nothing to set up.
func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		sets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_sets_total",
			Help: "kv_sets_total counts successful Set operations.",
		}),
		gets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_gets_total",
			Help: "kv_gets_total counts Get operations that found a key.",
		}),
		removes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_removes_total",
			Help: "kv_removes_total counts successful Remove operations.",
		}),
		bytesAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_appended_bytes_total",
			Help: "kv_appended_bytes_total counts encoded record bytes appended to the active segment.",
		}),
		rollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_segment_rollovers_total",
			Help: "kv_segment_rollovers_total counts how many times the active segment was frozen and replaced.",
		}),
		merges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kv_merges_total",
			Help: "kv_merges_total counts integrated merge results.",
		}),
	}
}
