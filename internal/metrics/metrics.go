// Package metrics holds the Prometheus instruments for the repository
// engine. Instruments are registered against an injected registry so tests
// and multiple engines in one process do not collide; a nil *Metrics is a
// valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atrepo"

// Metrics is the set of engine instruments.
type Metrics struct {
	// commitsApplied counts ApplyCommit calls.
	// Labels: backend, result (ok, conflict, non_monotonic, error)
	commitsApplied *prometheus.CounterVec

	// commitLatency measures ApplyCommit duration.
	// Labels: backend
	commitLatency *prometheus.HistogramVec

	// blocksWritten counts blocks handed to the backend for insertion.
	// Labels: backend
	blocksWritten *prometheus.CounterVec

	carBlocks   prometheus.Counter
	carBytes    prometheus.Counter
	importFails *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// New registers the instruments with reg. A nil reg uses a private
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		commitsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "commits_applied_total",
			Help:      "Commit applications by result",
		}, []string{"backend", "result"}),
		commitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "commit_apply_seconds",
			Help:      "Time spent applying a commit",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"backend"}),
		blocksWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "blocks_written_total",
			Help:      "Blocks submitted for insertion",
		}, []string{"backend"}),
		carBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "car",
			Name:      "export_blocks_total",
			Help:      "Blocks written to CAR exports",
		}),
		carBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "car",
			Name:      "export_bytes_total",
			Help:      "Block payload bytes written to CAR exports",
		}),
		importFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "car",
			Name:      "import_failures_total",
			Help:      "Rejected CAR imports by reason",
		}, []string{"reason"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Block cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Block cache misses",
		}),
	}
}

// CommitApplied records one ApplyCommit outcome.
func (m *Metrics) CommitApplied(backend, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.commitsApplied.WithLabelValues(backend, result).Inc()
	m.commitLatency.WithLabelValues(backend).Observe(took.Seconds())
}

func (m *Metrics) BlocksWritten(backend string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.blocksWritten.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) CarBlock(size int) {
	if m == nil {
		return
	}
	m.carBlocks.Inc()
	m.carBytes.Add(float64(size))
}

func (m *Metrics) ImportFailed(reason string) {
	if m == nil {
		return
	}
	m.importFails.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
