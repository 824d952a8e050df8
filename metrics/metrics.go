// Package metrics collects prometheus metrics for one supplier run and
// writes them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commons_supplier"

// Run holds the metrics of one batch run on its own registry.
type Run struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	timestampCalls *prometheus.CounterVec
	limiterWait    prometheus.Histogram

	items            *prometheus.CounterVec
	itemDuration     prometheus.Histogram
	downloadDuration prometheus.Histogram
	fingerprintTime  prometheus.Histogram
	lastRun          prometheus.Gauge
}

// New registers the run metrics on a fresh registry.
func New() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Run{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Declarations submitted to the registry, by result.",
		}, []string{"result"}),
		timestampCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_requests_total",
			Help:      "RFC 3161 requests sent to the TSA, by result.",
		}, []string{"result"}),
		limiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for the registry rate limit.",
			Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Work list items processed, by outcome.",
		}, []string{"outcome"}),
		itemDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Wall time spent on one work list item.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent downloading source files.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		fingerprintTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fingerprint_duration_seconds",
			Help:      "Time spent computing ISCC fingerprints.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the run finished.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Run) Registry() *prometheus.Registry { return r.registry }

func (r *Run) Submission(result string) { r.submissions.WithLabelValues(result).Inc() }

func (r *Run) TimestampCall(result string) { r.timestampCalls.WithLabelValues(result).Inc() }

func (r *Run) LimiterWait(d time.Duration) { r.limiterWait.Observe(d.Seconds()) }

// Item records the outcome and duration of one work list item.
func (r *Run) Item(outcome string, d time.Duration) {
	r.items.WithLabelValues(outcome).Inc()
	r.itemDuration.Observe(d.Seconds())
}

func (r *Run) Download(d time.Duration) { r.downloadDuration.Observe(d.Seconds()) }

func (r *Run) Fingerprint(d time.Duration) { r.fingerprintTime.Observe(d.Seconds()) }

// Finish stamps the end of the run.
func (r *Run) Finish(at time.Time) { r.lastRun.Set(float64(at.Unix())) }

// WriteTextfile atomically writes every metric to path.
func (r *Run) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
