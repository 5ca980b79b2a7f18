// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// A batch job exits before any scraper can reach it, so metrics are kept in a
// private registry and pushed on Flush (and once more on Close).
package prompush

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"rawstage/internal/metrics"
)

// Options controls the Pushgateway backend.
type Options struct {
	// URL of the Pushgateway, e.g. http://pushgateway:9091.
	URL string
	// JobName is the push "job" grouping key. Defaults to "rawstage".
	JobName string
	// Grouping adds extra grouping labels (e.g. instance, env).
	Grouping map[string]string
}

// Backend implements metrics.Backend on top of client_golang collectors.
type Backend struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	mu sync.Mutex

	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
	batches  *prometheus.CounterVec
	warnings *prometheus.CounterVec
}

// NewBackend registers the pipeline collectors and prepares the pusher.
func NewBackend(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("prompush: pushgateway url is required")
	}
	job := opts.JobName
	if job == "" {
		job = "rawstage"
	}

	b := &Backend{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps finished, by step and status",
		}, []string{"step", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"step", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records handled, by kind and entity",
		}, []string{"kind", "entity"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Committed write batches, by entity",
		}, []string{"entity"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.WarningsTotal,
			Help: "Non-fatal extract warnings, by entity",
		}, []string{"entity"}),
	}
	for _, c := range []prometheus.Collector{b.steps, b.duration, b.records, b.batches, b.warnings} {
		if err := b.registry.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	p := push.New(opts.URL, job).Gatherer(b.registry)
	for k, v := range opts.Grouping {
		p = p.Grouping(k, v)
	}
	b.pusher = p
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["kind"], labels["entity"]).Add(delta)
	case metrics.BatchesTotal:
		b.batches.WithLabelValues(labels["entity"]).Add(delta)
	case metrics.WarningsTotal:
		b.warnings.WithLabelValues(labels["entity"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	if name == metrics.StepDurationSeconds {
		b.duration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
	}
}

// Flush replaces this job's metric group on the Pushgateway.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error { return b.Flush() }

// Gatherer exposes the private registry, mainly for tests.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.registry }

var _ metrics.Backend = (*Backend)(nil)
