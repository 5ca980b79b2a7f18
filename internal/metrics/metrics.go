// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Core code only calls IncCounter/ObserveHistogram with the names below; a
// backend (Datadog, Prometheus Pushgateway) is installed once at startup with
// SetBackend. Without one every call is a no-op.
package metrics

import "sync"

// Metric names emitted by the pipeline.
const (
	StepTotal           = "etl_step_total"             // labels: step, status
	StepDurationSeconds = "etl_step_duration_seconds"  // labels: step, status
	RecordsTotal        = "etl_records_total"          // labels: kind, entity
	BatchesTotal        = "etl_batches_total"          // labels: entity
	WarningsTotal       = "etl_extract_warnings_total" // labels: entity
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the installed backend to submit buffered data.
func Flush() error {
	return current().Flush()
}
