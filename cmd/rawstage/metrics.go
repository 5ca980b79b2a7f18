package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rawstage/internal/config"
	"rawstage/internal/metrics"
	"rawstage/internal/metrics/datadog"
	"rawstage/internal/metrics/prompush"
)

// metricsBackend is a metrics.Backend that must be closed to deliver its
// final batch.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams replaced in tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPromBackend = func(opts prompush.Options) (metricsBackend, error) {
		return prompush.NewBackend(opts)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
)

// initMetrics installs the configured backend. The returned cleanup is never
// nil and flushes and closes the backend; close errors are logged only.
func initMetrics(ctx context.Context, cfg config.Config, logger *zap.Logger) (func(), error) {
	var (
		b   metricsBackend
		err error
	)
	switch cfg.Metrics.Backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       cfg.Metrics.Tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			return func() {}, datadog.WrapInitErr(err)
		}
	case "prompush":
		b, err = newPromBackend(prompush.Options{URL: cfg.Metrics.PushgatewayURL, JobName: cfg.Job})
		if err != nil {
			return func() {}, err
		}
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", cfg.Metrics.Backend)
	}

	logger.Info("metrics enabled", zap.String("backend", cfg.Metrics.Backend), zap.String("job", cfg.Job))
	setMetricsBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			logger.Warn("metrics close error", zap.String("backend", cfg.Metrics.Backend), zap.Error(err))
		}
		setMetricsBackend(nil)
	}, nil
}
