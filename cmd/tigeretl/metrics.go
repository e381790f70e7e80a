package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"tigeretl/internal/config"
	"tigeretl/internal/metrics"
	"tigeretl/internal/metrics/datadog"
	"tigeretl/internal/metrics/prompush"
)

const defaultPushgatewayURL = "http://localhost:9091"

// closingBackend is a metrics backend that owns a background flusher.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests. Production wires the real constructors.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(ctx context.Context, opts prompush.Options) (metrics.Backend, error) {
		return prompush.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	getenv            = os.Getenv
)

// initMetrics installs the configured backend and returns its cleanup.
// The cleanup is always non-nil and flushes or closes the backend once.
func initMetrics(ctx context.Context, m config.Metrics, log *slog.Logger) (func(), error) {
	job := m.Job
	if job == "" {
		job = "tigeretl"
	}

	switch name := strings.ToLower(strings.TrimSpace(m.Backend)); name {
	case "", "none":
		log.Debug("metrics disabled")
		return func() {}, nil

	case "datadog":
		// Extra tags from the environment complement the configured ones.
		tags := append(append([]string(nil), m.Tags...), datadog.ParseTagsCSV(getenv("METRICS_TAGS"))...)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: time.Duration(m.FlushEvery),
		})
		if err != nil {
			return func() {}, fmt.Errorf("datadog backend: %w", err)
		}
		log.Info("metrics enabled", "backend", name, "job", job, "tags", strings.Join(tags, ","))
		setMetricsBackend(b)
		return func() {
			// Close stops the periodic flush loop and performs a final flush.
			if err := b.Close(); err != nil {
				log.Error("metrics: datadog close error", "err", err)
			}
		}, nil

	case "pushgateway":
		gw := m.PushgatewayURL
		if gw == "" {
			gw = defaultPushgatewayURL
		}
		b, err := newPushBackend(ctx, prompush.Options{URL: gw, Job: job})
		if err != nil {
			return func() {}, fmt.Errorf("pushgateway backend: %w", err)
		}
		log.Info("metrics enabled", "backend", name, "job", job, "url", gw)
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				log.Error("metrics: pushgateway flush error", "err", err)
			}
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", m.Backend)
	}
}
