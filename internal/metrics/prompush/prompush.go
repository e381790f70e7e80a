// Package prompush implements a metrics.Backend that keeps Prometheus
// collectors in a private registry and pushes them to a Pushgateway on Flush.
package prompush

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"tigeretl/internal/metrics"
)

// Options configures the pushgateway backend.
type Options struct {
	URL string
	// Job is the pushgateway grouping job. Defaults to "tigeretl".
	Job string
	// Grouping adds grouping labels (e.g. instance, state).
	Grouping map[string]string
}

// Backend implements metrics.Backend.
type Backend struct {
	ctx      context.Context
	reg      *prometheus.Registry
	pusher   *push.Pusher
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

type def struct {
	name   string
	help   string
	labels []string
	hist   []float64
}

var defs = []def{
	{name: metrics.StepTotal, help: "Finished pipeline steps.", labels: []string{"step", "status"}},
	{name: metrics.StepDuration, help: "Pipeline step duration.", labels: []string{"step", "status"}, hist: prometheus.ExponentialBuckets(0.01, 4, 10)},
	{name: metrics.RecordsTotal, help: "Items processed by kind.", labels: []string{"kind"}},
	{name: metrics.RowsWritten, help: "Rows written to the store.", labels: []string{"table", "mode"}},
	{name: metrics.HTTPRequests, help: "HTTP attempts.", labels: []string{"job", "status"}},
	{name: metrics.HTTPErrors, help: "Failed HTTP attempts.", labels: []string{"job", "status"}},
	{name: metrics.HTTPDuration, help: "HTTP attempt duration.", labels: []string{"job", "status"}, hist: prometheus.DefBuckets},
	{name: metrics.HTTPBytes, help: "Downloaded body size.", labels: []string{"job", "status"}, hist: prometheus.ExponentialBuckets(1024, 4, 12)},
}

// NewBackend registers the collectors. It does not contact the gateway.
func NewBackend(ctx context.Context, opts Options) (*Backend, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("pushgateway: url is required")
	}
	job := opts.Job
	if job == "" {
		job = "tigeretl"
	}

	b := &Backend{
		ctx:      ctx,
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
		labels:   make(map[string][]string),
	}
	for _, d := range defs {
		b.labels[d.name] = d.labels
		var c prometheus.Collector
		if d.hist != nil {
			h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: d.name, Help: d.help, Buckets: d.hist}, d.labels)
			b.hists[d.name] = h
			c = h
		} else {
			cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.name, Help: d.help}, d.labels)
			b.counters[d.name] = cv
			c = cv
		}
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("pushgateway: register %s: %w", d.name, err)
		}
	}

	p := push.New(opts.URL, job).Gatherer(b.reg)
	keys := make([]string, 0, len(opts.Grouping))
	for k := range opts.Grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p = p.Grouping(k, opts.Grouping[k])
	}
	b.pusher = p
	return b, nil
}

func (b *Backend) values(name string, l metrics.Labels) []string {
	names := b.labels[name]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = l[n]
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	cv, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	cv.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.hists[name]
	if !ok {
		return
	}
	h.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush replaces the job's metric group on the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.PushContext(b.ctx); err != nil {
		return fmt.Errorf("pushgateway push: %w", err)
	}
	return nil
}

// Gatherer exposes the registry for inspection.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

var _ metrics.Backend = (*Backend)(nil)
