// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on Flush. A background loop
// flushes every FlushEvery so long extract runs still produce a time series;
// Close stops the loop and flushes the tail.
//
// Concurrency:
//   - pipeline goroutines may call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits out of lock
//
// A killed process (SIGKILL, OOM) loses whatever was buffered since the last flush.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"tigeretl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "tigeretl".
	JobName string

	// Tags are extra Datadog tags (e.g. "env:prod", "state:26").
	Tags []string

	// FlushEvery is the submission interval. Defaults to 60s.
	FlushEvery time.Duration

	// Test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf buffers
}

// buffers is one collection window. Keys join label values with \x00.
type buffers struct {
	steps     map[string]float64   // step, status
	stepDur   map[string][]float64 // step, status
	records   map[string]float64   // kind
	rows      map[string]float64   // table, mode
	httpReqs  map[string]float64   // status
	httpErrs  map[string]float64   // status
	httpDur   map[string][]float64 // status
	httpBytes map[string][]float64 // status
}

func newBuffers() buffers {
	return buffers{
		steps:     make(map[string]float64),
		stepDur:   make(map[string][]float64),
		records:   make(map[string]float64),
		rows:      make(map[string]float64),
		httpReqs:  make(map[string]float64),
		httpErrs:  make(map[string]float64),
		httpDur:   make(map[string][]float64),
		httpBytes: make(map[string][]float64),
	}
}

func (s buffers) isEmpty() bool {
	return len(s.steps) == 0 &&
		len(s.stepDur) == 0 &&
		len(s.records) == 0 &&
		len(s.rows) == 0 &&
		len(s.httpReqs) == 0 &&
		len(s.httpErrs) == 0 &&
		len(s.httpDur) == 0 &&
		len(s.httpBytes) == 0
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client, which
// reads DD_API_KEY / DD_SITE from the environment. Network errors surface
// from Flush, not from construction.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "tigeretl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newBuffers(),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Safe to call twice.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.buf.steps[key(labels["step"], orUnknown(labels["status"]))] += delta
	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.buf.records[kind] += delta
		}
	case metrics.RowsWritten:
		b.buf.rows[key(labels["table"], orUnknown(labels["mode"]))] += delta
	case metrics.HTTPRequests:
		b.buf.httpReqs[orUnknown(labels["status"])] += delta
	case metrics.HTTPErrors:
		b.buf.httpErrs[orUnknown(labels["status"])] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepDuration:
		k := key(labels["step"], orUnknown(labels["status"]))
		b.buf.stepDur[k] = append(b.buf.stepDur[k], value)
	case metrics.HTTPDuration:
		st := orUnknown(labels["status"])
		b.buf.httpDur[st] = append(b.buf.httpDur[st], value)
	case metrics.HTTPBytes:
		st := orUnknown(labels["status"])
		b.buf.httpBytes[st] = append(b.buf.httpBytes[st], value)
	}
}

func (b *Backend) snapshotAndReset() buffers {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf
	b.buf = newBuffers()
	return s
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to send.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure: it turns a snapshot into Datadog series at nowUnix.
// Series are emitted in a stable order.
func (b *Backend) buildSeries(s buffers, nowUnix int64) []datadogV2.MetricSeries {
	var series []datadogV2.MetricSeries
	count := func(metric string, v float64, extra ...string) {
		if v == 0 {
			return
		}
		series = append(series, point(metric, datadogV2.METRICINTAKETYPE_COUNT, v, withTags(b.baseTags, extra...), nowUnix))
	}

	for _, k := range sortedKeys(s.steps) {
		step, status := split(k)
		count("tigeretl.step.total", s.steps[k], "step:"+step, "status:"+status)
	}
	for _, k := range sortedKeys(s.records) {
		count("tigeretl.records.total", s.records[k], "kind:"+k)
	}
	for _, k := range sortedKeys(s.rows) {
		table, mode := split(k)
		count("tigeretl.rows_written.total", s.rows[k], "table:"+table, "mode:"+mode)
	}
	for _, st := range sortedKeys(s.httpReqs) {
		count("tigeretl.http.requests.total", s.httpReqs[st], "status:"+st)
	}
	for _, st := range sortedKeys(s.httpErrs) {
		count("tigeretl.http.errors.total", s.httpErrs[st], "status:"+st)
	}

	for _, k := range sortedKeys(s.stepDur) {
		step, status := split(k)
		series = appendPercentiles(series, "tigeretl.step.duration_seconds", s.stepDur[k], withTags(b.baseTags, "step:"+step, "status:"+status), nowUnix)
	}
	for _, st := range sortedKeys(s.httpDur) {
		series = appendPercentiles(series, "tigeretl.http.request_duration_seconds", s.httpDur[st], withTags(b.baseTags, "status:"+st), nowUnix)
	}
	for _, st := range sortedKeys(s.httpBytes) {
		series = appendPercentiles(series, "tigeretl.http.download_bytes", s.httpBytes[st], withTags(b.baseTags, "status:"+st), nowUnix)
	}
	return series
}

// appendPercentiles adds p50/p90/p95/p99/max/samples gauges for samples.
// samples is not mutated.
func appendPercentiles(series []datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return series
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := func(suffix string, v float64) {
		series = append(series, point(prefix+suffix, datadogV2.METRICINTAKETYPE_GAUGE, v, tags, nowUnix))
	}
	gauge(".p50", percentileNearestRank(cp, 0.50))
	gauge(".p90", percentileNearestRank(cp, 0.90))
	gauge(".p95", percentileNearestRank(cp, 0.95))
	gauge(".p99", percentileNearestRank(cp, 0.99))
	gauge(".max", cp[len(cp)-1])
	gauge(".samples", float64(len(cp)))
	return series
}

func point(metric string, typ datadogV2.MetricIntakeType, v float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(v)},
		},
		Tags: tags,
	}
}

func key(a, b string) string { return a + "\x00" + b }

func split(k string) (string, string) {
	a, b, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return a, b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,state:26".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
