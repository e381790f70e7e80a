// Package metrics is the run-wide metrics facade. Pipeline code records
// through the package-level helpers; main installs a Backend (Datadog,
// Pushgateway) or leaves the no-op default in place.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names shared by every backend.
const (
	StepTotal    = "tigeretl_step_total"
	StepDuration = "tigeretl_step_duration_seconds"
	RecordsTotal = "tigeretl_records_total"
	RowsWritten  = "tigeretl_rows_written_total"
	HTTPRequests = "tigeretl_http_requests_total"
	HTTPErrors   = "tigeretl_http_errors_total"
	HTTPDuration = "tigeretl_http_request_duration_seconds"
	HTTPBytes    = "tigeretl_http_download_bytes"
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

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush pushes buffered metrics through the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one finished pipeline step and its duration.
// status is "ok" or "error".
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRecords counts n items of kind (downloaded, skipped, rows_read, ...).
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordRowsWritten counts rows persisted to table with the given write mode.
func RecordRowsWritten(table, mode string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsWritten, float64(n), Labels{"table": table, "mode": mode})
}

// RecordHTTP records one HTTP attempt. status is 0 when no response arrived.
func RecordHTTP(job string, status int, err error, d time.Duration, bytes int64) {
	b := current()
	st := "none"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}
	b.IncCounter(HTTPRequests, 1, l)
	if err != nil || status >= 400 {
		b.IncCounter(HTTPErrors, 1, l)
	}
	b.ObserveHistogram(HTTPDuration, d.Seconds(), l)
	if bytes > 0 {
		b.ObserveHistogram(HTTPBytes, float64(bytes), l)
	}
}
