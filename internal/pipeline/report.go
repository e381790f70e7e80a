package pipeline

import (
	"fmt"
	"io"
	"strings"
)

// Phase names where a failure happened.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseLoad    Phase = "transform_load"
)

// Failure is one dataset that did not make it through a phase.
type Failure struct {
	Phase   Phase
	Dataset string
	Err     error
}

// Report summarizes a run.
type Report struct {
	Downloaded     int
	Skipped        int
	DownloadFailed int

	Loaded      int
	LoadFailed  int
	RowsWritten int64

	Failures []Failure
}

// OK reports whether every attempted download and dataset succeeded.
func (r Report) OK() bool { return len(r.Failures) == 0 }

func (r *Report) fail(p Phase, dataset string, err error) {
	r.Failures = append(r.Failures, Failure{Phase: p, Dataset: dataset, Err: err})
	switch p {
	case PhaseExtract:
		r.DownloadFailed++
	case PhaseLoad:
		r.LoadFailed++
	}
}

// WriteTo prints a short human summary followed by one line per failure.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "downloaded=%d skipped=%d download_failed=%d loaded=%d load_failed=%d rows_written=%d\n",
		r.Downloaded, r.Skipped, r.DownloadFailed, r.Loaded, r.LoadFailed, r.RowsWritten)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "FAILED %s %s: %v\n", f.Phase, f.Dataset, f.Err)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
