package pipeline

import (
	"fmt"

	"tigeretl/internal/storage"
)

// ReplacePolicy decides which dataset's write replaces a table.
type ReplacePolicy int

const (
	// FirstSuccess replaces on the first successful write and appends after.
	// A table whose earlier datasets all failed still gets replaced.
	FirstSuccess ReplacePolicy = iota
	// FirstAttempt replaces on the first dataset attempted, whether or not it
	// reached the store, and appends for every later dataset.
	FirstAttempt
)

func (p ReplacePolicy) String() string {
	switch p {
	case FirstSuccess:
		return "first_success"
	case FirstAttempt:
		return "first_attempt"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseReplacePolicy accepts "first_success" (or empty) and "first_attempt".
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch s {
	case "", "first_success":
		return FirstSuccess, nil
	case "first_attempt":
		return FirstAttempt, nil
	default:
		return 0, fmt.Errorf("unknown replace policy %q", s)
	}
}

// WriteModeTracker hands out the write mode for one table across a
// sequence of datasets. It is not safe for concurrent use; the load phase
// runs datasets one at a time.
type WriteModeTracker struct {
	policy   ReplacePolicy
	replaced bool
}

func NewWriteModeTracker(p ReplacePolicy) *WriteModeTracker {
	return &WriteModeTracker{policy: p}
}

// Mode is the mode for the next write.
func (t *WriteModeTracker) Mode() storage.WriteMode {
	if t.replaced {
		return storage.Append
	}
	return storage.Replace
}

// Done records the outcome of one dataset. ok is true only when its rows
// were committed.
func (t *WriteModeTracker) Done(ok bool) {
	switch t.policy {
	case FirstSuccess:
		if ok {
			t.replaced = true
		}
	case FirstAttempt:
		t.replaced = true
	}
}
