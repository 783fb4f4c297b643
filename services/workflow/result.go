package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of one executor within a run.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusReady || to == StatusSkipped
	case StatusReady:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// transition validates a single status change.
func transition(name string, from, to Status) error {
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	return nil
}

// Result is the terminal outcome of one executor in one run.
type Result struct {
	Status Status
	// Value is set on success.
	Value any
	// Err is the *ExecutionError on failure, or the skip cause.
	Err error
	// SkippedBy names the executor whose failure caused the skip. Empty for
	// cancellation skips.
	SkippedBy string
	Duration  time.Duration
}

type resultJSON struct {
	Status     Status `json:"status"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	SkippedBy  string `json:"skippedBy,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Status:     r.Status,
		Value:      r.Value,
		SkippedBy:  r.SkippedBy,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Results maps executor names to their outcome.
type Results map[string]Result

// Values returns the values of successful executors.
func (rs Results) Values() map[string]any {
	out := make(map[string]any, len(rs))
	for name, r := range rs {
		if r.Status == StatusSuccess {
			out[name] = r.Value
		}
	}
	return out
}

// WithStatus returns the sorted names of executors that ended in s.
func (rs Results) WithStatus(s Status) []string {
	var out []string
	for _, name := range slices.Sorted(maps.Keys(rs)) {
		if rs[name].Status == s {
			out = append(out, name)
		}
	}
	return out
}

// Succeeded reports whether every executor succeeded.
func (rs Results) Succeeded() bool {
	for _, r := range rs {
		if r.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// Errors returns the error text of every failed or skipped executor.
func (rs Results) Errors() map[string]string {
	out := make(map[string]string)
	for name, r := range rs {
		if r.Err != nil {
			out[name] = r.Err.Error()
		}
	}
	return out
}
