// outcome.go defines the result of running a delegate.
package delegate

import (
	"strings"
	"time"
)

// Outcome holds what a delegate produced.
type Outcome struct {
	// ExitCode is the process exit code, or a non-zero code assigned by a
	// service delegate. -1 indicates timeout or signal death.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output, up to the output limit.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error, up to the output limit.
	Stderr string `json:"stderr"`

	// StdoutTruncated and StderrTruncated report output dropped at the limit.
	StdoutTruncated bool `json:"stdout_truncated,omitempty"`
	StderrTruncated bool `json:"stderr_truncated,omitempty"`

	// Duration is how long the delegate ran.
	Duration time.Duration `json:"duration_ms"`

	// TimedOut is true if the delegate was killed at its deadline.
	TimedOut bool `json:"timed_out"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
}

// Succeeded reports a zero exit that was not cut short.
func (o *Outcome) Succeeded() bool {
	return o.ExitCode == 0 && !o.TimedOut
}

// Reason returns stderr without surrounding whitespace, the form shown to
// callers of a failed delegate.
func (o *Outcome) Reason() string {
	return strings.TrimSpace(o.Stderr)
}

// Output returns stdout without surrounding whitespace.
func (o *Outcome) Output() string {
	return strings.TrimSpace(o.Stdout)
}
