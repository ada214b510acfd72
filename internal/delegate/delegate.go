// Package delegate runs the external programs and system services that
// implement privileged operations. A delegate is opaque to the rest of the
// helper: it receives named, already validated arguments and reports an
// Outcome. Mapping outcomes to values and errors is the registry's job.
//
// Delegates never retry. A program that fails or times out is reported once.
package delegate

import (
	"context"
	"errors"
)

// Args are the validated inputs of one invocation keyed by input name.
type Args map[string]any

// Delegate executes one bound operation.
type Delegate interface {
	// Run executes the operation under ctx. A non-nil error means the
	// delegate produced no usable outcome: it could not be started or its
	// caller went away. Every other failure is described by the Outcome.
	Run(ctx context.Context, args Args) (*Outcome, error)
}

// ErrStart is wrapped by errors returned when a delegate could not be
// started.
var ErrStart = errors.New("delegate could not be started")
