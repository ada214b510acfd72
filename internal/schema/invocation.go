package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of an Invocation. Callers only ever observe
// the terminal states: a value (Completed) or an error (Failed).
type State int

const (
	StateReceived State = iota
	StateValidated
	StateExecutingLocal
	StateRelaying
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateExecutingLocal:
		return "executing-local"
	case StateRelaying:
		return "relaying"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends the invocation.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:       {StateValidated, StateFailed},
	StateValidated:      {StateExecutingLocal, StateRelaying, StateExecuting, StateFailed},
	StateExecutingLocal: {StateCompleted, StateFailed},
	StateRelaying:       {StateCompleted, StateFailed},
	StateExecuting:      {StateCompleted, StateFailed},
}

// Invocation is a single call in flight. It is owned by the goroutine of the
// endpoint that received it and is not safe for concurrent use.
type Invocation struct {
	Identity Identity
	Args     []any
	Token    string
	Deadline time.Time

	state State
}

// NewInvocation creates an invocation in StateReceived with a fresh
// correlation token.
func NewInvocation(id Identity, args []any, deadline time.Time) *Invocation {
	return &Invocation{
		Identity: id,
		Args:     args,
		Token:    uuid.NewString(),
		Deadline: deadline,
		state:    StateReceived,
	}
}

// State returns the current state.
func (inv *Invocation) State() State { return inv.state }

// Advance moves to next, rejecting transitions the lifecycle does not allow.
func (inv *Invocation) Advance(next State) error {
	for _, allowed := range transitions[inv.state] {
		if allowed == next {
			inv.state = next
			return nil
		}
	}
	return fmt.Errorf("invocation %s: illegal transition %s -> %s", inv.Token, inv.state, next)
}

// Fail moves to StateFailed from any non-terminal state.
func (inv *Invocation) Fail() {
	if !inv.state.Terminal() {
		inv.state = StateFailed
	}
}

// Context derives a context bounded by the invocation deadline.
func (inv *Invocation) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if inv.Deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, inv.Deadline)
}

// Expired reports whether the deadline has passed.
func (inv *Invocation) Expired() bool {
	return !inv.Deadline.IsZero() && !time.Now().Before(inv.Deadline)
}
