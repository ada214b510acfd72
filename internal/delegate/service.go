// service.go delegates an operation to a systemd unit.
package delegate

import (
	"context"
	"fmt"
	"time"
)

// UnitController is the subset of the service manager a Service needs.
// internal/systemd implements it over the systemd D-Bus API.
type UnitController interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	RestartUnit(ctx context.Context, name string) error
	ActiveState(ctx context.Context, name string) (string, error)
}

// ServiceAction selects what a Service does with its unit.
type ServiceAction string

const (
	ActionStart   ServiceAction = "start"
	ActionStop    ServiceAction = "stop"
	ActionRestart ServiceAction = "restart"
	// ActionStatus reports the unit's ActiveState on stdout. The exit code
	// is 0 when the unit is active and 3 otherwise, as systemctl is-active.
	ActionStatus ServiceAction = "status"
	// ActionToggle starts the unit when the "value" argument is true or
	// non-zero and stops it otherwise.
	ActionToggle ServiceAction = "toggle"
)

// Valid reports whether a is a known action.
func (a ServiceAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionStatus, ActionToggle:
		return true
	}
	return false
}

// serviceFailureCode is the exit code reported when the service manager
// refuses or fails a job.
const serviceFailureCode = 1

// Service is a delegate backed by a systemd unit.
type Service struct {
	Unit   string
	Action ServiceAction
	Units  UnitController
}

// Run performs the action. Failures reported by the service manager become
// an outcome with a non-zero exit code and the error text on stderr.
func (s *Service) Run(ctx context.Context, args Args) (*Outcome, error) {
	if s.Units == nil {
		return nil, fmt.Errorf("%w: unit %s: no service manager connection", ErrStart, s.Unit)
	}

	outcome := &Outcome{StartedAt: time.Now()}
	var err error

	switch s.Action {
	case ActionStart:
		err = s.Units.StartUnit(ctx, s.Unit)
	case ActionStop:
		err = s.Units.StopUnit(ctx, s.Unit)
	case ActionRestart:
		err = s.Units.RestartUnit(ctx, s.Unit)
	case ActionToggle:
		on, convErr := truthy(args["value"])
		if convErr != nil {
			return nil, fmt.Errorf("%w: unit %s: %v", ErrStart, s.Unit, convErr)
		}
		if on {
			err = s.Units.StartUnit(ctx, s.Unit)
		} else {
			err = s.Units.StopUnit(ctx, s.Unit)
		}
	case ActionStatus:
		var state string
		state, err = s.Units.ActiveState(ctx, s.Unit)
		if err == nil {
			outcome.Stdout = state
			if state != "active" {
				outcome.ExitCode = 3
			}
		}
	default:
		return nil, fmt.Errorf("%w: unit %s: unknown action %q", ErrStart, s.Unit, s.Action)
	}

	outcome.Duration = time.Since(outcome.StartedAt)

	if err != nil {
		if ctx.Err() != nil {
			outcome.ExitCode = -1
			outcome.TimedOut = ctx.Err() == context.DeadlineExceeded
			if !outcome.TimedOut {
				return outcome, ctx.Err()
			}
			return outcome, nil
		}
		outcome.ExitCode = serviceFailureCode
		outcome.Stderr = err.Error()
	}
	return outcome, nil
}

func truthy(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case uint32:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case string:
		return x != "" && x != "0", nil
	}
	return false, fmt.Errorf("toggle value has unsupported type %T", v)
}
