package systemd

import (
	"context"
	"fmt"
	"sync"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

// jobMode is the systemd job mode used for every unit operation.
const jobMode = "replace"

// Units controls systemd units over the system bus. The connection is
// opened lazily on first use and shared by all callers.
type Units struct {
	mu   sync.Mutex
	conn *sdbus.Conn
}

// NewUnits creates a unit controller. No bus connection is made yet.
func NewUnits() *Units {
	return &Units{}
}

func (u *Units) connection(ctx context.Context) (*sdbus.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil && u.conn.Connected() {
		return u.conn, nil
	}
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	u.conn = conn
	return conn, nil
}

// StartUnit starts name and waits for the job to finish.
func (u *Units) StartUnit(ctx context.Context, name string) error {
	return u.job(ctx, name, "start", func(c *sdbus.Conn, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, name, jobMode, ch)
	})
}

// StopUnit stops name and waits for the job to finish.
func (u *Units) StopUnit(ctx context.Context, name string) error {
	return u.job(ctx, name, "stop", func(c *sdbus.Conn, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, name, jobMode, ch)
	})
}

// RestartUnit restarts name and waits for the job to finish.
func (u *Units) RestartUnit(ctx context.Context, name string) error {
	return u.job(ctx, name, "restart", func(c *sdbus.Conn, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, name, jobMode, ch)
	})
}

func (u *Units) job(ctx context.Context, name, verb string, submit func(*sdbus.Conn, chan<- string) (int, error)) error {
	conn, err := u.connection(ctx)
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	if _, err := submit(conn, done); err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", verb, name, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveState returns the ActiveState property of name, for example
// "active" or "inactive".
func (u *Units) ActiveState(ctx context.Context, name string) (string, error) {
	return u.stringProperty(ctx, name, "ActiveState")
}

// Loaded reports whether name is known to systemd. A unit that has no unit
// file reports LoadState "not-found".
func (u *Units) Loaded(ctx context.Context, name string) (bool, error) {
	state, err := u.stringProperty(ctx, name, "LoadState")
	if err != nil {
		return false, err
	}
	return state == "loaded", nil
}

func (u *Units) stringProperty(ctx context.Context, name, property string) (string, error) {
	conn, err := u.connection(ctx)
	if err != nil {
		return "", err
	}
	prop, err := conn.GetUnitPropertyContext(ctx, name, property)
	if err != nil {
		return "", fmt.Errorf("reading %s of %s: %w", property, name, err)
	}
	s, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("%s of %s has unexpected type %T", property, name, prop.Value.Value())
	}
	return s, nil
}

// Close releases the bus connection.
func (u *Units) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}
