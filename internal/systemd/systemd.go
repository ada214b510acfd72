// Package systemd integrates both daemons with the service manager.
//
// It covers two concerns:
//   - sd_notify state changes and watchdog pings for Type=notify units
//   - unit control over the systemd D-Bus API, used by service delegates
//     and by the unit feature predicate
//
// Every function degrades to a no-op when the process is not running under
// systemd, so the daemons can be started by hand during development.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages on behalf of one daemon.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier that logs through logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification", "state", state, "error", err)
		return false
	}
	return sent
}

// Ready reports READY=1. Call it once the endpoint socket is listening.
func (n *Notifier) Ready() bool {
	sent := n.notify(daemon.SdNotifyReady)
	if sent {
		n.logger.Debug("sent systemd ready notification")
	} else {
		n.logger.Debug("systemd notification not available (not running under systemd)")
	}
	return sent
}

// Stopping reports STOPPING=1 at the start of shutdown.
func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping)
}

// Status publishes a free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// HealthCheckFunc reports whether the daemon is healthy enough to keep the
// watchdog satisfied.
type HealthCheckFunc func() bool

// Watchdog pings the systemd watchdog every half WatchdogSec until ctx
// is done. A failing health check skips the ping, letting systemd restart
// the unit. Returns immediately with nil when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy HealthCheckFunc) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Debug("watchdog not enabled", "error", err)
		return nil
	}
	if interval == 0 {
		return nil
	}

	ping := interval / 2
	n.logger.Info("starting systemd watchdog", "watchdog_interval", interval, "ping_interval", ping)

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if healthy != nil && !healthy() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

// UnderSystemd reports whether the process was started by systemd with a
// notify socket.
func UnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// Supervise is the notify lifecycle of one daemon as a blocking service:
// READY=1 and status once ready is closed, watchdog pings while ctx is
// live, STOPPING=1 when ctx is done. status may be nil.
func (n *Notifier) Supervise(ctx context.Context, ready <-chan struct{}, healthy HealthCheckFunc, status func() string) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return nil
	}

	n.Ready()
	if status != nil {
		n.Status("%s", status())
	}

	err := n.Watchdog(ctx, healthy)
	<-ctx.Done()
	n.Stopping()
	return err
}
