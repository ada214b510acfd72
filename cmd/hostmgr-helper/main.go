// hostmgr-helper is the privileged half of hostmgr.
//
// It runs as root under systemd, listens on the system socket and executes
// the privileged members relayed by the session daemon. Every member is
// bound to a delegate (an external program or a systemd unit action) by the
// delegates table of the configuration file. Members whose program is not
// installed stay unbound, and the session daemon hides their features.
//
// Lifecycle:
//  1. Load configuration (missing file means defaults)
//  2. Build the dispatch registry from the delegates table
//  3. Open the operation journal
//  4. Listen (or take the socket-activated listener), then notify systemd
//     READY=1
//  5. On SIGTERM/SIGINT stop accepting, finish in-flight invocations, close
//     the journal
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/spf13/pflag"

	"github.com/doughall/hostmgr/internal/config"
	"github.com/doughall/hostmgr/internal/daemon"
	"github.com/doughall/hostmgr/internal/delegate"
	"github.com/doughall/hostmgr/internal/helper"
	"github.com/doughall/hostmgr/internal/journal"
	"github.com/doughall/hostmgr/internal/logging"
	"github.com/doughall/hostmgr/internal/registry"
	"github.com/doughall/hostmgr/internal/schema"
	"github.com/doughall/hostmgr/internal/systemd"
	"github.com/doughall/hostmgr/internal/version"
)

// shutdownTimeout bounds the cleanup hooks after the server has drained.
const shutdownTimeout = 30 * time.Second

// journalTimeout bounds the --journal query of the running helper.
const journalTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	printSchema := pflag.Bool("print-schema", false, "print the private schema as YAML and exit")
	writeConfig := pflag.String("write-config", "", "write the effective configuration to `path` and exit")
	journalLimit := pflag.Int("journal", 0, "print the newest `n` journal entries of the running helper and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info("hostmgr-helper", schema.RootVersion))
		os.Exit(0)
	}
	if *printSchema {
		if err := schema.Root().WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *journalLimit > 0 {
		if err := printJournal(cfg, *journalLimit); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("helper starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", *configPath),
		slog.String("socket", cfg.Helper.Socket),
	)
	if os.Geteuid() != 0 {
		logger.Warn("helper is not running as root, privileged delegates will likely fail")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("helper failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Bindings are fixed for the life of the process.
	signal.Ignore(syscall.SIGHUP)

	g := daemon.New(logger)

	units := systemd.NewUnits()
	g.OnShutdown("systemd", func(context.Context) error {
		units.Close()
		return nil
	})

	reg, err := registry.FromConfig(schema.Root(), cfg.Delegates, registry.Deps{
		Programs:    delegate.NewProgramCache(),
		Units:       units,
		OutputLimit: cfg.Helper.OutputLimit,
	}, logging.WithComponent(logger, "registry"))
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	mode, err := cfg.Helper.Mode()
	if err != nil {
		return err
	}
	gid, err := cfg.Helper.GroupID()
	if err != nil {
		return err
	}
	opts := helper.ServerOptions{Mode: mode, Group: gid, MaxRuntime: cfg.Helper.MaxRuntime}

	listener, err := activatedListener()
	if err != nil {
		return err
	}
	if listener != nil {
		logger.Info("using socket-activated listener", slog.String("addr", listener.Addr().String()))
		opts.Listener = listener
	}

	if cfg.Helper.JournalEnabled() {
		j, err := openJournal(cfg.Helper)
		if err != nil {
			logger.Warn("operation journal disabled",
				slog.String("path", cfg.Helper.JournalPath),
				slog.String("error", err.Error()),
			)
		} else {
			opts.Journal = j
			g.OnShutdown("journal", func(context.Context) error { return j.Close() })
		}
	}

	if listener == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Helper.Socket), 0o755); err != nil {
			return fmt.Errorf("creating socket directory: %w", err)
		}
	}
	srv := helper.NewServer(cfg.Helper.Socket, reg, opts, logging.WithComponent(logger, "helper"))
	bound := len(reg.Identities())

	notifier := systemd.NewNotifier(logger)
	g.Go("helper", srv.Serve)
	g.Go("systemd", func(ctx context.Context) error {
		return notifier.Supervise(ctx, srv.Ready(), socketPresent(cfg.Helper.Socket), func() string {
			return fmt.Sprintf("serving %d of %d privileged operations", bound, len(schema.Root().Identities()))
		})
	})

	return g.Run(ctx, shutdownTimeout)
}

// activatedListener returns the socket passed by systemd, or nil when the
// helper was started without socket activation.
func activatedListener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("reading activated sockets: %w", err)
	}
	switch len(listeners) {
	case 0:
		return nil, nil
	case 1:
		if listeners[0] == nil {
			return nil, fmt.Errorf("activated socket is not a stream socket")
		}
		return listeners[0], nil
	default:
		return nil, fmt.Errorf("expected one activated socket, got %d", len(listeners))
	}
}

// printJournal asks the running helper for its newest journal entries and
// writes them to stdout as JSON lines.
func printJournal(cfg *config.Config, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	logger := logging.New(os.Stderr, "warn", "text")
	client := helper.NewClient(cfg.Helper.Socket, helper.ClientOptions{
		DialAttempts: cfg.Relay.DialAttempts,
		DialBackoff:  cfg.Relay.DialBackoff,
	}, logger)

	entries, total, err := client.Journal(ctx, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d of %d entries\n", len(entries), total)
	return nil
}

func openJournal(h config.HelperConfig) (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(h.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	return journal.Open(h.JournalPath, h.JournalRetention)
}

// socketPresent is the watchdog health check: the daemon is healthy while
// its socket file exists.
func socketPresent(path string) systemd.HealthCheckFunc {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}
