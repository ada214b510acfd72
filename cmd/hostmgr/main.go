// hostmgr is the session daemon: the public face of the host manager.
//
// It serves io.hostmgr.Manager1 on the session socket. Unprivileged members
// (Version, HardwareVariant, Features) are answered in-process; privileged
// members are relayed to hostmgr-helper over the system socket. Which
// conditional members are advertised is decided once at startup from the
// host's board identity, OS version, systemd units and the helper's bindings.
//
// Lifecycle:
//  1. Load configuration (missing file means defaults)
//  2. Probe host facts and ask the helper for its bindings
//  3. Evaluate the feature gate
//  4. Listen, then notify systemd READY=1
//  5. On SIGTERM/SIGINT stop accepting and finish in-flight calls
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/doughall/hostmgr/internal/config"
	"github.com/doughall/hostmgr/internal/daemon"
	"github.com/doughall/hostmgr/internal/feature"
	"github.com/doughall/hostmgr/internal/helper"
	"github.com/doughall/hostmgr/internal/logging"
	"github.com/doughall/hostmgr/internal/manager"
	"github.com/doughall/hostmgr/internal/schema"
	"github.com/doughall/hostmgr/internal/systemd"
	"github.com/doughall/hostmgr/internal/version"
)

const shutdownTimeout = 30 * time.Second

// bindingsTimeout bounds the startup query of the helper's bindings.
const bindingsTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	printSchema := pflag.Bool("print-schema", false, "print the public schema as YAML and exit")
	socket := pflag.String("socket", "", "override the session socket path")
	sysRoot := pflag.String("sysfs", feature.DefaultSysRoot, "sysfs mount point used for hardware detection")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info("hostmgr", schema.ManagerVersion))
		os.Exit(0)
	}
	if *printSchema {
		if err := schema.Manager().WriteYAML(os.Stdout); err != nil {
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
	if *socket != "" {
		cfg.Manager.Socket = *socket
	}

	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("manager starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", *configPath),
		slog.String("socket", cfg.Manager.Socket),
		slog.String("relay", cfg.Relay.Socket),
	)

	if err := run(cfg, *sysRoot, logger); err != nil {
		logger.Error("manager failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, sysRoot string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The surface is fixed for the life of the process; restart to re-probe.
	signal.Ignore(syscall.SIGHUP)

	g := daemon.New(logger)
	s := schema.Manager()

	relay := helper.NewClient(cfg.Relay.Socket, helper.ClientOptions{
		DialAttempts: cfg.Relay.DialAttempts,
		DialBackoff:  cfg.Relay.DialBackoff,
	}, logging.WithComponent(logger, "relay"))

	facts, err := feature.Probe(ctx, sysRoot)
	if err != nil {
		return fmt.Errorf("probing host: %w", err)
	}
	logger.Info("host probed",
		slog.String("board", facts.Board()),
		slog.String("variant", facts.Variant()),
		slog.String("platform", facts.Platform),
		slog.String("platform_version", facts.PlatformVersion),
	)

	units := systemd.NewUnits()
	g.OnShutdown("systemd", func(context.Context) error {
		units.Close()
		return nil
	})

	preds, err := feature.FromConfig(s, cfg.Features, feature.Env{
		Facts: facts,
		Units: units,
		Bound: helperBindings(ctx, relay, logger),
	})
	if err != nil {
		return fmt.Errorf("building feature predicates: %w", err)
	}
	gate := feature.NewGate(ctx, s, preds, logging.WithComponent(logger, "gate"))
	logger.Info("features evaluated", slog.Any("enabled", gate.Features()))

	endpoint := manager.NewEndpoint(s, gate, relay, manager.Options{
		RequestTimeout:  cfg.Manager.RequestTimeout,
		CallTimeouts:    callTimeouts(s, cfg, logger),
		MaxRequestBytes: cfg.Manager.MaxRequestBytes,
		Mode:            0o600,
	}, logging.WithComponent(logger, "manager"))
	if err := endpoint.RegisterBuiltins(manager.Builtins{
		Variant:  facts.Variant(),
		Features: gate.Features,
	}); err != nil {
		return err
	}

	notifier := systemd.NewNotifier(logger)
	g.Go("manager", func(ctx context.Context) error {
		return endpoint.Serve(ctx, cfg.Manager.Socket)
	})
	g.Go("systemd", func(ctx context.Context) error {
		return notifier.Supervise(ctx, endpoint.Ready(), nil, func() string {
			return fmt.Sprintf("%s v%d, %d features", s.Interface(), s.Version(), len(gate.Features()))
		})
	})

	return g.Run(ctx, shutdownTimeout)
}

// callTimeouts maps the delegates that outlast request_timeout to their
// default call deadlines. Keys that do not name a member of s are the
// helper's to report.
func callTimeouts(s *schema.Schema, cfg *config.Config, logger *slog.Logger) map[schema.Identity]time.Duration {
	out := make(map[schema.Identity]time.Duration)
	for key, d := range cfg.CallTimeouts() {
		id, err := schema.ParseIdentity(key)
		if err != nil {
			continue
		}
		if _, ok := s.Lookup(id); !ok {
			continue
		}
		out[id] = d
		logger.Debug("call timeout", slog.String("member", key), slog.Duration("timeout", d))
	}
	return out
}

// helperBindings asks the helper which privileged operations it has bound.
// A nil set marks every privileged feature unavailable.
func helperBindings(ctx context.Context, relay *helper.Client, logger *slog.Logger) map[schema.Identity]bool {
	ctx, cancel := context.WithTimeout(ctx, bindingsTimeout)
	defer cancel()

	ids, err := relay.Bindings(ctx)
	if err != nil {
		logger.Warn("helper bindings unavailable, privileged features disabled", "error", err)
		return nil
	}
	logger.Debug("helper bindings", slog.Int("count", len(ids)))
	return feature.BoundSet(ids)
}
