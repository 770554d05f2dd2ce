// Package main — cmd/duskd/main.go
//
// duskd daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config ($DUSKD_CONFIG / --config).
//  2. Initialise structured logger (zap; file output under $DUSKD_LOG_DIR
//     or --log-dir when set, stderr otherwise).
//  3. Connect the system and session buses.
//  4. Resolve the caller's logind session.
//  5. Connect the X display, start the idleness event pump.
//  6. Start the Prometheus metrics server.
//  7. Spawn the power-source sensor, the sleep sensor, and the inhibition
//     sensor.
//  8. Spawn the effector inventory.
//  9. Spawn the sleep watcher and the session-bus request API.
// 10. Spawn the environment controller.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Stop the environment controller and wait for the active sequencer +
//     idleness-controller pair to unwind.
//  2. Stop the sleep watcher and sleep sensor.
//  3. Stop the bus API.
//  4. Tear down the inventory (rolls back residual effect depth).
//  5. One-second grace for stragglers, then close the display connection.
//  6. Flush logger. Exit 0.
//
// On configuration or dependency bring-up failure: exit 1 immediately.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duskd/duskd/internal/brightness"
	"github.com/duskd/duskd/internal/busapi"
	"github.com/duskd/duskd/internal/config"
	"github.com/duskd/duskd/internal/control"
	"github.com/duskd/duskd/internal/display/x11"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/effector"
	"github.com/duskd/duskd/internal/inventory"
	"github.com/duskd/duskd/internal/logind"
	"github.com/duskd/duskd/internal/observability"
	"github.com/duskd/duskd/internal/sensor"
	"github.com/duskd/duskd/internal/upower"
)

const shutdownGrace = time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		flagConfig  string
		flagLogDir  string
		flagDisplay string
		flagVersion bool
	)

	cmd := &cobra.Command{
		Use:           "duskd",
		Short:         "Session power manager for Linux graphical sessions",
		Long:          "duskd applies time-ordered power-saving effects to an idle graphical session\nand rolls them back when the user returns.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVersion {
				fmt.Printf("duskd %s (commit=%s built=%s)\n",
					config.Version, config.GitCommit, config.BuildTime)
				return nil
			}
			return run(flagConfig, flagLogDir, flagDisplay)
		},
	}

	cmd.Flags().StringVar(&flagConfig, "config", config.DefaultPath(), "path to the configuration file")
	cmd.Flags().StringVar(&flagLogDir, "log-dir", os.Getenv(config.EnvLogDir), "directory for the log file (stderr when empty)")
	cmd.Flags().StringVar(&flagDisplay, "display", "", "X display to connect to (defaults to $DISPLAY)")
	cmd.Flags().BoolVar(&flagVersion, "version", false, "print version and exit")
	return cmd
}

func run(configPath, logDir, displayName string) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = cfg.Display.Name
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, logDir)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("duskd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Buses ─────────────────────────────────────────────────────────────────
	systemBus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting system bus: %w", err)
	}
	defer systemBus.Close() //nolint:errcheck

	sessionBus, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connecting session bus: %w", err)
	}
	defer sessionBus.Close() //nolint:errcheck

	manager := logind.NewManager(systemBus)
	session, err := manager.SessionByPID(ctx, uint32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("resolving logind session: %w", err)
	}
	log.Info("resolved logind session", zap.String("path", string(session.Path())))

	// ── Display server ────────────────────────────────────────────────────────
	server, err := x11.Connect(displayName, log)
	if err != nil {
		return fmt.Errorf("connecting display server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Error("closing display connection failed", zap.Error(err))
		}
	}()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Sensors ───────────────────────────────────────────────────────────────
	power, powerHandle, err := sensor.SpawnPower(ctx, upower.NewClient(systemBus), log)
	if err != nil {
		return fmt.Errorf("spawning power sensor: %w", err)
	}

	sleepSensor := sensor.NewSleepSensor(sensor.LogindSleepManager{Manager: manager}, log)
	sleepSub := sleepSensor.Subscribe()
	sleepHandle, err := sleepSensor.Spawn(ctx)
	if err != nil {
		return fmt.Errorf("spawning sleep sensor: %w", err)
	}

	inhibitions, err := sensor.SpawnInhibition(ctx, manager, log)
	if err != nil {
		return fmt.Errorf("spawning inhibition sensor: %w", err)
	}

	// ── Effector inventory ────────────────────────────────────────────────────
	deps := effector.Deps{
		Display:     server.Controller(),
		Session:     session,
		Sleep:       manager,
		DimFraction: float64(cfg.Brightness.DimPercentage) / 100,
		Log:         log,
	}
	if backlight, err := brightness.Discover(cfg.Brightness.Device, session); err != nil {
		log.Warn("no usable backlight device, screen_dim will be unavailable", zap.Error(err))
	} else {
		deps.Backlight = backlight
		log.Info("backlight device selected", zap.String("device", backlight.Device()))
	}
	if cfg.Lock != nil {
		deps.Lock = &effector.LockCommand{Command: cfg.Lock.Command, Args: cfg.Lock.Args}
	}

	inv, err := inventory.Spawn(ctx, inventory.ForDeps(deps), log)
	if err != nil {
		return fmt.Errorf("spawning effector inventory: %w", err)
	}

	// The lock effector backs both the sleep watcher and the bus API.
	var watcherLock, apiLock *effect.Port
	if cfg.Lock != nil {
		lockPort, err := inv.Call(ctx, inventory.Get{Name: effector.NameLock})
		if err != nil {
			return fmt.Errorf("spawning lock effector: %w", err)
		}
		watcherLock = lockPort
		apiLock = lockPort.Clone()
	}

	// ── Sleep watcher and bus API ─────────────────────────────────────────────
	watcher := control.NewSleepWatcher(sleepSub.Updates(), watcherLock, server.Controller(), log)
	watcherHandle := watcher.Spawn(ctx)

	api := busapi.New(cfg.DBus.Name, cfg.DBus.Path, cfg.DBus.Interface, apiLock, log)
	apiHandle, err := api.Spawn(sessionBus)
	if err != nil {
		return fmt.Errorf("starting bus API: %w", err)
	}

	// ── Environment controller ────────────────────────────────────────────────
	schedules, err := parseSchedules(cfg)
	if err != nil {
		return err
	}
	environment := control.NewEnvironmentController(
		schedules, cfg.Battery.LowBatteryPercentage,
		inv, inhibitions, server, power, metrics, log)
	environmentHandle, err := environment.Spawn(ctx)
	if err != nil {
		return fmt.Errorf("starting environment controller: %w", err)
	}

	// ── Wait for shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	// ── Graceful shutdown, innermost consumers first ──────────────────────────
	environmentHandle.Stop()
	select {
	case <-environment.Done():
	case <-time.After(10 * time.Second):
		log.Warn("environment controller did not unwind in time")
	}

	watcherHandle.Stop()
	sleepSub.Close()
	sleepHandle.Stop()
	apiHandle.Stop()
	powerHandle.Stop()
	inhibitions.Close()

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer teardownCancel()
	if err := inv.AwaitShutdown(teardownCtx); err != nil {
		log.Error("inventory teardown interrupted", zap.Error(err))
	}

	time.Sleep(shutdownGrace)
	log.Info("duskd shutdown complete")
	return nil
}

// parseSchedules converts the raw config schedules into the controller's
// parsed form.
func parseSchedules(cfg *config.Config) (control.Schedules, error) {
	raw := map[control.ScheduleType]map[string]string{
		control.ScheduleExternal:   cfg.Schedule.External,
		control.ScheduleBattery:    cfg.Schedule.Battery,
		control.ScheduleLowBattery: cfg.Schedule.LowBattery,
	}
	schedules := make(control.Schedules)
	for typ, table := range raw {
		if len(table) == 0 {
			continue
		}
		parsed, err := effect.ParseSchedule(table)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", typ, err)
		}
		schedules[typ] = parsed
	}
	return schedules, nil
}

// buildLogger constructs a zap.Logger with the given level, format, and
// optional log directory.
func buildLogger(level, format, logDir string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
		}
		cfg.OutputPaths = []string{filepath.Join(logDir, "duskd.log")}
		cfg.ErrorOutputPaths = cfg.OutputPaths
	}

	return cfg.Build()
}
