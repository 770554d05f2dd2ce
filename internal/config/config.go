// Package config provides configuration loading and validation for the
// duskd daemon.
//
// Configuration file: $XDG_CONFIG_HOME/duskd/duskd.yaml by default,
// overridable through $DUSKD_CONFIG and the --config flag.
//
// Schema:
//
//	schedule:
//	  external:            # effect name → duration string
//	    screen_dim:  "2m"
//	    screen_off:  "2m 30s"
//	    lock:        "10m"
//	  battery:
//	    screen_dim:  "30s"
//	    sleep:       "10m"
//	  low_battery:
//	    sleep:       "2m"
//	battery:
//	  low_battery_percentage: 40
//	brightness:
//	  dim_percentage: 50
//	lock:
//	  command: "swaylock"
//	  args: ["-f"]
//	dbus:
//	  name:      "org.duskd.Manager"
//	  path:      "/org/duskd/Manager"
//	  interface: "org.duskd.Manager"
//	display:
//	  name: ""             # X display; empty uses $DISPLAY
//	observability:
//	  metrics_addr: "127.0.0.1:9929"
//	  log_level:  "info"
//	  log_format: "json"
//
// Validation:
//   - Duration strings must parse under the schedule grammar.
//   - At least one schedule tier must be defined.
//   - Numeric ranges enforced (dim_percentage ∈ [1, 100]).
//   - Invalid config on startup: the daemon refuses to start.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duskd/duskd/internal/effect"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Environment variables consulted by the CLI before flags are applied.
const (
	EnvConfigPath = "DUSKD_CONFIG"
	EnvLogDir     = "DUSKD_LOG_DIR"
)

// Config is the root configuration structure for duskd.
type Config struct {
	// Schedule holds the per-power-tier effect schedules.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Battery configures the low-battery tier.
	Battery BatteryConfig `yaml:"battery"`

	// Brightness configures the screen_dim effect.
	Brightness BrightnessConfig `yaml:"brightness"`

	// Lock configures the locker program. nil disables the lock effect.
	Lock *LockConfig `yaml:"lock"`

	// DBus configures the session-bus request surface.
	DBus DBusConfig `yaml:"dbus"`

	// Display configures the display server connection.
	Display DisplayConfig `yaml:"display"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ScheduleConfig maps effect names to duration strings, per power tier.
// A tier left empty falls back along low_battery → battery → external.
type ScheduleConfig struct {
	External   map[string]string `yaml:"external"`
	Battery    map[string]string `yaml:"battery"`
	LowBattery map[string]string `yaml:"low_battery"`
}

// Empty reports whether no tier defines any effect.
func (s ScheduleConfig) Empty() bool {
	return len(s.External) == 0 && len(s.Battery) == 0 && len(s.LowBattery) == 0
}

// BatteryConfig enables the LowBattery tier when LowBatteryPercentage is
// set: battery charge at or below it selects the low_battery schedule.
type BatteryConfig struct {
	LowBatteryPercentage *int `yaml:"low_battery_percentage"`
}

// BrightnessConfig holds the screen_dim parameters.
type BrightnessConfig struct {
	// DimPercentage is the brightness target as a percentage of the
	// current level. Range [1, 100], default 50.
	DimPercentage int `yaml:"dim_percentage"`

	// Device names the sysfs backlight device. Empty selects the first
	// one found.
	Device string `yaml:"device"`
}

// LockConfig is the locker program run by the lock effect.
type LockConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DBusConfig is the session-bus surface exposing Lock() to third parties.
type DBusConfig struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
}

// DisplayConfig selects the display server connection.
type DisplayConfig struct {
	// Name is the X display to connect to. Empty uses $DISPLAY.
	Name string `yaml:"name"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9929.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		Brightness: BrightnessConfig{
			DimPercentage: 50,
		},
		DBus: DBusConfig{
			Name:      "org.duskd.Manager",
			Path:      "/org/duskd/Manager",
			Interface: "org.duskd.Manager",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9929",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "duskd", "duskd.yaml")
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Schedule.Empty() {
		errs = append(errs, "no schedule defined; define schedule.external or schedule.battery")
	}
	for tier, schedule := range map[string]map[string]string{
		"external":    cfg.Schedule.External,
		"battery":     cfg.Schedule.Battery,
		"low_battery": cfg.Schedule.LowBattery,
	} {
		for name, value := range schedule {
			if _, err := effect.ParseDuration(value); err != nil {
				errs = append(errs, fmt.Sprintf("schedule.%s.%s: %v", tier, name, err))
			}
		}
	}

	if cfg.Battery.LowBatteryPercentage != nil {
		if p := *cfg.Battery.LowBatteryPercentage; p < 1 || p > 100 {
			errs = append(errs, fmt.Sprintf("battery.low_battery_percentage must be in [1, 100], got %d", p))
		}
	}
	if cfg.Brightness.DimPercentage < 1 || cfg.Brightness.DimPercentage > 100 {
		errs = append(errs, fmt.Sprintf("brightness.dim_percentage must be in [1, 100], got %d", cfg.Brightness.DimPercentage))
	}
	if cfg.Lock != nil && cfg.Lock.Command == "" {
		errs = append(errs, "lock.command must not be empty when the lock section is present")
	}
	if cfg.DBus.Name == "" || cfg.DBus.Interface == "" {
		errs = append(errs, "dbus.name and dbus.interface must not be empty")
	}
	if !strings.HasPrefix(cfg.DBus.Path, "/") {
		errs = append(errs, fmt.Sprintf("dbus.path must be an absolute object path, got %q", cfg.DBus.Path))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug, info, warn, error; got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
