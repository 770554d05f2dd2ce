// Package display defines the interface between duskd and the user's
// display server: an idleness signal source plus a control surface for the
// idleness timeout, forced activity, and DPMS.
//
// Implementations: x11 (production, in the x11 subpackage) and Mock (for
// tests and the controllers' own test suites).

package display

import (
	"github.com/duskd/duskd/internal/watch"
)

// State is the idleness state of the session as reported by the display
// server.
type State int

const (
	// Awakened means the user is (again) active.
	Awakened State = iota
	// Idle means the configured idleness timeout has elapsed without user
	// activity.
	Idle
)

func (s State) String() string {
	switch s {
	case Awakened:
		return "Awakened"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// DPMSLevel is the power saving level of the session's screens.
type DPMSLevel int

const (
	DPMSOn DPMSLevel = iota
	DPMSStandby
	DPMSSuspend
	DPMSOff
)

func (l DPMSLevel) String() string {
	switch l {
	case DPMSOn:
		return "On"
	case DPMSStandby:
		return "Standby"
	case DPMSSuspend:
		return "Suspend"
	case DPMSOff:
		return "Off"
	default:
		return "Unknown"
	}
}

// DPMSTimeouts are the inactivity periods after which the server itself
// transitions the screens between levels.
type DPMSTimeouts struct {
	Standby uint16
	Suspend uint16
	Off     uint16
}

// DPMSConfig is a full snapshot of the server's DPMS state, captured so it
// can be restored when duskd releases the display.
type DPMSConfig struct {
	Enabled  bool
	Level    DPMSLevel
	Timeouts DPMSTimeouts
}

// DefaultTimeout is the sentinel accepted by SetIdleTimeout meaning
// "restore the server's built-in default".
const DefaultTimeout = -1

// Server is a connected display server: a latched idleness signal plus a
// controller for the same connection's command side.
type Server interface {
	// Subscribe returns a receiver of idleness state transitions.
	Subscribe() *watch.Receiver[State]

	// Controller returns the command surface. Safe for concurrent use.
	Controller() Controller

	// Close tears the connection down and stops the event pump.
	Close() error
}

// Controller mutates display server settings. All calls may block on a
// server roundtrip; callers run them from goroutines that may block.
type Controller interface {
	// SetIdleTimeout programs the inactivity period (in seconds) after
	// which the server reports idleness. DefaultTimeout restores the
	// server default.
	SetIdleTimeout(seconds int) error

	// IdleTimeout reads the currently programmed inactivity period.
	IdleTimeout() (int, error)

	// ForceActivity makes the server behave as if the user had just
	// performed input.
	ForceActivity() error

	// DPMSCapable reports whether the server supports DPMS at all.
	DPMSCapable() (bool, error)

	// DPMSInfo reads the current power level and whether DPMS is enabled.
	DPMSInfo() (DPMSLevel, bool, error)

	// SetDPMSLevel forces the screens to the given power level.
	SetDPMSLevel(level DPMSLevel) error

	// SetDPMSEnabled enables or disables DPMS entirely.
	SetDPMSEnabled(enabled bool) error

	// DPMSTimeouts reads the server-side DPMS transition timeouts.
	DPMSTimeouts() (DPMSTimeouts, error)

	// SetDPMSTimeouts programs the server-side DPMS transition timeouts.
	SetDPMSTimeouts(timeouts DPMSTimeouts) error
}

// FetchDPMSConfig snapshots the controller's full DPMS state.
func FetchDPMSConfig(ctl Controller) (DPMSConfig, error) {
	level, enabled, err := ctl.DPMSInfo()
	if err != nil {
		return DPMSConfig{}, err
	}
	timeouts, err := ctl.DPMSTimeouts()
	if err != nil {
		return DPMSConfig{}, err
	}
	return DPMSConfig{Enabled: enabled, Level: level, Timeouts: timeouts}, nil
}

// ApplyDPMSConfig restores a previously captured DPMS snapshot, including
// re-disabling DPMS if it was disabled at capture time.
func ApplyDPMSConfig(ctl Controller, cfg DPMSConfig) error {
	if !cfg.Enabled {
		if err := ctl.SetDPMSEnabled(false); err != nil {
			return err
		}
		return ctl.SetDPMSTimeouts(cfg.Timeouts)
	}
	if err := ctl.SetDPMSEnabled(true); err != nil {
		return err
	}
	if err := ctl.SetDPMSLevel(cfg.Level); err != nil {
		return err
	}
	return ctl.SetDPMSTimeouts(cfg.Timeouts)
}
