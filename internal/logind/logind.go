// Package logind wraps the systemd-logind D-Bus API surface duskd consumes:
// the manager (inhibitors, suspend, PrepareForSleep) and the caller's
// session (idle/locked hints, backlight brightness).
//
// Bus layout:
//
//	service    org.freedesktop.login1          (system bus)
//	manager    /org/freedesktop/login1         org.freedesktop.login1.Manager
//	session    (resolved via GetSessionByPID)  org.freedesktop.login1.Session
//
// Consumers in the core depend on small interfaces declared at their point
// of use; Manager and Session are the production implementations.

package logind

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	busName      = "org.freedesktop.login1"
	managerPath  = dbus.ObjectPath("/org/freedesktop/login1")
	managerIface = "org.freedesktop.login1.Manager"
	sessionIface = "org.freedesktop.login1.Session"

	prepareForSleepMember = "PrepareForSleep"
)

// InhibitKind is one lock type understood by logind ("what").
type InhibitKind string

const (
	InhibitIdle            InhibitKind = "idle"
	InhibitSleep           InhibitKind = "sleep"
	InhibitShutdown        InhibitKind = "shutdown"
	InhibitHandlePowerKey  InhibitKind = "handle-power-key"
	InhibitHandleLidSwitch InhibitKind = "handle-lid-switch"
)

// InhibitMode distinguishes blocking inhibitors from delay inhibitors.
type InhibitMode string

const (
	ModeBlock InhibitMode = "block"
	ModeDelay InhibitMode = "delay"
)

// Inhibitor is one entry from ListInhibitors.
type Inhibitor struct {
	What string
	Who  string
	Why  string
	Mode InhibitMode
	UID  uint32
	PID  uint32
}

// Kinds splits the colon-separated What field into individual lock kinds.
func (i Inhibitor) Kinds() []InhibitKind {
	parts := strings.Split(i.What, ":")
	kinds := make([]InhibitKind, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kinds = append(kinds, InhibitKind(p))
		}
	}
	return kinds
}

// Inhibits reports whether this inhibitor covers the given kind.
func (i Inhibitor) Inhibits(kind InhibitKind) bool {
	for _, k := range i.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// InhibitorLock is a held inhibitor: a file descriptor whose closure
// releases the lock.
type InhibitorLock struct {
	fd int
}

// Release gives the lock back to logind.
func (l *InhibitorLock) Release() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}

// Close releases the lock, satisfying io.Closer.
func (l *InhibitorLock) Close() error { return l.Release() }

// Manager talks to the logind manager object.
type Manager struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewManager wraps an established system-bus connection.
func NewManager(conn *dbus.Conn) *Manager {
	return &Manager{conn: conn, obj: conn.Object(busName, managerPath)}
}

// ListInhibitors returns the currently registered inhibitors.
func (m *Manager) ListInhibitors(ctx context.Context) ([]Inhibitor, error) {
	var raw [][]interface{}
	call := m.obj.CallWithContext(ctx, managerIface+".ListInhibitors", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("logind.ListInhibitors: %w", call.Err)
	}
	if err := call.Store(&raw); err != nil {
		return nil, fmt.Errorf("logind.ListInhibitors: decode: %w", err)
	}
	inhibitors := make([]Inhibitor, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 6 {
			return nil, fmt.Errorf("logind.ListInhibitors: entry has %d fields, want 6", len(entry))
		}
		what, _ := entry[0].(string)
		who, _ := entry[1].(string)
		why, _ := entry[2].(string)
		mode, _ := entry[3].(string)
		uid, _ := entry[4].(uint32)
		pid, _ := entry[5].(uint32)
		inhibitors = append(inhibitors, Inhibitor{
			What: what, Who: who, Why: why,
			Mode: InhibitMode(mode), UID: uid, PID: pid,
		})
	}
	return inhibitors, nil
}

// Inhibit takes an inhibitor lock. The returned lock must be released (or
// its process exit) for the operation to proceed past the inhibition.
func (m *Manager) Inhibit(ctx context.Context, what InhibitKind, who, why string, mode InhibitMode) (*InhibitorLock, error) {
	var fd dbus.UnixFD
	call := m.obj.CallWithContext(ctx, managerIface+".Inhibit", 0,
		string(what), who, why, string(mode))
	if call.Err != nil {
		return nil, fmt.Errorf("logind.Inhibit(%s, %s): %w", what, mode, call.Err)
	}
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("logind.Inhibit: decode fd: %w", err)
	}
	return &InhibitorLock{fd: int(fd)}, nil
}

// InhibitDelayMax returns the host's maximum delay-inhibitor hold time.
func (m *Manager) InhibitDelayMax(ctx context.Context) (time.Duration, error) {
	variant, err := m.obj.GetProperty(managerIface + ".InhibitDelayMaxUSec")
	if err != nil {
		return 0, fmt.Errorf("logind.InhibitDelayMax: %w", err)
	}
	usec, ok := variant.Value().(uint64)
	if !ok {
		return 0, fmt.Errorf("logind.InhibitDelayMax: unexpected type %T", variant.Value())
	}
	return time.Duration(usec) * time.Microsecond, nil
}

// Suspend asks the host to suspend. interactive forwards logind's polkit
// interactivity flag.
func (m *Manager) Suspend(ctx context.Context, interactive bool) error {
	if call := m.obj.CallWithContext(ctx, managerIface+".Suspend", 0, interactive); call.Err != nil {
		return fmt.Errorf("logind.Suspend: %w", call.Err)
	}
	return nil
}

// PrepareForSleep subscribes to the manager's PrepareForSleep signal. The
// returned channel carries the signal's start argument: true right before
// suspend, false right after resume. Call cancel to unsubscribe.
func (m *Manager) PrepareForSleep(buffer int) (<-chan bool, func(), error) {
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(managerIface),
		dbus.WithMatchMember(prepareForSleepMember),
		dbus.WithMatchObjectPath(managerPath),
	); err != nil {
		return nil, nil, fmt.Errorf("logind.PrepareForSleep: match: %w", err)
	}

	raw := make(chan *dbus.Signal, buffer)
	out := make(chan bool, buffer)
	m.conn.Signal(raw)
	go func() {
		defer close(out)
		for sig := range raw {
			if sig.Name != managerIface+"."+prepareForSleepMember || len(sig.Body) != 1 {
				continue
			}
			if start, ok := sig.Body[0].(bool); ok {
				out <- start
			}
		}
	}()

	cancel := func() {
		_ = m.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(managerIface),
			dbus.WithMatchMember(prepareForSleepMember),
			dbus.WithMatchObjectPath(managerPath),
		)
		m.conn.RemoveSignal(raw)
		close(raw)
	}
	return out, cancel, nil
}

// SessionByPID resolves the session a process belongs to.
func (m *Manager) SessionByPID(ctx context.Context, pid uint32) (*Session, error) {
	var path dbus.ObjectPath
	call := m.obj.CallWithContext(ctx, managerIface+".GetSessionByPID", 0, pid)
	if call.Err != nil {
		return nil, fmt.Errorf("logind.SessionByPID(%d): %w", pid, call.Err)
	}
	if err := call.Store(&path); err != nil {
		return nil, fmt.Errorf("logind.SessionByPID: decode: %w", err)
	}
	return &Session{conn: m.conn, obj: m.conn.Object(busName, path), path: path}, nil
}

// Session talks to one logind session object.
type Session struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// Path returns the session's object path.
func (s *Session) Path() dbus.ObjectPath { return s.path }

// SetIdleHint publishes the session's idleness to the host.
func (s *Session) SetIdleHint(ctx context.Context, idle bool) error {
	if call := s.obj.CallWithContext(ctx, sessionIface+".SetIdleHint", 0, idle); call.Err != nil {
		return fmt.Errorf("logind.SetIdleHint(%t): %w", idle, call.Err)
	}
	return nil
}

// IdleHint reads the session's current idle hint.
func (s *Session) IdleHint(ctx context.Context) (bool, error) {
	variant, err := s.obj.GetProperty(sessionIface + ".IdleHint")
	if err != nil {
		return false, fmt.Errorf("logind.IdleHint: %w", err)
	}
	hint, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("logind.IdleHint: unexpected type %T", variant.Value())
	}
	return hint, nil
}

// SetLockedHint publishes whether the session is locked.
func (s *Session) SetLockedHint(ctx context.Context, locked bool) error {
	if call := s.obj.CallWithContext(ctx, sessionIface+".SetLockedHint", 0, locked); call.Err != nil {
		return fmt.Errorf("logind.SetLockedHint(%t): %w", locked, call.Err)
	}
	return nil
}

// SetBrightness sets a sysfs backlight through logind, which performs the
// privileged write on behalf of the session owner.
func (s *Session) SetBrightness(ctx context.Context, subsystem, name string, value uint32) error {
	if call := s.obj.CallWithContext(ctx, sessionIface+".SetBrightness", 0, subsystem, name, value); call.Err != nil {
		return fmt.Errorf("logind.SetBrightness(%s/%s=%d): %w", subsystem, name, value, call.Err)
	}
	return nil
}
