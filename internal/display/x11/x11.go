// Package x11 implements the display.Server interface against an X11
// display using the MIT-SCREEN-SAVER and DPMS extensions.
//
// Connection layout:
//   - A command connection serves all controller roundtrips. xgb serialises
//     requests internally, so the controller is safe for concurrent use.
//   - A separate event connection is owned by the event pump, which runs on
//     a dedicated OS thread and feeds the latched idleness channel. The two
//     sides never share a connection.
//
// Screensaver registration follows xss-lock: a 1x1 pixmap is installed as
// the external screensaver (_MIT_SCREEN_SAVER_ID on the root window), which
// suppresses the server's built-in blanking while still delivering
// ScreenSaverNotify state transitions. An InputOnly control window exists
// only so Close can wake the pump with a DestroyNotify event.

package x11

import (
	"fmt"
	"runtime"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/dpms"
	"github.com/jezek/xgb/screensaver"
	"github.com/jezek/xgb/xproto"
	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/watch"
)

// Server is an X11-backed display.Server.
type Server struct {
	log *zap.Logger

	commandConn *xgb.Conn
	eventConn   *xgb.Conn
	screen      *xproto.ScreenInfo

	states          *watch.Channel[display.State]
	controlWindow   xproto.Window
	screensaverAtom xproto.Atom
}

// Connect opens both connections to the named display ("" uses $DISPLAY),
// registers the screensaver, and starts the event pump.
func Connect(displayName string, log *zap.Logger) (*Server, error) {
	commandConn, err := xgb.NewConnDisplay(displayName)
	if err != nil {
		return nil, fmt.Errorf("x11.Connect: command connection: %w", err)
	}
	eventConn, err := xgb.NewConnDisplay(displayName)
	if err != nil {
		commandConn.Close()
		return nil, fmt.Errorf("x11.Connect: event connection: %w", err)
	}

	s := &Server{
		log:         log.Named("x11"),
		commandConn: commandConn,
		eventConn:   eventConn,
		states:      watch.New(display.Awakened),
	}
	if err := s.initialize(); err != nil {
		eventConn.Close()
		commandConn.Close()
		return nil, err
	}

	go s.eventPump()
	return s, nil
}

func (s *Server) initialize() error {
	for _, conn := range []*xgb.Conn{s.commandConn, s.eventConn} {
		if err := screensaver.Init(conn); err != nil {
			return fmt.Errorf("x11.Connect: MIT-SCREEN-SAVER unsupported: %w", err)
		}
		if err := dpms.Init(conn); err != nil {
			return fmt.Errorf("x11.Connect: DPMS unsupported: %w", err)
		}
	}
	s.screen = xproto.Setup(s.eventConn).DefaultScreen(s.eventConn)

	if err := s.installScreensaver(); err != nil {
		return err
	}
	if err := s.installControlWindow(); err != nil {
		return err
	}

	err := screensaver.SelectInputChecked(s.eventConn,
		xproto.Drawable(s.screen.Root), screensaver.EventNotifyMask).Check()
	if err != nil {
		return fmt.Errorf("x11.Connect: selecting screensaver events: %w", err)
	}
	s.log.Debug("screensaver installed, events selected")
	return nil
}

// installScreensaver registers a 1x1 pixmap as the external screensaver.
func (s *Server) installScreensaver() error {
	pixmap, err := xproto.NewPixmapId(s.eventConn)
	if err != nil {
		return fmt.Errorf("x11.Connect: allocating pixmap id: %w", err)
	}
	err = xproto.CreatePixmapChecked(s.eventConn, s.screen.RootDepth, pixmap,
		xproto.Drawable(s.screen.Root), 1, 1).Check()
	if err != nil {
		return fmt.Errorf("x11.Connect: creating screensaver pixmap: %w", err)
	}

	atomName := "_MIT_SCREEN_SAVER_ID"
	atomReply, err := xproto.InternAtom(s.eventConn, false, uint16(len(atomName)), atomName).Reply()
	if err != nil {
		return fmt.Errorf("x11.Connect: interning screensaver atom: %w", err)
	}
	s.screensaverAtom = atomReply.Atom

	err = screensaver.SetAttributesChecked(s.eventConn,
		xproto.Drawable(s.screen.Root), -1, -1, 1, 1, 0,
		xproto.WindowClassCopyFromParent, s.screen.RootDepth, 0, 0, nil).Check()
	if err != nil {
		return fmt.Errorf("x11.Connect: setting screensaver attributes (another screensaver running?): %w", err)
	}

	var data [4]byte
	xgbPut32(data[:], uint32(pixmap))
	err = xproto.ChangePropertyChecked(s.eventConn, xproto.PropModeReplace,
		s.screen.Root, s.screensaverAtom, xproto.AtomPixmap, 32, 1, data[:]).Check()
	if err != nil {
		return fmt.Errorf("x11.Connect: publishing screensaver id: %w", err)
	}
	return nil
}

func (s *Server) installControlWindow() error {
	window, err := xproto.NewWindowId(s.eventConn)
	if err != nil {
		return fmt.Errorf("x11.Connect: allocating control window id: %w", err)
	}
	// Depth 0 copies the parent's depth.
	err = xproto.CreateWindowChecked(s.eventConn, 0,
		window, s.screen.Root, -1, -1, 1, 1, 0,
		xproto.WindowClassInputOnly, s.screen.RootVisual,
		xproto.CwEventMask, []uint32{xproto.EventMaskStructureNotify}).Check()
	if err != nil {
		return fmt.Errorf("x11.Connect: creating control window: %w", err)
	}
	s.controlWindow = window
	return nil
}

// eventPump blocks on the event connection and feeds the latched state
// channel. It owns an OS thread: xgb's WaitForEvent blocks in a read and
// the X server wakes it only with traffic for this connection.
func (s *Server) eventPump() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer s.eventConn.Close()
	defer s.states.Close()

	for {
		ev, xerr := s.eventConn.WaitForEvent()
		if ev == nil && xerr == nil {
			s.log.Info("event connection closed, stopping pump")
			return
		}
		if xerr != nil {
			s.log.Error("error waiting for idleness event", zap.String("error", xerr.Error()))
			continue
		}
		switch e := ev.(type) {
		case screensaver.NotifyEvent:
			state := notifyState(e.State)
			s.log.Debug("idleness event", zap.Stringer("state", state))
			s.states.Set(state)
		case xproto.DestroyNotifyEvent:
			if e.Window != s.controlWindow {
				s.log.Debug("spurious window destruction caught")
				continue
			}
			s.log.Info("control window destroyed, stopping pump")
			return
		default:
			s.log.Warn("unexpected event from X11", zap.String("event", ev.String()))
		}
	}
}

func notifyState(state byte) display.State {
	switch state {
	case screensaver.StateOn, screensaver.StateCycle:
		return display.Idle
	default: // StateOff, StateDisabled
		return display.Awakened
	}
}

// Subscribe implements display.Server.
func (s *Server) Subscribe() *watch.Receiver[display.State] {
	return s.states.Subscribe()
}

// Controller implements display.Server.
func (s *Server) Controller() display.Controller {
	return &controller{conn: s.commandConn}
}

// Close unregisters the screensaver, wakes the pump via the control window,
// and closes the command connection; the pump closes the event connection
// as it stops.
func (s *Server) Close() error {
	unsetErr := screensaver.UnsetAttributesChecked(s.commandConn,
		xproto.Drawable(s.screen.Root)).Check()
	delErr := xproto.DeletePropertyChecked(s.commandConn,
		s.screen.Root, s.screensaverAtom).Check()
	destroyErr := xproto.DestroyWindowChecked(s.commandConn, s.controlWindow).Check()

	s.commandConn.Close()
	if unsetErr != nil {
		return fmt.Errorf("x11.Close: unsetting screensaver: %w", unsetErr)
	}
	if delErr != nil {
		return fmt.Errorf("x11.Close: deleting screensaver property: %w", delErr)
	}
	if destroyErr != nil {
		return fmt.Errorf("x11.Close: destroying control window: %w", destroyErr)
	}
	return nil
}

type controller struct {
	conn *xgb.Conn
}

func (c *controller) SetIdleTimeout(seconds int) error {
	if err := xproto.SetScreenSaverChecked(c.conn, int16(seconds), 0,
		xproto.BlankingNotPreferred, xproto.ExposuresDefault).Check(); err != nil {
		return fmt.Errorf("x11.SetIdleTimeout(%d): %w", seconds, err)
	}
	return nil
}

func (c *controller) IdleTimeout() (int, error) {
	reply, err := xproto.GetScreenSaver(c.conn).Reply()
	if err != nil {
		return 0, fmt.Errorf("x11.IdleTimeout: %w", err)
	}
	return int(reply.Timeout), nil
}

func (c *controller) ForceActivity() error {
	if err := xproto.ForceScreenSaverChecked(c.conn, xproto.ScreenSaverReset).Check(); err != nil {
		return fmt.Errorf("x11.ForceActivity: %w", err)
	}
	return nil
}

func (c *controller) DPMSCapable() (bool, error) {
	reply, err := dpms.Capable(c.conn).Reply()
	if err != nil {
		return false, fmt.Errorf("x11.DPMSCapable: %w", err)
	}
	return reply.Capable, nil
}

func (c *controller) DPMSInfo() (display.DPMSLevel, bool, error) {
	reply, err := dpms.Info(c.conn).Reply()
	if err != nil {
		return display.DPMSOn, false, fmt.Errorf("x11.DPMSInfo: %w", err)
	}
	return levelFromMode(reply.PowerLevel), reply.State, nil
}

func (c *controller) SetDPMSLevel(level display.DPMSLevel) error {
	if err := dpms.ForceLevelChecked(c.conn, modeFromLevel(level)).Check(); err != nil {
		return fmt.Errorf("x11.SetDPMSLevel(%s): %w", level, err)
	}
	return nil
}

func (c *controller) SetDPMSEnabled(enabled bool) error {
	var err error
	if enabled {
		err = dpms.EnableChecked(c.conn).Check()
	} else {
		err = dpms.DisableChecked(c.conn).Check()
	}
	if err != nil {
		return fmt.Errorf("x11.SetDPMSEnabled(%t): %w", enabled, err)
	}
	return nil
}

func (c *controller) DPMSTimeouts() (display.DPMSTimeouts, error) {
	reply, err := dpms.GetTimeouts(c.conn).Reply()
	if err != nil {
		return display.DPMSTimeouts{}, fmt.Errorf("x11.DPMSTimeouts: %w", err)
	}
	return display.DPMSTimeouts{
		Standby: reply.StandbyTimeout,
		Suspend: reply.SuspendTimeout,
		Off:     reply.OffTimeout,
	}, nil
}

func (c *controller) SetDPMSTimeouts(timeouts display.DPMSTimeouts) error {
	if err := dpms.SetTimeoutsChecked(c.conn,
		timeouts.Standby, timeouts.Suspend, timeouts.Off).Check(); err != nil {
		return fmt.Errorf("x11.SetDPMSTimeouts: %w", err)
	}
	return nil
}

func levelFromMode(mode uint16) display.DPMSLevel {
	switch mode {
	case dpms.DPMSModeStandby:
		return display.DPMSStandby
	case dpms.DPMSModeSuspend:
		return display.DPMSSuspend
	case dpms.DPMSModeOff:
		return display.DPMSOff
	default:
		return display.DPMSOn
	}
}

func modeFromLevel(level display.DPMSLevel) uint16 {
	switch level {
	case display.DPMSStandby:
		return dpms.DPMSModeStandby
	case display.DPMSSuspend:
		return dpms.DPMSModeSuspend
	case display.DPMSOff:
		return dpms.DPMSModeOff
	default:
		return dpms.DPMSModeOn
	}
}

// xgbPut32 encodes a 32-bit property value in the connection's byte order.
// xgb marshals little-endian on all supported platforms.
func xgbPut32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
