// Package control — sequencer.go
//
// The sequencer advances bunch-by-bunch through a sequence's timeouts,
// coordinating with the display server's own idle detector.
//
// Position 0 belongs to the display server: its idleness timeout is
// programmed to the first bunch's delay and the sequencer waits for the
// resulting Idle signal. Later positions are handled by an internal timer.
// An Awakened signal resets the position to 0 from anywhere.
//
// A position change is atomic from the outside: the position advances only
// after the downstream idleness controller has accepted the corresponding
// Idle or Awakened message. When the child rejects a message (an inhibited
// bunch, an internal error), the tick is treated as missed — the position
// stays and the timer re-arms for another try. At position 0 there is no
// timer to re-arm; the sequencer forces display activity instead, so the
// display server starts a fresh idle cycle.

package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/observability"
	"github.com/duskd/duskd/internal/watch"
)

// GetRunningTime asks the sequencer how long the current idle streak has
// been running: the sum of passed bunch timeouts plus the time since the
// last position change.
type GetRunningTime struct{}

// SequencerPort is the request port of a spawned sequencer.
type SequencerPort = actor.Port[GetRunningTime, time.Duration]

type positionChange int

const (
	positionIncrement positionChange = iota
	positionReset
)

// Sequencer drives one sequence. Created per schedule activation and
// disposed when superseded.
type Sequencer struct {
	log     *zap.Logger
	metrics *observability.Metrics

	timeouts []time.Duration
	pos      int
	ctl      display.Controller
	states   *watch.Receiver[display.State]
	child    *IdlenessPort

	posChangedAt    time.Time
	originalTimeout int
	dirty           bool
	shorten         time.Duration

	recv *actor.Receiver[GetRunningTime, time.Duration]
}

// NewSequencer wires a sequencer to its child controller and display
// server. timeouts are per-bunch offsets; startPos and shorten come from
// the reconciliation context.
func NewSequencer(
	child *IdlenessPort,
	ctl display.Controller,
	states *watch.Receiver[display.State],
	timeouts []time.Duration,
	startPos int,
	shorten time.Duration,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Sequencer {
	return &Sequencer{
		log:             log.Named("sequencer"),
		metrics:         metrics,
		timeouts:        timeouts,
		pos:             startPos,
		ctl:             ctl,
		states:          states,
		child:           child,
		posChangedAt:    time.Now(),
		originalTimeout: display.DefaultTimeout,
		shorten:         shorten,
	}
}

// Spawn programs the display server and starts the main loop. The returned
// port serves GetRunningTime; closing it shuts the sequencer down.
func (s *Sequencer) Spawn(ctx context.Context) (*SequencerPort, error) {
	if err := s.initialize(); err != nil {
		return nil, err
	}
	port, recv := actor.Make[GetRunningTime, time.Duration]()
	s.recv = recv
	go s.mainLoop(ctx)
	return port, nil
}

func (s *Sequencer) initialize() error {
	original, err := s.ctl.IdleTimeout()
	if err != nil {
		s.log.Error("failed reading current display timeout, will restore the default",
			zap.Error(err))
		original = display.DefaultTimeout
	}
	s.originalTimeout = original

	// Starting mid-sequence with the session awake means the display
	// server's timeout cannot correspond to bunch 0: program the current
	// bunch's timeout now and rewrite it after the first real transition.
	s.dirty = s.pos != 0 && s.states.Latest() == display.Awakened
	s.log.Debug("initializing", zap.Int("position", s.pos), zap.Bool("dirty", s.dirty))

	initialIndex := 0
	if s.dirty {
		initialIndex = min(s.pos, len(s.timeouts)-1)
	}
	if err := s.setDisplayTimeout(s.timeouts[initialIndex]); err != nil {
		return err
	}
	s.metrics.SequencerPosition.Set(float64(s.pos))
	return nil
}

func (s *Sequencer) mainLoop(ctx context.Context) {
	defer s.tearDown(ctx)

	// The timer is armed even when the current position belongs to the
	// display server; it is simply not selected on until a position does.
	first := s.timeouts[min(s.pos, len(s.timeouts)-1)] - s.shorten
	if first < 0 {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		wasChange, terminate := s.loopIteration(ctx, timer)
		if terminate {
			return
		}
		if s.dirty && wasChange {
			s.log.Debug("undirtying initial position")
			if err := s.setDisplayTimeout(s.timeouts[0]); err != nil {
				s.log.Error("couldn't reprogram display timeout, first bunch may fire at unexpected times",
					zap.Error(err))
			} else {
				s.dirty = false
			}
		}
		if wasChange && s.handleableBySleep() {
			s.log.Debug("re-arming internal timer",
				zap.Duration("timeout", s.timeouts[s.pos]))
			resetTimer(timer, s.timeouts[s.pos])
		}
	}
}

// loopIteration waits for the next stimulus. Returns whether the position
// (possibly unsuccessfully) changed and whether the loop must terminate.
func (s *Sequencer) loopIteration(ctx context.Context, timer *time.Timer) (bool, bool) {
	var timerC <-chan time.Time
	if s.handleableBySleep() {
		timerC = timer.C
	}

	select {
	case <-timerC:
		s.log.Debug("internal timer fired")
		return s.afterChildSend(ctx, s.changePosition(ctx, positionIncrement))

	case <-s.states.Changed():
		if s.states.Closed() {
			s.log.Error("display server signal source closed, terminating")
			return false, true
		}
		return s.handleStateChange(ctx)

	case req := <-s.recv.Requests():
		req.Respond(s.runningTime(), nil)
		return false, false

	case <-s.recv.Stopped():
		s.log.Debug("port closed, terminating")
		return false, true
	}
}

func (s *Sequencer) handleStateChange(ctx context.Context) (bool, bool) {
	newState := s.states.Latest()
	s.log.Debug("display server signal", zap.Stringer("state", newState))

	dsPosition := 0
	if s.dirty {
		dsPosition = s.pos
	}

	switch {
	case s.pos == dsPosition && newState == display.Awakened:
		s.log.Error("unexpected awake from display server, is something else setting the timeouts?")
		return false, false
	case s.pos == dsPosition && newState == display.Idle:
		return s.afterChildSend(ctx, s.changePosition(ctx, positionIncrement))
	case newState == display.Awakened:
		return s.afterChildSend(ctx, s.changePosition(ctx, positionReset))
	default:
		s.log.Error("unexpected idle from display server, is something else setting the timeouts?")
		return false, false
	}
}

// afterChildSend folds a changePosition result into loop control: child
// acceptance and recoverable errors both count as a state change (the
// timer must re-arm), transport failures terminate the loop.
func (s *Sequencer) afterChildSend(ctx context.Context, err error) (bool, bool) {
	if err == nil {
		return true, false
	}
	if errors.Is(err, actor.ErrPortClosed) || errors.Is(err, actor.ErrNoReply) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("child gone, terminating", zap.Error(err))
		return false, true
	}

	// Recoverable: an inhibited bunch or an internal child error. The tick
	// is missed; retry on the next cycle.
	if errors.Is(err, ErrInhibited) {
		s.log.Info("bunch inhibited, retrying on next cycle")
	} else {
		s.log.Error("downstream controller error", zap.Error(err))
	}
	if s.pos == 0 {
		if !s.recoverThroughActivity(ctx) {
			return false, true
		}
	}
	return true, false
}

// recoverThroughActivity forces host activity so the idle cycle restarts
// and waits for the resulting Awakened. Returns false on termination.
func (s *Sequencer) recoverThroughActivity(ctx context.Context) bool {
	s.log.Debug("recovering from child error by forcing display activity")
	if err := s.ctl.ForceActivity(); err != nil {
		s.log.Error("couldn't force display activity, effects stopped until next awake-idle cycle",
			zap.Error(err))
		return true
	}
	for {
		select {
		case <-s.states.Changed():
			if s.states.Closed() {
				return false
			}
			if s.states.Latest() == display.Awakened {
				return true
			}
			s.log.Warn("unexpected idle while waiting for display server to reactivate")
		case <-s.recv.Stopped():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Sequencer) changePosition(ctx context.Context, change positionChange) error {
	original := s.pos
	var message display.State
	switch change {
	case positionIncrement:
		s.pos++
		message = display.Idle
	case positionReset:
		s.pos = 0
		message = display.Awakened
	}
	s.posChangedAt = time.Now()

	if _, err := s.child.Call(ctx, message); err != nil {
		s.pos = original
		s.posChangedAt = time.Now()
		return err
	}
	s.log.Debug("position changed",
		zap.Int("from", original), zap.Int("to", s.pos),
		zap.Bool("internally_handled", s.handleableBySleep()))
	s.metrics.SequencerPosition.Set(float64(s.pos))
	return nil
}

// handleableBySleep reports whether the current position's timeout is the
// internal timer's responsibility.
func (s *Sequencer) handleableBySleep() bool {
	return s.pos != 0 && s.pos < len(s.timeouts) && !s.dirty
}

// runningTime implements the GetRunningTime probe.
func (s *Sequencer) runningTime() time.Duration {
	if s.pos == 0 {
		return 0
	}
	var sum time.Duration
	for _, t := range s.timeouts[:s.pos] {
		sum += t
	}
	return sum + time.Since(s.posChangedAt)
}

func (s *Sequencer) tearDown(ctx context.Context) {
	s.log.Debug("tearing down")
	if err := s.setDisplayTimeout(time.Duration(s.originalTimeout) * time.Second); err != nil {
		s.log.Error("couldn't restore original display timeout", zap.Error(err))
	}
	if err := s.child.AwaitShutdown(ctx); err != nil {
		s.log.Error("child shutdown interrupted", zap.Error(err))
	}
	s.recv.Shutdown()
	s.log.Debug("stopped")
}

// setDisplayTimeout programs the display server in whole seconds, rounding
// sub-second timeouts up so they never disable idleness detection.
func (s *Sequencer) setDisplayTimeout(d time.Duration) error {
	seconds := int((d + time.Second - 1) / time.Second)
	if d < 0 {
		seconds = int(d / time.Second)
	}
	return s.ctl.SetIdleTimeout(seconds)
}

// resetTimer re-arms a possibly-fired, possibly-drained timer.
func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
