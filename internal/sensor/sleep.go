// Package sensor — sleep.go
//
// Gates host suspend on subscriber acknowledgement.
//
// The sensor participates in logind's inhibit-delay protocol: it holds a
// delay-mode sleep inhibitor while awake. When the host announces
// PrepareForSleep(true) it broadcasts GoingToSleep with an ack channel,
// waits for every subscriber to acknowledge (bounded by the host's
// InhibitDelayMax), then releases the inhibitor so the suspend proceeds.
// On PrepareForSleep(false) it broadcasts WokenUp after a short grace that
// lets the host's clocks settle.
//
// A silent subscriber can therefore delay suspend by at most the host's
// delay budget, never block it.

package sensor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/logind"
)

// wakeUpGrace delays the WokenUp broadcast so the host finishes resuming.
var wakeUpGrace = time.Second

// SleepUpdateKind tags a sleep transition broadcast.
type SleepUpdateKind int

const (
	// GoingToSleep announces an imminent suspend. The receiver must send
	// on Ready when it is done with pre-sleep work.
	GoingToSleep SleepUpdateKind = iota
	// WokenUp announces a completed resume.
	WokenUp
)

// SleepUpdate is one broadcast from the sleep sensor.
type SleepUpdate struct {
	Kind SleepUpdateKind
	// Ready is non-nil for GoingToSleep broadcasts.
	Ready chan<- struct{}
}

// SleepManager is the logind surface the sleep sensor needs.
// LogindSleepManager adapts *logind.Manager.
type SleepManager interface {
	InhibitDelayMax(ctx context.Context) (time.Duration, error)
	InhibitSleepDelay(ctx context.Context, who, why string) (io.Closer, error)
	PrepareForSleep(buffer int) (<-chan bool, func(), error)
}

// LogindSleepManager adapts *logind.Manager to the SleepManager interface.
type LogindSleepManager struct {
	Manager *logind.Manager
}

func (a LogindSleepManager) InhibitDelayMax(ctx context.Context) (time.Duration, error) {
	return a.Manager.InhibitDelayMax(ctx)
}

func (a LogindSleepManager) InhibitSleepDelay(ctx context.Context, who, why string) (io.Closer, error) {
	return a.Manager.Inhibit(ctx, logind.InhibitSleep, who, why, logind.ModeDelay)
}

func (a LogindSleepManager) PrepareForSleep(buffer int) (<-chan bool, func(), error) {
	return a.Manager.PrepareForSleep(buffer)
}

// SleepSubscription is one receiver of sleep transition broadcasts.
//
// The subscription is an explicit liveness capability: a subscriber that
// goes away must Close it. A pending suspend then stops waiting for that
// subscriber's acknowledgement instead of running out the host's whole
// delay budget. Go channels do not close themselves when their holder
// dies, so the drain-on-death bound needs this explicit signal.
type SleepSubscription struct {
	updates chan SleepUpdate
	done    chan struct{}
	once    sync.Once
}

// Updates delivers the sensor's broadcasts.
func (s *SleepSubscription) Updates() <-chan SleepUpdate { return s.updates }

// Close marks the subscriber dead. Idempotent.
func (s *SleepSubscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// SleepSensor broadcasts sleep transitions to its subscribers.
type SleepSensor struct {
	manager  SleepManager
	log      *zap.Logger
	maxDelay time.Duration

	mu   sync.Mutex
	subs []*SleepSubscription
}

// NewSleepSensor creates an unstarted sensor.
func NewSleepSensor(manager SleepManager, log *zap.Logger) *SleepSensor {
	return &SleepSensor{manager: manager, log: log.Named("sleep-sensor")}
}

// Subscribe registers a new broadcast receiver. Must be called before
// Spawn. The subscriber must Close the subscription when it stops
// consuming updates.
func (s *SleepSensor) Subscribe() *SleepSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &SleepSubscription{
		updates: make(chan SleepUpdate, 3),
		done:    make(chan struct{}),
	}
	s.subs = append(s.subs, sub)
	return sub
}

// liveSubs prunes closed subscriptions and returns a snapshot of the
// remaining ones.
func (s *SleepSensor) liveSubs() []*SleepSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]*SleepSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		select {
		case <-sub.done:
		default:
			live = append(live, sub)
		}
	}
	s.subs = live
	return append([]*SleepSubscription(nil), live...)
}

// Spawn reads the host's delay budget, subscribes to sleep notifications,
// takes the initial delay inhibitor, and starts the broadcast loop.
func (s *SleepSensor) Spawn(ctx context.Context) (*actor.Handle, error) {
	maxDelay, err := s.manager.InhibitDelayMax(ctx)
	if err != nil {
		return nil, fmt.Errorf("sensor.SleepSensor: reading delay budget: %w", err)
	}
	s.maxDelay = maxDelay

	stream, cancel, err := s.manager.PrepareForSleep(8)
	if err != nil {
		return nil, fmt.Errorf("sensor.SleepSensor: subscribing: %w", err)
	}

	handle, child := actor.NewHandle()
	go func() {
		defer cancel()
		s.mainLoop(ctx, child, stream)
	}()
	return handle, nil
}

func (s *SleepSensor) mainLoop(ctx context.Context, child *actor.HandleChild, stream <-chan bool) {
	for {
		lock := s.takeInhibitor(ctx)

		// Awake: wait for the next going-to-sleep edge.
		select {
		case <-child.ShouldTerminate():
			s.releaseInhibitor(lock)
			s.log.Info("terminating")
			return
		case start, ok := <-stream:
			if !ok {
				s.releaseInhibitor(lock)
				s.log.Error("sleep notification stream closed")
				return
			}
			if !start {
				s.releaseInhibitor(lock)
				s.log.Error("system resumed without preparing for sleep first")
				continue
			}
		}

		s.log.Info("system is preparing to sleep, notifying subscribers")
		if !s.awaitAcks(child) {
			s.releaseInhibitor(lock)
			return
		}
		s.releaseInhibitor(lock)

		// Asleep: wait for the resume edge.
		select {
		case <-child.ShouldTerminate():
			s.log.Info("terminating")
			return
		case start, ok := <-stream:
			if !ok {
				s.log.Error("sleep notification stream closed")
				return
			}
			if start {
				s.log.Error("second sleep preparation while already sleeping")
				continue
			}
			time.Sleep(wakeUpGrace)
			s.broadcast(SleepUpdate{Kind: WokenUp})
		}
	}
}

// awaitAcks broadcasts GoingToSleep and waits until every delivered
// subscriber has either acknowledged or died, bounded by the host's delay
// budget. Returns false when termination was requested.
func (s *SleepSensor) awaitAcks(child *actor.HandleChild) bool {
	subs := s.liveSubs()

	// Each delivery gets its own ack slot; a watcher goroutine reduces the
	// subscriber to a single acked-or-died event. Dead subscribers resolve
	// immediately, so a crashed subscriber never runs out the delay budget
	// for everyone else.
	events := make(chan bool, len(subs))
	stop := make(chan struct{})
	defer close(stop)

	delivered := 0
	for _, sub := range subs {
		ready := make(chan struct{}, 1)
		select {
		case sub.updates <- SleepUpdate{Kind: GoingToSleep, Ready: ready}:
		case <-sub.done:
			continue
		default:
			s.log.Warn("subscriber queue full, not waiting for its acknowledgement")
			continue
		}
		delivered++
		go func(done <-chan struct{}) {
			select {
			case <-ready:
				events <- true
			case <-done:
				events <- false
			case <-stop:
			}
		}(sub.done)
	}

	timeout := time.NewTimer(s.maxDelay)
	defer timeout.Stop()
	for resolved, acked := 0, 0; resolved < delivered; {
		select {
		case ok := <-events:
			resolved++
			if ok {
				acked++
				s.log.Debug("sleep readiness acknowledged",
					zap.Int("acked", acked), zap.Int("expected", delivered))
			} else {
				s.log.Warn("subscriber went away before acknowledging, not waiting for it")
			}
		case <-timeout.C:
			s.log.Warn("subscribers did not acknowledge sleep readiness in time",
				zap.Int("missing", delivered-resolved), zap.Duration("max_delay", s.maxDelay))
			return true
		case <-child.ShouldTerminate():
			return false
		}
	}
	return true
}

func (s *SleepSensor) broadcast(update SleepUpdate) {
	for _, sub := range s.liveSubs() {
		select {
		case sub.updates <- update:
		case <-sub.done:
		default:
			s.log.Warn("subscriber queue full, dropping sleep update")
		}
	}
}

func (s *SleepSensor) takeInhibitor(ctx context.Context) io.Closer {
	s.log.Debug("taking sleep delay inhibitor")
	lock, err := s.manager.InhibitSleepDelay(ctx, "duskd", "Handle pre-sleep tasks")
	if err != nil {
		s.log.Error("couldn't take sleep delay inhibitor", zap.Error(err))
		return nil
	}
	return lock
}

func (s *SleepSensor) releaseInhibitor(lock io.Closer) {
	if lock == nil {
		return
	}
	if err := lock.Close(); err != nil {
		s.log.Error("couldn't release sleep delay inhibitor", zap.Error(err))
	}
}
