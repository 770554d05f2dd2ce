// Package control — sleepwatch.go
//
// Bridges the sleep sensor to the rest of the system. Before the host
// suspends, the watcher runs the locker (when one is configured) so the
// session comes back locked, then acknowledges sleep readiness. After the
// resume it forces display activity, so the wake-up is observed as user
// activity and the idleness controller rolls applied effects back.

package control

import (
	"context"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/sensor"
)

// SleepWatcher reacts to sleep sensor broadcasts.
type SleepWatcher struct {
	log     *zap.Logger
	updates <-chan sensor.SleepUpdate
	lock    *effect.Port // nil when no locker is configured
	ctl     display.Controller
}

// NewSleepWatcher wires a watcher to a sleep sensor subscription. The
// watcher takes ownership of the lock port capability.
func NewSleepWatcher(updates <-chan sensor.SleepUpdate, lock *effect.Port, ctl display.Controller, log *zap.Logger) *SleepWatcher {
	return &SleepWatcher{
		log:     log.Named("sleep-watcher"),
		updates: updates,
		lock:    lock,
		ctl:     ctl,
	}
}

// Spawn starts the watcher loop.
func (w *SleepWatcher) Spawn(ctx context.Context) *actor.Handle {
	handle, child := actor.NewHandle()
	go w.mainLoop(ctx, child)
	return handle
}

func (w *SleepWatcher) mainLoop(ctx context.Context, child *actor.HandleChild) {
	defer func() {
		if w.lock != nil {
			w.lock.Close()
		}
	}()
	for {
		select {
		case <-child.ShouldTerminate():
			w.log.Debug("terminating")
			return
		case update := <-w.updates:
			switch update.Kind {
			case sensor.GoingToSleep:
				w.handleSleep(ctx, update.Ready)
			case sensor.WokenUp:
				if err := w.ctl.ForceActivity(); err != nil {
					w.log.Error("couldn't force display activity after resume", zap.Error(err))
				}
			}
		}
	}
}

func (w *SleepWatcher) handleSleep(ctx context.Context, ready chan<- struct{}) {
	if w.lock != nil {
		if _, err := w.lock.Call(ctx, effect.Execute); err != nil {
			w.log.Error("failed to lock the session before sleep", zap.Error(err))
		}
	}
	select {
	case ready <- struct{}{}:
	default:
		w.log.Error("acknowledging sleep readiness failed")
	}
}
