package control

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/sensor"
)

func TestSleepWatcherLocksBeforeAcknowledging(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	fake := &fakeEffector{effectName: "lock", log: log}
	lockPort, err := actor.Spawn[effect.Message, int](ctx, fake, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	updates := make(chan sensor.SleepUpdate, 1)
	mock := display.NewMock()
	watcher := NewSleepWatcher(updates, lockPort, mock.Controller(), zap.NewNop())
	handle := watcher.Spawn(ctx)
	defer handle.Stop()

	ready := make(chan struct{}, 1)
	updates <- sensor.SleepUpdate{Kind: sensor.GoingToSleep, Ready: ready}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("watcher never acknowledged sleep readiness")
	}
	if fake.currentDepth() != 1 {
		t.Fatalf("lock depth = %d, want 1 (locked before ack)", fake.currentDepth())
	}
}

func TestSleepWatcherForcesActivityOnWake(t *testing.T) {
	ctx := context.Background()
	updates := make(chan sensor.SleepUpdate, 1)
	mock := display.NewMock()
	watcher := NewSleepWatcher(updates, nil, mock.Controller(), zap.NewNop())
	handle := watcher.Spawn(ctx)
	defer handle.Stop()

	updates <- sensor.SleepUpdate{Kind: sensor.WokenUp}

	deadline := time.Now().Add(time.Second)
	for mock.ForcedActivityCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never forced display activity after wake")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSleepWatcherAcknowledgesWithoutLocker(t *testing.T) {
	ctx := context.Background()
	updates := make(chan sensor.SleepUpdate, 1)
	watcher := NewSleepWatcher(updates, nil, display.NewMock().Controller(), zap.NewNop())
	handle := watcher.Spawn(ctx)
	defer handle.Stop()

	ready := make(chan struct{}, 1)
	updates <- sensor.SleepUpdate{Kind: sensor.GoingToSleep, Ready: ready}
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("watcher never acknowledged sleep readiness")
	}
}
