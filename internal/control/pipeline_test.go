package control

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/logind"
	"github.com/duskd/duskd/internal/observability"
)

// End-to-end walk of a three-bunch sequence through a real sequencer +
// idleness-controller pair over the mock display server: the host idle
// signal fires bunch 0, internal timers fire bunches 1 and 2, and user
// activity rolls all three back in reverse order.
func TestPipelineWalksSequenceAndUnwindsOnActivity(t *testing.T) {
	b := newTestBench(t)
	unit := 250 * time.Millisecond
	seq := effect.Sequence{
		{Delay: unit, Actions: []effect.Action{
			b.action("screen_dim", effect.RollbackOnActivity, logind.InhibitIdle),
		}},
		{Delay: 2 * unit, Actions: []effect.Action{
			b.action("screen_off", effect.RollbackOnActivity, logind.InhibitIdle),
		}},
		{Delay: 3 * unit, Actions: []effect.Action{
			b.action("sleep", effect.RollbackOnActivity, logind.InhibitSleep),
		}},
	}

	controller := NewIdlenessController(seq, Reconciliation{}, b.sensor.Clone(),
		observability.NewMetrics(), zap.NewNop())
	controllerPort, err := actor.Spawn[display.State, struct{}](b.ctx, controller, zap.NewNop())
	if err != nil {
		t.Fatalf("spawning controller: %v", err)
	}

	mock := display.NewMock()
	sequencer := NewSequencer(controllerPort, mock.Controller(), mock.Subscribe(),
		seq.Timeouts(), 0, 0, observability.NewMetrics(), zap.NewNop())
	port, err := sequencer.Spawn(b.ctx)
	if err != nil {
		t.Fatalf("spawning sequencer: %v", err)
	}
	t.Cleanup(func() { _ = port.AwaitShutdown(context.Background()) })

	waitEvents := func(want []string, timeout time.Duration) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			got := b.log.snapshot()
			if len(got) >= len(want) {
				for i := range want {
					if got[i] != want[i] {
						t.Fatalf("events = %v, want prefix %v", got, want)
					}
				}
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %v, have %v", want, got)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	mock.SetState(display.Idle)
	waitEvents([]string{"execute screen_dim"}, time.Second)
	waitEvents([]string{
		"execute screen_dim",
		"execute screen_off",
		"execute sleep",
	}, 3*time.Second)

	mock.SetState(display.Awakened)
	waitEvents([]string{
		"execute screen_dim",
		"execute screen_off",
		"execute sleep",
		"rollback sleep",
		"rollback screen_off",
		"rollback screen_dim",
	}, 2*time.Second)

	for name, fake := range b.effectors {
		if fake.currentDepth() != 0 {
			t.Errorf("effector %s depth = %d after full cycle, want 0", name, fake.currentDepth())
		}
	}
}

// An inhibited bunch makes the sequencer miss the tick and retry; once the
// inhibitor is withdrawn the same bunch applies on the next cycle.
func TestPipelineInhibitedBunchRetries(t *testing.T) {
	b := newTestBench(t)
	seq := effect.Sequence{
		{Delay: 100 * time.Millisecond, Actions: []effect.Action{
			b.action("screen_off", effect.RollbackOnActivity, logind.InhibitIdle),
		}},
	}
	b.lister.set(logind.Inhibitor{
		What: "idle", Who: "mpv", Why: "playing video", Mode: logind.ModeBlock,
	})

	controller := NewIdlenessController(seq, Reconciliation{}, b.sensor.Clone(),
		observability.NewMetrics(), zap.NewNop())
	controllerPort, err := actor.Spawn[display.State, struct{}](b.ctx, controller, zap.NewNop())
	if err != nil {
		t.Fatalf("spawning controller: %v", err)
	}

	mock := display.NewMock()
	sequencer := NewSequencer(controllerPort, mock.Controller(), mock.Subscribe(),
		seq.Timeouts(), 0, 0, observability.NewMetrics(), zap.NewNop())
	port, err := sequencer.Spawn(b.ctx)
	if err != nil {
		t.Fatalf("spawning sequencer: %v", err)
	}
	t.Cleanup(func() { _ = port.AwaitShutdown(context.Background()) })

	// The inhibited bunch leaves the effector untouched; the sequencer
	// recovers by forcing activity.
	mock.SetState(display.Idle)
	deadline := time.Now().Add(2 * time.Second)
	for mock.ForcedActivityCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sequencer never recovered from the inhibited bunch")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if depth := b.effectors["screen_off"].currentDepth(); depth != 0 {
		t.Fatalf("inhibited effect depth = %d, want 0", depth)
	}

	// Withdraw the inhibitor; the next idle cycle applies the bunch.
	b.lister.set()
	deadline = time.Now().Add(2 * time.Second)
	for b.effectors["screen_off"].currentDepth() != 1 {
		mock.SetState(display.Idle)
		if time.Now().After(deadline) {
			t.Fatalf("bunch never applied after inhibitor withdrawal, depth = %d",
				b.effectors["screen_off"].currentDepth())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
