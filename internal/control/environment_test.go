package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/inventory"
	"github.com/duskd/duskd/internal/observability"
	"github.com/duskd/duskd/internal/sensor"
	"github.com/duskd/duskd/internal/watch"
)

type envBench struct {
	t         *testing.T
	ctx       context.Context
	log       *eventLog
	inventory *inventory.Port
	inhibits  *sensor.InhibitionPort
	mock      *display.Mock
	power     *watch.Channel[sensor.PowerStatus]

	// effectors is written by the inventory's spawn closure (actor
	// goroutine) and read by the test; mu covers both.
	mu        sync.Mutex
	effectors map[string]*fakeEffector
}

// effector returns the fake behind a name, or nil before its first spawn.
func (b *envBench) effector(name string) *fakeEffector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectors[name]
}

func (b *envBench) depth(name string) int {
	if fake := b.effector(name); fake != nil {
		return fake.currentDepth()
	}
	return -1
}

func newEnvBench(t *testing.T) *envBench {
	t.Helper()
	b := &envBench{
		t:         t,
		ctx:       context.Background(),
		log:       &eventLog{},
		effectors: make(map[string]*fakeEffector),
		mock:      display.NewMock(),
		power:     watch.New(sensor.PowerStatus{Source: sensor.SourceExternal}),
	}

	spawn := func(ctx context.Context, name string) (*effect.Port, error) {
		fake := &fakeEffector{effectName: name, log: b.log}
		b.mu.Lock()
		b.effectors[name] = fake
		b.mu.Unlock()
		return actor.Spawn[effect.Message, int](ctx, fake, zap.NewNop())
	}
	inv, err := inventory.Spawn(b.ctx, spawn, zap.NewNop())
	if err != nil {
		t.Fatalf("spawning inventory: %v", err)
	}
	t.Cleanup(func() { _ = inv.AwaitShutdown(context.Background()) })
	b.inventory = inv

	inhibits, err := sensor.SpawnInhibition(b.ctx, &mutableLister{}, zap.NewNop())
	if err != nil {
		t.Fatalf("spawning inhibition sensor: %v", err)
	}
	t.Cleanup(inhibits.Close)
	b.inhibits = inhibits
	return b
}

func (b *envBench) spawn(schedules Schedules, lowBattery *int) (*actor.Handle, error) {
	ec := NewEnvironmentController(schedules, lowBattery, b.inventory, b.inhibits,
		b.mock, b.power, observability.NewMetrics(), zap.NewNop())
	return ec.Spawn(b.ctx)
}

// driveUntilDepth repeatedly scripts a display state until the named
// effector reaches the wanted depth. Re-setting the state is harmless: the
// sequencer logs and ignores transitions it does not expect, and the
// repetition closes the startup race between the test and the
// asynchronously spawned sequencer pair.
func (b *envBench) driveUntilDepth(state display.State, name string, want int, timeout time.Duration) {
	b.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		b.mock.SetState(state)
		if b.depth(name) == want {
			return
		}
		if time.Now().After(deadline) {
			b.t.Fatalf("effector %s depth = %d, want %d", name, b.depth(name), want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEnvironmentRejectsEmptyScheduleSet(t *testing.T) {
	b := newEnvBench(t)
	if _, err := b.spawn(Schedules{}, nil); err == nil {
		t.Fatal("spawn with no schedules must fail")
	}
}

func TestEnvironmentRejectsUnknownEffect(t *testing.T) {
	b := newEnvBench(t)
	schedules := Schedules{
		ScheduleExternal: {"warp_core": 30 * time.Second},
	}
	if _, err := b.spawn(schedules, nil); err == nil {
		t.Fatal("spawn with unknown effect name must fail")
	}
}

func TestEnvironmentAppliesFirstBunchOnIdle(t *testing.T) {
	b := newEnvBench(t)
	schedules := Schedules{
		ScheduleExternal: {"screen_dim": time.Second},
	}
	handle, err := b.spawn(schedules, nil)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer handle.Stop()

	b.driveUntilDepth(display.Idle, "brightness", 1, 2*time.Second)
	// The idle-hint action is appended to the first bunch.
	b.driveUntilDepth(display.Idle, "session", 1, 2*time.Second)

	b.driveUntilDepth(display.Awakened, "brightness", 0, 2*time.Second)
	b.driveUntilDepth(display.Awakened, "session", 0, 2*time.Second)
}

func TestEnvironmentFallsBackThroughSubstitutionChain(t *testing.T) {
	b := newEnvBench(t)
	b.power.Set(sensor.PowerStatus{Source: sensor.SourceBattery, BatteryPercent: 90})
	schedules := Schedules{
		ScheduleExternal: {"screen_dim": time.Second},
	}
	handle, err := b.spawn(schedules, nil)
	if err != nil {
		t.Fatalf("spawn with fallback schedule failed: %v", err)
	}
	defer handle.Stop()

	// The battery tier substitutes down to the external sequence.
	b.driveUntilDepth(display.Idle, "brightness", 1, 2*time.Second)
}

func TestEnvironmentSwitchesScheduleOnPowerChange(t *testing.T) {
	b := newEnvBench(t)
	schedules := Schedules{
		ScheduleExternal: {"screen_dim": 300 * time.Millisecond},
		ScheduleBattery:  {"screen_off": 300 * time.Millisecond},
	}
	handle, err := b.spawn(schedules, nil)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer handle.Stop()

	// Idle under the external schedule applies dim + idle hint.
	b.driveUntilDepth(display.Idle, "brightness", 1, 2*time.Second)

	// Crossing to battery swaps the pair; the old effects are scheduled
	// for rollback by the reconciliation context.
	b.power.Set(sensor.PowerStatus{Source: sensor.SourceBattery, BatteryPercent: 80})

	// Activity under the new pair unwinds everything the old one applied.
	deadline := time.Now().Add(3 * time.Second)
	for {
		b.mock.SetState(display.Awakened)
		if b.depth("brightness") == 0 && b.depth("session") == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old effects not unwound after switch: brightness=%d session=%d",
				b.depth("brightness"), b.depth("session"))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEnvironmentLowBatteryThreshold(t *testing.T) {
	b := newEnvBench(t)
	threshold := 40
	b.power.Set(sensor.PowerStatus{Source: sensor.SourceBattery, BatteryPercent: 30})
	schedules := Schedules{
		ScheduleExternal:   {"screen_dim": time.Second},
		ScheduleLowBattery: {"screen_off": time.Second},
	}
	handle, err := b.spawn(schedules, &threshold)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer handle.Stop()

	// 30% ≤ threshold 40% selects the low-battery schedule.
	b.driveUntilDepth(display.Idle, "dpms", 1, 2*time.Second)
	if fake := b.effector("brightness"); fake != nil && fake.currentDepth() != 0 {
		t.Fatal("external schedule ran instead of low-battery")
	}
}
