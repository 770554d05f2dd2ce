package effector

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
)

// fakeBacklight tracks brightness in percent.
type fakeBacklight struct {
	mu      sync.Mutex
	percent int
	writes  []int
}

func (f *fakeBacklight) Brightness(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.percent, nil
}

func (f *fakeBacklight) SetBrightness(_ context.Context, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percent = percent
	f.writes = append(f.writes, percent)
	return nil
}

// fakeSession records hint transitions.
type fakeSession struct {
	mu     sync.Mutex
	idle   bool
	locked bool
}

func (f *fakeSession) SetIdleHint(_ context.Context, idle bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = idle
	return nil
}

func (f *fakeSession) IdleHint(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *fakeSession) SetLockedHint(_ context.Context, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = locked
	return nil
}

func (f *fakeSession) lockedHint() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// fakeSleepHost records suspend requests and lets the test script the
// PrepareForSleep stream.
type fakeSleepHost struct {
	mu       sync.Mutex
	suspends int
	wake     chan bool
}

func newFakeSleepHost() *fakeSleepHost {
	return &fakeSleepHost{wake: make(chan bool, 8)}
}

func (f *fakeSleepHost) Suspend(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
	return nil
}

func (f *fakeSleepHost) suspendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspends
}

func (f *fakeSleepHost) PrepareForSleep(int) (<-chan bool, func(), error) {
	return f.wake, func() {}, nil
}

func spawnEffector(t *testing.T, a actor.Actor[effect.Message, int]) *effect.Port {
	t.Helper()
	port, err := actor.Spawn[effect.Message, int](context.Background(), a, zap.NewNop())
	if err != nil {
		t.Fatalf("spawning %s failed: %v", a.Name(), err)
	}
	t.Cleanup(port.Close)
	return port
}

func TestBrightnessDimAndRestore(t *testing.T) {
	ctx := context.Background()
	backlight := &fakeBacklight{percent: 80}
	port := spawnEffector(t, newBrightnessEffector(backlight, 0.5))

	depth, err := port.Call(ctx, effect.Execute)
	if err != nil || depth != 1 {
		t.Fatalf("Execute = (%d, %v), want (1, nil)", depth, err)
	}
	if p, _ := backlight.Brightness(ctx); p != 40 {
		t.Fatalf("brightness after dim = %d, want 40", p)
	}

	depth, err = port.Call(ctx, effect.Rollback)
	if err != nil || depth != 0 {
		t.Fatalf("Rollback = (%d, %v), want (0, nil)", depth, err)
	}
	if p, _ := backlight.Brightness(ctx); p != 80 {
		t.Fatalf("brightness after rollback = %d, want 80", p)
	}

	if _, err := port.Call(ctx, effect.Rollback); err == nil {
		t.Fatal("second Rollback must fail at depth 0")
	}
}

func TestBrightnessDoubleExecuteFails(t *testing.T) {
	ctx := context.Background()
	port := spawnEffector(t, newBrightnessEffector(&fakeBacklight{percent: 60}, 0.5))

	if _, err := port.Call(ctx, effect.Execute); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if _, err := port.Call(ctx, effect.Execute); err == nil {
		t.Fatal("second Execute must fail while dimmed")
	}
	if depth, err := port.Call(ctx, effect.Count); err != nil || depth != 1 {
		t.Fatalf("Count = (%d, %v), want (1, nil)", depth, err)
	}
}

func TestBrightnessTeardownRestores(t *testing.T) {
	ctx := context.Background()
	backlight := &fakeBacklight{percent: 80}
	port, err := actor.Spawn[effect.Message, int](ctx, newBrightnessEffector(backlight, 0.5), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := port.Call(ctx, effect.Execute); err != nil {
		t.Fatal(err)
	}
	if err := port.AwaitShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := backlight.Brightness(ctx); p != 80 {
		t.Fatalf("brightness after teardown = %d, want restored 80", p)
	}
}

func TestDPMSExecuteRollback(t *testing.T) {
	ctx := context.Background()
	mock := display.NewMock()
	port := spawnEffector(t, newDPMSEffector(mock.Controller(), zap.NewNop()))

	if depth, err := port.Call(ctx, effect.Execute); err != nil || depth != 1 {
		t.Fatalf("Execute = (%d, %v)", depth, err)
	}
	if level, _, _ := mock.Controller().DPMSInfo(); level != display.DPMSOff {
		t.Fatalf("level after Execute = %s, want Off", level)
	}
	if _, err := port.Call(ctx, effect.Execute); err == nil {
		t.Fatal("double Execute must fail")
	}
	if depth, err := port.Call(ctx, effect.Rollback); err != nil || depth != 0 {
		t.Fatalf("Rollback = (%d, %v)", depth, err)
	}
	if _, err := port.Call(ctx, effect.Rollback); err == nil {
		t.Fatal("Rollback at depth 0 must fail")
	}
}

func TestDPMSTeardownRestoresDisabledState(t *testing.T) {
	ctx := context.Background()
	mock := display.NewMock()
	ctl := mock.Controller()
	if err := ctl.SetDPMSEnabled(false); err != nil {
		t.Fatal(err)
	}
	if err := ctl.SetDPMSTimeouts(display.DPMSTimeouts{Standby: 600, Suspend: 700, Off: 800}); err != nil {
		t.Fatal(err)
	}

	port, err := actor.Spawn[effect.Message, int](ctx, newDPMSEffector(ctl, zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	// The effector needs DPMS on while it runs.
	if _, enabled, _ := ctl.DPMSInfo(); !enabled {
		t.Fatal("DPMS should be enabled while the effector runs")
	}

	if err := port.AwaitShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, enabled, _ := ctl.DPMSInfo(); enabled {
		t.Fatal("teardown must re-disable DPMS")
	}
	timeouts, _ := ctl.DPMSTimeouts()
	if timeouts != (display.DPMSTimeouts{Standby: 600, Suspend: 700, Off: 800}) {
		t.Fatalf("teardown restored timeouts %+v", timeouts)
	}
}

func TestSessionIdleHint(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{}
	port := spawnEffector(t, newSessionEffector(session))

	if depth, err := port.Call(ctx, effect.Execute); err != nil || depth != 1 {
		t.Fatalf("Execute = (%d, %v)", depth, err)
	}
	if idle, _ := session.IdleHint(ctx); !idle {
		t.Fatal("idle hint not set")
	}
	if depth, err := port.Call(ctx, effect.Count); err != nil || depth != 1 {
		t.Fatalf("Count = (%d, %v)", depth, err)
	}
	if depth, err := port.Call(ctx, effect.Rollback); err != nil || depth != 0 {
		t.Fatalf("Rollback = (%d, %v)", depth, err)
	}
	if idle, _ := session.IdleHint(ctx); idle {
		t.Fatal("idle hint not cleared")
	}
}

func TestSleepEffector(t *testing.T) {
	ctx := context.Background()
	host := newFakeSleepHost()
	port := spawnEffector(t, newSleepEffector(host))

	if depth, err := port.Call(ctx, effect.Execute); err != nil || depth != 1 {
		t.Fatalf("Execute = (%d, %v)", depth, err)
	}
	if host.suspendCount() != 1 {
		t.Fatalf("suspend count = %d", host.suspendCount())
	}

	// Rollback must ignore the going-down edge and finish on the resume.
	host.wake <- true
	host.wake <- false
	start := time.Now()
	depth, err := port.Call(ctx, effect.Rollback)
	if err != nil || depth != 0 {
		t.Fatalf("Rollback = (%d, %v)", depth, err)
	}
	if elapsed := time.Since(start); elapsed < wakeGrace {
		t.Fatalf("Rollback returned after %v, before the %v grace", elapsed, wakeGrace)
	}
}

func TestLockEffectorLifecycle(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{}
	port := spawnEffector(t, newLockEffector(
		LockCommand{Command: "sleep", Args: []string{"0.3"}}, session, zap.NewNop()))

	if depth, err := port.Call(ctx, effect.Execute); err != nil || depth != 1 {
		t.Fatalf("Execute = (%d, %v)", depth, err)
	}
	if !session.lockedHint() {
		t.Fatal("locked hint not set while locker runs")
	}
	if _, err := port.Call(ctx, effect.Execute); err == nil {
		t.Fatal("Execute with live locker must fail")
	}

	start := time.Now()
	depth, err := port.Call(ctx, effect.Rollback)
	if err != nil || depth != 0 {
		t.Fatalf("Rollback = (%d, %v)", depth, err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("Rollback returned after %v, before the locker exited", elapsed)
	}
	if session.lockedHint() {
		t.Fatal("locked hint not cleared after locker exit")
	}
}

func TestLockEffectorRollbackWithoutChild(t *testing.T) {
	ctx := context.Background()
	port := spawnEffector(t, newLockEffector(
		LockCommand{Command: "true"}, &fakeSession{}, zap.NewNop()))
	if depth, err := port.Call(ctx, effect.Rollback); err != nil || depth != 0 {
		t.Fatalf("Rollback without child = (%d, %v), want (0, nil)", depth, err)
	}
}

func TestSpawnLockWithoutConfigFails(t *testing.T) {
	_, err := Spawn(context.Background(), NameLock, Deps{Log: zap.NewNop()})
	if err == nil {
		t.Fatal("spawning lock without config must fail")
	}
}

func TestResolveEffectsCoversFixedSet(t *testing.T) {
	resolved := ResolveEffects()
	for _, name := range []string{"screen_dim", "screen_off", "idle_hint", "locked_hint", "sleep", "lock"} {
		if _, ok := resolved[name]; !ok {
			t.Errorf("effect %q missing from registry", name)
		}
	}
	if len(resolved) != 6 {
		t.Errorf("registry has %d effects, want 6", len(resolved))
	}
	if ref := resolved["locked_hint"]; ref.Effector != NameSession || ref.Index != 1 {
		t.Errorf("locked_hint resolved to %+v", ref)
	}
}
