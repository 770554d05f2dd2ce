package sensor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/logind"
)

// ── Inhibition sensor ────────────────────────────────────────────────────────

type fakeLister struct {
	inhibitors []logind.Inhibitor
}

func (f *fakeLister) ListInhibitors(context.Context) ([]logind.Inhibitor, error) {
	return f.inhibitors, nil
}

func TestInhibitionSensorForwardsList(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{inhibitors: []logind.Inhibitor{
		{What: "idle", Who: "mpv", Why: "playing video", Mode: logind.ModeBlock},
	}}
	port, err := SpawnInhibition(ctx, lister, zap.NewNop())
	if err != nil {
		t.Fatalf("SpawnInhibition failed: %v", err)
	}
	defer port.Close()

	got, err := port.Call(ctx, GetInhibitions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(got) != 1 || got[0].Who != "mpv" {
		t.Fatalf("unexpected inhibitors %+v", got)
	}
}

// ── Power sensor ─────────────────────────────────────────────────────────────

type fakePowerReader struct {
	mu        sync.Mutex
	onBattery bool
	percent   float64
	changes   chan struct{}
}

func newFakePowerReader(onBattery bool, percent float64) *fakePowerReader {
	return &fakePowerReader{onBattery: onBattery, percent: percent, changes: make(chan struct{}, 4)}
}

func (f *fakePowerReader) OnBattery(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onBattery, nil
}

func (f *fakePowerReader) Percentage(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.percent, nil
}

func (f *fakePowerReader) Changes(int) (<-chan struct{}, func(), error) {
	return f.changes, func() {}, nil
}

func (f *fakePowerReader) set(onBattery bool, percent float64) {
	f.mu.Lock()
	f.onBattery = onBattery
	f.percent = percent
	f.mu.Unlock()
	f.changes <- struct{}{}
}

func TestPowerSensorLatchesInitialStatus(t *testing.T) {
	statuses, handle, err := SpawnPower(context.Background(), newFakePowerReader(false, 0), zap.NewNop())
	if err != nil {
		t.Fatalf("SpawnPower failed: %v", err)
	}
	defer handle.Stop()

	if got := statuses.Get(); got.Source != SourceExternal {
		t.Fatalf("initial status = %+v, want external", got)
	}
}

func TestPowerSensorPublishesChanges(t *testing.T) {
	reader := newFakePowerReader(false, 0)
	statuses, handle, err := SpawnPower(context.Background(), reader, zap.NewNop())
	if err != nil {
		t.Fatalf("SpawnPower failed: %v", err)
	}
	defer handle.Stop()

	recv := statuses.Subscribe()
	reader.set(true, 42)

	select {
	case <-recv.Changed():
	case <-time.After(time.Second):
		t.Fatal("no status update after power change")
	}
	got := recv.Latest()
	if got.Source != SourceBattery || got.BatteryPercent != 42 {
		t.Fatalf("status after change = %+v", got)
	}
}

// ── Sleep sensor ─────────────────────────────────────────────────────────────

type fakeCloser struct {
	mu       *sync.Mutex
	released *[]time.Time
}

func (f fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.released = append(*f.released, time.Now())
	return nil
}

type fakeSleepManager struct {
	mu       sync.Mutex
	maxDelay time.Duration
	stream   chan bool
	released []time.Time
	taken    int
}

func newFakeSleepManager(maxDelay time.Duration) *fakeSleepManager {
	return &fakeSleepManager{maxDelay: maxDelay, stream: make(chan bool, 8)}
}

func (f *fakeSleepManager) InhibitDelayMax(context.Context) (time.Duration, error) {
	return f.maxDelay, nil
}

func (f *fakeSleepManager) InhibitSleepDelay(context.Context, string, string) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taken++
	return fakeCloser{mu: &f.mu, released: &f.released}, nil
}

func (f *fakeSleepManager) PrepareForSleep(int) (<-chan bool, func(), error) {
	return f.stream, func() {}, nil
}

func (f *fakeSleepManager) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func TestSleepSensorReleasesAfterAck(t *testing.T) {
	manager := newFakeSleepManager(5 * time.Second)
	sensor := NewSleepSensor(manager, zap.NewNop())
	sub := sensor.Subscribe()
	defer sub.Close()

	handle, err := sensor.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer handle.Stop()

	manager.stream <- true

	var update SleepUpdate
	select {
	case update = <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("no GoingToSleep broadcast")
	}
	if update.Kind != GoingToSleep || update.Ready == nil {
		t.Fatalf("unexpected update %+v", update)
	}
	update.Ready <- struct{}{}

	deadline := time.Now().Add(time.Second)
	for manager.releaseCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inhibitor was not released after acknowledgement")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSleepSensorTimesOutOnSilentSubscriber(t *testing.T) {
	manager := newFakeSleepManager(150 * time.Millisecond)
	sensor := NewSleepSensor(manager, zap.NewNop())
	sub := sensor.Subscribe()
	defer sub.Close()

	handle, err := sensor.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer handle.Stop()

	start := time.Now()
	manager.stream <- true
	<-sub.Updates() // receive but never acknowledge

	deadline := time.Now().Add(2 * time.Second)
	for manager.releaseCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inhibitor was never released despite delay budget")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("inhibitor released after %v, before the delay budget", elapsed)
	}
}

func TestSleepSensorDrainsWhenSubscriberDies(t *testing.T) {
	// The delay budget is deliberately huge: release must come from the
	// dead subscriber draining, not from the timeout.
	manager := newFakeSleepManager(30 * time.Second)
	sensor := NewSleepSensor(manager, zap.NewNop())
	acker := sensor.Subscribe()
	defer acker.Close()
	dying := sensor.Subscribe()

	handle, err := sensor.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer handle.Stop()

	start := time.Now()
	manager.stream <- true

	update := <-acker.Updates()
	update.Ready <- struct{}{}
	<-dying.Updates() // receive, then die without acknowledging
	dying.Close()

	deadline := time.Now().Add(2 * time.Second)
	for manager.releaseCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dead subscriber did not drain; inhibitor still held")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("release took %v, the drain should beat the 30s budget", elapsed)
	}
}

func TestSleepSensorSkipsClosedSubscriptions(t *testing.T) {
	manager := newFakeSleepManager(30 * time.Second)
	sensor := NewSleepSensor(manager, zap.NewNop())
	closed := sensor.Subscribe()
	closed.Close() // dead before the broadcast

	handle, err := sensor.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer handle.Stop()

	manager.stream <- true

	deadline := time.Now().Add(2 * time.Second)
	for manager.releaseCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed subscription stalled the broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case update := <-closed.Updates():
		t.Fatalf("closed subscription received %+v", update)
	default:
	}
}

func TestSleepSensorBroadcastsWokenUp(t *testing.T) {
	oldGrace := wakeUpGrace
	wakeUpGrace = 10 * time.Millisecond
	defer func() { wakeUpGrace = oldGrace }()

	manager := newFakeSleepManager(time.Second)
	sensor := NewSleepSensor(manager, zap.NewNop())
	sub := sensor.Subscribe()
	defer sub.Close()

	handle, err := sensor.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer handle.Stop()

	manager.stream <- true
	update := <-sub.Updates()
	update.Ready <- struct{}{}
	manager.stream <- false

	select {
	case update = <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("no WokenUp broadcast")
	}
	if update.Kind != WokenUp {
		t.Fatalf("expected WokenUp, got %+v", update)
	}
}
