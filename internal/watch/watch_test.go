package watch

import (
	"testing"
	"time"
)

func TestLatestAfterSet(t *testing.T) {
	c := New(1)
	r := c.Subscribe()
	c.Set(2)

	select {
	case <-r.Changed():
	case <-time.After(time.Second):
		t.Fatal("no wakeup after Set")
	}
	if got := r.Latest(); got != 2 {
		t.Fatalf("Latest = %d, want 2", got)
	}
}

func TestSetsCoalesce(t *testing.T) {
	c := New(0)
	r := c.Subscribe()
	for i := 1; i <= 5; i++ {
		c.Set(i)
	}

	select {
	case <-r.Changed():
	case <-time.After(time.Second):
		t.Fatal("no wakeup after Set burst")
	}
	if got := r.Latest(); got != 5 {
		t.Fatalf("Latest = %d, want latest value 5", got)
	}

	// The burst produced exactly one pending wakeup.
	select {
	case <-r.Changed():
		t.Fatal("coalesced burst delivered a second wakeup")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseWakesReceivers(t *testing.T) {
	c := New("x")
	r := c.Subscribe()
	c.Close()

	select {
	case _, ok := <-r.Changed():
		if ok {
			t.Fatal("expected closed Changed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake receiver")
	}
	if !r.Closed() {
		t.Fatal("Closed() = false after Close")
	}
}

func TestCancelStopsWakeups(t *testing.T) {
	c := New(0)
	r := c.Subscribe()
	r.Cancel()
	c.Set(1)

	select {
	case <-r.Changed():
		t.Fatal("cancelled receiver woke up")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	c := New(0)
	c.Close()
	r := c.Subscribe()
	select {
	case _, ok := <-r.Changed():
		if ok {
			t.Fatal("expected closed Changed channel")
		}
	default:
		t.Fatal("receiver subscribed after Close must observe closure")
	}
}
