// Package watch provides a latched single-slot broadcast channel.
//
// A Channel holds the most recent value of some external state (power
// source, display idleness). Setting a new value wakes every subscriber, but
// intermediate values are coalesced: a receiver that wakes up reads only the
// latest value, never a history. This is exactly the semantic the sequencer
// and the environment controller need from their sensors.
//
// Subscribers select on Changed and then read Latest. Closing the channel
// closes every receiver's Changed channel; receivers distinguish the two by
// calling Closed.

package watch

import "sync"

// Channel is the producing side of a latched broadcast.
type Channel[T any] struct {
	mu     sync.Mutex
	value  T
	closed bool
	subs   map[*Receiver[T]]struct{}
}

// Receiver observes value changes on a Channel.
type Receiver[T any] struct {
	ch     *Channel[T]
	notify chan struct{}
}

// New creates a Channel latched to the given initial value.
func New[T any](initial T) *Channel[T] {
	return &Channel[T]{
		value: initial,
		subs:  make(map[*Receiver[T]]struct{}),
	}
}

// Set latches a new value and wakes all subscribers.
func (c *Channel[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.value = v
	for r := range c.subs {
		select {
		case r.notify <- struct{}{}:
		default: // already pending; the receiver will read the latest value
		}
	}
}

// Get returns the currently latched value.
func (c *Channel[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribe registers a new receiver. It observes only changes made after
// the subscription; use Latest for the current value.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &Receiver[T]{ch: c, notify: make(chan struct{}, 1)}
	if c.closed {
		close(r.notify)
		return r
	}
	c.subs[r] = struct{}{}
	return r
}

// Close terminates the channel. Every receiver's Changed channel is closed;
// Set becomes a no-op.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for r := range c.subs {
		close(r.notify)
	}
	c.subs = nil
}

// Changed delivers one wakeup per coalesced batch of Set calls. The channel
// is closed when the producing side closes.
func (r *Receiver[T]) Changed() <-chan struct{} {
	return r.notify
}

// Latest returns the currently latched value.
func (r *Receiver[T]) Latest() T {
	return r.ch.Get()
}

// Closed reports whether the producing side has closed the channel.
func (r *Receiver[T]) Closed() bool {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	return r.ch.closed
}

// Cancel unsubscribes the receiver. Its Changed channel stops receiving
// wakeups but is not closed.
func (r *Receiver[T]) Cancel() {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	delete(r.ch.subs, r)
}
