// Package actor — port.go
//
// Typed request/response ports for the duskd actor system.
//
// An actor is just a goroutine consuming requests from a Receiver. A Port is
// the sending side: a capability that can be cloned and handed to multiple
// holders. Every clone must be released with Close; when the last clone is
// closed the receiver observes the stop signal, drains whatever is still
// queued, and the actor runs its teardown.
//
// Lifecycle contract:
//   - Make returns a connected (Port, Receiver) pair.
//   - Port.Call sends one request and waits for the reply.
//   - Port.Close releases this capability. Closing the last one stops the
//     actor. Close is idempotent per clone.
//   - Port.AwaitShutdown closes this capability and then waits until the
//     receiver side has completed teardown (Receiver.Shutdown).
//
// Error taxonomy for Call:
//   - ErrPortClosed: the receiver is gone (actor stopped or never consumed).
//   - ErrNoReply: the actor died without answering this request.
//   - *ActorError: the handler itself returned an error.
//
// Ports are not modelled as shared reference-counted state the holders can
// mutate: each clone is an independent capability with its own Close, and
// holders release them in reverse dependency order at shutdown.

package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPortClosed is returned by Call when the actor can no longer accept
	// requests: its last port was closed or it has already shut down.
	ErrPortClosed = errors.New("actor port closed")

	// ErrNoReply is returned by Call when the actor terminated without
	// responding to a request it had accepted.
	ErrNoReply = errors.New("actor dropped the reply")
)

// ActorError wraps an error returned by an actor's Handle method, so callers
// can distinguish handler failures from transport failures.
type ActorError struct {
	Name string
	Err  error
}

func (e *ActorError) Error() string {
	return fmt.Sprintf("actor %s: %v", e.Name, e.Err)
}

func (e *ActorError) Unwrap() error { return e.Err }

// Request carries one payload to an actor together with a single-shot reply
// slot. The reply channel is buffered so responding never blocks the actor.
type Request[P, R any] struct {
	Payload P
	reply   chan reply[R]
}

type reply[R any] struct {
	value R
	err   error
}

// NewRequest builds a Request for the given payload. Used by custom loops
// that bypass Port.Call (tests, adapters).
func NewRequest[P, R any](payload P) *Request[P, R] {
	return &Request[P, R]{
		Payload: payload,
		reply:   make(chan reply[R], 1),
	}
}

// Respond delivers the result of handling this request. At most one call has
// an effect; later calls are dropped.
func (r *Request[P, R]) Respond(value R, err error) {
	select {
	case r.reply <- reply[R]{value: value, err: err}:
	default:
	}
}

// Await blocks until the request is answered or ctx expires. Used by custom
// request producers; Port.Call wraps it.
func (r *Request[P, R]) Await(ctx context.Context, done <-chan struct{}) (R, error) {
	// Check the reply slot first so a response racing actor shutdown wins.
	select {
	case rep := <-r.reply:
		return rep.value, rep.err
	default:
	}
	select {
	case rep := <-r.reply:
		return rep.value, rep.err
	case <-done:
		// The actor may have replied just before terminating.
		select {
		case rep := <-r.reply:
			return rep.value, rep.err
		default:
			var zero R
			return zero, ErrNoReply
		}
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// portCore is the channel plumbing shared by every clone of a port.
type portCore[P, R any] struct {
	requests chan *Request[P, R]

	mu   sync.Mutex
	refs int

	stop chan struct{} // closed when refs reaches zero
	done chan struct{} // closed by Receiver.Shutdown after teardown
}

func (c *portCore[P, R]) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs == 0 {
		close(c.stop)
	}
}

func (c *portCore[P, R]) retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Port is a cloneable sending capability for one actor.
type Port[P, R any] struct {
	core *portCore[P, R]

	mu     sync.Mutex
	closed bool
}

// Receiver is the single consuming side of a (Port, Receiver) pair.
type Receiver[P, R any] struct {
	core *portCore[P, R]
}

// Make creates a connected port/receiver pair with a small request queue.
func Make[P, R any]() (*Port[P, R], *Receiver[P, R]) {
	core := &portCore[P, R]{
		requests: make(chan *Request[P, R], 8),
		refs:     1,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return &Port[P, R]{core: core}, &Receiver[P, R]{core: core}
}

// Clone hands out a new independent capability for the same actor.
func (p *Port[P, R]) Clone() *Port[P, R] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// A closed capability cannot mint live ones; the clone starts closed
		// so Call on it fails with ErrPortClosed.
		return &Port[P, R]{core: p.core, closed: true}
	}
	p.core.retain()
	return &Port[P, R]{core: p.core}
}

// Close releases this capability. Idempotent.
func (p *Port[P, R]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.core.release()
}

// Done is closed once the actor has fully torn down.
func (p *Port[P, R]) Done() <-chan struct{} {
	return p.core.done
}

// AwaitShutdown closes this capability and waits for the actor's teardown to
// complete or for ctx to expire.
func (p *Port[P, R]) AwaitShutdown(ctx context.Context) error {
	p.Close()
	select {
	case <-p.core.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends a payload to the actor and waits for its reply.
func (p *Port[P, R]) Call(ctx context.Context, payload P) (R, error) {
	var zero R
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrPortClosed
	}

	req := NewRequest[P, R](payload)
	select {
	case p.core.requests <- req:
	case <-p.core.stop:
		return zero, ErrPortClosed
	case <-p.core.done:
		return zero, ErrPortClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	return req.Await(ctx, p.core.done)
}

// Requests exposes the inbound queue for custom actor loops.
func (r *Receiver[P, R]) Requests() <-chan *Request[P, R] {
	return r.core.requests
}

// Stopped is closed when every port clone has been closed. Queued requests
// may still be pending; drain Requests before tearing down.
func (r *Receiver[P, R]) Stopped() <-chan struct{} {
	return r.core.stop
}

// Shutdown marks teardown as complete, releasing AwaitShutdown waiters.
// Must be called exactly once, after the loop has finished.
func (r *Receiver[P, R]) Shutdown() {
	close(r.core.done)
}
