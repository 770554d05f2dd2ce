// Package actor — actor.go
//
// Structured actor wrapper on top of the port primitives.
//
// An Actor has three hooks:
//   - Init: runs before Spawn returns. An error fails the spawn and the
//     actor's goroutine never starts, so a returned port is always backed by
//     a fully initialised actor.
//   - Handle: invoked once per request, in arrival order.
//   - Teardown: runs after the last port is closed and the queue is drained.
//     Errors are logged, never propagated; there is nobody left to tell.

package actor

import (
	"context"

	"go.uber.org/zap"
)

// Actor is the handler set driven by Spawn. Embed Nop to get no-op Init and
// Teardown.
type Actor[P, R any] interface {
	// Name identifies the actor in log lines and ActorError values.
	Name() string

	// Init prepares the actor. Failing it aborts the spawn.
	Init(ctx context.Context) error

	// Handle processes a single request.
	Handle(ctx context.Context, payload P) (R, error)

	// Teardown releases the actor's resources and undoes any residual
	// external state. Errors are logged by the loop.
	Teardown(ctx context.Context) error
}

// Nop provides no-op Init and Teardown for actors that don't need them.
type Nop struct{}

func (Nop) Init(context.Context) error     { return nil }
func (Nop) Teardown(context.Context) error { return nil }

// Spawn initialises the actor and starts its request loop. The returned port
// is ready to use; the actor stops once every clone of it is closed.
func Spawn[P, R any](ctx context.Context, a Actor[P, R], log *zap.Logger) (*Port[P, R], error) {
	log = log.Named(a.Name())
	if err := a.Init(ctx); err != nil {
		log.Error("initialization failed", zap.Error(err))
		return nil, err
	}
	log.Debug("initialized")

	port, recv := Make[P, R]()
	go runLoop(ctx, a, recv, log)
	return port, nil
}

func runLoop[P, R any](ctx context.Context, a Actor[P, R], recv *Receiver[P, R], log *zap.Logger) {
	defer recv.Shutdown()

	handle := func(req *Request[P, R]) {
		res, err := a.Handle(ctx, req.Payload)
		if err != nil {
			log.Error("handler returned error", zap.Error(err))
			err = &ActorError{Name: a.Name(), Err: err}
		}
		req.Respond(res, err)
	}

	for {
		select {
		case req := <-recv.Requests():
			handle(req)
		case <-recv.Stopped():
			// All ports closed. Drain what was queued before stopping.
			for {
				select {
				case req := <-recv.Requests():
					handle(req)
				default:
					log.Debug("stopping")
					if err := a.Teardown(ctx); err != nil {
						log.Error("teardown failed", zap.Error(err))
					}
					log.Debug("stopped")
					return
				}
			}
		}
	}
}
