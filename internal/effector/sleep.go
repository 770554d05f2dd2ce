// Package effector — sleep.go
//
// Requests host suspend through logind. Rollback synchronises with the
// wake-up: it blocks until the next "resumed" notification arrives on the
// effector's own PrepareForSleep subscription, then waits a short grace
// period for the host's clocks to settle.

package effector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duskd/duskd/internal/effect"
)

const wakeGrace = time.Second

type sleepEffector struct {
	host   SleepHost
	wake   <-chan bool
	cancel func()
}

func newSleepEffector(host SleepHost) *sleepEffector {
	return &sleepEffector{host: host}
}

func (s *sleepEffector) Name() string { return "sleep-effector" }

func (s *sleepEffector) Init(ctx context.Context) error {
	wake, cancel, err := s.host.PrepareForSleep(8)
	if err != nil {
		return fmt.Errorf("subscribing to sleep notifications: %w", err)
	}
	s.wake = wake
	s.cancel = cancel
	return nil
}

func (s *sleepEffector) Handle(ctx context.Context, msg effect.Message) (int, error) {
	switch msg {
	case effect.Execute:
		if err := s.host.Suspend(ctx, false); err != nil {
			return 0, err
		}
		return 1, nil
	case effect.Rollback:
		for {
			select {
			case start, ok := <-s.wake:
				if !ok {
					return 0, errors.New("wake notification stream exhausted; rollback without a prior suspend?")
				}
				if start {
					// Still on the way down; wait for the resume edge.
					continue
				}
				time.Sleep(wakeGrace)
				return 0, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	case effect.Count:
		// Suspend leaves no state this side of the wake-up to count.
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message %v", msg)
	}
}

func (s *sleepEffector) Teardown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
