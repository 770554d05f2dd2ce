// Package effector — lock.go
//
// Runs the configured locker program. While the child is alive the
// session's locked hint is held true; a watcher goroutine clears it when
// the locker exits. Execute with a live child is an error; Rollback blocks
// until the child has exited.

package effector

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/effect"
)

type lockEffector struct {
	actor.Nop
	cmd     LockCommand
	session SessionController
	log     *zap.Logger

	// exited is non-nil while a locker child is being tracked; the watcher
	// goroutine delivers the child's exit status on it exactly once.
	exited chan error
}

func newLockEffector(cmd LockCommand, session SessionController, log *zap.Logger) *lockEffector {
	return &lockEffector{cmd: cmd, session: session, log: log.Named("lock-effector")}
}

func (l *lockEffector) Name() string { return "lock-effector" }

// reap consumes a finished child's status without blocking.
func (l *lockEffector) reap() {
	if l.exited == nil {
		return
	}
	select {
	case err := <-l.exited:
		if err != nil {
			l.log.Error("locker exited with error", zap.Error(err))
		}
		l.exited = nil
	default:
	}
}

func (l *lockEffector) spawnLocker(ctx context.Context) error {
	cmd := exec.Command(l.cmd.Command, l.cmd.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting locker %q: %w", l.cmd.Command, err)
	}

	if err := l.session.SetLockedHint(ctx, true); err != nil {
		l.log.Error("failed to set locked hint", zap.Error(err))
	}

	exited := make(chan error, 1)
	l.exited = exited
	go func() {
		err := cmd.Wait()
		l.log.Debug("locker has quit")
		// The request context may be long gone by the time the locker
		// exits; the hint must still be cleared.
		if hintErr := l.session.SetLockedHint(context.Background(), false); hintErr != nil {
			l.log.Error("failed to clear locked hint", zap.Error(hintErr))
		}
		exited <- err
	}()
	return nil
}

func (l *lockEffector) Handle(ctx context.Context, msg effect.Message) (int, error) {
	l.reap()
	locked := l.exited != nil

	switch msg {
	case effect.Execute:
		if locked {
			return 1, errors.New("system is already locked")
		}
		if err := l.spawnLocker(ctx); err != nil {
			return 0, err
		}
		return 1, nil
	case effect.Rollback:
		if locked {
			select {
			case err := <-l.exited:
				l.exited = nil
				if err != nil {
					return 0, fmt.Errorf("locker exited with error: %w", err)
				}
			case <-ctx.Done():
				return 1, ctx.Err()
			}
		}
		return 0, nil
	case effect.Count:
		if locked {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message %v", msg)
	}
}
