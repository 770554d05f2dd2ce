// Package effector — session.go
//
// Publishes the session's idle hint to logind. Stateless: the hint lives in
// logind, so Count reads it back instead of tracking a local counter.

package effector

import (
	"context"
	"fmt"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/effect"
)

type sessionEffector struct {
	actor.Nop
	session SessionController
}

func newSessionEffector(session SessionController) *sessionEffector {
	return &sessionEffector{session: session}
}

func (s *sessionEffector) Name() string { return "session-effector" }

func (s *sessionEffector) Handle(ctx context.Context, msg effect.Message) (int, error) {
	switch msg {
	case effect.Execute:
		if err := s.session.SetIdleHint(ctx, true); err != nil {
			return 0, err
		}
		return 1, nil
	case effect.Rollback:
		if err := s.session.SetIdleHint(ctx, false); err != nil {
			return 1, err
		}
		return 0, nil
	case effect.Count:
		hint, err := s.session.IdleHint(ctx)
		if err != nil {
			return 0, err
		}
		if hint {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message %v", msg)
	}
}
