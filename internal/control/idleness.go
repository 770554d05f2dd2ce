// Package control — idleness.go
//
// The idleness controller executes and rolls back effect bunches. It
// processes one Idle | Awakened transition at a time; an application and
// its matching rollback can never interleave because both run inside the
// same actor.
//
// On Idle it filters the upcoming bunch against the host's blocking
// inhibitors, executes the bunch (plus any pending reconciliation
// executes), pushes OnActivity recipients onto the rollback stack, and
// rolls Immediate recipients back at the end of the bunch. On Awakened it
// unwinds the stack in reverse order of application.

package control

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/logind"
	"github.com/duskd/duskd/internal/observability"
	"github.com/duskd/duskd/internal/sensor"
)

// ErrInhibited is returned to the sequencer when a blocking inhibitor
// covers the upcoming bunch. The sequencer treats it as a missed tick: the
// bunch index does not advance and the next cycle retries.
var ErrInhibited = errors.New("bunch is blocked by an inhibitor")

// ErrSequenceExhausted is returned when Idle arrives with no bunch left.
var ErrSequenceExhausted = errors.New("no bunches left to execute")

// IdlenessPort is the request port of a spawned idleness controller.
type IdlenessPort = actor.Port[display.State, struct{}]

// appliedEffect is one entry of the OnActivity rollback stack.
type appliedEffect struct {
	name string
	port *effect.Port
}

// IdlenessController is the actor behind an IdlenessPort.
type IdlenessController struct {
	log     *zap.Logger
	metrics *observability.Metrics

	bunches     effect.Sequence
	current     int
	recon       Reconciliation
	inhibitions *sensor.InhibitionPort

	rollbackStack []appliedEffect

	// held tracks every port capability this controller received so
	// teardown can release them all. Close is idempotent per clone.
	held []*effect.Port
}

// NewIdlenessController builds a controller over a cloned sequence. The
// controller takes ownership of every action port in bunches and recon,
// and of the inhibition sensor capability.
func NewIdlenessController(
	bunches effect.Sequence,
	recon Reconciliation,
	inhibitions *sensor.InhibitionPort,
	metrics *observability.Metrics,
	log *zap.Logger,
) *IdlenessController {
	c := &IdlenessController{
		log:         log,
		metrics:     metrics,
		bunches:     bunches,
		current:     recon.StartingBunch,
		recon:       recon,
		inhibitions: inhibitions,
	}
	for _, b := range bunches {
		for _, a := range b.Actions {
			c.held = append(c.held, a.Recipient)
		}
	}
	for _, a := range recon.Execute {
		c.held = append(c.held, a.Recipient)
	}
	c.held = append(c.held, recon.Rollback...)
	return c
}

// Name implements actor.Actor.
func (c *IdlenessController) Name() string { return "idleness-controller" }

// Init implements actor.Actor. When the controller starts at bunch zero the
// session is active, so the previous controller's effects must be unwound
// before anything else happens.
func (c *IdlenessController) Init(ctx context.Context) error {
	if c.current == 0 && len(c.recon.Rollback) > 0 {
		c.rollbackReconciliation(ctx)
	}
	return nil
}

// Handle implements actor.Actor.
func (c *IdlenessController) Handle(ctx context.Context, state display.State) (struct{}, error) {
	switch state {
	case display.Idle:
		return struct{}{}, c.handleIdle(ctx)
	case display.Awakened:
		c.handleAwakened(ctx)
		return struct{}{}, nil
	default:
		return struct{}{}, fmt.Errorf("unknown system state %v", state)
	}
}

func (c *IdlenessController) handleIdle(ctx context.Context) error {
	if c.current >= len(c.bunches) {
		return ErrSequenceExhausted
	}

	pending := append(append([]effect.Action(nil), c.recon.Execute...), c.bunches[c.current].Actions...)

	if err := c.checkInhibitions(ctx, pending); err != nil {
		return err
	}
	c.recon.Execute = nil

	var immediate []*effect.Port
	for _, action := range pending {
		name := action.Effect.Name
		if _, skip := c.recon.Skip[name]; skip {
			c.log.Debug("skipping already-applied effect", zap.String("effect", name))
			continue
		}
		if _, err := action.Recipient.Call(ctx, effect.Execute); err != nil {
			c.log.Error("effect execution failed, continuing with bunch",
				zap.String("effect", name), zap.Error(err))
			c.metrics.EffectErrorsTotal.WithLabelValues(name).Inc()
			continue
		}
		c.metrics.EffectsExecutedTotal.WithLabelValues(name).Inc()
		switch action.Effect.Rollback {
		case effect.RollbackOnActivity:
			c.rollbackStack = append(c.rollbackStack, appliedEffect{name: name, port: action.Recipient})
		case effect.RollbackImmediate:
			immediate = append(immediate, action.Recipient)
		}
	}
	c.metrics.RollbackStackDepth.Set(float64(len(c.rollbackStack)))

	for i := len(immediate) - 1; i >= 0; i-- {
		if _, err := immediate[i].Call(ctx, effect.Rollback); err != nil {
			c.log.Error("immediate rollback failed", zap.Error(err))
		}
	}

	c.current++
	c.metrics.BunchesAppliedTotal.Inc()
	return nil
}

// checkInhibitions fails with ErrInhibited when any blocking-mode inhibitor
// covers a kind declared by the pending actions. Delay-mode inhibitors are
// the host's business and ignored here.
func (c *IdlenessController) checkInhibitions(ctx context.Context, pending []effect.Action) error {
	inhibitors, err := c.inhibitions.Call(ctx, sensor.GetInhibitions{})
	if err != nil {
		return fmt.Errorf("querying inhibitions: %w", err)
	}

	var blockers []logind.Inhibitor
	for _, inh := range inhibitors {
		if inh.Mode == logind.ModeBlock {
			blockers = append(blockers, inh)
		}
	}
	if len(blockers) == 0 {
		return nil
	}

	declared := make(map[logind.InhibitKind]struct{})
	for _, action := range pending {
		for _, kind := range action.Effect.InhibitedBy {
			declared[kind] = struct{}{}
		}
	}
	for kind := range declared {
		for _, blocker := range blockers {
			if blocker.Inhibits(kind) {
				c.log.Info("bunch inhibited",
					zap.String("kind", string(kind)),
					zap.String("who", blocker.Who),
					zap.String("why", blocker.Why))
				c.metrics.BunchesInhibitedTotal.Inc()
				return fmt.Errorf("%s inhibited by %s: %w", kind, blocker.Who, ErrInhibited)
			}
		}
	}
	return nil
}

func (c *IdlenessController) handleAwakened(ctx context.Context) {
	c.rollbackReconciliation(ctx)

	for i := len(c.rollbackStack) - 1; i >= 0; i-- {
		applied := c.rollbackStack[i]
		if _, err := applied.port.Call(ctx, effect.Rollback); err != nil {
			c.log.Error("rollback failed",
				zap.String("effect", applied.name), zap.Error(err))
			continue
		}
		c.metrics.EffectsRolledBackTotal.WithLabelValues(applied.name).Inc()
	}
	c.rollbackStack = nil
	c.metrics.RollbackStackDepth.Set(0)

	c.current = 0
	c.recon.Skip = nil
	c.metrics.IdleCyclesTotal.Inc()
}

// rollbackReconciliation unwinds the previous controller's effects, in
// order, consuming the field.
func (c *IdlenessController) rollbackReconciliation(ctx context.Context) {
	for _, port := range c.recon.Rollback {
		if _, err := port.Call(ctx, effect.Rollback); err != nil {
			c.log.Error("reconciliation rollback failed", zap.Error(err))
		}
	}
	c.recon.Rollback = nil
}

// Teardown implements actor.Actor: every port capability the controller
// received is released, including its inhibition sensor clone.
func (c *IdlenessController) Teardown(context.Context) error {
	for _, port := range c.held {
		port.Close()
	}
	c.inhibitions.Close()
	return nil
}
