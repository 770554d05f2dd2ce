// Package effector implements the five per-resource state machines behind
// the shared Execute | Rollback | Count protocol, plus the name registry
// the inventory and the environment controller resolve effects through.
//
// Shared contracts (enforced by every effector that owns state):
//   - Execute fails when the effector is already at maximum depth.
//   - Rollback fails at depth zero.
//   - Count is a pure read.
//   - Teardown restores the observable state captured at initialization.
//
// Effector spawning is modelled as a closure per name rather than a common
// constructor interface: each effector keeps its host dependencies private
// and only the resulting port shape is uniform.

package effector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/brightness"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/logind"
)

// Effector names, as used by the inventory.
const (
	NameBrightness = "brightness"
	NameDPMS       = "dpms"
	NameSession    = "session"
	NameSleep      = "sleep"
	NameLock       = "lock"
)

// LockCommand is the locker program configured under lock.command/lock.args.
type LockCommand struct {
	Command string
	Args    []string
}

// Deps aggregates the host collaborators effectors draw from. Individual
// effectors consume only the fields they need.
type Deps struct {
	Display   display.Controller
	Backlight brightness.Controller
	Session   SessionController
	Sleep     SleepHost

	// DimFraction is the brightness multiplier applied by screen_dim,
	// clamped to at most 1; non-positive values fall back to 0.5.
	DimFraction float64

	// Lock is nil when no locker is configured; spawning the lock effector
	// then fails.
	Lock *LockCommand

	Log *zap.Logger
}

// SessionController is the logind session surface the session and lock
// effectors need. *logind.Session implements it.
type SessionController interface {
	SetIdleHint(ctx context.Context, idle bool) error
	IdleHint(ctx context.Context) (bool, error)
	SetLockedHint(ctx context.Context, locked bool) error
}

// SleepHost is the logind manager surface the sleep effector needs.
// *logind.Manager implements it.
type SleepHost interface {
	Suspend(ctx context.Context, interactive bool) error
	PrepareForSleep(buffer int) (<-chan bool, func(), error)
}

// Known returns every effector name, in the fixed registry order.
func Known() []string {
	return []string{NameBrightness, NameDPMS, NameSession, NameSleep, NameLock}
}

// EffectsFor lists the effects an effector implements. The slice order is
// part of the registry contract: ResolveEffects indexes into it.
func EffectsFor(name string) []effect.Effect {
	switch name {
	case NameBrightness:
		return []effect.Effect{{
			Name:        "screen_dim",
			InhibitedBy: []logind.InhibitKind{logind.InhibitIdle},
			Rollback:    effect.RollbackOnActivity,
		}}
	case NameDPMS:
		return []effect.Effect{{
			Name:        "screen_off",
			InhibitedBy: []logind.InhibitKind{logind.InhibitIdle},
			Rollback:    effect.RollbackOnActivity,
		}}
	case NameSession:
		return []effect.Effect{
			{
				Name:        "idle_hint",
				InhibitedBy: []logind.InhibitKind{logind.InhibitIdle},
				Rollback:    effect.RollbackOnActivity,
			},
			{
				Name:        "locked_hint",
				InhibitedBy: []logind.InhibitKind{logind.InhibitIdle},
				Rollback:    effect.RollbackImmediate,
			},
		}
	case NameSleep:
		return []effect.Effect{{
			Name:        "sleep",
			InhibitedBy: []logind.InhibitKind{logind.InhibitSleep},
			Rollback:    effect.RollbackOnActivity,
		}}
	case NameLock:
		return []effect.Effect{{
			Name:        "lock",
			InhibitedBy: []logind.InhibitKind{logind.InhibitIdle},
			Rollback:    effect.RollbackNone,
		}}
	default:
		return nil
	}
}

// EffectRef locates one effect inside the registry.
type EffectRef struct {
	Effector string
	Index    int
}

// ResolveEffects maps every known effect name to its effector and position.
func ResolveEffects() map[string]EffectRef {
	m := make(map[string]EffectRef)
	for _, effectorName := range Known() {
		for i, eff := range EffectsFor(effectorName) {
			m[eff.Name] = EffectRef{Effector: effectorName, Index: i}
		}
	}
	return m
}

// Spawn starts the named effector with the given dependencies and returns
// its port. The port is ready to use; initialization failures fail the
// spawn.
func Spawn(ctx context.Context, name string, deps Deps) (*effect.Port, error) {
	switch name {
	case NameBrightness:
		return actor.Spawn[effect.Message, int](ctx, newBrightnessEffector(deps.Backlight, deps.DimFraction), deps.Log)
	case NameDPMS:
		return actor.Spawn[effect.Message, int](ctx, newDPMSEffector(deps.Display, deps.Log), deps.Log)
	case NameSession:
		return actor.Spawn[effect.Message, int](ctx, newSessionEffector(deps.Session), deps.Log)
	case NameSleep:
		return actor.Spawn[effect.Message, int](ctx, newSleepEffector(deps.Sleep), deps.Log)
	case NameLock:
		if deps.Lock == nil {
			return nil, fmt.Errorf("effector.Spawn: lock is in the schedule but no lock section is configured")
		}
		return actor.Spawn[effect.Message, int](ctx, newLockEffector(*deps.Lock, deps.Session, deps.Log), deps.Log)
	default:
		return nil, fmt.Errorf("effector.Spawn: unknown effector %q", name)
	}
}
