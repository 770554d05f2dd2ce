// Package inventory provides the name-keyed lazy effector cache.
//
// The first Get for a name spawns the effector through the configured spawn
// closure and caches its port; later Gets hand out clones of the cached
// port. Teardown walks the cache in reverse spawn order, closing the
// inventory's own capability for each effector and waiting for its full
// shutdown — which is where effectors roll back their residual depth and
// release host resources.

package inventory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/effector"
)

// Get requests the port of the named effector, spawning it if needed.
type Get struct {
	Name string
}

// SpawnFunc creates the named effector. effector.Spawn curried with its
// dependencies is the production implementation.
type SpawnFunc func(ctx context.Context, name string) (*effect.Port, error)

// Port is the request port of a spawned inventory.
type Port = actor.Port[Get, *effect.Port]

// ForDeps builds the production spawn closure.
func ForDeps(deps effector.Deps) SpawnFunc {
	return func(ctx context.Context, name string) (*effect.Port, error) {
		return effector.Spawn(ctx, name, deps)
	}
}

type inventory struct {
	actor.Nop
	spawn SpawnFunc
	log   *zap.Logger

	order []string
	ports map[string]*effect.Port
}

func (inv *inventory) Name() string { return "effector-inventory" }

func (inv *inventory) Handle(ctx context.Context, req Get) (*effect.Port, error) {
	if port, ok := inv.ports[req.Name]; ok {
		return port.Clone(), nil
	}
	port, err := inv.spawn(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("spawning effector %s: %w", req.Name, err)
	}
	inv.log.Info("effector spawned", zap.String("effector", req.Name))
	inv.ports[req.Name] = port
	inv.order = append(inv.order, req.Name)
	return port.Clone(), nil
}

func (inv *inventory) Teardown(ctx context.Context) error {
	for i := len(inv.order) - 1; i >= 0; i-- {
		name := inv.order[i]
		if err := inv.ports[name].AwaitShutdown(ctx); err != nil {
			inv.log.Error("effector shutdown interrupted",
				zap.String("effector", name), zap.Error(err))
		}
	}
	return nil
}

// Spawn starts the inventory around the given spawn closure.
func Spawn(ctx context.Context, spawn SpawnFunc, log *zap.Logger) (*Port, error) {
	inv := &inventory{
		spawn: spawn,
		log:   log.Named("effector-inventory"),
		ports: make(map[string]*effect.Port),
	}
	return actor.Spawn[Get, *effect.Port](ctx, inv, log)
}
