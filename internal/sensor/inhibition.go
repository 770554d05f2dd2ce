// Package sensor hosts the three host-state sensors: inhibitions, power
// source, and sleep transitions. Each one adapts a D-Bus collaborator into
// the shape the controllers consume — a request port, a latched channel, or
// an acknowledged broadcast.

package sensor

import (
	"context"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/logind"
)

// GetInhibitions asks the inhibition sensor for the host's current
// inhibitor set.
type GetInhibitions struct{}

// InhibitorLister is the logind surface the inhibition sensor needs.
// *logind.Manager implements it.
type InhibitorLister interface {
	ListInhibitors(ctx context.Context) ([]logind.Inhibitor, error)
}

type inhibitionSensor struct {
	actor.Nop
	lister InhibitorLister
}

func (s *inhibitionSensor) Name() string { return "inhibition-sensor" }

func (s *inhibitionSensor) Handle(ctx context.Context, _ GetInhibitions) ([]logind.Inhibitor, error) {
	return s.lister.ListInhibitors(ctx)
}

// InhibitionPort is the request port of a spawned inhibition sensor.
type InhibitionPort = actor.Port[GetInhibitions, []logind.Inhibitor]

// SpawnInhibition starts the inhibition sensor.
func SpawnInhibition(ctx context.Context, lister InhibitorLister, log *zap.Logger) (*InhibitionPort, error) {
	return actor.Spawn[GetInhibitions, []logind.Inhibitor](ctx, &inhibitionSensor{lister: lister}, log)
}
