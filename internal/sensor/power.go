// Package sensor — power.go
//
// Lazily-latched power source signal. The sensor reads the current status
// once at spawn, then re-reads it whenever the power daemon reports a
// property change. Consumers read the latest value from the watch channel;
// intermediate flips are coalesced, never queued.

package sensor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/watch"
)

// PowerSource distinguishes wall power from battery.
type PowerSource int

const (
	SourceExternal PowerSource = iota
	SourceBattery
)

func (s PowerSource) String() string {
	if s == SourceBattery {
		return "Battery"
	}
	return "External"
}

// PowerStatus is the latched power state: the source, and when on battery,
// the charge percentage.
type PowerStatus struct {
	Source         PowerSource
	BatteryPercent float64
}

// PowerReader is the UPower surface the sensor needs. *upower.Client
// implements it.
type PowerReader interface {
	OnBattery(ctx context.Context) (bool, error)
	Percentage(ctx context.Context) (float64, error)
	Changes(buffer int) (<-chan struct{}, func(), error)
}

// SpawnPower starts the power-source sensor. The returned channel is
// latched to the status read at spawn time; the handle terminates the
// update goroutine.
func SpawnPower(ctx context.Context, reader PowerReader, log *zap.Logger) (*watch.Channel[PowerStatus], *actor.Handle, error) {
	log = log.Named("power-sensor")

	initial, err := readStatus(ctx, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("sensor.SpawnPower: %w", err)
	}
	log.Debug("power source at spawn", zap.Stringer("source", initial.Source),
		zap.Float64("battery_percent", initial.BatteryPercent))

	changes, cancel, err := reader.Changes(16)
	if err != nil {
		return nil, nil, fmt.Errorf("sensor.SpawnPower: %w", err)
	}

	statuses := watch.New(initial)
	handle, child := actor.NewHandle()
	go func() {
		defer statuses.Close()
		defer cancel()
		for {
			select {
			case <-child.ShouldTerminate():
				log.Debug("terminating")
				return
			case _, ok := <-changes:
				if !ok {
					log.Warn("power daemon signal stream closed")
					return
				}
				status, err := readStatus(ctx, reader)
				if err != nil {
					log.Error("re-reading power status failed", zap.Error(err))
					continue
				}
				log.Debug("power source change",
					zap.Stringer("source", status.Source),
					zap.Float64("battery_percent", status.BatteryPercent))
				statuses.Set(status)
			}
		}
	}()
	return statuses, handle, nil
}

func readStatus(ctx context.Context, reader PowerReader) (PowerStatus, error) {
	onBattery, err := reader.OnBattery(ctx)
	if err != nil {
		return PowerStatus{}, err
	}
	if !onBattery {
		return PowerStatus{Source: SourceExternal}, nil
	}
	percent, err := reader.Percentage(ctx)
	if err != nil {
		return PowerStatus{}, err
	}
	return PowerStatus{Source: SourceBattery, BatteryPercent: percent}, nil
}
