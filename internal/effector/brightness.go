// Package effector — brightness.go
//
// Dims the screen to a configured fraction of its current brightness and
// restores the stashed original on rollback or teardown.

package effector

import (
	"context"
	"errors"
	"fmt"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/brightness"
	"github.com/duskd/duskd/internal/effect"
)

type brightnessEffector struct {
	actor.Nop
	ctl      brightness.Controller
	fraction float64
	original *int
}

func newBrightnessEffector(ctl brightness.Controller, fraction float64) *brightnessEffector {
	if fraction > 1 {
		fraction = 1
	}
	if fraction <= 0 {
		fraction = 0.5
	}
	return &brightnessEffector{ctl: ctl, fraction: fraction}
}

func (b *brightnessEffector) Name() string { return "brightness-effector" }

func (b *brightnessEffector) Handle(ctx context.Context, msg effect.Message) (int, error) {
	switch msg {
	case effect.Execute:
		if b.original != nil {
			return 1, errors.New("display is already dimmed")
		}
		current, err := b.ctl.Brightness(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading brightness: %w", err)
		}
		if err := b.ctl.SetBrightness(ctx, int(float64(current)*b.fraction)); err != nil {
			return 0, fmt.Errorf("dimming: %w", err)
		}
		b.original = &current
		return 1, nil
	case effect.Rollback:
		if b.original == nil {
			return 0, errors.New("rollback without previous dimming")
		}
		if err := b.ctl.SetBrightness(ctx, *b.original); err != nil {
			return 1, fmt.Errorf("restoring brightness: %w", err)
		}
		b.original = nil
		return 0, nil
	case effect.Count:
		if b.original != nil {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message %v", msg)
	}
}

func (b *brightnessEffector) Teardown(ctx context.Context) error {
	if b.original == nil {
		return nil
	}
	return b.ctl.SetBrightness(ctx, *b.original)
}
