// Package effector — dpms.go
//
// Turns the screens off and on through DPMS. The full server-side DPMS
// state (enabled flag, level, timeouts) is captured at initialization and
// restored at teardown, so a host that had DPMS disabled gets it disabled
// again.

package effector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
)

type dpmsEffector struct {
	ctl   display.Controller
	log   *zap.Logger
	off   bool
	saved display.DPMSConfig
}

func newDPMSEffector(ctl display.Controller, log *zap.Logger) *dpmsEffector {
	return &dpmsEffector{ctl: ctl, log: log.Named("dpms-effector")}
}

func (d *dpmsEffector) Name() string { return "dpms-effector" }

func (d *dpmsEffector) Init(ctx context.Context) error {
	saved, err := display.FetchDPMSConfig(d.ctl)
	if err != nil {
		return fmt.Errorf("capturing DPMS state: %w", err)
	}
	d.saved = saved

	// Forced level changes only work while DPMS is enabled, and server-side
	// timeouts would race the schedule. Zero them for the effector's
	// lifetime; teardown restores the capture.
	if err := d.ctl.SetDPMSEnabled(true); err != nil {
		d.log.Error("couldn't enable DPMS", zap.Error(err))
	}
	if err := d.ctl.SetDPMSTimeouts(display.DPMSTimeouts{}); err != nil {
		d.log.Error("couldn't clear DPMS timeouts", zap.Error(err))
	}
	return nil
}

func (d *dpmsEffector) Handle(ctx context.Context, msg effect.Message) (int, error) {
	switch msg {
	case effect.Execute:
		if d.off {
			return 1, errors.New("screens are already off")
		}
		if err := d.ctl.SetDPMSLevel(display.DPMSOff); err != nil {
			return 0, err
		}
		d.off = true
		return 1, nil
	case effect.Rollback:
		if !d.off {
			return 0, errors.New("rollback without screens being off")
		}
		if err := d.ctl.SetDPMSLevel(display.DPMSOn); err != nil {
			return 1, err
		}
		d.off = false
		return 0, nil
	case effect.Count:
		if d.off {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message %v", msg)
	}
}

func (d *dpmsEffector) Teardown(ctx context.Context) error {
	return display.ApplyDPMSConfig(d.ctl, d.saved)
}
