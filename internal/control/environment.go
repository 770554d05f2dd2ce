// Package control — environment.go
//
// The environment controller owns the schedule-type → sequence map and
// drives switching. It compiles the configured schedules into sequences at
// spawn, picks the active one from the latched power status, and runs a
// sequencer + idleness-controller pair until either termination is
// requested or the power status crosses a schedule boundary. On a boundary
// crossing it reads the outgoing sequencer's running time, disposes the
// pair, computes the reconciliation context, and constructs the next pair.

package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/display"
	"github.com/duskd/duskd/internal/effect"
	"github.com/duskd/duskd/internal/effector"
	"github.com/duskd/duskd/internal/inventory"
	"github.com/duskd/duskd/internal/observability"
	"github.com/duskd/duskd/internal/sensor"
	"github.com/duskd/duskd/internal/watch"
)

// ScheduleType selects one of the per-power-tier schedules.
type ScheduleType int

const (
	ScheduleExternal ScheduleType = iota
	ScheduleBattery
	ScheduleLowBattery
)

func (t ScheduleType) String() string {
	switch t {
	case ScheduleExternal:
		return "external"
	case ScheduleBattery:
		return "battery"
	case ScheduleLowBattery:
		return "low_battery"
	default:
		return "unknown"
	}
}

// Schedules is the parsed per-tier effect-name → delay configuration.
type Schedules map[ScheduleType]map[string]time.Duration

// EnvironmentController instantiates and swaps sequencer + idleness
// controller pairs as the power environment changes.
type EnvironmentController struct {
	log     *zap.Logger
	metrics *observability.Metrics

	schedules   Schedules
	lowBattery  *int
	inventory   *inventory.Port
	inhibitions *sensor.InhibitionPort
	server      display.Server
	power       *watch.Channel[sensor.PowerStatus]

	sequences map[ScheduleType]effect.Sequence
	child     *actor.HandleChild
	done      chan struct{}
}

// NewEnvironmentController wires the controller to its collaborators.
// lowBatteryPercentage enables the LowBattery tier when non-nil.
func NewEnvironmentController(
	schedules Schedules,
	lowBatteryPercentage *int,
	inv *inventory.Port,
	inhibitions *sensor.InhibitionPort,
	server display.Server,
	power *watch.Channel[sensor.PowerStatus],
	metrics *observability.Metrics,
	log *zap.Logger,
) *EnvironmentController {
	return &EnvironmentController{
		log:         log.Named("environment-controller"),
		metrics:     metrics,
		schedules:   schedules,
		lowBattery:  lowBatteryPercentage,
		inventory:   inv,
		inhibitions: inhibitions,
		server:      server,
		power:       power,
		sequences:   make(map[ScheduleType]effect.Sequence),
		done:        make(chan struct{}),
	}
}

// Done is closed once the main loop has fully unwound, including the
// active sequencer + idleness-controller pair.
func (e *EnvironmentController) Done() <-chan struct{} {
	return e.done
}

// Spawn compiles the sequences and starts the main loop.
func (e *EnvironmentController) Spawn(ctx context.Context) (*actor.Handle, error) {
	if len(e.schedules) == 0 {
		return nil, fmt.Errorf("control.EnvironmentController: %w: define schedule.external or schedule.battery", effect.ErrEmptySchedule)
	}

	sessionPort, err := e.getEffector(ctx, effector.NameSession)
	if err != nil {
		return nil, fmt.Errorf("control.EnvironmentController: session effector: %w", err)
	}

	resolved := effector.ResolveEffects()
	for typ, schedule := range e.schedules {
		seq, err := e.compileSequence(ctx, schedule, resolved, sessionPort)
		if err != nil {
			sessionPort.Close()
			e.releaseSequences()
			return nil, fmt.Errorf("control.EnvironmentController: schedule %s: %w", typ, err)
		}
		e.sequences[typ] = seq
	}
	sessionPort.Close()

	if e.lowBattery == nil {
		if _, defined := e.sequences[ScheduleLowBattery]; defined {
			e.log.Error("low battery schedule is defined but battery.low_battery_percentage is not; the schedule will never be used")
		}
	}

	handle, child := actor.NewHandle()
	e.child = child
	go func() {
		defer close(e.done)
		if err := e.mainLoop(ctx); err != nil {
			e.log.Error("environment controller failed", zap.Error(err))
		}
	}()
	return handle, nil
}

// compileSequence groups a schedule's effects by delay, sorts bunches by
// increasing delay and actions inside a bunch by effect name, binds every
// effect to its effector, and appends the session idle-hint action to the
// first bunch so the host learns of idleness at the earliest level.
func (e *EnvironmentController) compileSequence(
	ctx context.Context,
	schedule map[string]time.Duration,
	resolved map[string]effector.EffectRef,
	sessionPort *effect.Port,
) (effect.Sequence, error) {
	if len(schedule) == 0 {
		return nil, effect.ErrEmptySchedule
	}

	byDelay := make(map[time.Duration][]effect.Effect)
	for name, delay := range schedule {
		ref, known := resolved[name]
		if !known {
			return nil, fmt.Errorf("unknown effect name %s", name)
		}
		byDelay[delay] = append(byDelay[delay], effector.EffectsFor(ref.Effector)[ref.Index])
	}

	var seq effect.Sequence
	for delay, effects := range byDelay {
		sort.Slice(effects, func(i, j int) bool { return effects[i].Name < effects[j].Name })
		actions := make([]effect.Action, 0, len(effects))
		for _, eff := range effects {
			port, err := e.getEffector(ctx, resolved[eff.Name].Effector)
			if err != nil {
				return nil, fmt.Errorf("binding effect %s: %w", eff.Name, err)
			}
			actions = append(actions, effect.Action{Effect: eff, Recipient: port})
		}
		seq = append(seq, effect.Bunch{Delay: delay, Actions: actions})
	}
	sort.Slice(seq, func(i, j int) bool { return seq[i].Delay < seq[j].Delay })

	idleHint := effector.EffectsFor(effector.NameSession)[0]
	seq[0].Actions = append(seq[0].Actions, effect.Action{
		Effect:    idleHint,
		Recipient: sessionPort.Clone(),
	})
	return seq, nil
}

func (e *EnvironmentController) mainLoop(ctx context.Context) error {
	defer e.releaseSequences()

	powerRecv := e.power.Subscribe()
	defer powerRecv.Cancel()

	status := e.power.Get()
	e.publishPowerMetrics(status)
	scheduleType := e.scheduleTypeFor(status)
	e.log.Info("selected schedule", zap.Stringer("schedule", scheduleType))
	sequence := e.sequenceFor(scheduleType)
	recon := Reconciliation{}

	for {
		live := cloneSequence(sequence)
		controller := NewIdlenessController(live, recon, e.inhibitions.Clone(), e.metrics, e.log)
		controllerPort, err := actor.Spawn[display.State, struct{}](ctx, controller, e.log)
		if err != nil {
			return fmt.Errorf("spawning idleness controller: %w", err)
		}

		sequencer := NewSequencer(controllerPort, e.server.Controller(), e.server.Subscribe(),
			live.Timeouts(), recon.StartingBunch, recon.ShortenInitialSleep, e.metrics, e.log)
		sequencerPort, err := sequencer.Spawn(ctx)
		if err != nil {
			if shutdownErr := controllerPort.AwaitShutdown(ctx); shutdownErr != nil {
				e.log.Error("idleness controller shutdown interrupted", zap.Error(shutdownErr))
			}
			return fmt.Errorf("spawning sequencer: %w", err)
		}

		scheduleType, err = e.awaitBoundary(powerRecv, scheduleType)
		if err != nil {
			e.log.Info("terminating", zap.Error(err))
			if shutdownErr := sequencerPort.AwaitShutdown(ctx); shutdownErr != nil {
				e.log.Error("sequencer shutdown interrupted", zap.Error(shutdownErr))
			}
			return nil
		}

		e.log.Info("switching schedule", zap.Stringer("schedule", scheduleType))
		e.metrics.ScheduleSwitchesTotal.WithLabelValues(scheduleType.String()).Inc()

		runningTime, err := sequencerPort.Call(ctx, GetRunningTime{})
		if err != nil {
			e.log.Error("couldn't read running time from sequencer, assuming the session is awake",
				zap.Error(err))
			runningTime = 0
		}
		if err := sequencerPort.AwaitShutdown(ctx); err != nil {
			e.log.Error("sequencer shutdown interrupted", zap.Error(err))
		}

		newSequence := e.sequenceFor(scheduleType)
		recon = CalculateReconciliation(sequence, newSequence, runningTime)
		e.log.Debug("computed reconciliation",
			zap.Int("starting_bunch", recon.StartingBunch),
			zap.Duration("shorten", recon.ShortenInitialSleep),
			zap.Int("execute", len(recon.Execute)),
			zap.Int("rollback", len(recon.Rollback)),
			zap.Int("skip", len(recon.Skip)))
		sequence = newSequence
	}
}

// awaitBoundary blocks until the power status crosses a schedule boundary
// (returning the new type) or termination is requested (returning an
// error).
func (e *EnvironmentController) awaitBoundary(powerRecv *watch.Receiver[sensor.PowerStatus], current ScheduleType) (ScheduleType, error) {
	for {
		select {
		case <-e.child.ShouldTerminate():
			return current, fmt.Errorf("handle stopped")
		case <-powerRecv.Changed():
			if powerRecv.Closed() {
				return current, fmt.Errorf("power sensor closed")
			}
			status := powerRecv.Latest()
			e.publishPowerMetrics(status)
			if next := e.scheduleTypeFor(status); next != current {
				return next, nil
			}
		}
	}
}

func (e *EnvironmentController) publishPowerMetrics(status sensor.PowerStatus) {
	if status.Source == sensor.SourceBattery {
		e.metrics.OnBattery.Set(1)
		e.metrics.BatteryPercent.Set(status.BatteryPercent)
	} else {
		e.metrics.OnBattery.Set(0)
	}
}

func (e *EnvironmentController) scheduleTypeFor(status sensor.PowerStatus) ScheduleType {
	if status.Source == sensor.SourceExternal {
		return ScheduleExternal
	}
	if e.lowBattery != nil && status.BatteryPercent <= float64(*e.lowBattery) {
		return ScheduleLowBattery
	}
	return ScheduleBattery
}

// sequenceFor returns the compiled sequence for a schedule type, walking
// the substitution chain LowBattery → Battery → ExternalPower → any
// defined schedule when tiers are missing.
func (e *EnvironmentController) sequenceFor(typ ScheduleType) effect.Sequence {
	if seq, ok := e.sequences[typ]; ok {
		return seq
	}
	e.log.Warn("schedule not defined, using a fallback", zap.Stringer("schedule", typ))
	substitutions := map[ScheduleType]ScheduleType{
		ScheduleLowBattery: ScheduleBattery,
		ScheduleBattery:    ScheduleExternal,
	}
	for next, ok := substitutions[typ]; ok; next, ok = substitutions[next] {
		if seq, defined := e.sequences[next]; defined {
			return seq
		}
	}
	for _, fallback := range []ScheduleType{ScheduleExternal, ScheduleBattery, ScheduleLowBattery} {
		if seq, ok := e.sequences[fallback]; ok {
			return seq
		}
	}
	return nil // unreachable: Spawn rejects empty schedule sets
}

func (e *EnvironmentController) getEffector(ctx context.Context, name string) (*effect.Port, error) {
	return e.inventory.Call(ctx, inventory.Get{Name: name})
}

// cloneSequence hands a fresh set of port capabilities to a new controller
// while the template sequence keeps its own.
func cloneSequence(seq effect.Sequence) effect.Sequence {
	cloned := make(effect.Sequence, len(seq))
	for i, bunch := range seq {
		actions := make([]effect.Action, len(bunch.Actions))
		for j, action := range bunch.Actions {
			actions[j] = effect.Action{Effect: action.Effect, Recipient: action.Recipient.Clone()}
		}
		cloned[i] = effect.Bunch{Delay: bunch.Delay, Actions: actions}
	}
	return cloned
}

// releaseSequences closes the template sequences' port capabilities.
func (e *EnvironmentController) releaseSequences() {
	for _, seq := range e.sequences {
		for _, bunch := range seq {
			for _, action := range bunch.Actions {
				action.Recipient.Close()
			}
		}
	}
}
