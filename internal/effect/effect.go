// Package effect defines the data model shared by the controllers and the
// effectors: declarative effects, their binding to effector ports, compiled
// sequences, and the schedule grammar.
//
// An Effect is what the configuration names ("screen_dim", "sleep", ...);
// an effector is the actor that performs it. The two meet in an Action.

package effect

import (
	"time"

	"github.com/duskd/duskd/internal/actor"
	"github.com/duskd/duskd/internal/logind"
)

// Message is the protocol every effector understands.
type Message int

const (
	// Execute applies the effector's next step.
	Execute Message = iota
	// Rollback reverses the most recently applied step.
	Rollback
	// Count reads the current depth without side effects.
	Count
)

func (m Message) String() string {
	switch m {
	case Execute:
		return "Execute"
	case Rollback:
		return "Rollback"
	case Count:
		return "Count"
	default:
		return "Unknown"
	}
}

// Port is the message-passing handle of a spawned effector. Replies carry
// the effector's depth after the operation.
type Port = actor.Port[Message, int]

// RollbackStrategy describes when an applied effect is reversed.
type RollbackStrategy int

const (
	// RollbackOnActivity reverses the effect when the user returns.
	RollbackOnActivity RollbackStrategy = iota
	// RollbackImmediate reverses the effect as soon as the enclosing bunch
	// has executed. Useful for transient hints.
	RollbackImmediate
	// RollbackNone marks a one-shot effect that is never reversed.
	RollbackNone
)

func (s RollbackStrategy) String() string {
	switch s {
	case RollbackOnActivity:
		return "OnActivity"
	case RollbackImmediate:
		return "Immediate"
	case RollbackNone:
		return "None"
	default:
		return "Unknown"
	}
}

// Effect is a named action with its inhibition profile and rollback policy.
type Effect struct {
	Name        string
	InhibitedBy []logind.InhibitKind
	Rollback    RollbackStrategy
}

// Action binds a declared effect to the runtime port that performs it.
type Action struct {
	Effect    Effect
	Recipient *Port
}

// Bunch is a set of actions sharing one fire time within a sequence.
type Bunch struct {
	// Delay is the time from session-idle start (not from the previous
	// bunch) at which this bunch fires.
	Delay   time.Duration
	Actions []Action
}

// Sequence is the compiled, delay-ordered list of bunches.
type Sequence []Bunch

// Names returns the effect names of a slice of actions.
func Names(actions []Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Effect.Name
	}
	return names
}
