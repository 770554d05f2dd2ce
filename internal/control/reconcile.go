// Package control — reconcile.go
//
// Reconciliation is the pure-data context computed when the active schedule
// is swapped mid-run. The outgoing sequencer reports how long the session
// has been idle; from that, this file derives where the new sequence starts
// and which one-shot adjustments the new idleness controller must perform
// so the observable effect state matches the new schedule. The new
// controller never talks to the old one: everything it needs is in this
// struct.

package control

import (
	"time"

	"github.com/duskd/duskd/internal/effect"
)

// Reconciliation carries the one-shot adjustments for a schedule swap.
// The zero value is the empty context used at daemon start.
type Reconciliation struct {
	// StartingBunch is the bunch index the new pair starts at.
	StartingBunch int

	// ShortenInitialSleep reduces the new sequencer's first internal sleep
	// by the idle time already spent inside the starting bunch's window.
	ShortenInitialSleep time.Duration

	// Execute holds actions from the new sequence's missed bunches whose
	// effects the old schedule never applied. Consumed on the first Idle.
	Execute []effect.Action

	// Rollback holds the recipients of everything the old schedule
	// applied. The new controller's rollback stack starts empty, so these
	// are unwound on the first Awakened (or immediately, when starting at
	// bunch zero). Consumed once.
	Rollback []*effect.Port

	// Skip names effects that are already applied and still wanted by the
	// new schedule: the new controller must not re-execute them when it
	// reaches their bunch. Cleared by the next Awakened.
	Skip map[string]struct{}
}

// CalculateReconciliation derives the swap context from the outgoing and
// incoming sequences and the outgoing sequencer's running time. Recipient
// ports referenced by the result are fresh clones; the caller owns them.
func CalculateReconciliation(oldSeq, newSeq effect.Sequence, runningTime time.Duration) Reconciliation {
	if runningTime == 0 {
		return Reconciliation{}
	}

	executedOld, _ := passedBunches(oldSeq, runningTime)
	newStart, shorten := passedBunches(newSeq, runningTime)

	// The session is already idle; the swap must not wake it up.
	if executedOld == 1 && newStart == 0 {
		newStart, shorten = 1, 0
	}

	executed := flattenActions(oldSeq[:executedOld])
	missed := flattenActions(newSeq[:newStart])
	future := flattenActions(newSeq[newStart:])

	executedNames := nameSet(executed)

	var execute []effect.Action
	for _, a := range missed {
		if _, applied := executedNames[a.Effect.Name]; !applied {
			execute = append(execute, effect.Action{
				Effect:    a.Effect,
				Recipient: a.Recipient.Clone(),
			})
		}
	}

	var rollback []*effect.Port
	for _, a := range executed {
		rollback = append(rollback, a.Recipient.Clone())
	}

	skip := make(map[string]struct{})
	for name := range nameSet(future) {
		if _, applied := executedNames[name]; applied {
			skip[name] = struct{}{}
		}
	}

	return Reconciliation{
		StartingBunch:       newStart,
		ShortenInitialSleep: shorten,
		Execute:             execute,
		Rollback:            rollback,
		Skip:                skip,
	}
}

// passedBunches walks the sequence's per-bunch timeouts, counting how many
// bunches a session idle for runningTime has passed and how far into the
// next bunch's window it already is.
func passedBunches(seq effect.Sequence, runningTime time.Duration) (int, time.Duration) {
	executed := 0
	countdown := runningTime
	for _, timeout := range seq.Timeouts() {
		if countdown < timeout {
			break
		}
		executed++
		countdown -= timeout
	}
	return executed, countdown
}

func flattenActions(bunches effect.Sequence) []effect.Action {
	var actions []effect.Action
	for _, b := range bunches {
		actions = append(actions, b.Actions...)
	}
	return actions
}

func nameSet(actions []effect.Action) map[string]struct{} {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a.Effect.Name] = struct{}{}
	}
	return set
}
