// Package effect — schedule.go
//
// Schedule grammar and the delay arithmetic the sequencer consumes.
//
// A schedule maps effect names to duration strings. The duration grammar is
// whitespace-separated components <u64><unit> with unit ∈ {s, m, h}, summed:
// "2m 30s" = 150s, "5m 1h" = 65m. Every component must carry a unit.

package effect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrEmptySchedule is returned when a schedule defines no effects.
var ErrEmptySchedule = errors.New("schedule defines no effects")

// ParseDuration parses the schedule duration grammar.
func ParseDuration(s string) (time.Duration, error) {
	var seconds uint64
	for _, component := range strings.Fields(s) {
		if len(component) < 2 {
			return 0, fmt.Errorf("duration component %q too short", component)
		}
		numeric := component[:len(component)-1]
		value, err := strconv.ParseUint(numeric, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration component %q: numeric part unparseable", component)
		}
		switch component[len(component)-1] {
		case 's':
			seconds += value
		case 'm':
			seconds += value * 60
		case 'h':
			seconds += value * 3600
		default:
			if unicode.IsDigit(rune(component[len(component)-1])) {
				return 0, fmt.Errorf("duration component %q has no unit", component)
			}
			return 0, fmt.Errorf("duration component %q has unknown unit %q", component, component[len(component)-1:])
		}
	}
	return time.Duration(seconds) * time.Second, nil
}

// ParseSchedule parses a raw effect-name → duration-string mapping.
func ParseSchedule(raw map[string]string) (map[string]time.Duration, error) {
	schedule := make(map[string]time.Duration, len(raw))
	for name, value := range raw {
		d, err := ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("timeout for %s: %w", name, err)
		}
		schedule[name] = d
	}
	return schedule, nil
}

// Timeouts converts a sequence's absolute bunch delays into the per-bunch
// offsets the sequencer sleeps between: the first element is the first
// delay, each subsequent element the (non-negative) distance to the
// previous one.
func (s Sequence) Timeouts() []time.Duration {
	if len(s) == 0 {
		return nil
	}
	timeouts := make([]time.Duration, len(s))
	timeouts[0] = s[0].Delay
	for i := 1; i < len(s); i++ {
		delta := s[i].Delay - s[i-1].Delay
		if delta < 0 {
			delta = 0
		}
		timeouts[i] = delta
	}
	return timeouts
}
