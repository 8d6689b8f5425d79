// Package state defines the polling lifecycle phases shared by the bundle
// loader and everything that observes it. Keeping the phase type in one
// place ensures the loader, the event stream, and the HTTP status surface
// all report the same semantics.
package state

import (
	"encoding/json"
	"fmt"
)

// Phase represents the loader's polling lifecycle phase.
type Phase int32

const (
	// PhaseIdle indicates no poll timer is active.
	PhaseIdle Phase = iota

	// PhasePolling indicates the poll timer is active and periodic checks
	// are scheduled.
	PhasePolling
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = ParsePhase(str)
	return nil
}

// ParsePhase converts a string to Phase.
func ParsePhase(s string) Phase {
	switch s {
	case "polling", "active": // Accept legacy alias
		return PhasePolling
	default:
		return PhaseIdle
	}
}

// IsActive returns true if the phase has a live poll timer.
func (p Phase) IsActive() bool {
	return p == PhasePolling
}

// ValidTransitions defines allowed phase transitions. The loader oscillates
// between idle and polling for the lifetime of the process; teardown is a
// forced move to idle, not a separate phase.
var ValidTransitions = map[Phase][]Phase{
	PhaseIdle:    {PhasePolling},
	PhasePolling: {PhaseIdle},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Phase) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid phase transition.
type TransitionError struct {
	From Phase
	To   Phase
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}
