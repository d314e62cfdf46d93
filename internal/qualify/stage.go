// Package qualify models the lead-qualification stage of a conversation and
// the heuristic that derives stage changes from assistant replies.
package qualify

import (
	"fmt"
)

// State is the coarse qualification stage.
type State string

const (
	StateInitial             State = "initial"
	StateQualifying          State = "qualifying"
	StatePresentedProperties State = "presented_properties"
	StateScheduling          State = "scheduling"
	StateScheduled           State = "scheduled"
)

// Step is the qualification question currently being asked.
type Step string

const (
	StepNone     Step = ""
	StepPurpose  Step = "purpose"
	StepType     Step = "type"
	StepCity     Step = "city"
	StepBedrooms Step = "bedrooms"
)

// Stage is the tagged state attached to a session. Step is only meaningful
// while qualifying; Interactions counts entries into presented_properties.
type Stage struct {
	State        State
	Step         Step
	Interactions int
}

// Initial returns the stage of a brand new (or reset) conversation.
func Initial() Stage {
	return Stage{State: StateInitial}
}

func (s Stage) String() string {
	switch s.State {
	case StateQualifying:
		return fmt.Sprintf("%s{step=%s}", s.State, s.Step)
	case StatePresentedProperties:
		return fmt.Sprintf("%s{interactions=%d}", s.State, s.Interactions)
	case "":
		return string(StateInitial)
	default:
		return string(s.State)
	}
}
