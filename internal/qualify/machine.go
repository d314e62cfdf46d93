package qualify

import (
	"context"
	"fmt"
	"reflect"

	"github.com/qmuntal/stateless"
)

// Trigger is an explicit signal that moves the stage machine.
type Trigger string

const (
	TriggerAskQualifying     Trigger = "AskQualifying"
	TriggerPresentProperties Trigger = "PresentProperties"
	TriggerOfferVisit        Trigger = "OfferVisit"
	TriggerConfirmVisit      Trigger = "ConfirmVisit"
	TriggerReset             Trigger = "Reset"
)

var allStates = []State{
	StateInitial,
	StateQualifying,
	StatePresentedProperties,
	StateScheduling,
	StateScheduled,
}

var destinations = map[Trigger]State{
	TriggerAskQualifying:     StateQualifying,
	TriggerPresentProperties: StatePresentedProperties,
	TriggerOfferVisit:        StateScheduling,
	TriggerConfirmVisit:      StateScheduled,
	TriggerReset:             StateInitial,
}

// Signal is the outcome of classifying one assistant reply. The zero value
// means "no transition".
type Signal struct {
	Trigger Trigger
	Step    Step
}

// IsZero reports whether the signal carries no transition.
func (s Signal) IsZero() bool { return s.Trigger == "" }

// newMachine wires a stateless machine whose state lives in *st.
//
// Every trigger is accepted from every state: the reply heuristic may detect a
// qualifying question after properties were shown, or a new listing after a
// visit was offered, and the stage follows whatever the assistant did last.
func newMachine(st *Stage) *stateless.StateMachine {
	if st.State == "" {
		st.State = StateInitial
	}
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return st.State, nil },
		func(_ context.Context, s stateless.State) error {
			st.State = s.(State)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.SetTriggerParameters(TriggerAskQualifying, reflect.TypeOf(StepNone))

	for _, from := range allStates {
		cfg := sm.Configure(from)
		for trigger, to := range destinations {
			if to == from {
				cfg.PermitReentry(trigger)
			} else {
				cfg.Permit(trigger, to)
			}
		}
	}

	sm.Configure(StateInitial).
		OnEntry(func(_ context.Context, _ ...any) error {
			*st = Initial()
			return nil
		})

	sm.Configure(StateQualifying).
		OnEntryFrom(TriggerAskQualifying, func(_ context.Context, args ...any) error {
			st.Step = args[0].(Step)
			return nil
		})

	sm.Configure(StatePresentedProperties).
		OnEntry(func(_ context.Context, _ ...any) error {
			st.Step = StepNone
			st.Interactions++
			return nil
		})

	for _, s := range []State{StateScheduling, StateScheduled} {
		sm.Configure(s).OnEntry(func(_ context.Context, _ ...any) error {
			st.Step = StepNone
			return nil
		})
	}
	return sm
}

// Apply fires sig against stage and returns the resulting stage. A zero
// signal returns the stage unchanged.
func Apply(ctx context.Context, stage Stage, sig Signal) (Stage, error) {
	if sig.IsZero() {
		return stage, nil
	}
	next := stage
	sm := newMachine(&next)

	var args []any
	if sig.Trigger == TriggerAskQualifying {
		args = append(args, sig.Step)
	}
	if err := sm.FireCtx(ctx, sig.Trigger, args...); err != nil {
		return stage, fmt.Errorf("stage %s: fire %s: %w", stage, sig.Trigger, err)
	}
	return next, nil
}

// Reset returns the initial stage through the machine so entry actions stay
// the single place that defines what a cleared stage looks like.
func Reset(ctx context.Context, stage Stage) Stage {
	next, err := Apply(ctx, stage, Signal{Trigger: TriggerReset})
	if err != nil {
		return Initial()
	}
	return next
}
