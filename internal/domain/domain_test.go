package domain

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to MissionState }{
		{StateQueued, StateAssigned},
		{StateAssigned, StateExecuting},
		{StateAssigned, StateQueued},
		{StateExecuting, StateWaiting},
		{StateWaiting, StateExecuting},
		{StateExecuting, StateCompleted},
		{StateExecuting, StateFailed},
		{StateFailed, StateQueued},
		{StateFailed, StateEscalated},
		{StateWaiting, StateEscalated},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Fatalf("%s -> %s: %v", tc.from, tc.to, err)
		}
	}
	rejected := []struct{ from, to MissionState }{
		{StateQueued, StateExecuting},
		{StateQueued, StateCompleted},
		{StateCompleted, StateQueued},
		{StateEscalated, StateQueued},
		{StateCancelled, StateQueued},
		{StateFailed, StateCompleted},
		{StateQueued, MissionState("bogus")},
	}
	for _, tc := range rejected {
		err := ValidateTransition(tc.from, tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestNonTerminalStatesAreCancellable(t *testing.T) {
	for _, s := range AllStates() {
		if s.Terminal() {
			if len(validTransitions[s]) != 0 {
				t.Fatalf("terminal state %s has outgoing transitions", s)
			}
			continue
		}
		if !CanTransition(s, StateCancelled) {
			t.Fatalf("state %s should be cancellable", s)
		}
	}
}

func TestRecordErrorAppendsHistory(t *testing.T) {
	m := Mission{ID: "m1", RetryCount: 2}
	m.RecordError(ErrorRecord{Kind: ErrorTaskExecution, Message: "smtp 421", Recoverable: true})
	m.RecordError(ErrorRecord{Kind: ErrorMissionTimeout, Message: "timed out"})
	if len(m.ErrorHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(m.ErrorHistory))
	}
	if m.Error.Kind != ErrorMissionTimeout || m.Error.Attempt != 2 {
		t.Fatalf("unexpected current error %+v", m.Error)
	}
	if m.Campaign() != "m1" {
		t.Fatalf("campaign should default to mission id")
	}
}
