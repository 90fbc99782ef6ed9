package saga

import "testing"

func TestStepOK(t *testing.T) {
	if got := StepOK(0); got != "STEP_OK_0" {
		t.Fatalf("StepOK(0) = %q, want STEP_OK_0", got)
	}
	if got := StepOK(2); got != "STEP_OK_2" {
		t.Fatalf("StepOK(2) = %q, want STEP_OK_2", got)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCompensated, StateTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []State{StateStarted, StateCompensating, StepOK(0), StepOK(1)}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestStepWaitingAndPending(t *testing.T) {
	ref := "pay-123"
	cases := []struct {
		name    string
		step    Step
		waiting bool
		pending bool
	}{
		{"fresh step", Step{}, false, true},
		{"pending ref set", Step{PendingRef: &ref}, true, false},
		{"succeeded", Step{Success: true}, false, false},
		{"failed", Step{Error: "boom"}, false, false},
	}
	for _, tc := range cases {
		if got := tc.step.Waiting(); got != tc.waiting {
			t.Errorf("%s: Waiting() = %v, want %v", tc.name, got, tc.waiting)
		}
		if got := tc.step.Pending(); got != tc.pending {
			t.Errorf("%s: Pending() = %v, want %v", tc.name, got, tc.pending)
		}
	}
}
