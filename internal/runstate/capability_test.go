package runstate

import "testing"

// allStates enumerates every defined run state for exhaustive gate checks.
var allStates = []RunState{
	StateUninitialized,
	StatePlanRequired,
	StatePlanning,
	StatePlanAccepted,
	StateBlockedBudget,
	StateExecutionEnabled,
	StateFailed,
	StateCompleted,
}

func hasAnyMutationVerb(verbs []Verb) bool {
	set := make(map[Verb]bool, len(verbs))
	for _, v := range verbs {
		set[v] = true
	}
	for _, mv := range mutationVerbs {
		if set[mv] {
			return true
		}
	}
	return false
}

// Mutation verbs must be reachable from exactly the two accepted/execution
// states, regardless of anything else in the session.
func TestMutationVerbsReachableFromExactlyTwoStates(t *testing.T) {
	for _, state := range allStates {
		verbs := CapabilitiesForState(state)
		want := state == StatePlanAccepted || state == StateExecutionEnabled
		if got := hasAnyMutationVerb(verbs); got != want {
			t.Errorf("state %s: mutation verbs present=%v, want %v", state, got, want)
		}
		if CanExecuteMutation(state) != want {
			t.Errorf("state %s: CanExecuteMutation = %v, want %v", state, CanExecuteMutation(state), want)
		}
	}
}

func TestCapabilitiesPerState(t *testing.T) {
	tests := []struct {
		state   RunState
		present []Verb
		absent  []Verb
	}{
		{StateUninitialized, []Verb{VerbInitSession, VerbQueryState}, []Verb{VerbReadFile, VerbPatchApply}},
		{StatePlanning, []Verb{VerbReadFile, VerbSearchCode, VerbSubmitPlan}, []Verb{VerbPatchApply, VerbComplete}},
		{StatePlanRequired, []Verb{VerbGatherEvidence, VerbSubmitPlan}, []Verb{VerbSideEffect}},
		{StatePlanAccepted, []Verb{VerbPatchApply, VerbCodeRun, VerbSideEffect, VerbRunRecipe, VerbReadFile}, nil},
		{StateExecutionEnabled, []Verb{VerbPatchApply, VerbRunRecipe}, nil},
		{StateBlockedBudget, []Verb{VerbEscalate, VerbComplete}, []Verb{VerbPatchApply, VerbSubmitPlan, VerbReadFile}},
		{StateFailed, []Verb{VerbComplete}, []Verb{VerbPatchApply, VerbSubmitPlan}},
		{StateCompleted, []Verb{VerbComplete}, []Verb{VerbPatchApply, VerbEscalate}},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			for _, v := range tt.present {
				if !HasVerb(tt.state, v) {
					t.Errorf("state %s missing verb %s", tt.state, v)
				}
			}
			for _, v := range tt.absent {
				if HasVerb(tt.state, v) {
					t.Errorf("state %s must not expose verb %s", tt.state, v)
				}
			}
		})
	}
}

func TestUnknownStateYieldsNothing(t *testing.T) {
	if verbs := CapabilitiesForState("/bogus"); len(verbs) != 0 {
		t.Errorf("unknown state yielded verbs: %v", verbs)
	}
}

// CapabilitiesForState hands out copies; callers must not be able to poison
// the allowlists.
func TestCapabilitiesAreCopies(t *testing.T) {
	verbs := CapabilitiesForState(StatePlanning)
	for i := range verbs {
		verbs[i] = VerbPatchApply
	}
	if hasAnyMutationVerb(CapabilitiesForState(StatePlanning)) {
		t.Fatal("mutating a returned slice altered the allowlist")
	}
}
