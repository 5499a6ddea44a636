package runstate

// Verb is an operation name an agent may invoke.
type Verb string

const (
	// Bootstrap verbs
	VerbInitSession Verb = "init_session"
	VerbQueryState  Verb = "query_state"

	// Read / evidence-gathering verbs
	VerbReadFile       Verb = "read_file"
	VerbSearchCode     Verb = "search_code"
	VerbGatherEvidence Verb = "gather_evidence"
	VerbSubmitPlan     Verb = "submit_plan"

	// Mutation verbs
	VerbPatchApply Verb = "patch_apply"
	VerbCodeRun    Verb = "code_run"
	VerbSideEffect Verb = "side_effect"
	VerbRunRecipe  Verb = "run_recipe"

	// Escalation / completion verbs
	VerbEscalate Verb = "escalate"
	VerbComplete Verb = "complete"
)

// mutationVerbs is the set unlocked only by an accepted plan.
var mutationVerbs = []Verb{VerbPatchApply, VerbCodeRun, VerbSideEffect, VerbRunRecipe}

var (
	bootstrapVerbs = []Verb{VerbInitSession, VerbQueryState}
	planningVerbs  = []Verb{VerbQueryState, VerbReadFile, VerbSearchCode, VerbGatherEvidence, VerbSubmitPlan, VerbEscalate}
	blockedVerbs   = []Verb{VerbQueryState, VerbEscalate, VerbComplete}
	terminalVerbs  = []Verb{VerbQueryState, VerbComplete}
)

// CapabilitiesForState returns the verb allowlist for a lifecycle phase.
// Pure function of the state, no side effects. Mutation verbs are reachable
// from exactly /plan_accepted and /execution_enabled; no amount of prior
// calls in a session changes that.
func CapabilitiesForState(state RunState) []Verb {
	switch state {
	case StateUninitialized:
		return clone(bootstrapVerbs)
	case StatePlanRequired, StatePlanning:
		return clone(planningVerbs)
	case StatePlanAccepted, StateExecutionEnabled:
		verbs := clone(planningVerbs)
		return append(verbs, mutationVerbs...)
	case StateBlockedBudget:
		return clone(blockedVerbs)
	case StateFailed, StateCompleted:
		return clone(terminalVerbs)
	default:
		// Unknown states get nothing.
		return nil
	}
}

// CanExecuteMutation reports whether mutation verbs are available in the
// given state.
func CanExecuteMutation(state RunState) bool {
	return state == StatePlanAccepted || state == StateExecutionEnabled
}

// HasVerb reports whether the state's allowlist contains the verb.
func HasVerb(state RunState, verb Verb) bool {
	for _, v := range CapabilitiesForState(state) {
		if v == verb {
			return true
		}
	}
	return false
}

func clone(verbs []Verb) []Verb {
	out := make([]Verb, len(verbs))
	copy(out, verbs)
	return out
}
