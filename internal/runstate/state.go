// Package runstate tracks the lifecycle phase of each work unit and derives
// the verb set an agent may invoke from that phase. The capability functions
// are pure; the Machine is the single owner of state mutation.
package runstate

import (
	"fmt"
	"sync"

	"patchgate/internal/logging"
)

// RunState is the lifecycle phase of one work unit.
type RunState string

const (
	StateUninitialized    RunState = "/uninitialized"
	StatePlanRequired     RunState = "/plan_required"
	StatePlanning         RunState = "/planning"
	StatePlanAccepted     RunState = "/plan_accepted"
	StateBlockedBudget    RunState = "/blocked_budget"
	StateExecutionEnabled RunState = "/execution_enabled"
	StateFailed           RunState = "/failed"
	StateCompleted        RunState = "/completed"
)

// allowedTransitions is the full transition relation. Transitions are
// monotonic except /blocked_budget, which may return to /planning.
// /failed and /completed are terminal.
var allowedTransitions = map[RunState][]RunState{
	StateUninitialized:    {StatePlanRequired, StatePlanning},
	StatePlanRequired:     {StatePlanning, StateFailed},
	StatePlanning:         {StatePlanAccepted, StateBlockedBudget, StateFailed},
	StatePlanAccepted:     {StateExecutionEnabled, StateFailed, StateCompleted},
	StateBlockedBudget:    {StatePlanning, StateFailed, StateCompleted},
	StateExecutionEnabled: {StateFailed, StateCompleted},
	StateFailed:           {},
	StateCompleted:        {},
}

// IsTerminal reports whether no further transition is possible.
func (s RunState) IsTerminal() bool {
	return s == StateFailed || s == StateCompleted
}

// valid reports whether s is a known state.
func (s RunState) valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to RunState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks run state per work unit. A work unit starts in
// /uninitialized at its first query.
type Machine struct {
	mu     sync.RWMutex
	states map[string]RunState
}

// NewMachine creates an empty run-state machine.
func NewMachine() *Machine {
	return &Machine{states: make(map[string]RunState)}
}

// State returns the current state for a work unit, creating the work unit
// in /uninitialized on first access.
func (m *Machine) State(workID string) RunState {
	m.mu.RLock()
	state, ok := m.states[workID]
	m.mu.RUnlock()
	if ok {
		return state
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok = m.states[workID]; ok {
		return state
	}
	m.states[workID] = StateUninitialized
	logging.RunStateDebug("work unit %s created in %s", workID, StateUninitialized)
	return StateUninitialized
}

// Transition moves a work unit to a new state. Invalid transitions leave
// the state untouched and return an error.
func (m *Machine) Transition(workID string, to RunState) error {
	if !to.valid() {
		return fmt.Errorf("unknown run state %q", to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[workID]
	if !ok {
		from = StateUninitialized
		m.states[workID] = from
	}

	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		logging.RunState("work unit %s: transition %s -> %s denied", workID, from, to)
		return fmt.Errorf("work unit %s: illegal transition %s -> %s", workID, from, to)
	}

	m.states[workID] = to
	logging.RunState("work unit %s: %s -> %s", workID, from, to)
	return nil
}

// WorkUnits returns the ids of all tracked work units.
func (m *Machine) WorkUnits() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids
}
