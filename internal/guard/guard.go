// Package guard serializes mutation intent within a session. Every mutating
// operation declares its effect set up front; the guard rejects overlaps with
// live reservations and external effects that lack an approved commit gate.
//
// Reservations are additive and never released: "declare once, hold forever
// within the session". An operation that needs to touch a resource again must
// reuse its operation id, which is idempotent. The store is in-memory only
// and dies with the session.
package guard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"patchgate/internal/logging"
	"patchgate/internal/plan"
)

// EffectSet declares everything one operation intends to touch.
type EffectSet struct {
	Files               []string `json:"files,omitempty"`
	Symbols             []string `json:"symbols,omitempty"`
	GraphMutations      []string `json:"graph_mutations,omitempty"`
	ExternalSideEffects []string `json:"external_side_effects,omitempty"`
}

// normalize trims, drops empties, deduplicates, and sorts each dimension.
func (e EffectSet) normalize() EffectSet {
	return EffectSet{
		Files:               normalizeSet(e.Files),
		Symbols:             normalizeSet(e.Symbols),
		GraphMutations:      normalizeSet(e.GraphMutations),
		ExternalSideEffects: normalizeSet(e.ExternalSideEffects),
	}
}

// union merges two normalized effect sets dimension by dimension.
func (e EffectSet) union(other EffectSet) EffectSet {
	return EffectSet{
		Files:               unionSets(e.Files, other.Files),
		Symbols:             unionSets(e.Symbols, other.Symbols),
		GraphMutations:      unionSets(e.GraphMutations, other.GraphMutations),
		ExternalSideEffects: unionSets(e.ExternalSideEffects, other.ExternalSideEffects),
	}
}

func unionSets(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return normalizeSet(merged)
}

func normalizeSet(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Reservation is a recorded claim held for the rest of the session.
type Reservation struct {
	OperationID string    `json:"operation_id"`
	Effects     EffectSet `json:"effects"`
	ReservedAt  time.Time `json:"reserved_at"`
}

// Request is one declare-and-reserve attempt.
type Request struct {
	SessionKey            string
	OperationID           string
	Effects               EffectSet
	ApprovedExternalGates []string
}

// session holds the reservation list for one session key. All mutation goes
// through its mutex; the guard is the sole serialization point for mutation
// intent.
type session struct {
	mu    sync.Mutex
	order []string
	byOp  map[string]*Reservation
}

// Store owns all sessions' reservations for the process lifetime.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewStore creates an empty reservation store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

func (s *Store) session(key string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{byOp: make(map[string]*Reservation)}
		s.sessions[key] = sess
	}
	return sess
}

// AssertAndReserve checks and records a mutation intent. On success the
// normalized effect set is held for the rest of the session. Re-running the
// same operation id is idempotent and union-merges its effects into the held
// reservation; any other overlap is rejected.
func (s *Store) AssertAndReserve(req Request) error {
	if strings.TrimSpace(req.SessionKey) == "" {
		return fmt.Errorf("session key required")
	}
	if strings.TrimSpace(req.OperationID) == "" {
		return fmt.Errorf("operation id required")
	}

	effects := req.Effects.normalize()

	// Ungated external effects reject before any collision checking and
	// leave no reservation behind. Passing the collision scan cannot
	// bypass this.
	approved := make(map[string]bool, len(req.ApprovedExternalGates))
	for _, g := range req.ApprovedExternalGates {
		approved[strings.TrimSpace(g)] = true
	}
	for _, effect := range effects.ExternalSideEffects {
		if !approved[effect] {
			logging.GuardWarn("op %s: external effect %s has no approved gate", req.OperationID, effect)
			return plan.Reject(plan.CodeExecUngatedSideEffect,
				"external side effect %q has no approved commit gate", effect)
		}
	}

	sess := s.session(req.SessionKey)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Collision scan in priority order: files, symbols, graph mutations,
	// external side effects. The operation's own prior reservation is
	// excluded, which is what makes re-runs idempotent.
	for _, opID := range sess.order {
		if opID == req.OperationID {
			continue
		}
		held := sess.byOp[opID]
		if dimension, resource := collide(held.Effects, effects); dimension != "" {
			logging.GuardWarn("op %s: %s %q already reserved by op %s",
				req.OperationID, dimension, resource, opID)
			return plan.Reject(plan.CodeExecSideEffectCollision,
				"%s %q already reserved by operation %s", dimension, resource, opID)
		}
	}

	// A re-declaration merges into the held reservation. Resources claimed
	// by an earlier declaration of the same operation stay held; nothing is
	// ever released within a session.
	if existing, ok := sess.byOp[req.OperationID]; ok {
		existing.Effects = existing.Effects.union(effects)
	} else {
		sess.byOp[req.OperationID] = &Reservation{
			OperationID: req.OperationID,
			Effects:     effects,
			ReservedAt:  time.Now(),
		}
		sess.order = append(sess.order, req.OperationID)
	}

	logging.GuardDebug("op %s reserved: files=%d symbols=%d graph=%d external=%d",
		req.OperationID, len(effects.Files), len(effects.Symbols),
		len(effects.GraphMutations), len(effects.ExternalSideEffects))
	return nil
}

// collide returns the first colliding dimension and resource, or ("", "").
func collide(held, requested EffectSet) (dimension, resource string) {
	if r := intersectFirst(held.Files, requested.Files); r != "" {
		return "file", r
	}
	if r := intersectFirst(held.Symbols, requested.Symbols); r != "" {
		return "symbol", r
	}
	if r := intersectFirst(held.GraphMutations, requested.GraphMutations); r != "" {
		return "graph mutation", r
	}
	if r := intersectFirst(held.ExternalSideEffects, requested.ExternalSideEffects); r != "" {
		return "external side effect", r
	}
	return "", ""
}

// intersectFirst returns one element present in both sorted sets, or "".
func intersectFirst(a, b []string) string {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return a[i]
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return ""
}

// Reservations returns a copy of the session's reservation list in
// insertion order.
func (s *Store) Reservations(sessionKey string) []Reservation {
	s.mu.Lock()
	sess, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Reservation, 0, len(sess.order))
	for _, opID := range sess.order {
		out = append(out, *sess.byOp[opID])
	}
	return out
}
