// Package plan defines the plan-graph model: the document an agent submits,
// its nodes, the evidence policy applied to proposed changes, and the
// rejection-code taxonomy shared by every gate in the engine.
//
// A Document is immutable once accepted. Re-submission always creates a new
// document; nothing in this package mutates an accepted plan in place.
package plan

import (
	"fmt"
	"strings"
	"time"
)

// NodeKind identifies the variant of a plan node.
type NodeKind string

const (
	KindChange     NodeKind = "/change"      // Proposed file mutation
	KindValidate   NodeKind = "/validate"    // Verification of other nodes
	KindEscalate   NodeKind = "/escalate"    // Request for more evidence / human input
	KindSideEffect NodeKind = "/side_effect" // External effect behind a commit gate
)

// ChangeOperation identifies what a change node does to its target file.
type ChangeOperation string

const (
	OpCreate ChangeOperation = "/create"
	OpModify ChangeOperation = "/modify"
	OpDelete ChangeOperation = "/delete"
)

// RejectionCode is a request-level failure code. Codes are stable strings
// consumed by calling controllers; they never indicate a process crash.
type RejectionCode string

const (
	CodePlanEvidenceInsufficient  RejectionCode = "PLAN_EVIDENCE_INSUFFICIENT"
	CodePlanScopeViolation        RejectionCode = "PLAN_SCOPE_VIOLATION"
	CodePlanMissingRequiredFields RejectionCode = "PLAN_MISSING_REQUIRED_FIELDS"
	CodePlanPolicyViolation       RejectionCode = "PLAN_POLICY_VIOLATION"
	CodePlanVerificationWeak      RejectionCode = "PLAN_VERIFICATION_WEAK"
	CodeExecSideEffectCollision   RejectionCode = "EXEC_SIDE_EFFECT_COLLISION"
	CodeExecUngatedSideEffect     RejectionCode = "EXEC_UNGATED_SIDE_EFFECT"
	CodePathScopeViolation        RejectionCode = "PATH_SCOPE_VIOLATION"
)

// Document is one plan-graph submission for a single work unit.
type Document struct {
	PlanID    string `json:"plan_id"`
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`

	// ContextHash is a content hash of the source context the plan was
	// built from. The controller uses it to detect stale plans.
	ContextHash string `json:"context_hash"`

	// PolicyVersions records which policy documents were in force.
	PolicyVersions []string `json:"policy_versions,omitempty"`

	Policy EvidencePolicy `json:"policy"`
	Nodes  []Node         `json:"nodes"`

	CreatedAt time.Time `json:"created_at"`
}

// AtomicityBoundary declares what a node explicitly includes and excludes.
type AtomicityBoundary struct {
	InScopeCriteria    []string `json:"in_scope_criteria,omitempty"`
	OutOfScopeCriteria []string `json:"out_of_scope_criteria,omitempty"`
	Modules            []string `json:"modules,omitempty"`
}

// Node is one entry in a plan graph. Exactly one of the kind-specific
// payloads must be set, matching Kind.
type Node struct {
	ID        string            `json:"id"`
	Kind      NodeKind          `json:"kind"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Boundary  AtomicityBoundary `json:"boundary"`

	// ExpectedFailures lists failure signatures the planner anticipates.
	ExpectedFailures []string `json:"expected_failures,omitempty"`

	// SpawnCorrectionOnFailure marks whether a failure of this node should
	// produce a correction candidate instead of aborting the work unit.
	SpawnCorrectionOnFailure bool `json:"spawn_correction_on_failure,omitempty"`

	Change     *ChangeSpec     `json:"change,omitempty"`
	Validate   *ValidateSpec   `json:"validate,omitempty"`
	Escalate   *EscalateSpec   `json:"escalate,omitempty"`
	SideEffect *SideEffectSpec `json:"side_effect,omitempty"`
}

// ChangeSpec describes one proposed file mutation and its justification.
type ChangeSpec struct {
	Operation     ChangeOperation `json:"operation"`
	TargetFile    string          `json:"target_file"`
	TargetSymbols []string        `json:"target_symbols,omitempty"`
	Rationale     string          `json:"rationale"`

	EscalationTriggers []string `json:"escalation_triggers,omitempty"`

	// Evidence lanes. Citations are requirement refs, CodeEvidence points
	// into the codebase, PolicyRefs cite policy documents.
	Citations    []string `json:"citations,omitempty"`
	CodeEvidence []string `json:"code_evidence,omitempty"`
	PolicyRefs   []string `json:"policy_refs,omitempty"`

	// Low-evidence guard triple. All three must be present for a node to
	// pass on a single distinct source, and only when policy allows it.
	LowEvidenceGuard    bool   `json:"low_evidence_guard,omitempty"`
	UncertaintyNote     string `json:"uncertainty_note,omitempty"`
	RequiresHumanReview bool   `json:"requires_human_review,omitempty"`
}

// ValidateSpec describes a verification node.
type ValidateSpec struct {
	Hooks           []string `json:"hooks,omitempty"`
	VerifiesNodes   []string `json:"verifies_nodes"`
	SuccessCriteria string   `json:"success_criteria"`
}

// EvidenceRequest is a typed request for additional evidence.
type EvidenceRequest struct {
	Type        string `json:"type"` // e.g. /requirement, /code, /policy, /human
	Description string `json:"description"`
}

// EscalateSpec describes an escalation node.
type EscalateSpec struct {
	RequestedEvidence []EvidenceRequest `json:"requested_evidence,omitempty"`
	BlockingReasons   []string          `json:"blocking_reasons"`
	ProposedStrategy  string            `json:"proposed_strategy,omitempty"`
}

// SideEffectSpec describes an external side effect that requires a
// separately approved commit gate before it may execute.
type SideEffectSpec struct {
	EffectKind   string `json:"effect_kind"` // e.g. /http_call, /notify, /deploy
	PayloadRef   string `json:"payload_ref"`
	CommitGateID string `json:"commit_gate_id"`
}

// EvidencePolicy holds the thresholds applied to change-node evidence.
// Zero-valued minimums take the documented defaults: requirement and code
// lanes default to 1, the policy lane to 0, distinct sources to 2.
type EvidencePolicy struct {
	MinRequirementSources  int `json:"min_requirement_sources" yaml:"min_requirement_sources"`
	MinCodeEvidenceSources int `json:"min_code_evidence_sources" yaml:"min_code_evidence_sources"`
	MinPolicySources       int `json:"min_policy_sources" yaml:"min_policy_sources"`
	MinDistinctSources     int `json:"min_distinct_sources" yaml:"min_distinct_sources"`

	AllowSingleSourceWithGuard bool `json:"allow_single_source_with_guard" yaml:"allow_single_source_with_guard"`

	DistinctSource DistinctSourceRule `json:"distinct_source" yaml:"distinct_source"`
}

// DistinctSourceRule configures what counts as one source. The zero value
// is the default rule: lowercase, trim, strip query and fragment.
type DistinctSourceRule struct {
	PreserveCase     bool `json:"preserve_case" yaml:"preserve_case"`
	PreserveQuery    bool `json:"preserve_query" yaml:"preserve_query"`
	PreserveFragment bool `json:"preserve_fragment" yaml:"preserve_fragment"`
}

// Outcome is the per-node result of plan validation.
type Outcome struct {
	NodeID         string          `json:"node_id"`
	OK             bool            `json:"ok"`
	RejectionCodes []RejectionCode `json:"rejection_codes,omitempty"`
	Diagnostics    []string        `json:"diagnostics,omitempty"`
}

// CodedError is a request-level failure carrying a taxonomy code.
type CodedError struct {
	Code   RejectionCode
	Reason string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Reject builds a CodedError with a formatted reason.
func Reject(code RejectionCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rejection code from an error chain, or "" if the
// error carries no code.
func CodeOf(err error) RejectionCode {
	for err != nil {
		if coded, ok := err.(*CodedError); ok {
			return coded.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// Validate checks the structural integrity of a document: unique node ids,
// resolvable dependencies, and exactly one payload matching each node's kind.
// Evidence checking is separate (ValidateChangeEvidence).
func (d *Document) Validate() error {
	if strings.TrimSpace(d.PlanID) == "" {
		return fmt.Errorf("plan document missing plan_id")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("plan document %s has no nodes", d.PlanID)
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("plan %s: node %d missing id", d.PlanID, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("plan %s: duplicate node id %s", d.PlanID, n.ID)
		}
		seen[n.ID] = true
		if err := n.checkPayload(); err != nil {
			return fmt.Errorf("plan %s: %w", d.PlanID, err)
		}
	}

	for i := range d.Nodes {
		for _, dep := range d.Nodes[i].DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %s: node %s depends on unknown node %s", d.PlanID, d.Nodes[i].ID, dep)
			}
		}
	}
	return nil
}

// checkPayload enforces the tagged-variant invariant: the payload set on a
// node is exactly the one its kind names.
func (n *Node) checkPayload() error {
	count := 0
	if n.Change != nil {
		count++
	}
	if n.Validate != nil {
		count++
	}
	if n.Escalate != nil {
		count++
	}
	if n.SideEffect != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("node %s: expected exactly one payload, got %d", n.ID, count)
	}

	switch n.Kind {
	case KindChange:
		if n.Change == nil {
			return fmt.Errorf("node %s: kind %s without change payload", n.ID, n.Kind)
		}
		c := n.Change
		switch c.Operation {
		case OpCreate, OpModify, OpDelete:
		default:
			return fmt.Errorf("node %s: unknown change operation %q", n.ID, c.Operation)
		}
		if strings.TrimSpace(c.TargetFile) == "" {
			return fmt.Errorf("node %s: change without target file", n.ID)
		}
	case KindValidate:
		if n.Validate == nil {
			return fmt.Errorf("node %s: kind %s without validate payload", n.ID, n.Kind)
		}
		if len(n.Validate.VerifiesNodes) == 0 {
			return fmt.Errorf("node %s: validate node verifies nothing", n.ID)
		}
	case KindEscalate:
		if n.Escalate == nil {
			return fmt.Errorf("node %s: kind %s without escalate payload", n.ID, n.Kind)
		}
	case KindSideEffect:
		if n.SideEffect == nil {
			return fmt.Errorf("node %s: kind %s without side_effect payload", n.ID, n.Kind)
		}
		if strings.TrimSpace(n.SideEffect.CommitGateID) == "" {
			return fmt.Errorf("node %s: side_effect without commit gate id", n.ID)
		}
	default:
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (d *Document) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// CoversSymbols reports whether the change node's declared symbol set covers
// every symbol a patch request claims. Wildcards are never accepted.
func (c *ChangeSpec) CoversSymbols(requested []string) bool {
	declared := make(map[string]bool, len(c.TargetSymbols))
	for _, s := range c.TargetSymbols {
		declared[strings.TrimSpace(s)] = true
	}
	for _, s := range requested {
		s = strings.TrimSpace(s)
		if s == "" || strings.Contains(s, "*") || !declared[s] {
			return false
		}
	}
	return true
}
