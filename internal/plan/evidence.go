package plan

import (
	"fmt"
	"strings"

	"patchgate/internal/logging"
)

// defaulted returns the policy with documented defaults applied to
// zero-valued thresholds.
func (p EvidencePolicy) defaulted() EvidencePolicy {
	if p.MinRequirementSources <= 0 {
		p.MinRequirementSources = 1
	}
	if p.MinCodeEvidenceSources <= 0 {
		p.MinCodeEvidenceSources = 1
	}
	if p.MinPolicySources < 0 {
		p.MinPolicySources = 0
	}
	if p.MinDistinctSources <= 0 {
		p.MinDistinctSources = 2
	}
	return p
}

// Canonicalize reduces a citation to its distinct-source form under this rule.
func (r DistinctSourceRule) Canonicalize(source string) string {
	s := strings.TrimSpace(source)
	if !r.PreserveFragment {
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
	}
	if !r.PreserveQuery {
		if i := strings.IndexByte(s, '?'); i >= 0 {
			s = s[:i]
		}
	}
	if !r.PreserveCase {
		s = strings.ToLower(s)
	}
	return strings.TrimSpace(s)
}

// dedupeTrim trims entries, drops empties, and removes duplicates while
// preserving first-seen order.
func dedupeTrim(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// ValidateChangeEvidence checks a node's citations against the evidence
// policy. Only change nodes carry evidence obligations; every other kind
// passes unconditionally.
//
// All failing checks accumulate: the outcome reports one diagnostic per
// failed check under a single deduplicated PLAN_EVIDENCE_INSUFFICIENT code,
// never short-circuiting on the first failure.
func ValidateChangeEvidence(node *Node, policy EvidencePolicy) Outcome {
	outcome := Outcome{NodeID: node.ID, OK: true}
	if node.Kind != KindChange {
		return outcome
	}

	p := policy.defaulted()

	var citations, codeEvidence, policyRefs []string
	var change *ChangeSpec
	if node.Change != nil {
		change = node.Change
		citations = dedupeTrim(change.Citations)
		codeEvidence = dedupeTrim(change.CodeEvidence)
		policyRefs = dedupeTrim(change.PolicyRefs)
	}

	var diagnostics []string
	if len(citations) < p.MinRequirementSources {
		diagnostics = append(diagnostics, fmt.Sprintf(
			"requirement citations: have %d, policy requires %d", len(citations), p.MinRequirementSources))
	}
	if len(codeEvidence) < p.MinCodeEvidenceSources {
		diagnostics = append(diagnostics, fmt.Sprintf(
			"code evidence refs: have %d, policy requires %d", len(codeEvidence), p.MinCodeEvidenceSources))
	}
	if len(policyRefs) < p.MinPolicySources {
		diagnostics = append(diagnostics, fmt.Sprintf(
			"policy refs: have %d, policy requires %d", len(policyRefs), p.MinPolicySources))
	}

	// Cross-lane distinct-source count. Sources identical after
	// canonicalization collapse to one, regardless of which lane cited them.
	distinct := make(map[string]bool)
	for _, lane := range [][]string{citations, codeEvidence, policyRefs} {
		for _, src := range lane {
			if canon := p.DistinctSource.Canonicalize(src); canon != "" {
				distinct[canon] = true
			}
		}
	}

	if len(distinct) < p.MinDistinctSources {
		guarded := false
		if p.AllowSingleSourceWithGuard && change != nil {
			// The guard triple must be complete; policy always wins over
			// node-level self-assertion.
			guarded = change.LowEvidenceGuard &&
				strings.TrimSpace(change.UncertaintyNote) != "" &&
				change.RequiresHumanReview
		}
		if !guarded {
			diagnostics = append(diagnostics, fmt.Sprintf(
				"distinct canonical sources: have %d, policy requires %d (single-source guard not satisfied)",
				len(distinct), p.MinDistinctSources))
		}
	}

	if len(diagnostics) > 0 {
		outcome.OK = false
		outcome.RejectionCodes = []RejectionCode{CodePlanEvidenceInsufficient}
		outcome.Diagnostics = diagnostics
		logging.EvidenceDebug("node %s failed evidence policy: %d checks failed", node.ID, len(diagnostics))
	} else {
		logging.EvidenceDebug("node %s passed evidence policy (%d distinct sources)", node.ID, len(distinct))
	}
	return outcome
}
