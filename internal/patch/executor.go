// Package patch performs the only permitted form of file mutation: applying
// an approved change node's patch request inside a worktree. Every check is
// pre-flight and side-effect-free; the file is read only after scope and
// policy validation pass, and written only when content actually changed.
package patch

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"patchgate/internal/codemod"
	"patchgate/internal/diffsum"
	"patchgate/internal/logging"
	"patchgate/internal/plan"
)

// Operation selects the patch mechanism.
type Operation string

const (
	OpReplaceText Operation = "/replace_text"
	OpASTCodemod  Operation = "/ast_codemod"
)

// Request is one mutation request claiming authorization from an approved
// change node.
type Request struct {
	NodeID        string    `json:"node_id"`
	TargetFile    string    `json:"target_file"`
	TargetSymbols []string  `json:"target_symbols,omitempty"`
	Operation     Operation `json:"operation"`

	// replace_text fields
	Find    string `json:"find,omitempty"`
	Replace string `json:"replace,omitempty"`

	// ast_codemod fields
	CodemodID string            `json:"codemod_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// Result reports what a patch execution did.
type Result struct {
	Changed      bool      `json:"changed"`
	TargetFile   string    `json:"target_file"`
	Replacements int       `json:"replacements"`
	BytesBefore  int       `json:"bytes_before"`
	BytesAfter   int       `json:"bytes_after"`
	LineDelta    int       `json:"line_delta"`
	Operation    Operation `json:"operation"`
	CodemodID    string    `json:"codemod_id,omitempty"`

	// Diff is set when the file changed; it feeds the persisted
	// diff-summary artifact.
	Diff *diffsum.Summary `json:"diff,omitempty"`
}

// Executor applies structured patches. The catalog is passed in explicitly;
// the executor re-checks membership itself and never trusts the plan layer
// alone.
type Executor struct {
	catalog *codemod.Registry
}

// NewExecutor creates an executor bound to a codemod catalog.
func NewExecutor(catalog *codemod.Registry) *Executor {
	return &Executor{catalog: catalog}
}

// Apply validates the request against its approved node and executes it
// within worktreeRoot. On any rejection the target file is untouched.
func (e *Executor) Apply(worktreeRoot string, req Request, approved *plan.Node) (*Result, error) {
	transform, err := e.preValidate(req, approved)
	if err != nil {
		logging.PatchDebug("request on node %s rejected pre-flight: %v", req.NodeID, err)
		return nil, err
	}

	path, err := resolveWithinRoot(worktreeRoot, req.TargetFile)
	if err != nil {
		return nil, err
	}

	before, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat target file: %w", err)
	}

	var after []byte
	var replacements int
	switch req.Operation {
	case OpReplaceText:
		after, replacements = replaceText(before, req.Find, req.Replace)
	case OpASTCodemod:
		kind, _ := codemod.KindForPath(req.TargetFile)
		after, replacements, err = transform(kind, before, req.Params)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		TargetFile:   req.TargetFile,
		Replacements: replacements,
		BytesBefore:  len(before),
		BytesAfter:   len(before),
		Operation:    req.Operation,
		CodemodID:    req.CodemodID,
	}

	if replacements == 0 || bytes.Equal(before, after) {
		logging.PatchDebug("node %s: no content change on %s", req.NodeID, req.TargetFile)
		return result, nil
	}

	if err := os.WriteFile(path, after, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write target file: %w", err)
	}

	result.Changed = true
	result.BytesAfter = len(after)
	result.LineDelta = bytes.Count(after, []byte("\n")) - bytes.Count(before, []byte("\n"))
	result.Diff = diffsum.Compute(req.TargetFile, string(before), string(after))

	logging.Patch("node %s: patched %s (%d replacements, %d -> %d bytes, line delta %+d)",
		req.NodeID, req.TargetFile, replacements, result.BytesBefore, result.BytesAfter, result.LineDelta)
	return result, nil
}

// ValidateScope runs the pure pre-flight checks of a request against its
// approved node without touching any file. Callers that hold resources on a
// request's behalf (reservations, locks) should validate first so a rejected
// request claims nothing.
func (e *Executor) ValidateScope(req Request, approved *plan.Node) error {
	_, err := e.preValidate(req, approved)
	return err
}

// preValidate runs every check that must pass before any file read. For
// ast_codemod it returns the resolved transform.
func (e *Executor) preValidate(req Request, approved *plan.Node) (codemod.TransformFunc, error) {
	if approved == nil || approved.Kind != plan.KindChange || approved.Change == nil {
		return nil, plan.Reject(plan.CodePlanScopeViolation,
			"request claims authorization from a non-change node")
	}
	change := approved.Change

	if req.TargetFile != change.TargetFile {
		return nil, plan.Reject(plan.CodePlanScopeViolation,
			"target file %q is not the approved file %q", req.TargetFile, change.TargetFile)
	}

	for _, sym := range req.TargetSymbols {
		trimmed := strings.TrimSpace(sym)
		if trimmed == "" || strings.Contains(trimmed, "*") {
			return nil, plan.Reject(plan.CodePlanScopeViolation,
				"target symbol %q is empty or wildcard", sym)
		}
	}
	if !change.CoversSymbols(req.TargetSymbols) {
		return nil, plan.Reject(plan.CodePlanScopeViolation,
			"requested symbols %v exceed the approved set %v", req.TargetSymbols, change.TargetSymbols)
	}

	switch req.Operation {
	case OpReplaceText:
		if req.Find == "" {
			return nil, plan.Reject(plan.CodePlanMissingRequiredFields,
				"replace_text requires a non-empty find string")
		}
		return nil, nil

	case OpASTCodemod:
		desc, transform, ok := e.catalog.Resolve(req.CodemodID)
		if !ok {
			return nil, plan.Reject(plan.CodePlanPolicyViolation,
				"codemod %q is not in the catalog", req.CodemodID)
		}
		// The plan layer already rejected uncited codemods; re-check here
		// so the executor never trusts it alone.
		if !approved.CitesCodemod(req.CodemodID) {
			return nil, plan.Reject(plan.CodePlanPolicyViolation,
				"approved node does not cite codemod:%s", req.CodemodID)
		}
		for _, param := range desc.RequiredParams {
			if strings.TrimSpace(req.Params[param]) == "" {
				return nil, plan.Reject(plan.CodePlanMissingRequiredFields,
					"codemod %s requires parameter %q", req.CodemodID, param)
			}
		}
		kind, ok := codemod.KindForPath(req.TargetFile)
		if !ok || !desc.AppliesTo(kind) {
			return nil, plan.Reject(plan.CodePlanPolicyViolation,
				"codemod %s does not apply to file kind of %q", req.CodemodID, req.TargetFile)
		}
		return transform, nil

	default:
		return nil, plan.Reject(plan.CodePlanMissingRequiredFields,
			"unknown patch operation %q", req.Operation)
	}
}

// replaceText replaces every literal (non-regex) occurrence of find.
func replaceText(src []byte, find, replace string) ([]byte, int) {
	count := bytes.Count(src, []byte(find))
	if count == 0 {
		return src, 0
	}
	return bytes.ReplaceAll(src, []byte(find), []byte(replace)), count
}
