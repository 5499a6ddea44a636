// Package gate is the controller tying the engine together: plan submission
// and validation, run-state advancement, the capability gate over mutation
// verbs, collision-guard reservation, patch execution, and artifact
// persistence. Agents talk to the Controller; nothing below it is reachable
// without passing its checks.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"patchgate/internal/codemod"
	"patchgate/internal/config"
	"patchgate/internal/guard"
	"patchgate/internal/logging"
	"patchgate/internal/patch"
	"patchgate/internal/plan"
	"patchgate/internal/runstate"
	"patchgate/internal/store"
)

// Controller mediates every agent-initiated operation.
type Controller struct {
	cfg      *config.Config
	machine  *runstate.Machine
	guard    *guard.Store
	catalog  *codemod.Registry
	executor *patch.Executor
	audit    *logging.AuditLogger

	// artifacts may be nil; persistence is then skipped.
	artifacts *store.ArtifactStore

	mu    sync.RWMutex
	plans map[string]*plan.Document // accepted plan per work unit
	gates map[string]map[string]bool
}

// NewController wires a controller from configuration. The codemod catalog
// starts from the built-ins minus any config-disabled ids.
func NewController(cfg *config.Config, artifacts *store.ArtifactStore) (*Controller, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	catalog := codemod.NewRegistry()
	for _, id := range cfg.Codemods.Disabled {
		catalog.Unregister(id)
	}

	c := &Controller{
		cfg:       cfg,
		machine:   runstate.NewMachine(),
		guard:     guard.NewStore(),
		catalog:   catalog,
		executor:  patch.NewExecutor(catalog),
		audit:     logging.Audit(),
		artifacts: artifacts,
		plans:     make(map[string]*plan.Document),
		gates:     make(map[string]map[string]bool),
	}
	logging.Boot("gate controller ready (worktree=%s, codemods=%d)",
		cfg.Worktree.Root, len(catalog.List()))
	return c, nil
}

// Catalog exposes the codemod allowlist for listing.
func (c *Controller) Catalog() *codemod.Registry {
	return c.catalog
}

// NewSession mints a session key and logs its start.
func (c *Controller) NewSession() string {
	id := uuid.NewString()
	logging.Session("session %s started", id)
	c.audit.SessionStart(id)
	return id
}

// State reports the run state for a work unit.
func (c *Controller) State(workID string) runstate.RunState {
	return c.machine.State(workID)
}

// Capabilities reports the verbs currently available to a work unit.
func (c *Controller) Capabilities(workID string) []runstate.Verb {
	return runstate.CapabilitiesForState(c.machine.State(workID))
}

// SubmitResult is the decision over one plan submission.
type SubmitResult struct {
	Accepted bool              `json:"accepted"`
	PlanID   string            `json:"plan_id"`
	State    runstate.RunState `json:"state"`
	Outcomes []plan.Outcome    `json:"outcomes"`
}

// SubmitPlan validates a plan document and, when every node passes, accepts
// it and advances the work unit to /plan_accepted. A rejected plan leaves the
// work unit in /planning so the agent can resubmit; acceptance is all or
// nothing.
func (c *Controller) SubmitPlan(doc *plan.Document) (*SubmitResult, error) {
	if doc == nil {
		return nil, fmt.Errorf("plan document is nil")
	}
	workID := doc.RunID
	if strings.TrimSpace(workID) == "" {
		return nil, fmt.Errorf("plan document missing run_id")
	}

	// A fresh work unit implicitly initializes on first submission; every
	// other state must expose the submit_plan verb.
	state := c.machine.State(workID)
	if state != runstate.StateUninitialized && !runstate.HasVerb(state, runstate.VerbSubmitPlan) {
		return nil, plan.Reject(plan.CodePlanPolicyViolation,
			"submit_plan not available in state %s", state)
	}
	if err := c.machine.Transition(workID, runstate.StatePlanning); err != nil {
		return nil, plan.Reject(plan.CodePlanPolicyViolation,
			"cannot start planning for work unit %s in state %s", workID, state)
	}
	logging.Plan("plan %s submitted for work unit %s (%d nodes)", doc.PlanID, workID, len(doc.Nodes))

	if err := doc.Validate(); err != nil {
		c.audit.PlanDecision(doc.PlanID, false, len(doc.Nodes))
		return &SubmitResult{
			PlanID: doc.PlanID,
			State:  c.machine.State(workID),
			Outcomes: []plan.Outcome{{
				NodeID:         doc.PlanID,
				RejectionCodes: []plan.RejectionCode{plan.CodePlanMissingRequiredFields},
				Diagnostics:    []string{err.Error()},
			}},
		}, nil
	}

	policy := doc.Policy
	if policy == (plan.EvidencePolicy{}) {
		policy = c.cfg.Evidence
	}

	outcomes := make([]plan.Outcome, 0, len(doc.Nodes))
	rejected := 0
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		outcome := plan.ValidateChangeEvidence(node, policy)

		// Every cited codemod must resolve in the catalog.
		for _, id := range node.CodemodCitations() {
			if !c.catalog.Has(id) {
				outcome.OK = false
				outcome.RejectionCodes = appendCode(outcome.RejectionCodes, plan.CodePlanPolicyViolation)
				outcome.Diagnostics = append(outcome.Diagnostics,
					fmt.Sprintf("cited codemod %q is not in the catalog", id))
			}
		}

		if !outcome.OK {
			rejected++
			codes := make([]string, len(outcome.RejectionCodes))
			for j, code := range outcome.RejectionCodes {
				codes[j] = string(code)
			}
			c.audit.NodeRejected(node.ID, codes, outcome.Diagnostics)
		}
		outcomes = append(outcomes, outcome)
	}

	accepted := rejected == 0
	if accepted {
		if err := c.machine.Transition(workID, runstate.StatePlanAccepted); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.plans[workID] = doc
		c.mu.Unlock()
		logging.Plan("plan %s accepted for work unit %s", doc.PlanID, workID)
	} else {
		logging.PlanWarn("plan %s rejected: %d of %d nodes failed", doc.PlanID, rejected, len(doc.Nodes))
	}
	c.audit.PlanDecision(doc.PlanID, accepted, rejected)

	return &SubmitResult{
		Accepted: accepted,
		PlanID:   doc.PlanID,
		State:    c.machine.State(workID),
		Outcomes: outcomes,
	}, nil
}

// ApproveGate records a commit-gate approval for a session. Side-effect
// reservations naming this gate id pass the ungated check afterwards.
func (c *Controller) ApproveGate(sessionKey, gateID string) error {
	if strings.TrimSpace(sessionKey) == "" || strings.TrimSpace(gateID) == "" {
		return fmt.Errorf("session key and gate id required")
	}
	c.mu.Lock()
	if c.gates[sessionKey] == nil {
		c.gates[sessionKey] = make(map[string]bool)
	}
	c.gates[sessionKey][gateID] = true
	c.mu.Unlock()

	logging.Guard("commit gate %s approved for session %s", gateID, sessionKey)
	c.audit.GateApproved(gateID)
	return nil
}

func (c *Controller) approvedGates(sessionKey string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.gates[sessionKey]))
	for id := range c.gates[sessionKey] {
		out = append(out, id)
	}
	return out
}

// ApplyPatch runs one mutation request end to end: capability gate,
// collision-guard reservation, execution, artifact persistence. The
// reservation operation id is derived from the work unit and node, so
// retrying the same node is idempotent at the guard.
func (c *Controller) ApplyPatch(workID, sessionKey string, req patch.Request) (*patch.Result, error) {
	started := time.Now()

	state := c.machine.State(workID)
	if !runstate.CanExecuteMutation(state) {
		logging.Guard("work unit %s: patch_apply denied in state %s", workID, state)
		return nil, plan.Reject(plan.CodePlanPolicyViolation,
			"patch_apply not available in state %s; submit a plan first", state)
	}

	c.mu.RLock()
	doc := c.plans[workID]
	c.mu.RUnlock()
	if doc == nil {
		return nil, plan.Reject(plan.CodePlanScopeViolation,
			"work unit %s has no accepted plan", workID)
	}
	node := doc.NodeByID(req.NodeID)
	if node == nil {
		return nil, plan.Reject(plan.CodePlanScopeViolation,
			"node %s is not part of the accepted plan", req.NodeID)
	}

	// Scope-check the request before reserving anything: reservations are
	// never released, so a claim outside the approved scope must not squat
	// on resources other operations may legitimately need.
	if err := c.executor.ValidateScope(req, node); err != nil {
		c.recordRejection(workID, sessionKey, req, err)
		return nil, err
	}

	opID := fmt.Sprintf("%s/%s", workID, req.NodeID)
	effects := guard.EffectSet{
		Files:   []string{req.TargetFile},
		Symbols: qualifySymbols(req.TargetFile, req.TargetSymbols),
	}
	if err := c.guard.AssertAndReserve(guard.Request{
		SessionKey:            sessionKey,
		OperationID:           opID,
		Effects:               effects,
		ApprovedExternalGates: c.approvedGates(sessionKey),
	}); err != nil {
		c.audit.Reservation(opID, false, string(plan.CodeOf(err)), err.Error())
		c.recordRejection(workID, sessionKey, req, err)
		return nil, err
	}
	c.audit.Reservation(opID, true, "", "")

	result, err := c.executor.Apply(c.cfg.Worktree.Root, req, node)
	durMs := time.Since(started).Milliseconds()
	if err != nil {
		c.audit.PatchResult(req.NodeID, req.TargetFile, false, 0, durMs, string(plan.CodeOf(err)))
		c.recordRejection(workID, sessionKey, req, err)
		return nil, err
	}
	c.audit.PatchResult(req.NodeID, req.TargetFile, result.Changed, result.Replacements, durMs, "")
	c.recordResult(workID, sessionKey, req, node, result)

	// First successful mutation moves the work unit into execution.
	if c.machine.State(workID) == runstate.StatePlanAccepted {
		if terr := c.machine.Transition(workID, runstate.StateExecutionEnabled); terr != nil {
			logging.RunState("work unit %s: could not enter execution: %v", workID, terr)
		} else {
			c.audit.StateTransition(workID, string(runstate.StatePlanAccepted),
				string(runstate.StateExecutionEnabled), true)
		}
	}
	return result, nil
}

// ExecuteSideEffect gates an external side-effect node: the node's commit
// gate must already be approved for this session, and the effect reserves its
// external resource like any other mutation.
func (c *Controller) ExecuteSideEffect(workID, sessionKey, nodeID string) error {
	state := c.machine.State(workID)
	if !runstate.CanExecuteMutation(state) {
		return plan.Reject(plan.CodePlanPolicyViolation,
			"side_effect not available in state %s", state)
	}

	c.mu.RLock()
	doc := c.plans[workID]
	c.mu.RUnlock()
	if doc == nil {
		return plan.Reject(plan.CodePlanScopeViolation,
			"work unit %s has no accepted plan", workID)
	}
	node := doc.NodeByID(nodeID)
	if node == nil || node.Kind != plan.KindSideEffect || node.SideEffect == nil {
		return plan.Reject(plan.CodePlanScopeViolation,
			"node %s is not an approved side-effect node", nodeID)
	}

	opID := fmt.Sprintf("%s/%s", workID, nodeID)
	err := c.guard.AssertAndReserve(guard.Request{
		SessionKey:  sessionKey,
		OperationID: opID,
		Effects: guard.EffectSet{
			ExternalSideEffects: []string{node.SideEffect.CommitGateID},
		},
		ApprovedExternalGates: c.approvedGates(sessionKey),
	})
	if err != nil {
		c.audit.Reservation(opID, false, string(plan.CodeOf(err)), err.Error())
		return err
	}
	c.audit.Reservation(opID, true, "", "")
	logging.Guard("side effect %s (%s) cleared gate %s",
		nodeID, node.SideEffect.EffectKind, node.SideEffect.CommitGateID)
	return nil
}

// BatchItem pairs one batch request with its outcome.
type BatchItem struct {
	Request patch.Request
	Result  *patch.Result
	Err     error
}

// ApplyBatch applies several patch requests with bounded concurrency. Each
// request succeeds or fails on its own; the collision guard is what keeps
// concurrent requests from touching the same resources.
func (c *Controller) ApplyBatch(ctx context.Context, workID, sessionKey string, reqs []patch.Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Execution.MaxConcurrentPatches)

	for i, req := range reqs {
		i, req := i, req
		items[i].Request = req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result, items[i].Err = c.ApplyPatch(workID, sessionKey, req)
			return nil
		})
	}
	g.Wait()
	return items
}

// RecordValidation persists a validate node's verdict over an executed
// operation. The validator must be a validate node of the accepted plan that
// declares the executed node in its verification set.
func (c *Controller) RecordValidation(workID, sessionKey, validatorNodeID string, key store.Key, ok bool, diagnostics []string) error {
	c.mu.RLock()
	doc := c.plans[workID]
	c.mu.RUnlock()
	if doc == nil {
		return plan.Reject(plan.CodePlanScopeViolation,
			"work unit %s has no accepted plan", workID)
	}
	validator := doc.NodeByID(validatorNodeID)
	if validator == nil || validator.Kind != plan.KindValidate || validator.Validate == nil {
		return plan.Reject(plan.CodePlanScopeViolation,
			"node %s is not a validate node of the accepted plan", validatorNodeID)
	}
	verifies := false
	for _, id := range validator.Validate.VerifiesNodes {
		if id == key.NodeID {
			verifies = true
			break
		}
	}
	if !verifies {
		return plan.Reject(plan.CodePlanScopeViolation,
			"validate node %s does not verify node %s", validatorNodeID, key.NodeID)
	}

	if c.artifacts == nil {
		return nil
	}
	return c.artifacts.SaveValidation(store.ValidationRecord{
		Key:             key,
		ValidatorNodeID: validatorNodeID,
		OK:              ok,
		Diagnostics:     diagnostics,
	})
}

// Complete moves a work unit to /completed.
func (c *Controller) Complete(workID string) error {
	from := c.machine.State(workID)
	err := c.machine.Transition(workID, runstate.StateCompleted)
	c.audit.StateTransition(workID, string(from), string(runstate.StateCompleted), err == nil)
	return err
}

// Fail moves a work unit to /failed.
func (c *Controller) Fail(workID string) error {
	from := c.machine.State(workID)
	err := c.machine.Transition(workID, runstate.StateFailed)
	c.audit.StateTransition(workID, string(from), string(runstate.StateFailed), err == nil)
	return err
}

// recordResult persists the artifacts of a successful execution.
func (c *Controller) recordResult(workID, sessionKey string, req patch.Request, node *plan.Node, result *patch.Result) {
	if c.artifacts == nil {
		return
	}
	key := store.Key{
		WorkID:       workID,
		RunSessionID: sessionKey,
		NodeID:       req.NodeID,
		Operation:    string(req.Operation),
	}
	if err := c.artifacts.SaveResult(store.ResultRecord{
		Key:          key,
		Success:      true,
		Changed:      result.Changed,
		TargetFile:   result.TargetFile,
		Replacements: result.Replacements,
		BytesBefore:  result.BytesBefore,
		BytesAfter:   result.BytesAfter,
		LineDelta:    result.LineDelta,
		CodemodID:    result.CodemodID,
	}); err != nil {
		logging.StoreError("failed to persist result for node %s: %v", req.NodeID, err)
	}
	event := "applied"
	if !result.Changed {
		event = "noop"
	}
	if err := c.artifacts.AppendLog(key, event, result.TargetFile); err != nil {
		logging.StoreError("failed to append operation log for node %s: %v", req.NodeID, err)
	}
	if result.Diff != nil {
		if err := c.artifacts.SaveDiffSummary(key, result.Diff); err != nil {
			logging.StoreError("failed to persist diff summary for node %s: %v", req.NodeID, err)
		}
	}
	if node.Change != nil {
		saveLane := func(lane string, refs []string) {
			if len(refs) == 0 {
				return
			}
			if err := c.artifacts.SaveTraceRefs(key, lane, refs); err != nil {
				logging.StoreError("failed to persist %s trace refs for node %s: %v", lane, req.NodeID, err)
			}
		}
		saveLane("requirement", node.Change.Citations)
		saveLane("code", node.Change.CodeEvidence)
		saveLane("policy", node.Change.PolicyRefs)
	}
}

// recordRejection persists the artifacts of a rejected execution.
func (c *Controller) recordRejection(workID, sessionKey string, req patch.Request, cause error) {
	if c.artifacts == nil {
		return
	}
	key := store.Key{
		WorkID:       workID,
		RunSessionID: sessionKey,
		NodeID:       req.NodeID,
		Operation:    string(req.Operation),
	}
	rec := store.ResultRecord{
		Key:        key,
		TargetFile: req.TargetFile,
		CodemodID:  req.CodemodID,
		Detail:     cause.Error(),
	}
	if code := plan.CodeOf(cause); code != "" {
		rec.RejectionCodes = []plan.RejectionCode{code}
	}
	if err := c.artifacts.SaveResult(rec); err != nil {
		logging.StoreError("failed to persist rejection for node %s: %v", req.NodeID, err)
	}
	if err := c.artifacts.AppendLog(key, "rejected", cause.Error()); err != nil {
		logging.StoreError("failed to append operation log for node %s: %v", req.NodeID, err)
	}
}

// qualifySymbols scopes symbol reservations to their file so equally named
// symbols in different files do not collide.
func qualifySymbols(file string, symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, file+"#"+s)
	}
	return out
}

func appendCode(codes []plan.RejectionCode, code plan.RejectionCode) []plan.RejectionCode {
	for _, existing := range codes {
		if existing == code {
			return codes
		}
	}
	return append(codes, code)
}
