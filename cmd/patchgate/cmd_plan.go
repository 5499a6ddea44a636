package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"patchgate/internal/config"
	"patchgate/internal/gate"
	"patchgate/internal/patch"
	"patchgate/internal/plan"
	"patchgate/internal/store"
)

// validateCmd validates a plan document without executing anything
var validateCmd = &cobra.Command{
	Use:   "validate [plan.json]",
	Short: "Validate a plan document against the evidence policy",
	Long: `Runs a plan document through structural validation, the evidence
policy, and the codemod-citation check, and prints the per-node verdicts.
Nothing is executed and no state is persisted.

Example:
  patchgate validate plan.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// applyCmd submits a plan and applies its patch requests
var applyCmd = &cobra.Command{
	Use:   "apply [plan.json] [requests.json]",
	Short: "Submit a plan and apply its patch requests",
	Long: `Submits a plan document and, if every node passes, applies the patch
requests from the requests file against the configured worktree.

The requests file is a JSON array of patch requests. Each request must name
a node from the plan; requests for files or symbols outside the node's
declared scope are rejected without touching the worktree.

Example:
  patchgate apply plan.json requests.json`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

func loadController(withArtifacts bool) (*gate.Controller, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if workspace != "" {
		cfg.Worktree.Root = workspace
	}

	cleanup := func() {}
	var artifacts *store.ArtifactStore
	if withArtifacts {
		artifacts, err = store.NewArtifactStore(cfg.Store.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
		cleanup = func() { _ = artifacts.Close() }
	}

	controller, err := gate.NewController(cfg, artifacts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return controller, cleanup, nil
}

func loadPlan(path string) (*plan.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var doc plan.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &doc, nil
}

func printOutcomes(res *gate.SubmitResult) {
	if res.Accepted {
		fmt.Printf("Plan %s ACCEPTED (%d nodes, state %s)\n", res.PlanID, len(res.Outcomes), res.State)
		return
	}
	fmt.Printf("Plan %s REJECTED (state %s)\n", res.PlanID, res.State)
	for _, outcome := range res.Outcomes {
		if outcome.OK {
			continue
		}
		fmt.Printf("  node %s:\n", outcome.NodeID)
		for _, code := range outcome.RejectionCodes {
			fmt.Printf("    [%s]\n", code)
		}
		for _, diag := range outcome.Diagnostics {
			fmt.Printf("    - %s\n", diag)
		}
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	doc, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	logger.Info("Validating plan",
		zap.String("plan", doc.PlanID),
		zap.Int("nodes", len(doc.Nodes)))

	controller, cleanup, err := loadController(false)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := controller.SubmitPlan(doc)
	if err != nil {
		return err
	}
	printOutcomes(res)
	if !res.Accepted {
		os.Exit(1)
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	doc, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read requests: %w", err)
	}
	var requests []patch.Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("failed to parse requests: %w", err)
	}

	controller, cleanup, err := loadController(true)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := controller.SubmitPlan(doc)
	if err != nil {
		return err
	}
	printOutcomes(res)
	if !res.Accepted {
		return fmt.Errorf("plan rejected; nothing applied")
	}

	sessionKey := controller.NewSession()
	logger.Info("Applying patch requests",
		zap.String("plan", doc.PlanID),
		zap.String("session", sessionKey),
		zap.Int("requests", len(requests)))

	items := controller.ApplyBatch(ctx, doc.RunID, sessionKey, requests)
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Printf("FAIL %s %s: %v\n", item.Request.NodeID, item.Request.TargetFile, item.Err)
			continue
		}
		r := item.Result
		if r.Changed {
			fmt.Printf("OK   %s %s: %d replacements, %d -> %d bytes, lines %+d\n",
				r.Operation, r.TargetFile, r.Replacements, r.BytesBefore, r.BytesAfter, r.LineDelta)
		} else {
			fmt.Printf("NOOP %s %s: no occurrences\n", r.Operation, r.TargetFile)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(items))
	}
	return nil
}
