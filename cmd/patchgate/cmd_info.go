package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"patchgate/internal/codemod"
	"patchgate/internal/config"
	"patchgate/internal/runstate"
)

// codemodsCmd lists the codemod catalog
var codemodsCmd = &cobra.Command{
	Use:   "codemods",
	Short: "List the allowlisted codemod catalog",
	Long: `Prints every codemod in the catalog with its citation token. A plan
must contain the citation token of a codemod before a patch request may
invoke it.`,
	RunE: runCodemods,
}

// capabilitiesCmd shows the verb allowlist per run state
var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities [state]",
	Short: "Show the verbs available in each run state",
	Long: `Shows which operation verbs the capability gate exposes per run
state. With no argument, prints the full table.

Example:
  patchgate capabilities /planning`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCapabilities,
}

// statusCmd shows engine configuration
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show patchgate configuration",
	RunE:  runStatus,
}

func runCodemods(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalog := codemod.NewRegistry()
	for _, id := range cfg.Codemods.Disabled {
		catalog.Unregister(id)
	}

	descriptors := catalog.List()
	fmt.Printf("Codemod catalog (%d entries)\n", len(descriptors))
	for _, d := range descriptors {
		kinds := make([]string, len(d.TargetFileKinds))
		for i, k := range d.TargetFileKinds {
			kinds[i] = string(k)
		}
		fmt.Printf("  %-24s %s\n", d.ID, d.Title)
		fmt.Printf("    citation: %s\n", d.CitationToken())
		fmt.Printf("    kinds:    %s\n", strings.Join(kinds, ", "))
		fmt.Printf("    params:   %s\n", strings.Join(d.RequiredParams, ", "))
	}
	return nil
}

var allStates = []runstate.RunState{
	runstate.StateUninitialized,
	runstate.StatePlanRequired,
	runstate.StatePlanning,
	runstate.StatePlanAccepted,
	runstate.StateBlockedBudget,
	runstate.StateExecutionEnabled,
	runstate.StateFailed,
	runstate.StateCompleted,
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	states := allStates
	if len(args) == 1 {
		states = []runstate.RunState{runstate.RunState(args[0])}
	}

	for _, state := range states {
		verbs := runstate.CapabilitiesForState(state)
		if verbs == nil {
			return fmt.Errorf("unknown run state %q", state)
		}
		names := make([]string, len(verbs))
		for i, v := range verbs {
			names[i] = string(v)
		}
		marker := " "
		if runstate.CanExecuteMutation(state) {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s\n", marker, state, strings.Join(names, ", "))
	}
	fmt.Println("\n* mutation verbs available")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("patchgate status")
	fmt.Println("================")
	fmt.Printf("Version:   %s\n", cfg.Version)
	fmt.Printf("Worktree:  %s\n", cfg.Worktree.Root)
	fmt.Printf("Artifacts: %s\n", cfg.Store.DatabasePath)
	fmt.Printf("Timeout:   %s\n", cfg.GetOperationTimeout())
	fmt.Printf("Batch:     %d concurrent patches\n", cfg.Execution.MaxConcurrentPatches)

	catalog := codemod.NewRegistry()
	for _, id := range cfg.Codemods.Disabled {
		catalog.Unregister(id)
	}
	fmt.Printf("Codemods:  %d enabled", len(catalog.List()))
	if len(cfg.Codemods.Disabled) > 0 {
		fmt.Printf(" (%s disabled)", strings.Join(cfg.Codemods.Disabled, ", "))
	}
	fmt.Println()

	e := cfg.Evidence
	fmt.Printf("Evidence:  req>=%d code>=%d policy>=%d distinct>=%d guard=%v\n",
		orDefault(e.MinRequirementSources, 1),
		orDefault(e.MinCodeEvidenceSources, 1),
		e.MinPolicySources,
		orDefault(e.MinDistinctSources, 2),
		e.AllowSingleSourceWithGuard)
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
