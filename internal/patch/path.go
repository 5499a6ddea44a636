package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"patchgate/internal/plan"
)

// resolveWithinRoot maps a worktree-relative target path to an absolute path,
// rejecting anything that resolves outside the worktree. Both lexical escapes
// (.. segments, absolute paths) and symlink escapes are caught; symlinks are
// resolved on the deepest existing ancestor so a not-yet-created file under a
// real directory still validates.
func resolveWithinRoot(root, target string) (string, error) {
	if target == "" {
		return "", plan.Reject(plan.CodePlanMissingRequiredFields, "target file path is empty")
	}
	if filepath.IsAbs(target) {
		return "", plan.Reject(plan.CodePathScopeViolation,
			"target file %q must be worktree-relative", target)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree root: %w", err)
	}

	cleaned := filepath.Clean(filepath.FromSlash(target))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", plan.Reject(plan.CodePathScopeViolation,
			"target file %q escapes the worktree", target)
	}

	candidate := filepath.Join(rootAbs, cleaned)
	real, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", plan.Reject(plan.CodePathScopeViolation,
			"target file %q resolves outside the worktree", target)
	}
	return candidate, nil
}

// resolveExisting resolves symlinks on the deepest existing ancestor of path
// and rejoins the non-existing remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
