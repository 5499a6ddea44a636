package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchgate/internal/codemod"
	"patchgate/internal/plan"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func changeNode(targetFile string, symbols []string, citations ...string) *plan.Node {
	return &plan.Node{
		ID:   "n1",
		Kind: plan.KindChange,
		Change: &plan.ChangeSpec{
			Operation:     plan.OpModify,
			TargetFile:    targetFile,
			TargetSymbols: symbols,
			Citations:     citations,
		},
	}
}

func newExecutor() *Executor {
	return NewExecutor(codemod.NewRegistry())
}

func TestApplyReplaceTextCountsOccurrences(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "src/app.ts", "getUser();\ngetUser();\nconst x = getUser;\n")

	res, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "src/app.ts",
		Operation:  OpReplaceText,
		Find:       "getUser",
		Replace:    "fetchUser",
	}, changeNode("src/app.ts", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Replacements != 3 {
		t.Errorf("replacements = %d, want 3", res.Replacements)
	}
	if !res.Changed {
		t.Error("result not marked changed")
	}
	got := readFile(t, path)
	if strings.Contains(got, "getUser") {
		t.Errorf("occurrences left behind:\n%s", got)
	}
	if res.BytesAfter != len(got) || res.BytesBefore == res.BytesAfter {
		t.Errorf("byte accounting wrong: before=%d after=%d len=%d", res.BytesBefore, res.BytesAfter, len(got))
	}
	if res.LineDelta != 0 {
		t.Errorf("line delta = %d, want 0", res.LineDelta)
	}
	if res.Diff == nil || res.Diff.LinesAdded == 0 {
		t.Error("diff summary missing for a changed file")
	}
}

func TestApplyReplaceTextZeroMatchesLeavesFileUntouched(t *testing.T) {
	root := t.TempDir()
	original := "const a = 1;\n"
	path := writeFile(t, root, "a.ts", original)

	res, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "a.ts",
		Operation:  OpReplaceText,
		Find:       "missing",
		Replace:    "found",
	}, changeNode("a.ts", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Replacements != 0 {
		t.Errorf("zero-match must be a clean no-op: %+v", res)
	}
	if res.Diff != nil {
		t.Error("no-op result carries a diff summary")
	}
	if readFile(t, path) != original {
		t.Error("file content changed on zero matches")
	}
}

func TestApplyReplaceTextRoundTrip(t *testing.T) {
	root := t.TempDir()
	original := "alpha beta alpha\nalpha\n"
	path := writeFile(t, root, "a.ts", original)
	exec := newExecutor()
	node := changeNode("a.ts", nil)

	forward, err := exec.Apply(root, Request{
		NodeID: "n1", TargetFile: "a.ts", Operation: OpReplaceText,
		Find: "alpha", Replace: "omega",
	}, node)
	if err != nil {
		t.Fatal(err)
	}
	backward, err := exec.Apply(root, Request{
		NodeID: "n1", TargetFile: "a.ts", Operation: OpReplaceText,
		Find: "omega", Replace: "alpha",
	}, node)
	if err != nil {
		t.Fatal(err)
	}
	if forward.Replacements != backward.Replacements {
		t.Errorf("asymmetric replacement counts: %d vs %d", forward.Replacements, backward.Replacements)
	}
	if readFile(t, path) != original {
		t.Error("round trip did not restore the original content")
	}
}

func TestApplyEmptyFindRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "x\n")

	_, err := newExecutor().Apply(root, Request{
		NodeID: "n1", TargetFile: "a.ts", Operation: OpReplaceText, Replace: "y",
	}, changeNode("a.ts", nil))
	if plan.CodeOf(err) != plan.CodePlanMissingRequiredFields {
		t.Fatalf("got %v, want %s", err, plan.CodePlanMissingRequiredFields)
	}
}

func TestApplyScopeViolations(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "x\n")
	writeFile(t, root, "b.ts", "x\n")
	exec := newExecutor()

	tests := []struct {
		name string
		req  Request
		node *plan.Node
	}{
		{
			"different file than approved",
			Request{NodeID: "n1", TargetFile: "b.ts", Operation: OpReplaceText, Find: "x"},
			changeNode("a.ts", nil),
		},
		{
			"wildcard symbol",
			Request{NodeID: "n1", TargetFile: "a.ts", TargetSymbols: []string{"get*"}, Operation: OpReplaceText, Find: "x"},
			changeNode("a.ts", []string{"getUser"}),
		},
		{
			"empty symbol",
			Request{NodeID: "n1", TargetFile: "a.ts", TargetSymbols: []string{"  "}, Operation: OpReplaceText, Find: "x"},
			changeNode("a.ts", []string{"getUser"}),
		},
		{
			"symbol outside approved set",
			Request{NodeID: "n1", TargetFile: "a.ts", TargetSymbols: []string{"deleteUser"}, Operation: OpReplaceText, Find: "x"},
			changeNode("a.ts", []string{"getUser"}),
		},
		{
			"non-change node",
			Request{NodeID: "n1", TargetFile: "a.ts", Operation: OpReplaceText, Find: "x"},
			&plan.Node{ID: "n1", Kind: plan.KindValidate, Validate: &plan.ValidateSpec{VerifiesNodes: []string{"n0"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Apply(root, tt.req, tt.node)
			if plan.CodeOf(err) != plan.CodePlanScopeViolation {
				t.Errorf("got %v, want %s", err, plan.CodePlanScopeViolation)
			}
		})
	}
}

func TestApplySubsetOfApprovedSymbolsAllowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "getUser();\n")

	_, err := newExecutor().Apply(root, Request{
		NodeID:        "n1",
		TargetFile:    "a.ts",
		TargetSymbols: []string{"getUser"},
		Operation:     OpReplaceText,
		Find:          "getUser",
		Replace:       "fetchUser",
	}, changeNode("a.ts", []string{"getUser", "putUser"}))
	if err != nil {
		t.Fatalf("subset of approved symbols rejected: %v", err)
	}
}

func TestApplyUnknownCodemodRejected(t *testing.T) {
	root := t.TempDir()
	original := "const a = 1;\n"
	path := writeFile(t, root, "a.ts", original)

	_, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "a.ts",
		Operation:  OpASTCodemod,
		CodemodID:  "nonexistent_mod",
		Params:     map[string]string{"from": "a", "to": "b"},
	}, changeNode("a.ts", nil, "codemod:nonexistent_mod"))
	if plan.CodeOf(err) != plan.CodePlanPolicyViolation {
		t.Fatalf("got %v, want %s", err, plan.CodePlanPolicyViolation)
	}
	if readFile(t, path) != original {
		t.Error("rejected request modified the file")
	}
}

func TestApplyUncitedCodemodRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "const a = 1;\n")

	_, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "a.ts",
		Operation:  OpASTCodemod,
		CodemodID:  codemod.IDRenameIdentifier,
		Params:     map[string]string{"from": "a", "to": "b"},
	}, changeNode("a.ts", nil)) // no citations at all
	if plan.CodeOf(err) != plan.CodePlanPolicyViolation {
		t.Fatalf("got %v, want %s", err, plan.CodePlanPolicyViolation)
	}
}

func TestApplyCodemodMissingRequiredParam(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "const a = 1;\n")

	_, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "a.ts",
		Operation:  OpASTCodemod,
		CodemodID:  codemod.IDRenameIdentifier,
		Params:     map[string]string{"from": "a", "to": "  "},
	}, changeNode("a.ts", nil, "codemod:rename_identifier@v1"))
	if plan.CodeOf(err) != plan.CodePlanMissingRequiredFields {
		t.Fatalf("got %v, want %s", err, plan.CodePlanMissingRequiredFields)
	}
}

func TestApplyCodemodFileKindMismatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.html", "<p>hi</p>\n")

	// rename_identifier only targets ts/js.
	_, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "index.html",
		Operation:  OpASTCodemod,
		CodemodID:  codemod.IDRenameIdentifier,
		Params:     map[string]string{"from": "a", "to": "b"},
	}, changeNode("index.html", nil, "codemod:rename_identifier"))
	if plan.CodeOf(err) != plan.CodePlanPolicyViolation {
		t.Fatalf("got %v, want %s", err, plan.CodePlanPolicyViolation)
	}
}

func TestApplyCodemodRewritesFile(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "src/app.ts", "const counter = 0;\nfunction tick() { return counter; }\n")

	res, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "src/app.ts",
		Operation:  OpASTCodemod,
		CodemodID:  codemod.IDRenameIdentifier,
		Params:     map[string]string{"from": "counter", "to": "count"},
	}, changeNode("src/app.ts", nil, "codemod:rename_identifier@v1"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Replacements != 2 {
		t.Errorf("changed=%v replacements=%d, want true/2", res.Changed, res.Replacements)
	}
	if res.CodemodID != codemod.IDRenameIdentifier {
		t.Errorf("result codemod id = %q", res.CodemodID)
	}
	if strings.Contains(readFile(t, path), "counter") {
		t.Error("identifier not renamed on disk")
	}
}

func TestApplyBrokenTemplateBlocksWrite(t *testing.T) {
	root := t.TempDir()
	original := "const view = html`<div class=\"box\"`;\n"
	path := writeFile(t, root, "view.ts", original)

	_, err := newExecutor().Apply(root, Request{
		NodeID:     "n1",
		TargetFile: "view.ts",
		Operation:  OpASTCodemod,
		CodemodID:  codemod.IDRewriteTemplateTag,
		Params:     map[string]string{"from": "html", "to": "htm"},
	}, changeNode("view.ts", nil, "codemod:rewrite_template_tag"))
	if plan.CodeOf(err) != plan.CodePlanVerificationWeak {
		t.Fatalf("got %v, want %s", err, plan.CodePlanVerificationWeak)
	}
	if readFile(t, path) != original {
		t.Error("verification failure still wrote the file")
	}
}

func TestApplyUnknownOperationRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "x\n")

	_, err := newExecutor().Apply(root, Request{
		NodeID: "n1", TargetFile: "a.ts", Operation: "/compile",
	}, changeNode("a.ts", nil))
	if plan.CodeOf(err) != plan.CodePlanMissingRequiredFields {
		t.Fatalf("got %v, want %s", err, plan.CodePlanMissingRequiredFields)
	}
}

func TestResolveWithinRootLexicalEscape(t *testing.T) {
	root := t.TempDir()

	for _, target := range []string{"../outside.ts", "a/../../outside.ts", "/etc/passwd"} {
		_, err := resolveWithinRoot(root, target)
		if plan.CodeOf(err) != plan.CodePathScopeViolation {
			t.Errorf("resolveWithinRoot(%q): got %v, want %s", target, err, plan.CodePathScopeViolation)
		}
	}
}

func TestResolveWithinRootSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "worktree")
	outside := filepath.Join(base, "outside")
	for _, dir := range []string{root, outside} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.ts"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "vendor")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := resolveWithinRoot(root, "vendor/secret.ts")
	if plan.CodeOf(err) != plan.CodePathScopeViolation {
		t.Errorf("symlink escape: got %v, want %s", err, plan.CodePathScopeViolation)
	}
}

func TestResolveWithinRootAcceptsNestedPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/deep/app.ts", "x\n")

	path, err := resolveWithinRoot(root, "src/deep/app.ts")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, filepath.Join("src", "deep", "app.ts")) {
		t.Errorf("resolved to %q", path)
	}
}
