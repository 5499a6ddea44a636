package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPlanParsesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	content := `{
		"plan_id": "p1",
		"run_id": "w1",
		"agent_id": "agent-1",
		"session_id": "s1",
		"nodes": [
			{
				"id": "n1",
				"kind": "/change",
				"change": {
					"operation": "/modify",
					"target_file": "src/app.ts",
					"rationale": "rename",
					"citations": ["REQ-101"],
					"code_evidence": ["src/app.ts#L1"]
				}
			}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := loadPlan(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.PlanID != "p1" || len(doc.Nodes) != 1 {
		t.Errorf("parsed doc = %+v", doc)
	}
	if doc.Nodes[0].Change == nil || doc.Nodes[0].Change.TargetFile != "src/app.ts" {
		t.Errorf("change payload not parsed: %+v", doc.Nodes[0])
	}
}

func TestLoadPlanRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPlan(path); err == nil {
		t.Error("malformed plan accepted")
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	if _, err := loadPlan(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing plan file accepted")
	}
}
