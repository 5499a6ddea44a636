package codemod

import (
	"testing"
)

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path   string
		want   FileKind
		wantOK bool
	}{
		{"src/app.ts", FileKindTS, true},
		{"src/App.TSX", FileKindTS, true},
		{"src/app.js", FileKindJS, true},
		{"src/app.mjs", FileKindJS, true},
		{"index.html", FileKindHTML, true},
		{"page.htm", FileKindHTML, true},
		{"main.go", "", false},
		{"README", "", false},
	}

	for _, tt := range tests {
		kind, ok := KindForPath(tt.path)
		if kind != tt.want || ok != tt.wantOK {
			t.Errorf("KindForPath(%q) = (%q, %v), want (%q, %v)", tt.path, kind, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRegistryBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{IDRenameIdentifier, IDRenameNamedImport, IDRewriteRoutePath, IDRewriteTemplateTag} {
		desc, apply, ok := reg.Resolve(id)
		if !ok {
			t.Fatalf("builtin %s not registered", id)
		}
		if apply == nil {
			t.Errorf("builtin %s has nil transform", id)
		}
		if len(desc.RequiredParams) == 0 {
			t.Errorf("builtin %s declares no required params", id)
		}
		if desc.CitationToken() != "codemod:"+id+"@v1" {
			t.Errorf("builtin %s citation token = %q", id, desc.CitationToken())
		}
	}
}

func TestRegisterRuntimeDescriptor(t *testing.T) {
	reg := NewRegistry()
	noop := func(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
		return src, 0, nil
	}

	desc := Descriptor{
		ID:              "strip_console_log",
		Title:           "Strip console.log",
		TargetFileKinds: []FileKind{FileKindJS},
		RequiredParams:  []string{"scope"},
	}
	if err := reg.Register(desc, noop); err != nil {
		t.Fatalf("runtime registration failed: %v", err)
	}
	if !reg.Has("strip_console_log") {
		t.Fatal("registered codemod not resolvable")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	noop := func(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
		return src, 0, nil
	}

	tests := []struct {
		name  string
		desc  Descriptor
		apply TransformFunc
	}{
		{"missing id", Descriptor{TargetFileKinds: []FileKind{FileKindJS}}, noop},
		{"nil transform", Descriptor{ID: "x", TargetFileKinds: []FileKind{FileKindJS}}, nil},
		{"no file kinds", Descriptor{ID: "x"}, noop},
		{"unknown file kind", Descriptor{ID: "x", TargetFileKinds: []FileKind{"go"}}, noop},
		{"empty param name", Descriptor{ID: "x", TargetFileKinds: []FileKind{FileKindJS}, RequiredParams: []string{" "}}, noop},
		{"duplicate of builtin", Descriptor{ID: IDRenameIdentifier, TargetFileKinds: []FileKind{FileKindJS}}, noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.desc, tt.apply); err == nil {
				t.Error("expected registration error, got nil")
			}
		})
	}
}

// List hands out deep copies; mutating a returned descriptor must not leak
// into the registry.
func TestListReturnsDeepCopies(t *testing.T) {
	reg := NewRegistry()

	list := reg.List()
	if len(list) == 0 {
		t.Fatal("empty builtin list")
	}
	list[0].RequiredParams[0] = "poisoned"
	list[0].TargetFileKinds[0] = "go"

	fresh, _, _ := reg.Resolve(list[0].ID)
	if fresh.RequiredParams[0] == "poisoned" {
		t.Error("mutating List() result altered registry required params")
	}
	if fresh.TargetFileKinds[0] == "go" {
		t.Error("mutating List() result altered registry file kinds")
	}
}

func TestCitationTokenUnversioned(t *testing.T) {
	d := Descriptor{ID: "strip_console_log"}
	if got := d.CitationToken(); got != "codemod:strip_console_log" {
		t.Errorf("CitationToken() = %q", got)
	}
}

func TestAppliesTo(t *testing.T) {
	d := Descriptor{ID: "x", TargetFileKinds: []FileKind{FileKindTS, FileKindJS}}
	if !d.AppliesTo(FileKindTS) || !d.AppliesTo(FileKindJS) {
		t.Error("declared kinds not accepted")
	}
	if d.AppliesTo(FileKindHTML) {
		t.Error("undeclared kind accepted")
	}
}
