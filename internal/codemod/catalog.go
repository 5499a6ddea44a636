// Package codemod implements the allowlisted structural-transform catalog and
// the tree-sitter transforms behind it. A codemod only runs when the plan
// cites its catalog token and the executor re-resolves it here; there is no
// path around the registry, for built-ins or runtime registrations alike.
package codemod

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"patchgate/internal/logging"
)

// FileKind classifies target files by extension.
type FileKind string

const (
	FileKindTS   FileKind = "ts"
	FileKindJS   FileKind = "js"
	FileKindHTML FileKind = "html"
)

// KindForPath maps a file path to its kind. ok is false for unsupported
// extensions.
func KindForPath(path string) (FileKind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx":
		return FileKindTS, true
	case ".js", ".jsx", ".mjs", ".cjs":
		return FileKindJS, true
	case ".html", ".htm":
		return FileKindHTML, true
	default:
		return "", false
	}
}

// Descriptor describes one allowlisted structural transform.
type Descriptor struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	// TargetFileKinds lists the file kinds this transform applies to.
	TargetFileKinds []FileKind `json:"target_file_kinds" yaml:"target_file_kinds"`

	// RequiredParams must all be present as non-empty strings in a patch
	// request before the transform runs.
	RequiredParams []string `json:"required_params" yaml:"required_params"`
}

// CitationToken is the exact token a plan must contain to authorize this
// codemod: codemod:<id>, with @v<version> appended for versioned entries.
func (d Descriptor) CitationToken() string {
	if d.Version != "" {
		return fmt.Sprintf("codemod:%s@v%s", d.ID, d.Version)
	}
	return "codemod:" + d.ID
}

// AppliesTo reports whether the descriptor covers the given file kind.
func (d Descriptor) AppliesTo(kind FileKind) bool {
	for _, k := range d.TargetFileKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.TargetFileKinds = append([]FileKind(nil), d.TargetFileKinds...)
	out.RequiredParams = append([]string(nil), d.RequiredParams...)
	return out
}

// TransformFunc applies a structural transform to source content.
// Zero replacements is a legal no-op, not an error.
type TransformFunc func(kind FileKind, src []byte, params map[string]string) (out []byte, replacements int, err error)

type entry struct {
	desc  Descriptor
	apply TransformFunc
}

// Registry holds the codemod allowlist. One registry value is owned by the
// controller process and passed explicitly to validator and executor; there
// is no ambient global.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]entry
}

// NewRegistry creates a registry pre-loaded with the built-in transforms.
// Built-ins go through the same Register path as runtime registrations.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]entry)}
	for _, b := range builtins() {
		if err := r.Register(b.desc, b.apply); err != nil {
			// Built-ins are static; a failure here is a programming error.
			panic(fmt.Sprintf("builtin codemod %s: %v", b.desc.ID, err))
		}
	}
	return r
}

// Register adds a descriptor to the allowlist. Runtime registrations pass
// the same validation as built-ins.
func (r *Registry) Register(desc Descriptor, apply TransformFunc) error {
	if strings.TrimSpace(desc.ID) == "" {
		return fmt.Errorf("codemod descriptor missing id")
	}
	if apply == nil {
		return fmt.Errorf("codemod %s: transform function required", desc.ID)
	}
	if len(desc.TargetFileKinds) == 0 {
		return fmt.Errorf("codemod %s: at least one target file kind required", desc.ID)
	}
	for _, k := range desc.TargetFileKinds {
		switch k {
		case FileKindTS, FileKindJS, FileKindHTML:
		default:
			return fmt.Errorf("codemod %s: unknown file kind %q", desc.ID, k)
		}
	}
	for _, p := range desc.RequiredParams {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("codemod %s: empty required parameter name", desc.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[desc.ID]; exists {
		return fmt.Errorf("codemod %s already registered", desc.ID)
	}
	r.byID[desc.ID] = entry{desc: desc.clone(), apply: apply}
	r.order = append(r.order, desc.ID)
	logging.CodemodDebug("registered codemod %s (kinds=%v)", desc.ID, desc.TargetFileKinds)
	return nil
}

// Unregister removes an id from the allowlist. Used for config-disabled
// built-ins; unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	logging.CodemodDebug("unregistered codemod %s", id)
}

// Resolve returns the descriptor and transform for an id. ok is false for
// unknown ids.
func (r *Registry) Resolve(id string) (Descriptor, TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc.clone(), e.apply, true
}

// Has reports whether an id is in the allowlist.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// List returns all descriptors in registration order. Entries are deep
// copies; callers cannot mutate the allowlist through them.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].desc.clone())
	}
	return out
}
