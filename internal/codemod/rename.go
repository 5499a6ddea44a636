package codemod

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// renameIdentifier replaces every identifier token whose text exactly equals
// params["from"] with params["to"]. Matching is token-scoped: substrings,
// member-access property names, and string contents are never touched.
func renameIdentifier(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
	from, to := params["from"], params["to"]

	tree, err := parseSource(kind, src)
	if err != nil {
		return nil, 0, err
	}
	defer tree.Close()

	var edits []edit
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		switch n.Type() {
		case "identifier", "type_identifier":
			if n.Content(src) == from {
				edits = append(edits, edit{start: n.StartByte(), end: n.EndByte(), text: to})
			}
			return false
		}
		return true
	})

	if len(edits) == 0 {
		return src, 0, nil
	}
	return applyEdits(src, edits), len(edits), nil
}

// renameNamedImport renames a named import, scoped to import statements whose
// module specifier exactly equals params["module"]. Imports of the same name
// from other modules are left alone.
func renameNamedImport(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
	module, from, to := params["module"], params["from"], params["to"]

	tree, err := parseSource(kind, src)
	if err != nil {
		return nil, 0, err
	}
	defer tree.Close()

	var edits []edit
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		if n.Type() != "import_statement" {
			return true
		}

		source := n.ChildByFieldName("source")
		if source == nil || stringInner(source, src) != module {
			return false
		}

		walk(n, func(spec *sitter.Node) bool {
			if spec.Type() != "import_specifier" {
				return true
			}
			name := spec.ChildByFieldName("name")
			if name != nil && name.Content(src) == from {
				edits = append(edits, edit{start: name.StartByte(), end: name.EndByte(), text: to})
			}
			return false
		})
		return false
	})

	if len(edits) == 0 {
		return src, 0, nil
	}
	return applyEdits(src, edits), len(edits), nil
}
