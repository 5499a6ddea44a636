package codemod

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// rewriteRoutePath rewrites string literals that are values of object
// properties literally named "path" and whose current value exactly equals
// params["from"]. Any other string in the file, including equal path strings
// under differently named properties, is out of scope.
func rewriteRoutePath(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
	from, to := params["from"], params["to"]

	tree, err := parseSource(kind, src)
	if err != nil {
		return nil, 0, err
	}
	defer tree.Close()

	var edits []edit
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		if n.Type() != "pair" {
			return true
		}

		key := n.ChildByFieldName("key")
		value := n.ChildByFieldName("value")
		if key == nil || value == nil {
			return true
		}

		keyName := ""
		switch key.Type() {
		case "property_identifier", "identifier":
			keyName = key.Content(src)
		case "string":
			keyName = stringInner(key, src)
		}
		if keyName != "path" || value.Type() != "string" {
			return true
		}

		if stringInner(value, src) == from {
			// Replace only the inner span so the original quote style
			// survives.
			edits = append(edits, edit{start: value.StartByte() + 1, end: value.EndByte() - 1, text: to})
		}
		return true
	})

	if len(edits) == 0 {
		return src, 0, nil
	}
	return applyEdits(src, edits), len(edits), nil
}
