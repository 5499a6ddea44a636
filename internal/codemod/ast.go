package codemod

import (
	"context"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/html"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageFor returns the tree-sitter grammar for a file kind.
func languageFor(kind FileKind) (*sitter.Language, error) {
	switch kind {
	case FileKindTS:
		return typescript.GetLanguage(), nil
	case FileKindJS:
		return javascript.GetLanguage(), nil
	case FileKindHTML:
		return html.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("no grammar for file kind %q", kind)
	}
}

// parseSource parses src under the grammar for kind. Callers own the tree
// and must Close it.
func parseSource(kind FileKind, src []byte) (*sitter.Tree, error) {
	lang, err := languageFor(kind)
	if err != nil {
		return nil, err
	}
	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	return tree, nil
}

// walk visits n and its named descendants in document order. The visitor
// returns false to prune the subtree.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

// edit is one byte-range replacement.
type edit struct {
	start uint32
	end   uint32
	text  string
}

// applyEdits splices non-overlapping edits into src, highest offset first so
// earlier offsets stay valid.
func applyEdits(src []byte, edits []edit) []byte {
	if len(edits) == 0 {
		return src
	}
	sorted := append([]edit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start > sorted[j].start })

	out := append([]byte(nil), src...)
	for _, e := range sorted {
		out = append(out[:e.start], append([]byte(e.text), out[e.end:]...)...)
	}
	return out
}

// stringInner returns the content of a string literal node without its
// surrounding quotes.
func stringInner(n *sitter.Node, src []byte) string {
	text := n.Content(src)
	if len(text) >= 2 {
		return text[1 : len(text)-1]
	}
	return text
}
