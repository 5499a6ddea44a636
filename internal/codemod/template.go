package codemod

import (
	sitter "github.com/smacker/go-tree-sitter"

	"patchgate/internal/plan"
)

// rewriteTemplateTag renames a template-literal tag (params["from"] ->
// params["to"]). The embedded template must parse as HTML without errors
// both before and after the rewrite; otherwise the transform rejects with
// PLAN_VERIFICATION_WEAK and nothing is written.
func rewriteTemplateTag(kind FileKind, src []byte, params map[string]string) ([]byte, int, error) {
	from, to := params["from"], params["to"]

	tree, err := parseSource(kind, src)
	if err != nil {
		return nil, 0, err
	}
	defer tree.Close()

	var edits []edit
	var verifyErr error
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		if verifyErr != nil {
			return false
		}
		tag, template := taggedTemplate(n, src, from)
		if tag == nil {
			return true
		}
		if err := verifyTemplateHTML(template, src); err != nil {
			verifyErr = err
			return false
		}
		edits = append(edits, edit{start: tag.StartByte(), end: tag.EndByte(), text: to})
		return false
	})
	if verifyErr != nil {
		return nil, 0, verifyErr
	}
	if len(edits) == 0 {
		return src, 0, nil
	}

	out := applyEdits(src, edits)

	// Post-condition: every rewritten template must still parse.
	rewritten, err := parseSource(kind, out)
	if err != nil {
		return nil, 0, err
	}
	defer rewritten.Close()

	verifyErr = nil
	walk(rewritten.RootNode(), func(n *sitter.Node) bool {
		if verifyErr != nil {
			return false
		}
		_, template := taggedTemplate(n, out, to)
		if template == nil {
			return true
		}
		if err := verifyTemplateHTML(template, out); err != nil {
			verifyErr = err
		}
		return false
	})
	if verifyErr != nil {
		return nil, 0, verifyErr
	}

	return out, len(edits), nil
}

// taggedTemplate matches call_expression nodes of the form tag`...` where
// tag is an identifier equal to tagName. Returns the tag identifier and the
// template_string node, or nils.
func taggedTemplate(n *sitter.Node, src []byte, tagName string) (tag, template *sitter.Node) {
	if n.Type() != "call_expression" {
		return nil, nil
	}
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil || args == nil {
		return nil, nil
	}
	if fn.Type() != "identifier" || fn.Content(src) != tagName {
		return nil, nil
	}
	if args.Type() != "template_string" {
		return nil, nil
	}
	return fn, args
}

// verifyTemplateHTML parses the template body (backticks stripped) with the
// HTML grammar and rejects on any parse error.
func verifyTemplateHTML(template *sitter.Node, src []byte) error {
	body := template.Content(src)
	if len(body) >= 2 {
		body = body[1 : len(body)-1] // strip backticks
	}

	tree, err := parseSource(FileKindHTML, []byte(body))
	if err != nil {
		return err
	}
	defer tree.Close()

	if tree.RootNode().HasError() {
		return plan.Reject(plan.CodePlanVerificationWeak,
			"template does not parse as HTML: %q", truncate(body, 80))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
