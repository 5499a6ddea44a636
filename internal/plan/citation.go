package plan

import "strings"

// codemodCitationPrefix marks a citation that authorizes a catalog codemod.
// Token format: codemod:<id> with an optional @v<version> suffix.
const codemodCitationPrefix = "codemod:"

// ParseCodemodCitation splits a citation token of the form
// "codemod:<id>[@v<version>]". ok is false for any other citation.
func ParseCodemodCitation(citation string) (id, version string, ok bool) {
	c := strings.TrimSpace(citation)
	if !strings.HasPrefix(c, codemodCitationPrefix) {
		return "", "", false
	}
	rest := c[len(codemodCitationPrefix):]
	if rest == "" {
		return "", "", false
	}
	if at := strings.Index(rest, "@v"); at >= 0 {
		id, version = rest[:at], rest[at+2:]
	} else {
		id = rest
	}
	if id == "" {
		return "", "", false
	}
	return id, version, true
}

// CodemodCitations returns the codemod ids a change node cites. Non-change
// nodes cite nothing.
func (n *Node) CodemodCitations() []string {
	if n.Kind != KindChange || n.Change == nil {
		return nil
	}
	var ids []string
	for _, c := range n.Change.Citations {
		if id, _, ok := ParseCodemodCitation(c); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CitesCodemod reports whether the change node's citations authorize the
// given codemod id.
func (n *Node) CitesCodemod(id string) bool {
	for _, cited := range n.CodemodCitations() {
		if cited == id {
			return true
		}
	}
	return false
}
