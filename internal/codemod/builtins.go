package codemod

// Built-in codemod ids.
const (
	IDRenameIdentifier   = "rename_identifier"
	IDRenameNamedImport  = "rename_named_import"
	IDRewriteRoutePath   = "rewrite_route_path"
	IDRewriteTemplateTag = "rewrite_template_tag"
)

// builtins returns the fixed set of transforms every registry starts with.
func builtins() []entry {
	return []entry{
		{
			desc: Descriptor{
				ID:              IDRenameIdentifier,
				Title:           "Rename identifier",
				Description:     "Renames every exact-token identifier match in the file.",
				Version:         "1",
				TargetFileKinds: []FileKind{FileKindTS, FileKindJS},
				RequiredParams:  []string{"from", "to"},
			},
			apply: renameIdentifier,
		},
		{
			desc: Descriptor{
				ID:              IDRenameNamedImport,
				Title:           "Rename named import",
				Description:     "Renames a named import, scoped to one module specifier.",
				Version:         "1",
				TargetFileKinds: []FileKind{FileKindTS, FileKindJS},
				RequiredParams:  []string{"module", "from", "to"},
			},
			apply: renameNamedImport,
		},
		{
			desc: Descriptor{
				ID:              IDRewriteRoutePath,
				Title:           "Rewrite route path",
				Description:     "Rewrites string values of object properties literally named 'path'.",
				Version:         "1",
				TargetFileKinds: []FileKind{FileKindTS, FileKindJS},
				RequiredParams:  []string{"from", "to"},
			},
			apply: rewriteRoutePath,
		},
		{
			desc: Descriptor{
				ID:              IDRewriteTemplateTag,
				Title:           "Rewrite template tag",
				Description:     "Renames a template-literal tag; the template must parse as HTML before and after.",
				Version:         "1",
				TargetFileKinds: []FileKind{FileKindTS, FileKindJS},
				RequiredParams:  []string{"from", "to"},
			},
			apply: rewriteTemplateTag,
		},
	}
}
