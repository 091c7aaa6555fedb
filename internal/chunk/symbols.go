package chunk

// extractSymbols produces the per-file symbol extraction: definitions
// owned by each chunk plus the names this file references (calls and
// imports). Unresolved references are kept by the graph builder as
// dangling edges, so no resolution happens here.
func extractSymbols(path string, tree *Tree, cfg *LanguageConfig, units []unit, chunks []Chunk) FileSymbols {
	symbols := FileSymbols{FilePath: path}

	for _, u := range units {
		if len(u.defs) == 0 {
			continue
		}
		chunkID := chunkIDForOffset(chunks, u.startByte)
		if chunkID == "" {
			continue
		}
		for _, def := range u.defs {
			def.ChunkID = chunkID
			symbols.Defs = append(symbols.Defs, def)
		}
	}

	symbols.Refs = extractRefs(tree, cfg, chunks)
	return symbols
}

// chunkIDForOffset returns the external ID of the chunk containing the
// byte offset. Chunks partition the file, so at most one matches.
func chunkIDForOffset(chunks []Chunk, offset uint32) string {
	for i := range chunks {
		if chunks[i].StartByte <= offset && offset < chunks[i].EndByte {
			return chunks[i].ExternalID()
		}
	}
	return ""
}

// extractRefs walks the tree collecting referenced names from call sites
// and import statements, attributed to the chunk containing the
// referencing node and deduplicated per chunk in first-seen order.
func extractRefs(tree *Tree, cfg *LanguageConfig, chunks []Chunk) []SymbolRef {
	if cfg == nil {
		return nil
	}

	callTypes := make(map[string]bool, len(cfg.CallTypes))
	for _, t := range cfg.CallTypes {
		callTypes[t] = true
	}
	importTypes := make(map[string]bool, len(cfg.ImportTypes))
	for _, t := range cfg.ImportTypes {
		importTypes[t] = true
	}

	seen := make(map[SymbolRef]bool)
	var refs []SymbolRef
	add := func(name string, offset uint32) {
		if name == "" {
			return
		}
		ref := SymbolRef{Name: name, ChunkID: chunkIDForOffset(chunks, offset)}
		if ref.ChunkID != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	tree.Root.Walk(func(n *Node) bool {
		switch {
		case callTypes[n.Type]:
			add(calleeName(n, tree.Source), n.StartByte)
			return true // nested calls in arguments still count
		case importTypes[n.Type]:
			for _, name := range importedNames(n, tree.Source) {
				add(name, n.StartByte)
			}
			return false
		}
		return true
	})

	return refs
}

// calleeName extracts the called symbol's name from a call node. For
// qualified callees (pkg.Fn, obj.method) the last identifier wins, which
// matches how symbol paths end in the member name.
func calleeName(call *Node, source []byte) string {
	if len(call.Children) == 0 {
		return ""
	}

	var last string
	call.Children[0].Walk(func(n *Node) bool {
		for _, t := range identifierTypes {
			if n.Type == t {
				last = n.Content(source)
				return false
			}
		}
		return true
	})
	return last
}

// importedNames collects identifier tokens inside an import statement.
// String-literal import paths (Go) are skipped; they name packages, not
// symbols the graph can resolve.
func importedNames(imp *Node, source []byte) []string {
	var names []string
	imp.Walk(func(n *Node) bool {
		for _, t := range identifierTypes {
			if n.Type == t {
				names = append(names, n.Content(source))
				return false
			}
		}
		return true
	})
	return names
}
