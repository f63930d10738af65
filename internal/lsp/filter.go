package lsp

// relevantSymbolKinds are the symbol kinds worth surfacing from a workspace
// symbol search -- declarations a user is likely to jump to, as opposed to
// fields, variables-in-passing, or file/module/namespace-level entries.
// See: https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#symbolKind
var relevantSymbolKinds = map[SymbolKind]bool{
	SymbolKindClass:     true,
	SymbolKindMethod:    true,
	SymbolKindEnum:      true,
	SymbolKindInterface: true,
	SymbolKindFunction:  true,
	SymbolKindVariable:  true,
	SymbolKindConstant:  true,
	SymbolKindStruct:    true,
}

// FilterRelevantSymbols narrows a workspace symbol search result down to
// relevantSymbolKinds and caps it at limit entries.
func FilterRelevantSymbols(symbols []Symbol, limit int) []Symbol {
	filtered := make([]Symbol, 0, len(symbols))
	for _, sym := range symbols {
		if relevantSymbolKinds[sym.Kind] {
			filtered = append(filtered, sym)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}
