package compiler

// SymbolKind classifies a Symbol.
type SymbolKind uint8

const (
	SymbolFunction SymbolKind = iota
	SymbolVariable
	SymbolClass
)

// Symbol is what the semantic analyzer knows about a global name.
type Symbol struct {
	Name string
	Kind SymbolKind
	Type string // for functions, the return type
}

// SymbolTable is the read-only view of the semantic analyzer. The compiler
// consults it only to fill in return types a declaration leaves out.
type SymbolTable interface {
	Lookup(name string) (Symbol, bool)
}

// MapSymbols is a SymbolTable backed by a map.
type MapSymbols map[string]Symbol

// Lookup implements SymbolTable.
func (m MapSymbols) Lookup(name string) (Symbol, bool) {
	s, ok := m[name]
	return s, ok
}
