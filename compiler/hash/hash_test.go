package hash

import (
	"errors"
	"testing"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/vm"
)

func v(name string) *compiler.Variable { return &compiler.Variable{Name: name} }
func lit(n int64) *compiler.IntLiteral { return &compiler.IntLiteral{Value: n} }
func ret(e compiler.Expr) *compiler.ReturnStmt { return &compiler.ReturnStmt{Value: e} }

func bin(op compiler.BinaryOp, l, r compiler.Expr) compiler.Expr {
	return &compiler.BinaryExpr{Op: op, Left: l, Right: r}
}

// fact returns factorial with the given base case value.
func fact(base int64) *compiler.FunctionDecl {
	return &compiler.FunctionDecl{
		Name:   "fact",
		Params: []compiler.Param{{Name: "n"}},
		Body: []compiler.Stmt{
			&compiler.IfStmt{
				Cond: bin(compiler.Le, v("n"), lit(1)),
				Then: &compiler.BlockStmt{Stmts: []compiler.Stmt{ret(lit(base))}},
			},
			ret(bin(compiler.Mul, v("n"),
				&compiler.CallExpr{Callee: "fact", Args: []compiler.Expr{bin(compiler.Sub, v("n"), lit(1))}})),
		},
	}
}

func simple(name string, n int64) *compiler.FunctionDecl {
	return &compiler.FunctionDecl{Name: name, Body: []compiler.Stmt{ret(lit(n))}}
}

func compile(t *testing.T, items ...compiler.Item) *vm.Program {
	t.Helper()
	p, err := compiler.Compile(&compiler.Program{Items: items})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return p
}

func mustHash(t *testing.T, p *vm.Program, name string) Digest {
	t.Helper()
	d, err := HashFunction(p, name)
	if err != nil {
		t.Fatalf("HashFunction(%s) failed: %v", name, err)
	}
	return d
}

func TestTagsUnique(t *testing.T) {
	seen := make(map[byte]bool)
	for _, tag := range allTags {
		if seen[tag] {
			t.Errorf("tag 0x%02X defined twice", tag)
		}
		seen[tag] = true
	}
}

func TestHashIgnoresPosition(t *testing.T) {
	a := compile(t, fact(1), simple("main", 0))
	b := compile(t, simple("padding", 99), &compiler.VarDecl{Name: "g", Init: lit(3)}, fact(1), simple("main", 0))

	fa, _ := a.Function("fact")
	fb, _ := b.Function("fact")
	if fa.StartAddress == fb.StartAddress {
		t.Fatal("test needs fact at different addresses")
	}
	if mustHash(t, a, "fact") != mustHash(t, b, "fact") {
		t.Error("moving a function changed its hash")
	}
}

func TestHashDetectsChanges(t *testing.T) {
	a := compile(t, fact(1))
	b := compile(t, fact(2))
	if mustHash(t, a, "fact") == mustHash(t, b, "fact") {
		t.Error("changing a constant kept the hash")
	}
}

func TestHashIgnoresName(t *testing.T) {
	p := compile(t, simple("f", 7), simple("g", 7), simple("h", 8))
	if mustHash(t, p, "f") != mustHash(t, p, "g") {
		t.Error("identical bodies hash differently")
	}
	if mustHash(t, p, "f") == mustHash(t, p, "h") {
		t.Error("different bodies hash the same")
	}
}

func TestExtents(t *testing.T) {
	p := compile(t, simple("a", 1), fact(1), simple("main", 0))
	ext := Extents(p)
	if len(ext) != 3 {
		t.Fatalf("extents = %v", ext)
	}

	covered := 0
	for name, e := range ext {
		if e[0] >= e[1] {
			t.Errorf("%s has empty extent %v", name, e)
		}
		covered += e[1] - e[0]
	}
	// Everything except the entry stub belongs to some function.
	first := len(p.Instructions)
	for _, e := range ext {
		first = min(first, e[0])
	}
	if covered != len(p.Instructions)-first {
		t.Errorf("functions cover %d instructions, want %d", covered, len(p.Instructions)-first)
	}
}

func TestSerializeStartsWithVersion(t *testing.T) {
	p := compile(t, simple("f", 1))
	fn, _ := p.Function("f")
	data, err := Serialize(p, fn, Extents(p)["f"][1])
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != HashVersion || data[1] != TagFunction {
		t.Errorf("serialization starts with % X", data[:2])
	}
}

func TestHashErrors(t *testing.T) {
	p := compile(t, simple("f", 1))
	if _, err := HashFunction(p, "nope"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("err = %v, want ErrUnknownFunction", err)
	}
	if _, err := HashProgram(vm.NewProgram()); !errors.Is(err, vm.ErrInvalidBytecode) {
		t.Errorf("err = %v, want ErrInvalidBytecode", err)
	}
}

func TestDiff(t *testing.T) {
	old := compile(t, fact(1), simple("gone", 1), simple("main", 0))
	updated := compile(t, simple("fresh", 2), fact(2), simple("main", 0))

	changes, err := Diff(old, updated)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		name string
		kind ChangeKind
	}{
		{"fact", Modified},
		{"fresh", Added},
		{"gone", Removed},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v", changes)
	}
	for i, w := range want {
		c := changes[i]
		if c.Function != w.name || c.Kind != w.kind {
			t.Errorf("change %d = %s %s, want %s %s", i, c.Function, c.Kind, w.name, w.kind)
		}
	}
	if changes[1].Old != (Digest{}) || changes[2].New != (Digest{}) {
		t.Error("absent sides should have zero digests")
	}

	same, err := Diff(old, old)
	if err != nil || len(same) != 0 {
		t.Errorf("Diff of a program with itself = %v, %v", same, err)
	}
}

func TestDigestString(t *testing.T) {
	d := mustHash(t, compile(t, simple("f", 1)), "f")
	if len(d.String()) != 64 || d.Short() != d.String()[:12] {
		t.Errorf("String = %s, Short = %s", d, d.Short())
	}
}
