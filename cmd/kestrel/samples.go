package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/vm"
	"github.com/chazu/kestrel/vm/wire"
)

// samples are small built-in programs, used to produce images without a
// front end.
var samples = map[string]func() *compiler.Program{
	"factorial": factorialSample,
	"squares":   squaresSample,
	"counter":   counterSample,
}

// sampleCommand processes `kestrel sample`.
// Usage:
//
//	kestrel sample                  # list samples
//	kestrel sample factorial f.kbc  # compile and write an image
func sampleCommand(opts options, args []string) error {
	if len(args) == 0 {
		names := make([]string, 0, len(samples))
		for name := range samples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: kestrel sample <name> <image>")
	}
	p, err := buildSample(args[0])
	if err != nil {
		return err
	}
	data, err := wire.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0644); err != nil {
		return err
	}
	if opts.verbose {
		fmt.Printf("Wrote %s (%d bytes, %d instructions)\n", args[1], len(data), p.Len())
	}
	return nil
}

func buildSample(name string) (*vm.Program, error) {
	build, ok := samples[name]
	if !ok {
		return nil, fmt.Errorf("unknown sample: %s", name)
	}
	return compiler.Compile(build())
}

func ident(name string) *compiler.Variable { return &compiler.Variable{Name: name} }

func num(n int64) *compiler.IntLiteral { return &compiler.IntLiteral{Value: n} }

func binary(op compiler.BinaryOp, l, r compiler.Expr) *compiler.BinaryExpr {
	return &compiler.BinaryExpr{Op: op, Left: l, Right: r}
}

// factorialSample:
//
//	fn factorial(n) { if n <= 1 { return 1 } return n * factorial(n - 1) }
//	fn main() { return factorial(10) }
func factorialSample() *compiler.Program {
	return &compiler.Program{Items: []compiler.Item{
		&compiler.FunctionDecl{
			Name:       "factorial",
			Params:     []compiler.Param{{Name: "n", Type: "Int"}},
			ReturnType: "Int",
			Body: []compiler.Stmt{
				&compiler.IfStmt{
					Cond: binary(compiler.Le, ident("n"), num(1)),
					Then: &compiler.BlockStmt{Stmts: []compiler.Stmt{
						&compiler.ReturnStmt{Value: num(1)},
					}},
				},
				&compiler.ReturnStmt{Value: binary(compiler.Mul, ident("n"),
					&compiler.CallExpr{Callee: "factorial", Args: []compiler.Expr{binary(compiler.Sub, ident("n"), num(1))}})},
			},
		},
		&compiler.FunctionDecl{
			Name:       "main",
			ReturnType: "Int",
			Body: []compiler.Stmt{
				&compiler.ReturnStmt{Value: &compiler.CallExpr{Callee: "factorial", Args: []compiler.Expr{num(10)}}},
			},
		},
	}}
}

// squaresSample chains squares into nested pairs and prints their sum:
//
//	fn squares(n) { let items = []; let i = 0; while i < n { let sq = i * i; items = [sq, items]; i = i + 1 } return items }
//	fn sum(cell) { let total = 0; while len(cell) > 0 { total = total + cell[0]; cell = cell[1] } return total }
//	fn main() { let total = sum(squares(100)); print(total); return total }
func squaresSample() *compiler.Program {
	return &compiler.Program{Items: []compiler.Item{
		&compiler.FunctionDecl{
			Name:   "squares",
			Params: []compiler.Param{{Name: "n"}},
			Body: []compiler.Stmt{
				&compiler.LetStmt{Name: "items", Init: &compiler.ListExpr{}},
				&compiler.LetStmt{Name: "i", Init: num(0)},
				&compiler.WhileStmt{
					Cond: binary(compiler.Lt, ident("i"), ident("n")),
					Body: &compiler.BlockStmt{Stmts: []compiler.Stmt{
						&compiler.LetStmt{Name: "sq", Init: binary(compiler.Mul, ident("i"), ident("i"))},
						&compiler.ExprStmt{X: &compiler.AssignExpr{
							Target: ident("items"),
							Value:  &compiler.ListExpr{Elements: []compiler.Expr{ident("sq"), ident("items")}},
						}},
						&compiler.ExprStmt{X: &compiler.AssignExpr{Target: ident("i"), Value: binary(compiler.Add, ident("i"), num(1))}},
					}},
				},
				&compiler.ReturnStmt{Value: ident("items")},
			},
		},
		&compiler.FunctionDecl{
			Name:   "sum",
			Params: []compiler.Param{{Name: "cell"}},
			Body: []compiler.Stmt{
				&compiler.LetStmt{Name: "total", Init: num(0)},
				&compiler.WhileStmt{
					Cond: binary(compiler.Gt, &compiler.CallExpr{Callee: "len", Args: []compiler.Expr{ident("cell")}}, num(0)),
					Body: &compiler.BlockStmt{Stmts: []compiler.Stmt{
						&compiler.ExprStmt{X: &compiler.AssignExpr{
							Target: ident("total"),
							Value:  binary(compiler.Add, ident("total"), &compiler.IndexExpr{Target: ident("cell"), Index: num(0)}),
						}},
						&compiler.ExprStmt{X: &compiler.AssignExpr{
							Target: ident("cell"),
							Value:  &compiler.IndexExpr{Target: ident("cell"), Index: num(1)},
						}},
					}},
				},
				&compiler.ReturnStmt{Value: ident("total")},
			},
		},
		&compiler.FunctionDecl{
			Name: "main",
			Body: []compiler.Stmt{
				&compiler.LetStmt{Name: "total", Init: &compiler.CallExpr{Callee: "sum", Args: []compiler.Expr{
					&compiler.CallExpr{Callee: "squares", Args: []compiler.Expr{num(100)}},
				}}},
				&compiler.ExprStmt{X: &compiler.CallExpr{Callee: "print", Args: []compiler.Expr{ident("total")}}},
				&compiler.ReturnStmt{Value: ident("total")},
			},
		},
	}}
}

// counterSample declares a class with methods and a global:
//
//	var step = 5
//	class Counter { count; fn bump(self) { self.count = self.count + step; return self } }
//	fn tally(n) { let c = new Counter{count: 0}; let i = 0; while i < n { c.bump(); i = i + 1 } return c.count }
func counterSample() *compiler.Program {
	return &compiler.Program{Items: []compiler.Item{
		&compiler.VarDecl{Name: "step", Init: num(5)},
		&compiler.ClassDecl{
			Name:   "Counter",
			Fields: []compiler.FieldDecl{{Name: "count", Type: "Int"}},
			Methods: []*compiler.FunctionDecl{{
				Name: "bump",
				Body: []compiler.Stmt{
					&compiler.ExprStmt{X: &compiler.AssignExpr{
						Target: &compiler.FieldExpr{Target: ident("self"), Field: "count"},
						Value:  binary(compiler.Add, &compiler.FieldExpr{Target: ident("self"), Field: "count"}, ident("step")),
					}},
					&compiler.ReturnStmt{Value: ident("self")},
				},
			}},
		},
		&compiler.FunctionDecl{
			Name:   "tally",
			Params: []compiler.Param{{Name: "n"}},
			Body: []compiler.Stmt{
				&compiler.LetStmt{Name: "c", Init: &compiler.NewExpr{Class: "Counter", Fields: []compiler.FieldInit{{Name: "count", Value: num(0)}}}},
				&compiler.LetStmt{Name: "i", Init: num(0)},
				&compiler.WhileStmt{
					Cond: binary(compiler.Lt, ident("i"), ident("n")),
					Body: &compiler.BlockStmt{Stmts: []compiler.Stmt{
						&compiler.ExprStmt{X: &compiler.MethodCallExpr{Receiver: ident("c"), Method: "bump"}},
						&compiler.ExprStmt{X: &compiler.AssignExpr{Target: ident("i"), Value: binary(compiler.Add, ident("i"), num(1))}},
					}},
				},
				&compiler.ReturnStmt{Value: &compiler.FieldExpr{Target: ident("c"), Field: "count"}},
			},
		},
	}}
}
