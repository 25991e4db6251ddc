package compiler

// ---------------------------------------------------------------------------
// AST: the tree the parser hands to the bytecode compiler
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Item is the interface for top-level declarations.
type Item interface {
	Node
	item() // marker method
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// BinaryOp is a two-operand operator.
type BinaryOp uint8

const (
	Add BinaryOp = iota
	Sub
	Mul
	Div
	Mod
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
	And
	Or
)

var binaryOpNames = [...]string{
	Add: "+", Sub: "-", Mul: "*", Div: "/", Mod: "%",
	Eq: "==", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">=",
	And: "&&", Or: "||",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOpNames) {
		return binaryOpNames[op]
	}
	return "?"
}

// UnaryOp is a one-operand operator.
type UnaryOp uint8

const (
	Neg UnaryOp = iota
	Not
)

func (op UnaryOp) String() string {
	if op == Not {
		return "!"
	}
	return "-"
}

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// IntLiteral represents an integer literal.
type IntLiteral struct {
	SpanVal Span
	Value   int64
}

func (n *IntLiteral) Span() Span { return n.SpanVal }
func (n *IntLiteral) node()      {}
func (n *IntLiteral) expr()      {}

// BoolLiteral represents true or false.
type BoolLiteral struct {
	SpanVal Span
	Value   bool
}

func (n *BoolLiteral) Span() Span { return n.SpanVal }
func (n *BoolLiteral) node()      {}
func (n *BoolLiteral) expr()      {}

// StringLiteral represents a string literal.
type StringLiteral struct {
	SpanVal Span
	Value   string
}

func (n *StringLiteral) Span() Span { return n.SpanVal }
func (n *StringLiteral) node()      {}
func (n *StringLiteral) expr()      {}

// VoidLiteral represents the unit value.
type VoidLiteral struct {
	SpanVal Span
}

func (n *VoidLiteral) Span() Span { return n.SpanVal }
func (n *VoidLiteral) node()      {}
func (n *VoidLiteral) expr()      {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Variable is a reference to a local, a global or a function by name.
type Variable struct {
	SpanVal Span
	Name    string
}

func (n *Variable) Span() Span { return n.SpanVal }
func (n *Variable) node()      {}
func (n *Variable) expr()      {}

// CallExpr calls a function by name.
type CallExpr struct {
	SpanVal Span
	Callee  string
	Args    []Expr
}

func (n *CallExpr) Span() Span { return n.SpanVal }
func (n *CallExpr) node()      {}
func (n *CallExpr) expr()      {}

// BinaryExpr applies a binary operator.
type BinaryExpr struct {
	SpanVal Span
	Op      BinaryOp
	Left    Expr
	Right   Expr
}

func (n *BinaryExpr) Span() Span { return n.SpanVal }
func (n *BinaryExpr) node()      {}
func (n *BinaryExpr) expr()      {}

// UnaryExpr applies a unary operator.
type UnaryExpr struct {
	SpanVal Span
	Op      UnaryOp
	Operand Expr
}

func (n *UnaryExpr) Span() Span { return n.SpanVal }
func (n *UnaryExpr) node()      {}
func (n *UnaryExpr) expr()      {}

// AssignExpr assigns Value to Target, which must be a Variable, IndexExpr
// or FieldExpr. The expression's value is the assigned value.
type AssignExpr struct {
	SpanVal Span
	Target  Expr
	Value   Expr
}

func (n *AssignExpr) Span() Span { return n.SpanVal }
func (n *AssignExpr) node()      {}
func (n *AssignExpr) expr()      {}

// ListExpr is a list literal.
type ListExpr struct {
	SpanVal  Span
	Elements []Expr
}

func (n *ListExpr) Span() Span { return n.SpanVal }
func (n *ListExpr) node()      {}
func (n *ListExpr) expr()      {}

// MapEntry is one key/value pair of a MapExpr.
type MapEntry struct {
	Key   string
	Value Expr
}

// MapExpr is a map literal with string keys.
type MapExpr struct {
	SpanVal Span
	Entries []MapEntry
}

func (n *MapExpr) Span() Span { return n.SpanVal }
func (n *MapExpr) node()      {}
func (n *MapExpr) expr()      {}

// IndexExpr reads Target[Index] from a list or map.
type IndexExpr struct {
	SpanVal Span
	Target  Expr
	Index   Expr
}

func (n *IndexExpr) Span() Span { return n.SpanVal }
func (n *IndexExpr) node()      {}
func (n *IndexExpr) expr()      {}

// FieldExpr reads a field of an object.
type FieldExpr struct {
	SpanVal Span
	Target  Expr
	Field   string
}

func (n *FieldExpr) Span() Span { return n.SpanVal }
func (n *FieldExpr) node()      {}
func (n *FieldExpr) expr()      {}

// MethodCallExpr calls a method on a receiver object.
type MethodCallExpr struct {
	SpanVal  Span
	Receiver Expr
	Method   string
	Args     []Expr
}

func (n *MethodCallExpr) Span() Span { return n.SpanVal }
func (n *MethodCallExpr) node()      {}
func (n *MethodCallExpr) expr()      {}

// FieldInit initialises one field in a NewExpr.
type FieldInit struct {
	Name  string
	Value Expr
}

// NewExpr constructs an object of a declared class.
type NewExpr struct {
	SpanVal Span
	Class   string
	Fields  []FieldInit
}

func (n *NewExpr) Span() Span { return n.SpanVal }
func (n *NewExpr) node()      {}
func (n *NewExpr) expr()      {}

// LambdaExpr is an anonymous function. The bytecode has no closures, so
// lambdas cannot be lowered.
type LambdaExpr struct {
	SpanVal Span
	Params  []Param
	Body    []Stmt
}

func (n *LambdaExpr) Span() Span { return n.SpanVal }
func (n *LambdaExpr) node()      {}
func (n *LambdaExpr) expr()      {}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// ExprStmt evaluates an expression for its effect.
type ExprStmt struct {
	SpanVal Span
	X       Expr
}

func (n *ExprStmt) Span() Span { return n.SpanVal }
func (n *ExprStmt) node()      {}
func (n *ExprStmt) stmt()      {}

// LetStmt binds a new local. A nil Init binds Void.
type LetStmt struct {
	SpanVal Span
	Name    string
	Type    string
	Init    Expr
}

func (n *LetStmt) Span() Span { return n.SpanVal }
func (n *LetStmt) node()      {}
func (n *LetStmt) stmt()      {}

// BlockStmt is a nested scope.
type BlockStmt struct {
	SpanVal Span
	Stmts   []Stmt
}

func (n *BlockStmt) Span() Span { return n.SpanVal }
func (n *BlockStmt) node()      {}
func (n *BlockStmt) stmt()      {}

// IfStmt is a conditional. Else is nil, a *BlockStmt or another *IfStmt.
type IfStmt struct {
	SpanVal Span
	Cond    Expr
	Then    *BlockStmt
	Else    Stmt
}

func (n *IfStmt) Span() Span { return n.SpanVal }
func (n *IfStmt) node()      {}
func (n *IfStmt) stmt()      {}

// WhileStmt loops while Cond is truthy.
type WhileStmt struct {
	SpanVal Span
	Cond    Expr
	Body    *BlockStmt
}

func (n *WhileStmt) Span() Span { return n.SpanVal }
func (n *WhileStmt) node()      {}
func (n *WhileStmt) stmt()      {}

// ForEachStmt binds Var to each element of a list in turn.
type ForEachStmt struct {
	SpanVal  Span
	Var      string
	Iterable Expr
	Body     *BlockStmt
}

func (n *ForEachStmt) Span() Span { return n.SpanVal }
func (n *ForEachStmt) node()      {}
func (n *ForEachStmt) stmt()      {}

// ReturnStmt leaves the function. A nil Value returns Void.
type ReturnStmt struct {
	SpanVal Span
	Value   Expr
}

func (n *ReturnStmt) Span() Span { return n.SpanVal }
func (n *ReturnStmt) node()      {}
func (n *ReturnStmt) stmt()      {}

// BreakStmt leaves the innermost loop.
type BreakStmt struct {
	SpanVal Span
}

func (n *BreakStmt) Span() Span { return n.SpanVal }
func (n *BreakStmt) node()      {}
func (n *BreakStmt) stmt()      {}

// ContinueStmt starts the next iteration of the innermost loop.
type ContinueStmt struct {
	SpanVal Span
}

func (n *ContinueStmt) Span() Span { return n.SpanVal }
func (n *ContinueStmt) node()      {}
func (n *ContinueStmt) stmt()      {}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

// Param is a function parameter.
type Param struct {
	Name string
	Type string
}

// FunctionDecl is a top-level function or a class method.
type FunctionDecl struct {
	SpanVal    Span
	Name       string
	Params     []Param
	ReturnType string
	Body       []Stmt
}

func (n *FunctionDecl) Span() Span { return n.SpanVal }
func (n *FunctionDecl) node()      {}
func (n *FunctionDecl) item()      {}

// FieldDecl is a declared class field.
type FieldDecl struct {
	Name string
	Type string
}

// ClassDecl declares a record type with fields and methods. Methods receive
// the object as an implicit first parameter named self.
type ClassDecl struct {
	SpanVal Span
	Name    string
	Fields  []FieldDecl
	Methods []*FunctionDecl
}

func (n *ClassDecl) Span() Span { return n.SpanVal }
func (n *ClassDecl) node()      {}
func (n *ClassDecl) item()      {}

// VarDecl declares a global variable or constant, initialised before main
// runs.
type VarDecl struct {
	SpanVal Span
	Name    string
	Type    string
	Const   bool
	Init    Expr
}

func (n *VarDecl) Span() Span { return n.SpanVal }
func (n *VarDecl) node()      {}
func (n *VarDecl) item()      {}

// Program is a parsed compilation unit.
type Program struct {
	Items []Item
}
