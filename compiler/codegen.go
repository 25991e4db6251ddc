package compiler

import (
	"fmt"

	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// Codegen: lower the AST to a bytecode program
// ---------------------------------------------------------------------------

// EntryFunction is the function the entry stub calls after initialising
// globals.
const EntryFunction = "main"

// Builtins lowered to single instructions. A user function with the same
// name takes precedence.
const (
	builtinPrint = "print"
	builtinLen   = "len"
)

// Compiler lowers a Program to bytecode. A Compiler may be reused; each
// Compile call starts from scratch.
type Compiler struct {
	// Symbols optionally supplies return types missing from declarations.
	Symbols SymbolTable

	out       *vm.Program
	functions map[string]bool // every callable name, including Class.method
	classes   map[string]map[string]bool
	fn        *funcState
}

// funcState tracks locals and loops while one function body is compiled.
type funcState struct {
	name     string
	scopes   []map[string]int
	next     int // next free slot
	maxSlots int
	loops    []*loopState
}

// loopState collects the jumps of break and continue statements, patched
// once the loop's continue point and exit are known.
type loopState struct {
	breaks    []int
	continues []int
}

// NewCompiler creates a compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Compile lowers prog with a default compiler.
func Compile(prog *Program) (*vm.Program, error) {
	return NewCompiler().Compile(prog)
}

// Compile lowers prog to a bytecode program. The program starts with an
// entry stub that initialises globals in declaration order, calls main and
// halts with its result; without a main it halts with Void.
func (c *Compiler) Compile(prog *Program) (*vm.Program, error) {
	c.out = vm.NewProgram()
	c.functions = make(map[string]bool)
	c.classes = make(map[string]map[string]bool)
	c.fn = nil

	var (
		funcs   []*FunctionDecl
		classes []*ClassDecl
		vars    []*VarDecl
	)

	// Declarations first, so calls and references resolve regardless of
	// order.
	for _, item := range prog.Items {
		switch it := item.(type) {
		case *FunctionDecl:
			if err := c.declareFunction(it.Name, it); err != nil {
				return nil, err
			}
			funcs = append(funcs, it)
		case *ClassDecl:
			if _, exists := c.classes[it.Name]; exists {
				return nil, c.errorAt(ErrDuplicateClass, it, "class %s declared twice", it.Name)
			}
			fields := make(map[string]bool, len(it.Fields))
			names := make([]string, 0, len(it.Fields))
			for _, f := range it.Fields {
				if fields[f.Name] {
					return nil, c.errorAt(ErrUnsupportedConstruct, it, "field %s declared twice in %s", f.Name, it.Name)
				}
				fields[f.Name] = true
				names = append(names, f.Name)
			}
			c.classes[it.Name] = fields
			c.out.Classes[it.Name] = names
			for _, m := range it.Methods {
				if err := c.declareFunction(methodName(it.Name, m.Name), m); err != nil {
					return nil, err
				}
			}
			classes = append(classes, it)
		case *VarDecl:
			vars = append(vars, it)
		default:
			return nil, c.errorAt(ErrUnsupportedConstruct, item, "top-level %T", item)
		}
	}

	if err := c.compileEntry(vars, funcs); err != nil {
		return nil, err
	}
	for _, fd := range funcs {
		if err := c.compileFunction(fd.Name, fd, false); err != nil {
			return nil, err
		}
	}
	for _, cd := range classes {
		for _, m := range cd.Methods {
			if err := c.compileFunction(methodName(cd.Name, m.Name), m, true); err != nil {
				return nil, err
			}
		}
	}

	out := c.out
	c.out = nil
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("compiler produced invalid program: %w", err)
	}
	return out, nil
}

func methodName(class, method string) string {
	return class + "." + method
}

func (c *Compiler) declareFunction(name string, fd *FunctionDecl) error {
	if c.functions[name] {
		return c.errorAt(ErrDuplicateFunction, fd, "function %s declared twice", name)
	}
	c.functions[name] = true
	return nil
}

// compileEntry emits the entry stub at address 0.
func (c *Compiler) compileEntry(vars []*VarDecl, funcs []*FunctionDecl) error {
	c.out.EntryPoint = c.out.Len()
	for _, vd := range vars {
		if vd.Init == nil {
			c.emitConst(vm.Void{})
		} else if err := c.compileExpr(vd.Init); err != nil {
			return err
		}
		c.emit(vm.WithName(vm.OpStoreGlobal, vd.Name))
	}
	var main *FunctionDecl
	for _, fd := range funcs {
		if fd.Name == EntryFunction {
			main = fd
		}
	}
	if main == nil {
		c.emitConst(vm.Void{})
		c.emit(vm.Simple(vm.OpHalt))
		return nil
	}
	if len(main.Params) != 0 {
		return c.errorAt(ErrUnsupportedConstruct, main, "%s must not take parameters", EntryFunction)
	}
	c.emit(vm.CallInstr(EntryFunction, 0))
	c.emit(vm.Simple(vm.OpHalt))
	return nil
}

// compileFunction emits one function body and registers it. Methods get an
// implicit first parameter, self.
func (c *Compiler) compileFunction(name string, fd *FunctionDecl, method bool) error {
	start := c.out.Len()
	c.fn = &funcState{name: name}
	defer func() { c.fn = nil }()
	c.pushScope()

	params := fd.Params
	if method {
		params = append([]Param{{Name: "self"}}, params...)
	}
	for _, p := range params {
		if _, dup := c.fn.scopes[0][p.Name]; dup {
			return c.errorAt(ErrUnsupportedConstruct, fd, "parameter %s repeated", p.Name)
		}
		c.declareLocal(p.Name)
	}

	if err := c.compileStatements(fd.Body); err != nil {
		return err
	}
	if !endsWithReturn(fd.Body) {
		c.emit(vm.Simple(vm.OpReturn))
	}

	ret := fd.ReturnType
	if ret == "" && c.Symbols != nil {
		if sym, ok := c.Symbols.Lookup(name); ok && sym.Kind == SymbolFunction {
			ret = sym.Type
		}
	}
	c.out.AddFunction(&vm.FunctionInfo{
		Name:         name,
		StartAddress: start,
		ParamCount:   len(params),
		LocalCount:   c.fn.maxSlots,
		ReturnType:   ret,
	})
	return nil
}

// endsWithReturn checks if statement list ends with a return.
func endsWithReturn(stmts []Stmt) bool {
	if len(stmts) == 0 {
		return false
	}
	_, ok := stmts[len(stmts)-1].(*ReturnStmt)
	return ok
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Compiler) emit(in vm.Instruction) int {
	return c.out.Emit(in)
}

func (c *Compiler) emitConst(v vm.Value) {
	c.emit(vm.WithArg(vm.OpPushConst, c.out.AddConstant(v)))
}

// emitJump emits a jump with a placeholder target and returns its index.
func (c *Compiler) emitJump(op vm.Opcode) int {
	return c.emit(vm.WithArg(op, 0))
}

// patchJump points the jump at idx to the next instruction.
func (c *Compiler) patchJump(idx int) {
	c.out.Patch(idx, c.out.Len())
}

// emitDropArgs removes n call arguments left under the call result.
func (c *Compiler) emitDropArgs(n int) {
	for i := 0; i < n; i++ {
		c.emit(vm.Simple(vm.OpSwap))
		c.emit(vm.Simple(vm.OpPop))
	}
}

func (c *Compiler) errorAt(kind error, n Node, format string, args ...any) error {
	e := &CompileError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if n != nil {
		e.Span = n.Span()
	}
	if c.fn != nil {
		e.Function = c.fn.name
	}
	return e
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func (c *Compiler) pushScope() {
	c.fn.scopes = append(c.fn.scopes, make(map[string]int))
}

// popScope releases the scope's slots for reuse.
func (c *Compiler) popScope() {
	scope := c.fn.scopes[len(c.fn.scopes)-1]
	c.fn.scopes = c.fn.scopes[:len(c.fn.scopes)-1]
	c.fn.next -= len(scope)
}

func (c *Compiler) declareLocal(name string) int {
	slot := c.fn.next
	c.fn.next++
	if c.fn.next > c.fn.maxSlots {
		c.fn.maxSlots = c.fn.next
	}
	c.fn.scopes[len(c.fn.scopes)-1][name] = slot
	return slot
}

// declareTemp reserves an unnamed slot in the current scope.
func (c *Compiler) declareTemp() int {
	return c.declareLocal(fmt.Sprintf(" tmp%d", c.fn.next))
}

func (c *Compiler) lookupLocal(name string) (int, bool) {
	if c.fn == nil {
		return 0, false
	}
	for i := len(c.fn.scopes) - 1; i >= 0; i-- {
		if slot, ok := c.fn.scopes[i][name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Statement compilation
// ---------------------------------------------------------------------------

func (c *Compiler) compileStatements(stmts []Stmt) error {
	for _, stmt := range stmts {
		if err := c.compileStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileStmt(stmt Stmt) error {
	switch s := stmt.(type) {
	case *ExprStmt:
		if err := c.compileExpr(s.X); err != nil {
			return err
		}
		c.emit(vm.Simple(vm.OpPop))
		return nil
	case *LetStmt:
		if s.Init == nil {
			c.emitConst(vm.Void{})
		} else if err := c.compileExpr(s.Init); err != nil {
			return err
		}
		slot := c.declareLocal(s.Name)
		c.emit(vm.WithArg(vm.OpStoreLocal, slot))
		return nil
	case *BlockStmt:
		return c.compileBlock(s)
	case *IfStmt:
		return c.compileIf(s)
	case *WhileStmt:
		return c.compileWhile(s)
	case *ForEachStmt:
		return c.compileForEach(s)
	case *ReturnStmt:
		if s.Value == nil {
			c.emitConst(vm.Void{})
		} else if err := c.compileExpr(s.Value); err != nil {
			return err
		}
		c.emit(vm.Simple(vm.OpReturn))
		return nil
	case *BreakStmt:
		loop := c.currentLoop()
		if loop == nil {
			return c.errorAt(ErrUnsupportedConstruct, s, "break outside a loop")
		}
		loop.breaks = append(loop.breaks, c.emitJump(vm.OpJump))
		return nil
	case *ContinueStmt:
		loop := c.currentLoop()
		if loop == nil {
			return c.errorAt(ErrUnsupportedConstruct, s, "continue outside a loop")
		}
		loop.continues = append(loop.continues, c.emitJump(vm.OpJump))
		return nil
	}
	return c.errorAt(ErrUnsupportedConstruct, stmt, "statement %T", stmt)
}

func (c *Compiler) compileBlock(b *BlockStmt) error {
	if b == nil {
		return nil
	}
	c.pushScope()
	defer c.popScope()
	return c.compileStatements(b.Stmts)
}

func (c *Compiler) compileIf(s *IfStmt) error {
	if err := c.compileExpr(s.Cond); err != nil {
		return err
	}
	elseJump := c.emitJump(vm.OpJumpIfNot)
	if err := c.compileBlock(s.Then); err != nil {
		return err
	}
	if s.Else == nil {
		c.patchJump(elseJump)
		return nil
	}
	endJump := c.emitJump(vm.OpJump)
	c.patchJump(elseJump)
	if err := c.compileStmt(s.Else); err != nil {
		return err
	}
	c.patchJump(endJump)
	return nil
}

func (c *Compiler) currentLoop() *loopState {
	if c.fn == nil || len(c.fn.loops) == 0 {
		return nil
	}
	return c.fn.loops[len(c.fn.loops)-1]
}

// closeLoop patches continues to continueAt and breaks to the next
// instruction.
func (c *Compiler) closeLoop(continueAt int) {
	loop := c.fn.loops[len(c.fn.loops)-1]
	c.fn.loops = c.fn.loops[:len(c.fn.loops)-1]
	for _, j := range loop.continues {
		c.out.Patch(j, continueAt)
	}
	for _, j := range loop.breaks {
		c.patchJump(j)
	}
}

func (c *Compiler) compileWhile(s *WhileStmt) error {
	start := c.out.Len()
	if err := c.compileExpr(s.Cond); err != nil {
		return err
	}
	exitJump := c.emitJump(vm.OpJumpIfNot)
	c.fn.loops = append(c.fn.loops, &loopState{})
	if err := c.compileBlock(s.Body); err != nil {
		return err
	}
	c.emit(vm.WithArg(vm.OpJump, start))
	c.patchJump(exitJump)
	c.closeLoop(start)
	return nil
}

// compileForEach lowers iteration over a list to an index loop using two
// hidden locals.
func (c *Compiler) compileForEach(s *ForEachStmt) error {
	c.pushScope()
	defer c.popScope()

	if err := c.compileExpr(s.Iterable); err != nil {
		return err
	}
	list := c.declareTemp()
	c.emit(vm.WithArg(vm.OpStoreLocal, list))
	c.emitConst(vm.Integer(0))
	idx := c.declareTemp()
	c.emit(vm.WithArg(vm.OpStoreLocal, idx))
	elem := c.declareLocal(s.Var)

	start := c.out.Len()
	c.emit(vm.WithArg(vm.OpLoadLocal, idx))
	c.emit(vm.WithArg(vm.OpLoadLocal, list))
	c.emit(vm.Simple(vm.OpArrayLen))
	c.emit(vm.Simple(vm.OpLt))
	exitJump := c.emitJump(vm.OpJumpIfNot)

	c.emit(vm.WithArg(vm.OpLoadLocal, list))
	c.emit(vm.WithArg(vm.OpLoadLocal, idx))
	c.emit(vm.Simple(vm.OpArrayGet))
	c.emit(vm.WithArg(vm.OpStoreLocal, elem))

	c.fn.loops = append(c.fn.loops, &loopState{})
	if err := c.compileBlock(s.Body); err != nil {
		return err
	}

	next := c.out.Len()
	c.emit(vm.WithArg(vm.OpLoadLocal, idx))
	c.emitConst(vm.Integer(1))
	c.emit(vm.Simple(vm.OpAdd))
	c.emit(vm.WithArg(vm.OpStoreLocal, idx))
	c.emit(vm.WithArg(vm.OpJump, start))
	c.patchJump(exitJump)
	c.closeLoop(next)
	return nil
}

// ---------------------------------------------------------------------------
// Expression compilation
// ---------------------------------------------------------------------------

var binaryOpcodes = map[BinaryOp]vm.Opcode{
	Add: vm.OpAdd, Sub: vm.OpSub, Mul: vm.OpMul, Div: vm.OpDiv, Mod: vm.OpMod,
	Eq: vm.OpEq, Ne: vm.OpNe, Lt: vm.OpLt, Le: vm.OpLe, Gt: vm.OpGt, Ge: vm.OpGe,
	And: vm.OpAnd, Or: vm.OpOr,
}

func (c *Compiler) compileExpr(expr Expr) error {
	switch e := expr.(type) {
	case *IntLiteral:
		c.emitConst(vm.Integer(e.Value))
	case *BoolLiteral:
		c.emitConst(vm.Boolean(e.Value))
	case *StringLiteral:
		c.emitConst(vm.Text(e.Value))
	case *VoidLiteral:
		c.emitConst(vm.Void{})
	case *Variable:
		c.compileVariable(e.Name)
	case *AssignExpr:
		return c.compileAssign(e)
	case *BinaryExpr:
		op, ok := binaryOpcodes[e.Op]
		if !ok {
			return c.errorAt(ErrUnsupportedConstruct, e, "binary operator %s", e.Op)
		}
		if err := c.compileExpr(e.Left); err != nil {
			return err
		}
		if err := c.compileExpr(e.Right); err != nil {
			return err
		}
		c.emit(vm.Simple(op))
	case *UnaryExpr:
		if err := c.compileExpr(e.Operand); err != nil {
			return err
		}
		switch e.Op {
		case Neg:
			c.emit(vm.Simple(vm.OpNeg))
		case Not:
			c.emit(vm.Simple(vm.OpNot))
		default:
			return c.errorAt(ErrUnsupportedConstruct, e, "unary operator %s", e.Op)
		}
	case *CallExpr:
		return c.compileCall(e)
	case *MethodCallExpr:
		if err := c.compileExpr(e.Receiver); err != nil {
			return err
		}
		if err := c.compileExprs(e.Args); err != nil {
			return err
		}
		argc := len(e.Args) + 1
		c.emit(vm.CallInstr("."+e.Method, argc))
		c.emitDropArgs(argc)
	case *ListExpr:
		if err := c.compileExprs(e.Elements); err != nil {
			return err
		}
		c.emit(vm.WithArg(vm.OpNewArray, len(e.Elements)))
	case *MapExpr:
		c.emit(vm.WithArg(vm.OpAlloc, len(e.Entries)))
		for _, entry := range e.Entries {
			c.emit(vm.Simple(vm.OpDup))
			c.emitConst(vm.Text(entry.Key))
			if err := c.compileExpr(entry.Value); err != nil {
				return err
			}
			c.emit(vm.Simple(vm.OpStore))
			c.emit(vm.Simple(vm.OpPop))
		}
	case *IndexExpr:
		if err := c.compileExpr(e.Target); err != nil {
			return err
		}
		if err := c.compileExpr(e.Index); err != nil {
			return err
		}
		c.emit(vm.Simple(vm.OpLoad))
	case *FieldExpr:
		if err := c.compileExpr(e.Target); err != nil {
			return err
		}
		c.emit(vm.WithName(vm.OpGetField, e.Field))
	case *NewExpr:
		return c.compileNew(e)
	case *LambdaExpr:
		return c.errorAt(ErrUnsupportedConstruct, e, "lambda expressions")
	case nil:
		return c.errorAt(ErrUnsupportedConstruct, nil, "missing expression")
	default:
		return c.errorAt(ErrUnsupportedConstruct, expr, "expression %T", expr)
	}
	return nil
}

func (c *Compiler) compileExprs(exprs []Expr) error {
	for _, e := range exprs {
		if err := c.compileExpr(e); err != nil {
			return err
		}
	}
	return nil
}

// compileVariable loads a local, a function reference or a global, in that
// order of precedence.
func (c *Compiler) compileVariable(name string) {
	if slot, ok := c.lookupLocal(name); ok {
		c.emit(vm.WithArg(vm.OpLoadLocal, slot))
		return
	}
	if c.functions[name] {
		c.emitConst(vm.FunctionRef{Name: name})
		return
	}
	c.emit(vm.WithName(vm.OpLoadGlobal, name))
}

func (c *Compiler) compileAssign(e *AssignExpr) error {
	switch t := e.Target.(type) {
	case *Variable:
		if err := c.compileExpr(e.Value); err != nil {
			return err
		}
		c.emit(vm.Simple(vm.OpDup))
		if slot, ok := c.lookupLocal(t.Name); ok {
			c.emit(vm.WithArg(vm.OpStoreLocal, slot))
		} else {
			c.emit(vm.WithName(vm.OpStoreGlobal, t.Name))
		}
		return nil
	case *IndexExpr:
		if err := c.compileExpr(t.Target); err != nil {
			return err
		}
		if err := c.compileExpr(t.Index); err != nil {
			return err
		}
		if err := c.compileExpr(e.Value); err != nil {
			return err
		}
		c.emit(vm.Simple(vm.OpStore))
		return nil
	case *FieldExpr:
		if err := c.compileExpr(t.Target); err != nil {
			return err
		}
		if err := c.compileExpr(e.Value); err != nil {
			return err
		}
		c.emit(vm.WithName(vm.OpSetField, t.Field))
		return nil
	}
	return c.errorAt(ErrUnsupportedConstruct, e, "assignment to %T", e.Target)
}

func (c *Compiler) compileCall(e *CallExpr) error {
	if !c.functions[e.Callee] {
		switch {
		case e.Callee == builtinPrint && len(e.Args) == 1:
			if err := c.compileExpr(e.Args[0]); err != nil {
				return err
			}
			c.emit(vm.Simple(vm.OpDup))
			c.emit(vm.Simple(vm.OpPrint))
			return nil
		case e.Callee == builtinLen && len(e.Args) == 1:
			if err := c.compileExpr(e.Args[0]); err != nil {
				return err
			}
			c.emit(vm.Simple(vm.OpArrayLen))
			return nil
		}
		if _, ok := c.lookupLocal(e.Callee); ok {
			return c.errorAt(ErrUnsupportedConstruct, e, "call through local variable %s", e.Callee)
		}
	}
	if err := c.compileExprs(e.Args); err != nil {
		return err
	}
	c.emit(vm.CallInstr(e.Callee, len(e.Args)))
	c.emitDropArgs(len(e.Args))
	return nil
}

func (c *Compiler) compileNew(e *NewExpr) error {
	fields, ok := c.classes[e.Class]
	if !ok {
		return c.errorAt(ErrUnsupportedConstruct, e, "unknown class %s", e.Class)
	}
	c.emit(vm.WithName(vm.OpNewObject, e.Class))
	for _, f := range e.Fields {
		if !fields[f.Name] {
			return c.errorAt(ErrUnsupportedConstruct, e, "class %s has no field %s", e.Class, f.Name)
		}
		c.emit(vm.Simple(vm.OpDup))
		if err := c.compileExpr(f.Value); err != nil {
			return err
		}
		c.emit(vm.WithName(vm.OpSetField, f.Name))
		c.emit(vm.Simple(vm.OpPop))
	}
	return nil
}
