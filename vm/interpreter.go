package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("kestrel.vm")

// DefaultCancelCheckInterval is how many instructions run between context
// checks.
const DefaultCancelCheckInterval = 1024

// ---------------------------------------------------------------------------
// ExecutionResult: how one instruction moves the instruction pointer
// ---------------------------------------------------------------------------

// ResultKind classifies an ExecutionResult.
type ResultKind uint8

const (
	ResultContinue ResultKind = iota // ip += 1
	ResultJump                       // ip = Target
	ResultReturn                     // leave the current frame with Value
	ResultHalt                       // stop with Value
)

func (k ResultKind) String() string {
	switch k {
	case ResultContinue:
		return "continue"
	case ResultJump:
		return "jump"
	case ResultReturn:
		return "return"
	case ResultHalt:
		return "halt"
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(k))
}

// ExecutionResult is the outcome of executing one instruction.
type ExecutionResult struct {
	Kind   ResultKind
	Target int
	Value  Value
}

var continueResult = ExecutionResult{Kind: ResultContinue}

func jumpTo(addr int) ExecutionResult { return ExecutionResult{Kind: ResultJump, Target: addr} }

func returnWith(v Value) ExecutionResult { return ExecutionResult{Kind: ResultReturn, Value: v} }

func haltWith(v Value) ExecutionResult { return ExecutionResult{Kind: ResultHalt, Value: v} }

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// InterpreterStats counts interpreter activity across executions.
type InterpreterStats struct {
	Instructions uint64
	Calls        uint64
	Returns      uint64
	Jumps        uint64
	Allocations  uint64
	MaxCallDepth int
}

// Interpreter is the fetch-decode-execute loop. It owns a heap; the stack
// and globals are supplied per execution.
type Interpreter struct {
	Heap *Heap

	// Out receives Print output. Defaults to os.Stdout.
	Out io.Writer

	// CancelCheckInterval is the number of instructions between context
	// checks. Zero selects DefaultCancelCheckInterval.
	CancelCheckInterval int

	// EnableGC runs a collection after allocating instructions once the
	// Young generation reaches its threshold.
	EnableGC bool

	// Trace logs every instruction at debug level.
	Trace bool

	// Profiler, when set, counts every function entry.
	Profiler *Profiler

	stats InterpreterStats
}

// NewInterpreter creates an interpreter that allocates on heap.
func NewInterpreter(heap *Heap) *Interpreter {
	if heap == nil {
		heap = NewHeap(DefaultGCConfig())
	}
	return &Interpreter{
		Heap:     heap,
		Out:      os.Stdout,
		EnableGC: true,
	}
}

// Stats returns a copy of the interpreter statistics.
func (in *Interpreter) Stats() InterpreterStats { return in.stats }

// ResetStats zeroes the statistics.
func (in *Interpreter) ResetStats() { in.stats = InterpreterStats{} }

// execution is the per-run state threaded through instruction handlers.
type execution struct {
	prog    *Program
	stack   *Stack
	globals *Globals
}

// Execute runs prog from its entry point against stack and globals and
// returns the program result. A Return at the starting call depth or a Halt
// at any depth ends execution. Halt discards the frames entered during the
// run, with their locals and arguments; operands below them stay. The first
// error aborts the run and leaves the stack as it was at the failure.
func (in *Interpreter) Execute(ctx context.Context, prog *Program, stack *Stack, globals *Globals) (Value, error) {
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	x := &execution{prog: prog, stack: stack, globals: globals}
	return in.run(ctx, x, prog.EntryPoint, stack.CallDepth())
}

// Invoke calls the named function with args from the host. The arguments
// are pushed, a frame is entered and the function runs until it returns;
// afterwards the stack is back to its previous size.
func (in *Interpreter) Invoke(ctx context.Context, prog *Program, stack *Stack, globals *Globals, name string, args ...Value) (Value, error) {
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	fn, ok := prog.Function(name)
	if !ok {
		return nil, newError(ErrFunctionNotFound, "function %s not found", name)
	}
	if len(args) != fn.ParamCount {
		return nil, newError(ErrArity, "%s takes %d arguments, got %d", name, fn.ParamCount, len(args))
	}
	base := stack.Size()
	depth := stack.CallDepth()
	for _, a := range args {
		if err := stack.Push(a); err != nil {
			stack.truncate(base)
			return nil, err
		}
	}
	if err := stack.PushFrame(fn, len(args), hostReturn); err != nil {
		stack.truncate(base)
		return nil, err
	}
	in.entered(fn, stack)
	x := &execution{prog: prog, stack: stack, globals: globals}
	v, err := in.run(ctx, x, fn.StartAddress, depth)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (in *Interpreter) run(ctx context.Context, x *execution, ip, baseDepth int) (Value, error) {
	interval := in.CancelCheckInterval
	if interval <= 0 {
		interval = DefaultCancelCheckInterval
	}
	trace := in.Trace && vmLog.AllowLevel(commonlog.Debug)
	n := len(x.prog.Instructions)
	var count int

	for {
		if ip < 0 || ip >= n {
			return nil, in.fail(x, newError(ErrInvalidBytecode, "instruction pointer %d outside program of %d instructions", ip, n), ip)
		}
		count++
		if count%interval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, in.fail(x, &VMError{Kind: ErrRuntime, Cause: errors.Join(ErrCancelled, err), IP: -1}, ip)
			}
		}

		instr := x.prog.Instructions[ip]
		if trace {
			vmLog.Debug("exec",
				"ip", ip,
				"instr", instr.String(),
				"sp", x.stack.Size(),
				"depth", x.stack.CallDepth())
		}
		in.stats.Instructions++

		res, err := in.step(x, ip, instr)
		if err != nil {
			return nil, in.fail(x, err, ip)
		}

		switch res.Kind {
		case ResultContinue:
			ip++
		case ResultJump:
			in.stats.Jumps++
			ip = res.Target
		case ResultReturn:
			in.stats.Returns++
			if x.stack.CallDepth() <= baseDepth {
				return res.Value, nil
			}
			frame, err := x.stack.PopFrame()
			if err != nil {
				return nil, in.fail(x, err, ip)
			}
			if frame.ReturnAddress == hostReturn {
				x.stack.truncate(frame.BasePointer)
				return res.Value, nil
			}
			if err := x.stack.Push(res.Value); err != nil {
				return nil, in.fail(x, err, ip)
			}
			ip = frame.ReturnAddress
		case ResultHalt:
			x.stack.unwind(baseDepth)
			return res.Value, nil
		default:
			return nil, in.fail(x, newError(ErrInvalidBytecode, "unknown execution result %s", res.Kind), ip)
		}
	}
}

// fail locates err at ip in the current function and logs it.
func (in *Interpreter) fail(x *execution, err error, ip int) error {
	fn := ""
	if f, ok := x.stack.CurrentFrame(); ok {
		fn = f.FunctionName
	}
	err = locate(err, ip, fn)
	vmLog.Debug("execution aborted", "error", err.Error(), "depth", x.stack.CallDepth())
	return err
}

// step executes a single instruction.
func (in *Interpreter) step(x *execution, ip int, instr Instruction) (ExecutionResult, error) {
	s := x.stack
	switch instr.Op {

	// Stack
	case OpPushConst:
		c, ok := x.prog.Constant(instr.Arg)
		if !ok {
			return continueResult, newError(ErrInvalidBytecode, "constant %d out of range", instr.Arg)
		}
		return continueResult, s.Push(c)
	case OpPop:
		_, err := s.Pop()
		return continueResult, err
	case OpDup:
		return continueResult, s.Dup()
	case OpSwap:
		return continueResult, s.Swap()

	// Arithmetic and comparison
	case OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpAnd, OpOr:
		b, a, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		v, err := binaryOp(instr.Op, a, b)
		if err != nil {
			return continueResult, err
		}
		return continueResult, s.Push(v)
	case OpNeg:
		a, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		i, ok := a.(Integer)
		if !ok {
			return continueResult, newError(ErrTypeMismatch, "cannot negate %s", a.Kind())
		}
		return continueResult, s.Push(-i)
	case OpNot:
		a, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		b, ok := a.(Boolean)
		if !ok {
			return continueResult, newError(ErrTypeMismatch, "cannot apply not to %s", a.Kind())
		}
		return continueResult, s.Push(!b)

	// Control flow
	case OpJump:
		return jumpTo(instr.Arg), nil
	case OpJumpIf, OpJumpIfNot:
		cond, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		if Truthy(cond) == (instr.Op == OpJumpIf) {
			return jumpTo(instr.Arg), nil
		}
		return continueResult, nil
	case OpCall:
		return in.call(x, ip, instr.Name, instr.Arg)
	case OpReturn:
		var v Value = Void{}
		if s.OperandDepth() > 0 {
			top, err := s.Pop()
			if err != nil {
				return continueResult, err
			}
			v = top
		}
		return returnWith(v), nil

	// Variables
	case OpLoadLocal:
		v, err := s.GetLocal(instr.Arg)
		if err != nil {
			return continueResult, err
		}
		return continueResult, s.Push(v)
	case OpStoreLocal:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		return continueResult, s.SetLocal(instr.Arg, v)
	case OpLoadGlobal:
		v, ok := x.globals.Get(instr.Name)
		if !ok {
			return continueResult, newError(ErrUnknownGlobal, "global %s is not defined", instr.Name)
		}
		return continueResult, s.Push(v)
	case OpStoreGlobal:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		x.globals.Set(instr.Name, v)
		return continueResult, nil

	// Memory
	case OpAlloc:
		m := NewMap(instr.Arg)
		return continueResult, in.allocAndPush(x, m)
	case OpLoad:
		key, container, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		v, err := loadFrom(container, key)
		if err != nil {
			return continueResult, err
		}
		return continueResult, s.Push(v)
	case OpStore:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		key, container, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		if err := storeInto(container, key, v); err != nil {
			return continueResult, err
		}
		return continueResult, s.Push(v)

	// Collections
	case OpNewArray:
		if instr.Arg > s.OperandDepth() {
			return continueResult, newError(ErrStackUnderflow, "new array of %d with %d operands", instr.Arg, s.OperandDepth())
		}
		elems := make([]Value, instr.Arg)
		for i := instr.Arg - 1; i >= 0; i-- {
			v, err := s.Pop()
			if err != nil {
				return continueResult, err
			}
			elems[i] = v
		}
		return continueResult, in.allocAndPush(x, NewList(elems...))
	case OpArrayGet:
		idx, list, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		l, i, err := listIndex(list, idx)
		if err != nil {
			return continueResult, err
		}
		return continueResult, s.Push(l.Elems[i])
	case OpArraySet:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		idx, list, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		l, i, err := listIndex(list, idx)
		if err != nil {
			return continueResult, err
		}
		l.Elems[i] = v
		return continueResult, s.Push(l)
	case OpArrayLen:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		switch c := v.(type) {
		case *List:
			return continueResult, s.Push(Integer(len(c.Elems)))
		case *Map:
			return continueResult, s.Push(Integer(len(c.Entries)))
		case Text:
			return continueResult, s.Push(Integer(len(c)))
		}
		return continueResult, newError(ErrTypeMismatch, "%s has no length", v.Kind())

	// Objects
	case OpNewObject:
		obj := NewObject(instr.Name)
		for _, f := range x.prog.Classes[instr.Name] {
			obj.Fields[f] = Void{}
		}
		return continueResult, in.allocAndPush(x, obj)
	case OpGetField:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		obj, ok := v.(*Object)
		if !ok {
			return continueResult, newError(ErrTypeMismatch, "cannot read field %s of %s", instr.Name, v.Kind())
		}
		f, ok := obj.Fields[instr.Name]
		if !ok {
			return continueResult, newError(ErrUnknownField, "%s has no field %s", obj.Class, instr.Name)
		}
		return continueResult, s.Push(f)
	case OpSetField:
		v, target, err := pop2(s)
		if err != nil {
			return continueResult, err
		}
		obj, ok := target.(*Object)
		if !ok {
			return continueResult, newError(ErrTypeMismatch, "cannot set field %s of %s", instr.Name, target.Kind())
		}
		obj.Fields[instr.Name] = v
		return continueResult, s.Push(v)

	// Special
	case OpNop:
		return continueResult, nil
	case OpHalt:
		var v Value = Void{}
		if s.OperandDepth() > 0 {
			top, err := s.Pop()
			if err != nil {
				return continueResult, err
			}
			v = top
		}
		return haltWith(v), nil
	case OpPrint:
		v, err := s.Pop()
		if err != nil {
			return continueResult, err
		}
		out := in.Out
		if out == nil {
			out = os.Stdout
		}
		if _, err := fmt.Fprintln(out, v.String()); err != nil {
			return continueResult, wrapError(ErrRuntime, err)
		}
		return continueResult, nil
	}

	return continueResult, newError(ErrInvalidBytecode, "unimplemented opcode %s", instr.Op)
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call resolves name and enters the callee. A leading dot names a method,
// resolved through the class of the receiver (the first argument). A name
// missing from the function table may be a global holding a FunctionRef.
func (in *Interpreter) call(x *execution, ip int, name string, argc int) (ExecutionResult, error) {
	fn, err := in.resolve(x, name, argc)
	if err != nil {
		return continueResult, err
	}
	if argc != fn.ParamCount {
		return continueResult, newError(ErrArity, "%s takes %d arguments, got %d", fn.Name, fn.ParamCount, argc)
	}
	if err := x.stack.PushFrame(fn, argc, ip+1); err != nil {
		return continueResult, err
	}
	in.entered(fn, x.stack)
	return jumpTo(fn.StartAddress), nil
}

// entered records a function entry in the statistics and the profiler.
func (in *Interpreter) entered(fn *FunctionInfo, stack *Stack) {
	in.stats.Calls++
	if d := stack.CallDepth(); d > in.stats.MaxCallDepth {
		in.stats.MaxCallDepth = d
	}
	if in.Profiler != nil && in.Profiler.RecordInvocation(fn.Name) {
		vmLog.Debug("function became hot", "function", fn.Name)
	}
}

func (in *Interpreter) resolve(x *execution, name string, argc int) (*FunctionInfo, error) {
	if strings.HasPrefix(name, ".") {
		if argc < 1 {
			return nil, newError(ErrArity, "method %s called without a receiver", name[1:])
		}
		recv, err := x.stack.PeekAt(argc - 1)
		if err != nil {
			return nil, err
		}
		obj, ok := recv.(*Object)
		if !ok {
			return nil, newError(ErrTypeMismatch, "cannot call method %s on %s", name[1:], recv.Kind())
		}
		fn, ok := x.prog.Function(obj.Class + name)
		if !ok {
			return nil, newError(ErrFunctionNotFound, "%s has no method %s", obj.Class, name[1:])
		}
		return fn, nil
	}
	if fn, ok := x.prog.Function(name); ok {
		return fn, nil
	}
	if v, ok := x.globals.Get(name); ok {
		if ref, ok := v.(FunctionRef); ok {
			if fn, ok := x.prog.Function(ref.Name); ok {
				return fn, nil
			}
			return nil, newError(ErrFunctionNotFound, "%s refers to missing function %s", name, ref.Name)
		}
		return nil, newError(ErrTypeMismatch, "global %s is %s, not callable", name, v.Kind())
	}
	return nil, newError(ErrFunctionNotFound, "function %s not found", name)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// allocAndPush registers v with the heap, pushes it and runs an automatic
// collection if the Young generation is due. When the heap is at capacity a
// full collection is forced first, with v as an extra root; if that frees
// nothing the allocation fails with a MemoryError.
func (in *Interpreter) allocAndPush(x *execution, v Value) error {
	if in.Heap.Full() {
		if _, err := in.Heap.collect(x.stack, x.globals, false, v); err != nil {
			return err
		}
		if in.Heap.Full() {
			return newError(ErrHeapExhausted, "heap limit of %d objects reached", in.Heap.Config().MaxObjects)
		}
	}
	if _, err := in.Heap.Allocate(v); err != nil {
		return err
	}
	in.stats.Allocations++
	if err := x.stack.Push(v); err != nil {
		return err
	}
	if in.EnableGC && in.Heap.ShouldCollect() {
		var err error
		if in.Heap.Config().Incremental {
			_, err = in.Heap.CollectYoung(x.stack, x.globals)
		} else {
			_, err = in.Heap.Collect(x.stack, x.globals)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

// pop2 pops the top two values, returning them top first.
func pop2(s *Stack) (top, below Value, err error) {
	if s.OperandDepth() < 2 {
		return nil, nil, newError(ErrStackUnderflow, "operation needs two operands")
	}
	top, _ = s.Pop()
	below, _ = s.Pop()
	return top, below, nil
}

// binaryOp applies a two-operand arithmetic, comparison or logical opcode.
// Integer arithmetic wraps on overflow.
func binaryOp(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpEq, OpNe:
		eq, err := Equal(a, b)
		if err != nil {
			return nil, err
		}
		return Boolean(eq == (op == OpEq)), nil
	case OpLt, OpLe, OpGt, OpGe:
		c, err := Compare(a, b)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpLt:
			return Boolean(c < 0), nil
		case OpLe:
			return Boolean(c <= 0), nil
		case OpGt:
			return Boolean(c > 0), nil
		}
		return Boolean(c >= 0), nil
	case OpAnd, OpOr:
		x, ok1 := a.(Boolean)
		y, ok2 := b.(Boolean)
		if !ok1 || !ok2 {
			return nil, typeMismatch(strings.ToLower(op.Name()), a, b)
		}
		if op == OpAnd {
			return x && y, nil
		}
		return x || y, nil
	}

	if op == OpAdd {
		if x, ok := a.(Text); ok {
			if y, ok := b.(Text); ok {
				return x + y, nil
			}
		}
	}
	x, ok1 := a.(Integer)
	y, ok2 := b.(Integer)
	if !ok1 || !ok2 {
		return nil, typeMismatch(strings.ToLower(op.Name()), a, b)
	}
	switch op {
	case OpAdd:
		return x + y, nil
	case OpSub:
		return x - y, nil
	case OpMul:
		return x * y, nil
	case OpDiv:
		if y == 0 {
			return nil, newError(ErrDivisionByZero, "%d / 0", x)
		}
		return x / y, nil
	case OpMod:
		if y == 0 {
			return nil, newError(ErrDivisionByZero, "%d %% 0", x)
		}
		return x % y, nil
	}
	return nil, newError(ErrInvalidBytecode, "%s is not a binary operator", op)
}

func listIndex(list, idx Value) (*List, int, error) {
	l, ok := list.(*List)
	if !ok {
		return nil, 0, newError(ErrTypeMismatch, "cannot index %s", list.Kind())
	}
	i, ok := idx.(Integer)
	if !ok {
		return nil, 0, newError(ErrTypeMismatch, "list index must be Integer, got %s", idx.Kind())
	}
	if i < 0 || int64(i) >= int64(len(l.Elems)) {
		return nil, 0, newError(ErrIndexOutOfRange, "index %d outside list of %d", i, len(l.Elems))
	}
	return l, int(i), nil
}

func loadFrom(container, key Value) (Value, error) {
	switch c := container.(type) {
	case *List:
		l, i, err := listIndex(c, key)
		if err != nil {
			return nil, err
		}
		return l.Elems[i], nil
	case *Map:
		k, ok := key.(Text)
		if !ok {
			return nil, newError(ErrTypeMismatch, "map key must be Text, got %s", key.Kind())
		}
		v, ok := c.Entries[string(k)]
		if !ok {
			return Void{}, nil
		}
		return v, nil
	case *Object:
		k, ok := key.(Text)
		if !ok {
			return nil, newError(ErrTypeMismatch, "field name must be Text, got %s", key.Kind())
		}
		v, ok := c.Fields[string(k)]
		if !ok {
			return nil, newError(ErrUnknownField, "%s has no field %s", c.Class, k)
		}
		return v, nil
	}
	return nil, newError(ErrTypeMismatch, "cannot load from %s", container.Kind())
}

func storeInto(container, key, v Value) error {
	switch c := container.(type) {
	case *List:
		l, i, err := listIndex(c, key)
		if err != nil {
			return err
		}
		l.Elems[i] = v
		return nil
	case *Map:
		k, ok := key.(Text)
		if !ok {
			return newError(ErrTypeMismatch, "map key must be Text, got %s", key.Kind())
		}
		c.Entries[string(k)] = v
		return nil
	case *Object:
		k, ok := key.(Text)
		if !ok {
			return newError(ErrTypeMismatch, "field name must be Text, got %s", key.Kind())
		}
		c.Fields[string(k)] = v
		return nil
	}
	return newError(ErrTypeMismatch, "cannot store into %s", container.Kind())
}
