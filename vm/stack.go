package vm

import (
	"fmt"
	"strings"
)

// Default limits used when a Stack is created with non-positive sizes.
const (
	DefaultMaxStack  = 64 * 1024
	DefaultMaxFrames = 1024
)

// hostReturn is the return address of a frame entered from the host
// (Interpreter.Invoke) rather than from a Call instruction.
const hostReturn = -1

// ---------------------------------------------------------------------------
// CallFrame: bookkeeping for one active function invocation
// ---------------------------------------------------------------------------

// CallFrame records one active invocation. Locals occupy stack slots
// [BasePointer, BasePointer+LocalCount); the first ArgCount of them are the
// arguments the caller pushed.
type CallFrame struct {
	ReturnAddress int
	BasePointer   int
	FunctionName  string
	LocalCount    int
	ArgCount      int
}

// ---------------------------------------------------------------------------
// Stack: operand stack plus frame stack
// ---------------------------------------------------------------------------

// Stack is the VM's execution stack: a single growable array holding operand
// values and reserved local slots, and a parallel stack of call frames.
// Every access is bounds-checked; a Stack is not safe for concurrent use.
type Stack struct {
	data      []Value
	frames    []CallFrame
	maxSize   int
	maxFrames int
}

// NewStack creates an empty stack holding at most maxSize values and
// maxFrames frames. Non-positive limits select the defaults.
func NewStack(maxSize, maxFrames int) *Stack {
	if maxSize <= 0 {
		maxSize = DefaultMaxStack
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	initial := maxSize
	if initial > 256 {
		initial = 256
	}
	return &Stack{
		data:      make([]Value, 0, initial),
		frames:    make([]CallFrame, 0, 16),
		maxSize:   maxSize,
		maxFrames: maxFrames,
	}
}

// Size returns the number of values on the stack (the stack pointer).
func (s *Stack) Size() int { return len(s.data) }

// IsEmpty reports whether the stack holds no values.
func (s *Stack) IsEmpty() bool { return len(s.data) == 0 }

// MaxSize returns the configured value capacity.
func (s *Stack) MaxSize() int { return s.maxSize }

// floor is the lowest index the current frame may pop to: its locals are
// below it.
func (s *Stack) floor() int {
	if len(s.frames) == 0 {
		return 0
	}
	f := &s.frames[len(s.frames)-1]
	return f.BasePointer + f.LocalCount
}

// OperandDepth returns the number of values above the current frame's
// locals.
func (s *Stack) OperandDepth() int {
	return len(s.data) - s.floor()
}

// Push pushes v, failing with StackOverflow at capacity.
func (s *Stack) Push(v Value) error {
	if len(s.data) >= s.maxSize {
		return newError(ErrStackOverflow, "operand stack exceeds %d values", s.maxSize)
	}
	s.data = append(s.data, v)
	return nil
}

// Pop removes and returns the top value. Popping into the current frame's
// locals, or below zero, is a stack underflow.
func (s *Stack) Pop() (Value, error) {
	n := len(s.data)
	if n <= s.floor() {
		return nil, newError(ErrStackUnderflow, "pop from empty operand stack")
	}
	v := s.data[n-1]
	s.data[n-1] = nil
	s.data = s.data[:n-1]
	return v, nil
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (Value, error) {
	return s.PeekAt(0)
}

// PeekAt returns the value depth positions below the top (0 = top).
func (s *Stack) PeekAt(depth int) (Value, error) {
	idx := len(s.data) - 1 - depth
	if depth < 0 || idx < s.floor() {
		return nil, newError(ErrStackUnderflow, "peek %d below operand stack", depth)
	}
	return s.data[idx], nil
}

// Dup duplicates the top value.
func (s *Stack) Dup() error {
	v, err := s.Peek()
	if err != nil {
		return err
	}
	return s.Push(v)
}

// Swap exchanges the two top values.
func (s *Stack) Swap() error {
	n := len(s.data)
	if n-2 < s.floor() {
		return newError(ErrStackUnderflow, "swap needs two operands")
	}
	s.data[n-1], s.data[n-2] = s.data[n-2], s.data[n-1]
	return nil
}

// truncate drops values above size n.
func (s *Stack) truncate(n int) {
	for i := n; i < len(s.data); i++ {
		s.data[i] = nil
	}
	s.data = s.data[:n]
}

// Reset empties the stack and drops every frame.
func (s *Stack) Reset() {
	s.truncate(0)
	s.frames = s.frames[:0]
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// PushFrame enters fn with the top argc values as its first locals and
// reserves the remaining local slots as Void.
func (s *Stack) PushFrame(fn *FunctionInfo, argc, returnAddress int) error {
	if len(s.frames) >= s.maxFrames {
		return newError(ErrStackOverflow, "call depth exceeds %d frames calling %s", s.maxFrames, fn.Name)
	}
	bp := len(s.data) - argc
	if argc < 0 || bp < s.floor() {
		return newError(ErrStackUnderflow, "call %s needs %d arguments on the stack", fn.Name, argc)
	}
	locals := fn.LocalCount
	if locals < argc {
		locals = argc
	}
	if bp+locals > s.maxSize {
		return newError(ErrStackOverflow, "locals of %s exceed stack of %d values", fn.Name, s.maxSize)
	}
	for i := argc; i < locals; i++ {
		s.data = append(s.data, Void{})
	}
	s.frames = append(s.frames, CallFrame{
		ReturnAddress: returnAddress,
		BasePointer:   bp,
		FunctionName:  fn.Name,
		LocalCount:    locals,
		ArgCount:      argc,
	})
	return nil
}

// PopFrame removes the current frame and truncates the stack to the frame's
// base pointer plus its argument count, leaving the arguments for the caller
// to drop.
func (s *Stack) PopFrame() (CallFrame, error) {
	if len(s.frames) == 0 {
		return CallFrame{}, newError(ErrNoFrame, "return without an active frame")
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	s.truncate(f.BasePointer + f.ArgCount)
	return f, nil
}

// unwind drops every frame above depth together with its locals and
// arguments, leaving the stack as it was before the first dropped call.
func (s *Stack) unwind(depth int) {
	if depth < 0 || len(s.frames) <= depth {
		return
	}
	bp := s.frames[depth].BasePointer
	s.frames = s.frames[:depth]
	s.truncate(bp)
}

// CurrentFrame returns the innermost frame.
func (s *Stack) CurrentFrame() (*CallFrame, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	return &s.frames[len(s.frames)-1], true
}

// CallDepth returns the number of active frames.
func (s *Stack) CallDepth() int { return len(s.frames) }

// GetLocal reads slot idx of the current frame.
func (s *Stack) GetLocal(idx int) (Value, error) {
	f, ok := s.CurrentFrame()
	if !ok {
		return nil, newError(ErrNoFrame, "load local %d outside a function", idx)
	}
	if idx < 0 || idx >= f.LocalCount {
		return nil, newError(ErrIndexOutOfRange, "local %d outside %s's %d slots", idx, f.FunctionName, f.LocalCount)
	}
	return s.data[f.BasePointer+idx], nil
}

// SetLocal writes slot idx of the current frame.
func (s *Stack) SetLocal(idx int, v Value) error {
	f, ok := s.CurrentFrame()
	if !ok {
		return newError(ErrNoFrame, "store local %d outside a function", idx)
	}
	if idx < 0 || idx >= f.LocalCount {
		return newError(ErrIndexOutOfRange, "local %d outside %s's %d slots", idx, f.FunctionName, f.LocalCount)
	}
	s.data[f.BasePointer+idx] = v
	return nil
}

// Values returns the live values, bottom first. The slice aliases the
// stack and must not be retained across mutations.
func (s *Stack) Values() []Value {
	return s.data
}

// Trace returns the active frames innermost first, for diagnostics.
func (s *Stack) Trace() []string {
	out := make([]string, 0, len(s.frames))
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		out = append(out, fmt.Sprintf("%s (bp=%d locals=%d ret=%d)", f.FunctionName, f.BasePointer, f.LocalCount, f.ReturnAddress))
	}
	return out
}

// String renders the stack top first.
func (s *Stack) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("stack size=%d depth=%d\n", len(s.data), len(s.frames)))
	for i := len(s.data) - 1; i >= 0; i-- {
		sb.WriteString(fmt.Sprintf("  [%3d] %s\n", i, formatValue(s.data[i], make(map[Value]bool))))
	}
	return sb.String()
}
