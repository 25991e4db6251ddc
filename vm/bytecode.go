package vm

import (
	"fmt"
	"sort"
)

// Opcode represents a single bytecode instruction.
type Opcode byte

// ---------------------------------------------------------------------------
// Opcode definitions, grouped by category
// ---------------------------------------------------------------------------

// Stack operations
const (
	OpPushConst Opcode = 0x00 // Arg: constant index
	OpPop       Opcode = 0x01
	OpDup       Opcode = 0x02
	OpSwap      Opcode = 0x03
)

// Arithmetic
const (
	OpAdd Opcode = 0x10
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpMod Opcode = 0x14
	OpNeg Opcode = 0x15
)

// Comparison
const (
	OpEq Opcode = 0x20
	OpNe Opcode = 0x21
	OpLt Opcode = 0x22
	OpLe Opcode = 0x23
	OpGt Opcode = 0x24
	OpGe Opcode = 0x25
)

// Logical
const (
	OpAnd Opcode = 0x30
	OpOr  Opcode = 0x31
	OpNot Opcode = 0x32
)

// Control flow
const (
	OpJump      Opcode = 0x40 // Arg: absolute target
	OpJumpIf    Opcode = 0x41 // Arg: absolute target
	OpJumpIfNot Opcode = 0x42 // Arg: absolute target
	OpCall      Opcode = 0x43 // Name: function, Arg: argc
	OpReturn    Opcode = 0x44
)

// Variables
const (
	OpLoadLocal   Opcode = 0x50 // Arg: slot relative to base pointer
	OpStoreLocal  Opcode = 0x51 // Arg: slot relative to base pointer
	OpLoadGlobal  Opcode = 0x52 // Name: global
	OpStoreGlobal Opcode = 0x53 // Name: global
)

// Memory
const (
	OpAlloc Opcode = 0x60 // Arg: capacity hint
	OpLoad  Opcode = 0x61
	OpStore Opcode = 0x62
)

// Collections
const (
	OpNewArray Opcode = 0x70 // Arg: element count
	OpArrayGet Opcode = 0x71
	OpArraySet Opcode = 0x72
	OpArrayLen Opcode = 0x73
)

// Objects
const (
	OpNewObject Opcode = 0x80 // Name: class
	OpGetField  Opcode = 0x81 // Name: field
	OpSetField  Opcode = 0x82 // Name: field
)

// Special
const (
	OpNop   Opcode = 0xF0
	OpHalt  Opcode = 0xF1
	OpPrint Opcode = 0xF2
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes which Instruction fields an opcode reads.
type OperandKind uint8

const (
	OperandNone  OperandKind = iota
	OperandConst             // Arg indexes the constant pool
	OperandAddr              // Arg is an instruction index
	OperandSlot              // Arg is a local slot
	OperandCount             // Arg is a count or size
	OperandName              // Name is a global, class or field
	OperandCall              // Name is a function, Arg is argc
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string
	Operand OperandKind
	Pops    int // -1 = depends on the operand
	Pushes  int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpPushConst: {"PUSH_CONST", OperandConst, 0, 1},
	OpPop:       {"POP", OperandNone, 1, 0},
	OpDup:       {"DUP", OperandNone, 1, 2},
	OpSwap:      {"SWAP", OperandNone, 2, 2},

	OpAdd: {"ADD", OperandNone, 2, 1},
	OpSub: {"SUB", OperandNone, 2, 1},
	OpMul: {"MUL", OperandNone, 2, 1},
	OpDiv: {"DIV", OperandNone, 2, 1},
	OpMod: {"MOD", OperandNone, 2, 1},
	OpNeg: {"NEG", OperandNone, 1, 1},

	OpEq: {"EQ", OperandNone, 2, 1},
	OpNe: {"NE", OperandNone, 2, 1},
	OpLt: {"LT", OperandNone, 2, 1},
	OpLe: {"LE", OperandNone, 2, 1},
	OpGt: {"GT", OperandNone, 2, 1},
	OpGe: {"GE", OperandNone, 2, 1},

	OpAnd: {"AND", OperandNone, 2, 1},
	OpOr:  {"OR", OperandNone, 2, 1},
	OpNot: {"NOT", OperandNone, 1, 1},

	OpJump:      {"JUMP", OperandAddr, 0, 0},
	OpJumpIf:    {"JUMP_IF", OperandAddr, 1, 0},
	OpJumpIfNot: {"JUMP_IF_NOT", OperandAddr, 1, 0},
	OpCall:      {"CALL", OperandCall, -1, 1}, // arguments stay as locals until Return
	OpReturn:    {"RETURN", OperandNone, 1, 1},

	OpLoadLocal:   {"LOAD_LOCAL", OperandSlot, 0, 1},
	OpStoreLocal:  {"STORE_LOCAL", OperandSlot, 1, 0},
	OpLoadGlobal:  {"LOAD_GLOBAL", OperandName, 0, 1},
	OpStoreGlobal: {"STORE_GLOBAL", OperandName, 1, 0},

	OpAlloc: {"ALLOC", OperandCount, 0, 1},
	OpLoad:  {"LOAD", OperandNone, 2, 1},
	OpStore: {"STORE", OperandNone, 3, 1},

	OpNewArray: {"NEW_ARRAY", OperandCount, -1, 1},
	OpArrayGet: {"ARRAY_GET", OperandNone, 2, 1},
	OpArraySet: {"ARRAY_SET", OperandNone, 3, 1},
	OpArrayLen: {"ARRAY_LEN", OperandNone, 1, 1},

	OpNewObject: {"NEW_OBJECT", OperandName, 0, 1},
	OpGetField:  {"GET_FIELD", OperandName, 1, 1},
	OpSetField:  {"SET_FIELD", OperandName, 2, 1},

	OpNop:   {"NOP", OperandNone, 0, 0},
	OpHalt:  {"HALT", OperandNone, 0, 0},
	OpPrint: {"PRINT", OperandNone, 1, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. Which operand fields are meaningful
// depends on Op (see OpcodeInfo.Operand).
type Instruction struct {
	Op   Opcode
	Arg  int
	Name string
}

// Simple returns an instruction without operands.
func Simple(op Opcode) Instruction { return Instruction{Op: op} }

// WithArg returns an instruction with an integer operand.
func WithArg(op Opcode, arg int) Instruction { return Instruction{Op: op, Arg: arg} }

// WithName returns an instruction with a name operand.
func WithName(op Opcode, name string) Instruction { return Instruction{Op: op, Name: name} }

// CallInstr returns a Call of name with argc arguments.
func CallInstr(name string, argc int) Instruction {
	return Instruction{Op: OpCall, Name: name, Arg: argc}
}

func (in Instruction) String() string {
	switch in.Op.Info().Operand {
	case OperandConst, OperandAddr, OperandSlot, OperandCount:
		return fmt.Sprintf("%s %d", in.Op, in.Arg)
	case OperandName:
		return fmt.Sprintf("%s %s", in.Op, in.Name)
	case OperandCall:
		return fmt.Sprintf("%s %s/%d", in.Op, in.Name, in.Arg)
	}
	return in.Op.String()
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// FunctionInfo describes one compiled function.
type FunctionInfo struct {
	Name         string
	StartAddress int
	ParamCount   int
	LocalCount   int
	ReturnType   string // informational only
}

// Program is a compiled bytecode program: a flat instruction sequence, a
// constant pool, a function table and an entry point. A Program must not be
// modified once it is handed to an interpreter.
type Program struct {
	Instructions []Instruction
	Constants    []Value
	Functions    map[string]*FunctionInfo
	Classes      map[string][]string // class name -> declared fields
	EntryPoint   int
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		Functions: make(map[string]*FunctionInfo),
		Classes:   make(map[string][]string),
	}
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// Emit appends an instruction and returns its index.
func (p *Program) Emit(in Instruction) int {
	p.Instructions = append(p.Instructions, in)
	return len(p.Instructions) - 1
}

// Patch rewrites the operand of the instruction at idx. It is used to
// resolve forward jumps.
func (p *Program) Patch(idx, arg int) {
	p.Instructions[idx].Arg = arg
}

// AddConstant interns v into the constant pool and returns its index.
// Scalar constants are deduplicated.
func (p *Program) AddConstant(v Value) int {
	if !IsHeapKind(v.Kind()) {
		for i, c := range p.Constants {
			if c == v {
				return i
			}
		}
	}
	p.Constants = append(p.Constants, v)
	return len(p.Constants) - 1
}

// Constant returns the constant at idx.
func (p *Program) Constant(idx int) (Value, bool) {
	if idx < 0 || idx >= len(p.Constants) {
		return nil, false
	}
	return p.Constants[idx], true
}

// AddFunction registers fn. It reports false if the name is already taken.
func (p *Program) AddFunction(fn *FunctionInfo) bool {
	if p.Functions == nil {
		p.Functions = make(map[string]*FunctionInfo)
	}
	if _, exists := p.Functions[fn.Name]; exists {
		return false
	}
	p.Functions[fn.Name] = fn
	return true
}

// Function looks up a function by name.
func (p *Program) Function(name string) (*FunctionInfo, bool) {
	fn, ok := p.Functions[name]
	return fn, ok
}

// FunctionNames returns the function names in sorted order.
func (p *Program) FunctionNames() []string {
	names := make([]string, 0, len(p.Functions))
	for name := range p.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the structural invariants a program must satisfy before
// execution: known opcodes, operands in range, function start addresses
// inside the instruction sequence and a valid entry point.
func (p *Program) Validate() error {
	n := len(p.Instructions)
	if n == 0 {
		return newError(ErrInvalidBytecode, "program has no instructions")
	}
	if p.EntryPoint < 0 || p.EntryPoint >= n {
		return newError(ErrInvalidBytecode, "entry point %d outside program of %d instructions", p.EntryPoint, n)
	}
	for name, fn := range p.Functions {
		if fn.Name != name {
			return newError(ErrInvalidBytecode, "function table key %q names %q", name, fn.Name)
		}
		if fn.StartAddress < 0 || fn.StartAddress >= n {
			return newError(ErrInvalidBytecode, "function %s starts at %d outside program", name, fn.StartAddress)
		}
		if fn.ParamCount < 0 || fn.LocalCount < fn.ParamCount {
			return newError(ErrInvalidBytecode, "function %s has %d params but %d locals", name, fn.ParamCount, fn.LocalCount)
		}
	}
	for i, in := range p.Instructions {
		info, ok := opcodeTable[in.Op]
		if !ok {
			return &VMError{Kind: ErrInvalidBytecode, Msg: fmt.Sprintf("unknown opcode 0x%02X", byte(in.Op)), IP: i}
		}
		var bad bool
		switch info.Operand {
		case OperandConst:
			bad = in.Arg < 0 || in.Arg >= len(p.Constants)
		case OperandAddr:
			bad = in.Arg < 0 || in.Arg >= n
		case OperandSlot, OperandCount, OperandCall:
			bad = in.Arg < 0
		}
		if bad {
			return &VMError{Kind: ErrInvalidBytecode, Msg: fmt.Sprintf("%s operand %d out of range", in.Op, in.Arg), IP: i}
		}
	}
	return nil
}
