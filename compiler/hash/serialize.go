package hash

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization of one compiled function.
//
// Encoding conventions:
//   - First byte: HashVersion (0x01)
//   - Integers: big-endian fixed-width (int64=8B)
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Constants are inlined by value, jumps inside the function are
//     relative to its start, so the bytes do not depend on where the
//     function sits in the program.
// ---------------------------------------------------------------------------

// Serialize produces the byte serialization of the function occupying
// instructions [start, end) of p.
func Serialize(p *vm.Program, fn *vm.FunctionInfo, end int) ([]byte, error) {
	s := &serializer{buf: make([]byte, 0, 256)}
	s.writeByte(HashVersion)
	if err := s.serializeFunction(p, fn, end); err != nil {
		return nil, err
	}
	return s.buf, nil
}

type serializer struct {
	buf []byte
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeInt(v int) {
	s.writeInt64(int64(v))
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}

func (s *serializer) serializeFunction(p *vm.Program, fn *vm.FunctionInfo, end int) error {
	start := fn.StartAddress
	s.writeByte(TagFunction)
	s.writeInt(fn.ParamCount)
	s.writeInt(fn.LocalCount)
	s.writeString(fn.ReturnType)
	s.writeUint32(uint32(end - start))

	for ip := start; ip < end; ip++ {
		in := p.Instructions[ip]
		s.writeByte(TagInstruction)
		s.writeByte(byte(in.Op))

		switch in.Op.Info().Operand {
		case vm.OperandConst:
			c, ok := p.Constant(in.Arg)
			if !ok {
				return fmt.Errorf("hash: constant %d at %d out of range", in.Arg, ip)
			}
			if err := s.serializeConstant(c); err != nil {
				return fmt.Errorf("hash: instruction %d: %w", ip, err)
			}
		case vm.OperandAddr:
			if in.Arg >= start && in.Arg < end {
				s.writeByte(TagJumpLocal)
				s.writeInt(in.Arg - start)
			} else {
				s.writeByte(TagJumpExternal)
				s.writeInt(in.Arg)
			}
		case vm.OperandSlot, vm.OperandCount:
			s.writeInt(in.Arg)
		case vm.OperandName:
			s.writeString(in.Name)
		case vm.OperandCall:
			s.writeString(in.Name)
			s.writeInt(in.Arg)
		}
	}
	return nil
}

func (s *serializer) serializeConstant(c vm.Value) error {
	switch x := c.(type) {
	case vm.Integer:
		s.writeByte(TagConstInteger)
		s.writeInt64(int64(x))
	case vm.Boolean:
		s.writeByte(TagConstBoolean)
		s.writeBool(bool(x))
	case vm.Text:
		s.writeByte(TagConstText)
		s.writeString(string(x))
	case vm.Void:
		s.writeByte(TagConstVoid)
	case vm.FunctionRef:
		s.writeByte(TagConstFunctionRef)
		s.writeString(x.Name)
	default:
		return fmt.Errorf("constant of kind %s cannot be hashed", c.Kind())
	}
	return nil
}
