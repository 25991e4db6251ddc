// Package wire defines the persisted form of a compiled program: a fixed
// header (magic, format version, body checksum) followed by a canonical CBOR
// body. Encoding the same program twice yields identical bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/kestrel/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

// Magic identifies a program image.
var Magic = [4]byte{'K', 'S', 'T', 'R'}

// Version is the current image format version.
// v1: initial format
const Version uint32 = 1

// HeaderSize is magic(4) + version(4) + body checksum(8).
const HeaderSize = 16

var (
	ErrInvalidMagic       = errors.New("invalid magic number: expected KSTR")
	ErrUnsupportedVersion = errors.New("unsupported image version")
	ErrTruncated          = errors.New("truncated image")
	ErrChecksum           = errors.New("image checksum mismatch")
	ErrUnencodable        = errors.New("value cannot be encoded")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Body records
// ---------------------------------------------------------------------------

type image struct {
	Instructions []instruction `cbor:"1,keyasint"`
	Constants    []constant    `cbor:"2,keyasint,omitempty"`
	Functions    []function    `cbor:"3,keyasint,omitempty"`
	Classes      []class       `cbor:"4,keyasint,omitempty"`
	EntryPoint   int           `cbor:"5,keyasint"`
}

type instruction struct {
	_    struct{} `cbor:",toarray"`
	Op   uint8
	Arg  int
	Name string
}

type constant struct {
	Kind uint8  `cbor:"1,keyasint"`
	Int  int64  `cbor:"2,keyasint,omitempty"`
	Bool bool   `cbor:"3,keyasint,omitempty"`
	Text string `cbor:"4,keyasint,omitempty"`
}

type function struct {
	Name         string `cbor:"1,keyasint"`
	StartAddress int    `cbor:"2,keyasint"`
	ParamCount   int    `cbor:"3,keyasint"`
	LocalCount   int    `cbor:"4,keyasint"`
	ReturnType   string `cbor:"5,keyasint,omitempty"`
}

type class struct {
	Name   string   `cbor:"1,keyasint"`
	Fields []string `cbor:"2,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Marshal / Unmarshal
// ---------------------------------------------------------------------------

// Marshal encodes p as a program image.
func Marshal(p *vm.Program) ([]byte, error) {
	img := image{
		Instructions: make([]instruction, len(p.Instructions)),
		Constants:    make([]constant, len(p.Constants)),
		EntryPoint:   p.EntryPoint,
	}
	for i, in := range p.Instructions {
		img.Instructions[i] = instruction{Op: uint8(in.Op), Arg: in.Arg, Name: in.Name}
	}
	for i, c := range p.Constants {
		ec, err := encodeConstant(c)
		if err != nil {
			return nil, fmt.Errorf("wire: constant %d: %w", i, err)
		}
		img.Constants[i] = ec
	}
	for _, name := range p.FunctionNames() {
		fn := p.Functions[name]
		img.Functions = append(img.Functions, function{
			Name:         fn.Name,
			StartAddress: fn.StartAddress,
			ParamCount:   fn.ParamCount,
			LocalCount:   fn.LocalCount,
			ReturnType:   fn.ReturnType,
		})
	}
	classNames := make([]string, 0, len(p.Classes))
	for name := range p.Classes {
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)
	for _, name := range classNames {
		img.Classes = append(img.Classes, class{Name: name, Fields: p.Classes[name]})
	}

	body, err := cborEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	out := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(out[0:4], Magic[:])
	binary.BigEndian.PutUint32(out[4:8], Version)
	binary.BigEndian.PutUint64(out[8:16], xxh3.Hash(body))
	return append(out, body...), nil
}

// Unmarshal decodes a program image and validates the resulting program.
func Unmarshal(data []byte) (*vm.Program, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("wire: %w: %d bytes", ErrTruncated, len(data))
	}
	if string(data[0:4]) != string(Magic[:]) {
		return nil, fmt.Errorf("wire: %w: got %q", ErrInvalidMagic, data[0:4])
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v == 0 || v > Version {
		return nil, fmt.Errorf("wire: %w: %d (supported: %d)", ErrUnsupportedVersion, v, Version)
	}
	body := data[HeaderSize:]
	if binary.BigEndian.Uint64(data[8:16]) != xxh3.Hash(body) {
		return nil, fmt.Errorf("wire: %w", ErrChecksum)
	}

	var img image
	if err := cbor.Unmarshal(body, &img); err != nil {
		return nil, fmt.Errorf("wire: decode body: %w", err)
	}

	p := vm.NewProgram()
	p.EntryPoint = img.EntryPoint
	p.Instructions = make([]vm.Instruction, len(img.Instructions))
	for i, in := range img.Instructions {
		p.Instructions[i] = vm.Instruction{Op: vm.Opcode(in.Op), Arg: in.Arg, Name: in.Name}
	}
	p.Constants = make([]vm.Value, len(img.Constants))
	for i, c := range img.Constants {
		v, err := decodeConstant(c)
		if err != nil {
			return nil, fmt.Errorf("wire: constant %d: %w", i, err)
		}
		p.Constants[i] = v
	}
	for _, fn := range img.Functions {
		info := &vm.FunctionInfo{
			Name:         fn.Name,
			StartAddress: fn.StartAddress,
			ParamCount:   fn.ParamCount,
			LocalCount:   fn.LocalCount,
			ReturnType:   fn.ReturnType,
		}
		if !p.AddFunction(info) {
			return nil, fmt.Errorf("wire: duplicate function %s", fn.Name)
		}
	}
	for _, c := range img.Classes {
		p.Classes[c.Name] = c.Fields
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return p, nil
}

// Checksum returns the content hash of an encoded image.
func Checksum(data []byte) uint64 {
	return xxh3.Hash(data)
}

func encodeConstant(v vm.Value) (constant, error) {
	c := constant{Kind: uint8(v.Kind())}
	switch x := v.(type) {
	case vm.Integer:
		c.Int = int64(x)
	case vm.Boolean:
		c.Bool = bool(x)
	case vm.Text:
		c.Text = string(x)
	case vm.FunctionRef:
		c.Text = x.Name
	case vm.Void:
	default:
		return c, fmt.Errorf("%w: %s", ErrUnencodable, v.Kind())
	}
	return c, nil
}

func decodeConstant(c constant) (vm.Value, error) {
	switch vm.Kind(c.Kind) {
	case vm.KindInteger:
		return vm.Integer(c.Int), nil
	case vm.KindBoolean:
		return vm.Boolean(c.Bool), nil
	case vm.KindText:
		return vm.Text(c.Text), nil
	case vm.KindFunctionRef:
		return vm.FunctionRef{Name: c.Text}, nil
	case vm.KindVoid:
		return vm.Void{}, nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnencodable, c.Kind)
}
