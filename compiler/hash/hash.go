// Package hash computes content hashes of compiled functions.
//
// A function's hash covers its instructions, constants, arity and declared
// return type, but not its name or its position in the program. Two
// programs that compile a function identically produce the same hash for
// it, which lets images be compared function by function.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/chazu/kestrel/vm"
)

// ErrUnknownFunction is returned when the named function is not in the
// program's function table.
var ErrUnknownFunction = errors.New("unknown function")

// Digest is a SHA-256 content hash.
type Digest [32]byte

// String returns the hex form of the digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short returns the first 12 hex digits, for listings.
func (d Digest) Short() string { return d.String()[:12] }

// Extents returns the instruction range [start, end) of every function. A
// function ends where the next function or the entry stub starts, or at
// the end of the program.
func Extents(p *vm.Program) map[string][2]int {
	bounds := []int{len(p.Instructions), p.EntryPoint}
	for _, fn := range p.Functions {
		bounds = append(bounds, fn.StartAddress)
	}
	sort.Ints(bounds)

	out := make(map[string][2]int, len(p.Functions))
	for name, fn := range p.Functions {
		end := len(p.Instructions)
		i := sort.SearchInts(bounds, fn.StartAddress+1)
		if i < len(bounds) {
			end = bounds[i]
		}
		out[name] = [2]int{fn.StartAddress, end}
	}
	return out
}

// HashFunction computes the content hash of the named function.
func HashFunction(p *vm.Program, name string) (Digest, error) {
	fn, ok := p.Function(name)
	if !ok {
		return Digest{}, ErrUnknownFunction
	}
	return hashExtent(p, fn, Extents(p)[name][1])
}

// HashProgram computes the content hash of every function in p. The
// program is validated first.
func HashProgram(p *vm.Program) (map[string]Digest, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	extents := Extents(p)
	out := make(map[string]Digest, len(p.Functions))
	for name, fn := range p.Functions {
		d, err := hashExtent(p, fn, extents[name][1])
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

func hashExtent(p *vm.Program, fn *vm.FunctionInfo, end int) (Digest, error) {
	data, err := Serialize(p, fn, end)
	if err != nil {
		return Digest{}, err
	}
	return sha256.Sum256(data), nil
}
