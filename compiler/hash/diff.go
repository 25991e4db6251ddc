package hash

import (
	"sort"

	"github.com/chazu/kestrel/vm"
)

// ChangeKind classifies a difference between two programs.
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Removed
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "modified"
}

// Change is one function that differs between two programs.
type Change struct {
	Function string
	Kind     ChangeKind
	Old, New Digest // zero when absent
}

// Diff compares two programs function by function and returns the
// changes ordered by function name. Functions that only moved are not
// reported.
func Diff(old, new *vm.Program) ([]Change, error) {
	before, err := HashProgram(old)
	if err != nil {
		return nil, err
	}
	after, err := HashProgram(new)
	if err != nil {
		return nil, err
	}

	var changes []Change
	for name, d := range before {
		nd, ok := after[name]
		switch {
		case !ok:
			changes = append(changes, Change{Function: name, Kind: Removed, Old: d})
		case nd != d:
			changes = append(changes, Change{Function: name, Kind: Modified, Old: d, New: nd})
		}
	}
	for name, d := range after {
		if _, ok := before[name]; !ok {
			changes = append(changes, Change{Function: name, Kind: Added, New: d})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Function < changes[j].Function })
	return changes, nil
}
