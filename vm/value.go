package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is a runtime value. The variant set is closed: Integer, Boolean, Text,
// *List, *Map, Void, FunctionRef and *Object. Scalars are carried by value;
// List, Map and Object are heap-backed and shared by reference.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

// Kind identifies the variant of a Value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInteger
	KindBoolean
	KindText
	KindList
	KindMap
	KindFunctionRef
	KindObject
)

var kindNames = [...]string{
	KindVoid:        "Void",
	KindInteger:     "Integer",
	KindBoolean:     "Boolean",
	KindText:        "Text",
	KindList:        "List",
	KindMap:         "Map",
	KindFunctionRef: "FunctionRef",
	KindObject:      "Object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// Scalar variants
// ---------------------------------------------------------------------------

// Integer is a 64-bit signed integer. Arithmetic wraps on overflow.
type Integer int64

// Boolean is a truth value.
type Boolean bool

// Text is an owned string.
type Text string

// Void is the unit value. It is the only representation of "no value".
type Void struct{}

// FunctionRef is a callable handle naming an entry in a program's function table.
type FunctionRef struct {
	Name string
}

func (Integer) Kind() Kind     { return KindInteger }
func (Boolean) Kind() Kind     { return KindBoolean }
func (Text) Kind() Kind        { return KindText }
func (Void) Kind() Kind        { return KindVoid }
func (FunctionRef) Kind() Kind { return KindFunctionRef }

func (Integer) isValue()     {}
func (Boolean) isValue()     {}
func (Text) isValue()        {}
func (Void) isValue()        {}
func (FunctionRef) isValue() {}

func (v Integer) String() string     { return strconv.FormatInt(int64(v), 10) }
func (v Boolean) String() string     { return strconv.FormatBool(bool(v)) }
func (v Text) String() string        { return string(v) }
func (Void) String() string          { return "void" }
func (v FunctionRef) String() string { return "<fn " + v.Name + ">" }

// ---------------------------------------------------------------------------
// Heap-backed variants
// ---------------------------------------------------------------------------

// List is an ordered sequence of values.
type List struct {
	id    ObjectID
	Elems []Value
}

// Map maps strings to values. Iteration order is not significant.
type Map struct {
	id      ObjectID
	Entries map[string]Value
}

// Object is a record: a class name plus named fields.
type Object struct {
	id     ObjectID
	Class  string
	Fields map[string]Value
}

// NewList returns an unallocated list holding elems.
func NewList(elems ...Value) *List {
	return &List{Elems: elems}
}

// NewMap returns an unallocated, empty map with room for size entries.
func NewMap(size int) *Map {
	return &Map{Entries: make(map[string]Value, size)}
}

// NewObject returns an unallocated object of the given class with no fields.
func NewObject(class string) *Object {
	return &Object{Class: class, Fields: make(map[string]Value)}
}

func (*List) Kind() Kind   { return KindList }
func (*Map) Kind() Kind    { return KindMap }
func (*Object) Kind() Kind { return KindObject }

func (*List) isValue()   {}
func (*Map) isValue()    {}
func (*Object) isValue() {}

// ID returns the heap id, or 0 if the list was never allocated on a heap.
func (l *List) ID() ObjectID   { return l.id }
func (m *Map) ID() ObjectID    { return m.id }
func (o *Object) ID() ObjectID { return o.id }

func (l *List) setID(id ObjectID)   { l.id = id }
func (m *Map) setID(id ObjectID)    { m.id = id }
func (o *Object) setID(id ObjectID) { o.id = id }

// heapValue is implemented by the reference-bearing variants.
type heapValue interface {
	Value
	ID() ObjectID
	setID(ObjectID)
}

func (l *List) String() string {
	return formatValue(l, make(map[Value]bool))
}

func (m *Map) String() string {
	return formatValue(m, make(map[Value]bool))
}

func (o *Object) String() string {
	return formatValue(o, make(map[Value]bool))
}

// formatValue renders containers with sorted keys so output is deterministic.
// Containers already being printed render as "..." to survive cycles.
func formatValue(v Value, active map[Value]bool) string {
	switch x := v.(type) {
	case *List:
		if active[x] {
			return "[...]"
		}
		active[x] = true
		defer delete(active, x)
		parts := make([]string, len(x.Elems))
		for i, e := range x.Elems {
			parts[i] = formatElem(e, active)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Map:
		if active[x] {
			return "{...}"
		}
		active[x] = true
		defer delete(active, x)
		return "{" + formatFields(x.Entries, active) + "}"
	case *Object:
		if active[x] {
			return x.Class + "{...}"
		}
		active[x] = true
		defer delete(active, x)
		return x.Class + "{" + formatFields(x.Fields, active) + "}"
	default:
		return v.String()
	}
}

func formatElem(v Value, active map[Value]bool) string {
	if t, ok := v.(Text); ok {
		return strconv.Quote(string(t))
	}
	return formatValue(v, active)
}

func formatFields(fields map[string]Value, active map[Value]bool) string {
	keys := sortedKeys(fields)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + formatElem(fields[k], active)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// Truthiness, equality and ordering
// ---------------------------------------------------------------------------

// Truthy reports whether v counts as true in a conditional jump.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case Boolean:
		return bool(x)
	case Integer:
		return x != 0
	case Text:
		return len(x) > 0
	case *List:
		return len(x.Elems) > 0
	case *Map:
		return len(x.Entries) > 0
	case *Object:
		return len(x.Fields) > 0
	case Void:
		return false
	case FunctionRef:
		return true
	default:
		return false
	}
}

// Equal compares two values of the same variant. Comparing values of
// different variants is an ErrTypeMismatch error. Containers compare deeply.
func Equal(a, b Value) (bool, error) {
	if a.Kind() != b.Kind() {
		return false, typeMismatch("compare", a, b)
	}
	return equalSameKind(a, b, make(map[[2]Value]bool)), nil
}

func equalSameKind(a, b Value, seen map[[2]Value]bool) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Integer, Boolean, Text, Void, FunctionRef:
		return a == b
	case *List:
		y := b.(*List)
		if x == y {
			return true
		}
		if len(x.Elems) != len(y.Elems) {
			return false
		}
		pair := [2]Value{x, y}
		if seen[pair] {
			return true
		}
		seen[pair] = true
		for i := range x.Elems {
			if !equalSameKind(x.Elems[i], y.Elems[i], seen) {
				return false
			}
		}
		return true
	case *Map:
		y := b.(*Map)
		if x == y {
			return true
		}
		pair := [2]Value{x, y}
		if seen[pair] {
			return true
		}
		seen[pair] = true
		return equalFields(x.Entries, y.Entries, seen)
	case *Object:
		y := b.(*Object)
		if x == y {
			return true
		}
		if x.Class != y.Class {
			return false
		}
		pair := [2]Value{x, y}
		if seen[pair] {
			return true
		}
		seen[pair] = true
		return equalFields(x.Fields, y.Fields, seen)
	}
	return false
}

func equalFields(a, b map[string]Value, seen map[[2]Value]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equalSameKind(av, bv, seen) {
			return false
		}
	}
	return true
}

// Compare orders two values of the same variant, returning -1, 0 or +1.
// Integer, Text and Boolean (false < true) are ordered; other variants and
// mixed variants are ErrTypeMismatch.
func Compare(a, b Value) (int, error) {
	if a.Kind() != b.Kind() {
		return 0, typeMismatch("order", a, b)
	}
	switch x := a.(type) {
	case Integer:
		y := b.(Integer)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case Text:
		return strings.Compare(string(x), string(b.(Text))), nil
	case Boolean:
		y := b.(Boolean)
		switch {
		case x == y:
			return 0, nil
		case !bool(x):
			return -1, nil
		}
		return 1, nil
	}
	return 0, newError(ErrTypeMismatch, "%s values are not ordered", a.Kind())
}

// IsHeapKind reports whether values of kind k are heap-backed.
func IsHeapKind(k Kind) bool {
	return k == KindList || k == KindMap || k == KindObject
}

// Copy returns a deep copy of v. Scalars are returned as they are. Lists,
// maps and objects are copied with their contents, keeping shared children
// shared and cycles intact. The copies are not allocated on any heap.
func Copy(v Value) Value {
	return copyValue(v, make(map[Value]Value))
}

func copyValue(v Value, done map[Value]Value) Value {
	switch x := v.(type) {
	case *List:
		if c, ok := done[x]; ok {
			return c
		}
		c := &List{Elems: make([]Value, len(x.Elems))}
		done[x] = c
		for i, e := range x.Elems {
			c.Elems[i] = copyValue(e, done)
		}
		return c
	case *Map:
		if c, ok := done[x]; ok {
			return c
		}
		c := NewMap(len(x.Entries))
		done[x] = c
		for k, e := range x.Entries {
			c.Entries[k] = copyValue(e, done)
		}
		return c
	case *Object:
		if c, ok := done[x]; ok {
			return c
		}
		c := NewObject(x.Class)
		done[x] = c
		for k, e := range x.Fields {
			c.Fields[k] = copyValue(e, done)
		}
		return c
	}
	return v
}
