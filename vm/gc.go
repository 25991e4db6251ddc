package vm

import (
	"fmt"
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("kestrel.gc")

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// ObjectID identifies a heap object. IDs are assigned monotonically and never
// reused by the same heap; 0 means "not allocated".
type ObjectID uint64

// Generation is the age class of a heap object.
type Generation uint8

const (
	Young Generation = iota
	Old
)

func (g Generation) String() string {
	if g == Old {
		return "old"
	}
	return "young"
}

// HeapObject is the collector's record for one List, Map or Object.
type HeapObject struct {
	ID         ObjectID
	Value      Value
	References []ObjectID // edges by id, followed during mark
	Marked     bool
	Generation Generation
	Size       int // estimated bytes
}

// ---------------------------------------------------------------------------
// Configuration and statistics
// ---------------------------------------------------------------------------

// GCConfig controls collection policy.
type GCConfig struct {
	// Generational promotes survivors of a collection to the Old generation.
	Generational bool
	// YoungThreshold is the Young object count at which ShouldCollect fires.
	YoungThreshold int
	// Incremental makes automatic collections young-only.
	Incremental bool
	// MaxObjects caps the heap; 0 means unlimited.
	MaxObjects int
}

// DefaultGCConfig returns the default policy: generational, threshold 1000.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Generational:   true,
		YoungThreshold: 1000,
	}
}

// GCStats accumulates collector activity.
type GCStats struct {
	Allocations      uint64
	Collections      uint64 // full collections
	YoungCollections uint64
	ObjectsCollected uint64
	BytesCollected   uint64
	Promotions       uint64
	LastPause        time.Duration
	TotalPause       time.Duration
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a mark-sweep managed heap with Young/Old generations. A Heap
// belongs to one execution at a time and is not safe for concurrent use.
type Heap struct {
	config  GCConfig
	objects map[ObjectID]*HeapObject
	nextID  ObjectID
	young   int
	bytes   int
	stats   GCStats
}

// NewHeap creates an empty heap.
func NewHeap(config GCConfig) *Heap {
	return &Heap{
		config:  config,
		objects: make(map[ObjectID]*HeapObject),
		nextID:  1,
	}
}

// Config returns the heap's policy.
func (h *Heap) Config() GCConfig { return h.config }

// Allocate registers a List, Map or Object with the heap as a Young object
// and returns its id. Allocating an already registered value returns its
// existing id.
func (h *Heap) Allocate(v Value) (ObjectID, error) {
	hv, ok := v.(heapValue)
	if !ok {
		return 0, newError(ErrTypeMismatch, "cannot allocate %s on the heap", v.Kind())
	}
	if id := hv.ID(); id != 0 {
		if obj, ok := h.objects[id]; ok && obj.Value == v {
			return id, nil
		}
	}
	if h.Full() {
		return 0, newError(ErrHeapExhausted, "heap holds %d objects", len(h.objects))
	}
	id := h.nextID
	h.nextID++
	size := estimateSize(v)
	h.objects[id] = &HeapObject{ID: id, Value: v, Generation: Young, Size: size}
	hv.setID(id)
	h.young++
	h.bytes += size
	h.stats.Allocations++
	return id, nil
}

// AddReference records an explicit edge from one heap object to another.
// Values embedded in a container are reached by the mark walk and need no
// edge; edges are for objects related only by id. An edge keeps its target
// alive for as long as the source is live, until RemoveReference drops it.
func (h *Heap) AddReference(from, to ObjectID) error {
	src, ok := h.objects[from]
	if !ok {
		return newError(ErrMemory, "reference from unknown object %d", from)
	}
	if _, ok := h.objects[to]; !ok {
		return newError(ErrMemory, "reference to unknown object %d", to)
	}
	for _, id := range src.References {
		if id == to {
			return nil
		}
	}
	src.References = append(src.References, to)
	return nil
}

// RemoveReference drops the edge from one heap object to another, if any.
func (h *Heap) RemoveReference(from, to ObjectID) error {
	src, ok := h.objects[from]
	if !ok {
		return newError(ErrMemory, "reference from unknown object %d", from)
	}
	for i, id := range src.References {
		if id == to {
			src.References = append(src.References[:i], src.References[i+1:]...)
			return nil
		}
	}
	return nil
}

// Get returns the record for id.
func (h *Heap) Get(id ObjectID) (*HeapObject, bool) {
	obj, ok := h.objects[id]
	return obj, ok
}

// Contains reports whether v is registered with this heap.
func (h *Heap) Contains(v Value) bool {
	hv, ok := v.(heapValue)
	if !ok || hv.ID() == 0 {
		return false
	}
	obj, ok := h.objects[hv.ID()]
	return ok && obj.Value == v
}

// ObjectCount returns the number of live heap objects.
func (h *Heap) ObjectCount() int { return len(h.objects) }

// YoungCount returns the number of Young objects.
func (h *Heap) YoungCount() int { return h.young }

// OldCount returns the number of Old objects.
func (h *Heap) OldCount() int { return len(h.objects) - h.young }

// HeapSize returns the estimated bytes held by live objects.
func (h *Heap) HeapSize() int { return h.bytes }

// Stats returns a copy of the collector statistics.
func (h *Heap) Stats() GCStats { return h.stats }

// ShouldCollect reports whether the Young generation reached its threshold.
func (h *Heap) ShouldCollect() bool {
	return h.config.YoungThreshold > 0 && h.young >= h.config.YoungThreshold
}

// Full reports whether the heap reached MaxObjects.
func (h *Heap) Full() bool {
	return h.config.MaxObjects > 0 && len(h.objects) >= h.config.MaxObjects
}

// Reset drops every object. Statistics are kept.
func (h *Heap) Reset() {
	h.objects = make(map[ObjectID]*HeapObject)
	h.young = 0
	h.bytes = 0
}

// Collect runs a full mark-sweep collection using the stack and globals as
// roots and returns the number of objects collected. Either root set may be
// nil.
func (h *Heap) Collect(stack *Stack, globals *Globals) (int, error) {
	return h.collect(stack, globals, false)
}

// CollectYoung marks globally but sweeps and promotes only Young objects.
// Old garbage survives until the next full collection.
func (h *Heap) CollectYoung(stack *Stack, globals *Globals) (int, error) {
	return h.collect(stack, globals, true)
}

// collect runs one collection. extra values are treated as additional roots;
// the interpreter uses them for operands it has popped but not yet stored.
func (h *Heap) collect(stack *Stack, globals *Globals, youngOnly bool, extra ...Value) (int, error) {
	start := time.Now()
	if err := h.mark(stack, globals, extra); err != nil {
		return 0, err
	}
	collected, freed, promoted := h.sweep(youngOnly)

	pause := time.Since(start)
	h.stats.ObjectsCollected += uint64(collected)
	h.stats.BytesCollected += uint64(freed)
	h.stats.Promotions += uint64(promoted)
	h.stats.LastPause = pause
	h.stats.TotalPause += pause
	kind := "full"
	if youngOnly {
		h.stats.YoungCollections++
		kind = "young"
	} else {
		h.stats.Collections++
	}
	gcLog.Debug("collection finished",
		"kind", kind,
		"collected", collected,
		"bytes", freed,
		"promoted", promoted,
		"live", len(h.objects),
		"pause", pause)
	return collected, nil
}

// mark clears every mark bit, walks the value trees of all roots, then
// propagates marks along explicit reference edges until nothing changes.
func (h *Heap) mark(stack *Stack, globals *Globals, extra []Value) error {
	for _, obj := range h.objects {
		obj.Marked = false
	}

	var pending []*HeapObject
	visited := make(map[Value]bool)
	if stack != nil {
		for _, v := range stack.Values() {
			pending = h.markValue(v, visited, pending)
		}
	}
	for _, v := range extra {
		pending = h.markValue(v, visited, pending)
	}
	if globals != nil {
		// The read lock is held for the whole scan.
		globals.View(func(_ string, v Value) {
			pending = h.markValue(v, visited, pending)
		})
	}

	for len(pending) > 0 {
		obj := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, ref := range obj.References {
			target, ok := h.objects[ref]
			if !ok {
				return newError(ErrMemory, "object %d references missing object %d", obj.ID, ref)
			}
			if !target.Marked {
				pending = h.markValue(target.Value, visited, pending)
			}
		}
	}
	return nil
}

// markValue marks v and everything embedded in it, appending newly marked
// objects to pending so their reference edges get followed.
func (h *Heap) markValue(v Value, visited map[Value]bool, pending []*HeapObject) []*HeapObject {
	hv, ok := v.(heapValue)
	if !ok || visited[v] {
		return pending
	}
	visited[v] = true
	if obj, ok := h.objects[hv.ID()]; ok && obj.Value == v && !obj.Marked {
		obj.Marked = true
		pending = append(pending, obj)
	}
	switch x := v.(type) {
	case *List:
		for _, e := range x.Elems {
			pending = h.markValue(e, visited, pending)
		}
	case *Map:
		for _, e := range x.Entries {
			pending = h.markValue(e, visited, pending)
		}
	case *Object:
		for _, e := range x.Fields {
			pending = h.markValue(e, visited, pending)
		}
	}
	return pending
}

func (h *Heap) sweep(youngOnly bool) (collected, freed, promoted int) {
	for id, obj := range h.objects {
		if youngOnly && obj.Generation != Young {
			continue
		}
		size := estimateSize(obj.Value)
		h.bytes += size - obj.Size
		obj.Size = size
		if !obj.Marked {
			delete(h.objects, id)
			if obj.Generation == Young {
				h.young--
			}
			h.bytes -= size
			collected++
			freed += size
			continue
		}
		if h.config.Generational && obj.Generation == Young {
			obj.Generation = Old
			h.young--
			promoted++
		}
	}
	return collected, freed, promoted
}

// estimateSize approximates the shallow footprint of a heap value.
func estimateSize(v Value) int {
	const header = 48
	const slot = 16
	switch x := v.(type) {
	case *List:
		return header + slot*len(x.Elems)
	case *Map:
		n := header
		for k := range x.Entries {
			n += slot + len(k)
		}
		return n
	case *Object:
		n := header + len(x.Class)
		for k := range x.Fields {
			n += slot + len(k)
		}
		return n
	}
	return 0
}

// String summarises the heap for diagnostics.
func (h *Heap) String() string {
	return fmt.Sprintf("heap objects=%d young=%d old=%d bytes=%d", len(h.objects), h.young, h.OldCount(), h.bytes)
}
