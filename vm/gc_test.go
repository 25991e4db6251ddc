package vm

import (
	"context"
	"errors"
	"testing"
)

func allocate(t *testing.T, h *Heap, v Value) ObjectID {
	t.Helper()
	id, err := h.Allocate(v)
	if err != nil {
		t.Fatalf("Allocate(%v) failed: %v", v, err)
	}
	return id
}

func TestAllocateAssignsIDs(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	a, b := NewList(), NewMap(0)
	idA := allocate(t, h, a)
	idB := allocate(t, h, b)
	if idA == 0 || idB == 0 || idA == idB {
		t.Fatalf("ids = %d, %d; want distinct non-zero", idA, idB)
	}
	if again := allocate(t, h, a); again != idA {
		t.Errorf("re-allocating returned %d, want %d", again, idA)
	}
	if h.ObjectCount() != 2 || h.YoungCount() != 2 {
		t.Errorf("count = %d young = %d, want 2 and 2", h.ObjectCount(), h.YoungCount())
	}
	if h.HeapSize() <= 0 {
		t.Error("heap size should be positive")
	}
}

func TestAllocateScalarFails(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	if _, err := h.Allocate(Integer(1)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("err = %v, want ErrTypeMismatch", err)
	}
}

func TestContainsIgnoresForeignValues(t *testing.T) {
	h1 := NewHeap(DefaultGCConfig())
	h2 := NewHeap(DefaultGCConfig())
	l := NewList()
	allocate(t, h1, l)
	other := NewList()
	allocate(t, h2, other)

	if !h1.Contains(l) {
		t.Error("h1 should contain its own list")
	}
	// Both lists carry id 1, but only l is registered with h1.
	if h1.Contains(other) {
		t.Error("h1 should not contain a list from h2")
	}
	if h1.Contains(NewList()) || h1.Contains(Integer(1)) {
		t.Error("unallocated values are never contained")
	}
}

func TestCollectKeepsStackRoots(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	stack := NewStack(0, 0)
	l := NewList(Integer(1))
	allocate(t, h, l)
	if err := stack.Push(l); err != nil {
		t.Fatal(err)
	}

	n, err := h.Collect(stack, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || h.ObjectCount() != 1 {
		t.Errorf("collected %d, %d live; want 0 and 1", n, h.ObjectCount())
	}
}

func TestCollectFreesUnreachable(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	for i := 0; i < 3; i++ {
		allocate(t, h, NewList())
	}
	before := h.HeapSize()

	n, err := h.Collect(NewStack(0, 0), NewGlobals())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || h.ObjectCount() != 0 {
		t.Errorf("collected %d, %d live; want 3 and 0", n, h.ObjectCount())
	}
	if h.HeapSize() >= before || h.HeapSize() != 0 {
		t.Errorf("heap size = %d after collecting everything (was %d)", h.HeapSize(), before)
	}
	if s := h.Stats(); s.Collections != 1 || s.ObjectsCollected != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCollectFollowsNesting(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	inner := NewMap(1)
	obj := NewObject("Node")
	obj.Fields["data"] = inner
	outer := NewList(obj)
	for _, v := range []Value{inner, obj, outer} {
		allocate(t, h, v)
	}
	globals := NewGlobals()
	globals.Set("root", outer)

	if n, err := h.Collect(nil, globals); err != nil || n != 0 {
		t.Fatalf("Collect = %d, %v; want nothing collected", n, err)
	}

	globals.Delete("root")
	if n, err := h.Collect(nil, globals); err != nil || n != 3 {
		t.Fatalf("Collect = %d, %v; want 3", n, err)
	}
}

func TestCollectFollowsReferenceEdges(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	a, b := NewList(), NewList()
	idA := allocate(t, h, a)
	idB := allocate(t, h, b)
	if err := h.AddReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	// Adding the same edge twice is a no-op.
	if err := h.AddReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	obj, _ := h.Get(idA)
	if len(obj.References) != 1 {
		t.Errorf("references = %v, want one edge", obj.References)
	}

	stack := NewStack(0, 0)
	_ = stack.Push(a)
	if n, err := h.Collect(stack, nil); err != nil || n != 0 {
		t.Errorf("Collect = %d, %v; b is reachable through an edge", n, err)
	}
}

func TestAddReferenceUnknownObject(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	id := allocate(t, h, NewList())
	if err := h.AddReference(id, 99); !errors.Is(err, ErrMemory) {
		t.Errorf("err = %v, want ErrMemory", err)
	}
	if err := h.AddReference(99, id); !errors.Is(err, ErrMemory) {
		t.Errorf("err = %v, want ErrMemory", err)
	}
}

func TestRemoveReference(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	a, b := NewList(), NewList()
	idA := allocate(t, h, a)
	idB := allocate(t, h, b)
	if err := h.AddReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	if err := h.RemoveReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	// Removing an absent edge is a no-op.
	if err := h.RemoveReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	if err := h.RemoveReference(99, idB); !errors.Is(err, ErrMemory) {
		t.Errorf("err = %v, want ErrMemory", err)
	}

	stack := NewStack(0, 0)
	_ = stack.Push(a)
	if n, err := h.Collect(stack, nil); err != nil || n != 1 || h.Contains(b) {
		t.Errorf("Collect = %d, %v; b should be gone once its edge is removed", n, err)
	}
}

func TestCollectCycles(t *testing.T) {
	h := NewHeap(DefaultGCConfig())
	a := NewList()
	b := NewList(a)
	a.Elems = append(a.Elems, b)
	idA := allocate(t, h, a)
	idB := allocate(t, h, b)
	if err := h.AddReference(idA, idB); err != nil {
		t.Fatal(err)
	}
	if err := h.AddReference(idB, idA); err != nil {
		t.Fatal(err)
	}

	globals := NewGlobals()
	globals.Set("cycle", a)
	if n, _ := h.Collect(nil, globals); n != 0 {
		t.Fatalf("rooted cycle lost %d objects", n)
	}

	globals.Clear()
	n, err := h.Collect(nil, globals)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || h.ObjectCount() != 0 {
		t.Errorf("collected %d, %d live; want the whole cycle gone", n, h.ObjectCount())
	}
}

func TestGenerationalPromotion(t *testing.T) {
	h := NewHeap(GCConfig{Generational: true})
	stack := NewStack(0, 0)
	survivor := NewList()
	id := allocate(t, h, survivor)
	_ = stack.Push(survivor)
	allocate(t, h, NewList())

	if _, err := h.Collect(stack, nil); err != nil {
		t.Fatal(err)
	}
	obj, ok := h.Get(id)
	if !ok || obj.Generation != Old {
		t.Fatalf("survivor = %+v, want an old object", obj)
	}
	if h.YoungCount() != 0 || h.OldCount() != 1 {
		t.Errorf("young=%d old=%d, want 0 and 1", h.YoungCount(), h.OldCount())
	}
	if h.Stats().Promotions != 1 {
		t.Errorf("promotions = %d, want 1", h.Stats().Promotions)
	}
}

func TestNonGenerationalKeepsYoung(t *testing.T) {
	h := NewHeap(GCConfig{})
	stack := NewStack(0, 0)
	l := NewList()
	id := allocate(t, h, l)
	_ = stack.Push(l)

	if _, err := h.Collect(stack, nil); err != nil {
		t.Fatal(err)
	}
	if obj, _ := h.Get(id); obj.Generation != Young {
		t.Errorf("generation = %v, want young", obj.Generation)
	}
}

func TestCollectYoungSkipsOld(t *testing.T) {
	h := NewHeap(GCConfig{Generational: true})
	stack := NewStack(0, 0)
	old := NewList()
	allocate(t, h, old)
	_ = stack.Push(old)
	if _, err := h.Collect(stack, nil); err != nil {
		t.Fatal(err)
	}

	// Drop the root and add young garbage.
	stack.Reset()
	allocate(t, h, NewList())
	allocate(t, h, NewMap(0))

	n, err := h.CollectYoung(stack, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || h.ObjectCount() != 1 {
		t.Errorf("young collection freed %d, %d live; want 2 and 1", n, h.ObjectCount())
	}
	if h.Stats().YoungCollections != 1 {
		t.Errorf("young collections = %d, want 1", h.Stats().YoungCollections)
	}

	n, err = h.Collect(stack, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || h.ObjectCount() != 0 {
		t.Errorf("full collection freed %d, %d live; want the old object gone", n, h.ObjectCount())
	}
}

func TestShouldCollect(t *testing.T) {
	h := NewHeap(GCConfig{YoungThreshold: 2})
	allocate(t, h, NewList())
	if h.ShouldCollect() {
		t.Error("ShouldCollect below threshold")
	}
	allocate(t, h, NewList())
	if !h.ShouldCollect() {
		t.Error("ShouldCollect at threshold should fire")
	}

	off := NewHeap(GCConfig{})
	for i := 0; i < 10; i++ {
		allocate(t, off, NewList())
	}
	if off.ShouldCollect() {
		t.Error("zero threshold never triggers")
	}
}

func TestHeapLimit(t *testing.T) {
	h := NewHeap(GCConfig{MaxObjects: 1})
	allocate(t, h, NewList())
	_, err := h.Allocate(NewList())
	if !errors.Is(err, ErrHeapExhausted) || !errors.Is(err, ErrMemory) {
		t.Errorf("err = %v, want ErrHeapExhausted", err)
	}
}

// allocationLoop builds: for i in 0..count { last = [] }; halt 0
func allocationLoop(count int64) *Program {
	a := newAsm()
	a.push(Integer(0)).name(OpStoreGlobal, "i")
	top := a.p.Len()
	a.name(OpLoadGlobal, "i").push(Integer(count)).op(OpLt)
	exit := a.p.Emit(WithArg(OpJumpIfNot, 0))
	a.arg(OpNewArray, 0).name(OpStoreGlobal, "last")
	a.name(OpLoadGlobal, "i").push(Integer(1)).op(OpAdd).name(OpStoreGlobal, "i")
	a.arg(OpJump, top)
	a.p.Patch(exit, a.p.Len())
	a.push(Integer(0)).op(OpHalt)
	return a.p
}

func TestAutomaticCollection(t *testing.T) {
	heap := NewHeap(GCConfig{Generational: true, YoungThreshold: 1000})
	interp := NewInterpreter(heap)
	stack := NewStack(0, 0)
	globals := NewGlobals()

	if _, err := interp.Execute(context.Background(), allocationLoop(2000), stack, globals); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if heap.Stats().Collections < 1 {
		t.Fatalf("collections = %d, want at least one automatic collection", heap.Stats().Collections)
	}
	if heap.ObjectCount() >= 2000 {
		t.Errorf("%d objects live, automatic collection freed nothing", heap.ObjectCount())
	}

	if _, err := heap.Collect(stack, globals); err != nil {
		t.Fatal(err)
	}
	// Only the list bound to "last" is reachable.
	if heap.ObjectCount() != 1 {
		t.Errorf("object count = %d, want 1 reachable", heap.ObjectCount())
	}
	if interp.Stats().Allocations != 2000 {
		t.Errorf("allocations = %d, want 2000", interp.Stats().Allocations)
	}
}

func TestIncrementalCollection(t *testing.T) {
	heap := NewHeap(GCConfig{Generational: true, YoungThreshold: 100, Incremental: true})
	interp := NewInterpreter(heap)
	if _, err := interp.Execute(context.Background(), allocationLoop(500), NewStack(0, 0), NewGlobals()); err != nil {
		t.Fatal(err)
	}
	s := heap.Stats()
	if s.YoungCollections == 0 || s.Collections != 0 {
		t.Errorf("stats = %+v, want only young collections", s)
	}
}

func TestDisabledGC(t *testing.T) {
	heap := NewHeap(GCConfig{YoungThreshold: 10})
	interp := NewInterpreter(heap)
	interp.EnableGC = false
	if _, err := interp.Execute(context.Background(), allocationLoop(50), NewStack(0, 0), NewGlobals()); err != nil {
		t.Fatal(err)
	}
	if heap.Stats().Collections != 0 || heap.ObjectCount() != 50 {
		t.Errorf("collections=%d objects=%d, want 0 and 50", heap.Stats().Collections, heap.ObjectCount())
	}
}

func TestHeapLimitForcesCollection(t *testing.T) {
	// Garbage is reclaimed when the limit is reached, so the loop succeeds.
	heap := NewHeap(GCConfig{MaxObjects: 4})
	interp := NewInterpreter(heap)
	if _, err := interp.Execute(context.Background(), allocationLoop(20), NewStack(0, 0), NewGlobals()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Live values cannot be reclaimed.
	p := newAsm().arg(OpNewArray, 0).arg(OpNewArray, 0).arg(OpNewArray, 0).op(OpHalt).p
	heap = NewHeap(GCConfig{MaxObjects: 2})
	_, err := NewInterpreter(heap).Execute(context.Background(), p, NewStack(0, 0), NewGlobals())
	if !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("err = %v, want ErrHeapExhausted", err)
	}
}

// overwriteLoop runs setup once, then write n times. write must leave the
// operand stack as it found it.
func overwriteLoop(setup, write func(a *asm), n int64) *Program {
	a := newAsm()
	if setup != nil {
		setup(a)
	}
	a.push(Integer(0)).name(OpStoreGlobal, "i")
	top := a.p.Len()
	a.name(OpLoadGlobal, "i").push(Integer(n)).op(OpLt)
	exit := a.p.Emit(WithArg(OpJumpIfNot, 0))
	write(a)
	a.name(OpLoadGlobal, "i").push(Integer(1)).op(OpAdd).name(OpStoreGlobal, "i")
	a.arg(OpJump, top)
	a.p.Patch(exit, a.p.Len())
	a.push(Integer(0)).op(OpHalt)
	return a.p
}

func TestOverwrittenChildrenAreCollected(t *testing.T) {
	const n = 50
	tests := []struct {
		name  string
		setup func(a *asm)
		write func(a *asm)
	}{
		{
			name:  "array set",
			setup: func(a *asm) { a.arg(OpNewArray, 0).arg(OpNewArray, 1).name(OpStoreGlobal, "c") },
			write: func(a *asm) {
				a.name(OpLoadGlobal, "c").push(Integer(0)).arg(OpNewArray, 0).op(OpArraySet).op(OpPop)
			},
		},
		{
			name:  "store into map",
			setup: func(a *asm) { a.arg(OpAlloc, 0).name(OpStoreGlobal, "c") },
			write: func(a *asm) {
				a.name(OpLoadGlobal, "c").push(Text("k")).arg(OpNewArray, 0).op(OpStore).op(OpPop)
			},
		},
		{
			name:  "store into list",
			setup: func(a *asm) { a.arg(OpNewArray, 0).arg(OpNewArray, 1).name(OpStoreGlobal, "c") },
			write: func(a *asm) {
				a.name(OpLoadGlobal, "c").push(Integer(0)).arg(OpAlloc, 0).op(OpStore).op(OpPop)
			},
		},
		{
			name:  "set field",
			setup: func(a *asm) { a.name(OpNewObject, "Box").name(OpStoreGlobal, "c") },
			write: func(a *asm) {
				a.name(OpLoadGlobal, "c").arg(OpNewArray, 0).name(OpSetField, "v").op(OpPop)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heap := NewHeap(DefaultGCConfig())
			interp := NewInterpreter(heap)
			interp.EnableGC = false
			stack := NewStack(0, 0)
			globals := NewGlobals()
			if _, err := interp.Execute(context.Background(), overwriteLoop(tt.setup, tt.write, n), stack, globals); err != nil {
				t.Fatal(err)
			}

			allocated := heap.ObjectCount()
			collected, err := heap.Collect(stack, globals)
			if err != nil {
				t.Fatal(err)
			}
			// Only the container and its current child survive.
			if heap.ObjectCount() != 2 || collected != allocated-2 {
				t.Errorf("collected %d of %d, %d live; want %d collected and 2 live",
					collected, allocated, heap.ObjectCount(), allocated-2)
			}
			c, _ := globals.Get("c")
			if !heap.Contains(c) {
				t.Error("container was collected")
			}
		})
	}
}

func TestCollectYoungFreesOverwrittenChildOfOldContainer(t *testing.T) {
	heap := NewHeap(GCConfig{Generational: true})
	interp := NewInterpreter(heap)
	interp.EnableGC = false
	stack := NewStack(0, 0)
	globals := NewGlobals()

	// c = [[]], promoted to Old.
	setup := newAsm().arg(OpNewArray, 0).arg(OpNewArray, 1).name(OpStoreGlobal, "c").push(Integer(0)).op(OpHalt).p
	if _, err := interp.Execute(context.Background(), setup, stack, globals); err != nil {
		t.Fatal(err)
	}
	if _, err := heap.Collect(stack, globals); err != nil {
		t.Fatal(err)
	}
	if heap.OldCount() != 2 {
		t.Fatalf("old = %d, want 2", heap.OldCount())
	}

	// c[0] = [] ten times: ten Young lists, nine of them garbage.
	write := func(a *asm) {
		a.name(OpLoadGlobal, "c").push(Integer(0)).arg(OpNewArray, 0).op(OpArraySet).op(OpPop)
	}
	if _, err := interp.Execute(context.Background(), overwriteLoop(nil, write, 10), stack, globals); err != nil {
		t.Fatal(err)
	}
	n, err := heap.CollectYoung(stack, globals)
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 || heap.YoungCount() != 0 {
		t.Errorf("young collection freed %d, young left %d; want 9 and 0", n, heap.YoungCount())
	}
	// The first inner list is Old garbage and waits for a full collection.
	if heap.ObjectCount() != 3 {
		t.Errorf("live = %d after young collection, want 3", heap.ObjectCount())
	}
	if n, err := heap.Collect(stack, globals); err != nil || n != 1 || heap.ObjectCount() != 2 {
		t.Errorf("full collection freed %d (%v), %d live; want 1 and 2", n, err, heap.ObjectCount())
	}
}

func TestStoreAddsNoEdges(t *testing.T) {
	heap := NewHeap(DefaultGCConfig())
	globals := NewGlobals()
	write := func(a *asm) {
		a.name(OpLoadGlobal, "c").push(Integer(0)).arg(OpNewArray, 0).op(OpArraySet).op(OpPop)
	}
	setup := func(a *asm) { a.arg(OpNewArray, 0).arg(OpNewArray, 1).name(OpStoreGlobal, "c") }
	if _, err := NewInterpreter(heap).Execute(context.Background(), overwriteLoop(setup, write, 3), NewStack(0, 0), globals); err != nil {
		t.Fatal(err)
	}
	c, _ := globals.Get("c")
	obj, ok := heap.Get(c.(*List).ID())
	if !ok || len(obj.References) != 0 {
		t.Errorf("container record = %+v, want no id edges", obj)
	}
}
