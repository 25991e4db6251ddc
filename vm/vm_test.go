package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestVMRunAndCall(t *testing.T) {
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Out = &out
	machine := NewVM(cfg, nil)

	v, err := machine.Run(context.Background(), factorialProgram(5))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v != Integer(120) {
		t.Errorf("Run = %v, want 120", v)
	}

	v, err = machine.Call(context.Background(), factorialProgram(1), "fact", Integer(4))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if v != Integer(24) {
		t.Errorf("Call = %v, want 24", v)
	}

	s := machine.Stats()
	if s.Runs != 2 || s.Interpreter.Calls != 9 || s.ExecutionTime <= 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestVMRunResetsStackAfterError(t *testing.T) {
	machine := NewVM(DefaultConfig(), nil)
	bad := binaryProgram(Integer(1), Integer(0), OpDiv)
	if _, err := machine.Run(context.Background(), bad); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("err = %v", err)
	}
	v, err := machine.Run(context.Background(), binaryProgram(Integer(6), Integer(7), OpMul))
	if err != nil || v != Integer(42) {
		t.Errorf("Run after failure = %v, %v", v, err)
	}
}

func TestVMSharedGlobals(t *testing.T) {
	globals := NewGlobals()
	writer := NewVM(DefaultConfig(), globals)
	reader := NewVM(DefaultConfig(), globals)

	set := newAsm().push(Integer(5)).name(OpStoreGlobal, "shared").push(Integer(0)).op(OpHalt).p
	get := newAsm().name(OpLoadGlobal, "shared").op(OpHalt).p

	if _, err := writer.Run(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	v, err := reader.Run(context.Background(), get)
	if err != nil || v != Integer(5) {
		t.Errorf("reader saw %v, %v", v, err)
	}

	// Shutting down a VM leaves shared globals alone.
	if err := writer.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, ok := globals.Get("shared"); !ok {
		t.Error("Shutdown cleared shared globals")
	}
}

func TestVMShutdownClearsOwnedState(t *testing.T) {
	machine := NewVM(DefaultConfig(), nil)
	p := newAsm().arg(OpNewArray, 0).name(OpStoreGlobal, "xs").push(Integer(0)).op(OpHalt).p
	if _, err := machine.Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if machine.MemoryUsage().Objects != 1 {
		t.Fatalf("objects = %d, want 1", machine.MemoryUsage().Objects)
	}
	if err := machine.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if machine.Globals().Len() != 0 || machine.MemoryUsage().Objects != 0 {
		t.Errorf("globals=%d objects=%d after Shutdown", machine.Globals().Len(), machine.MemoryUsage().Objects)
	}
}

func TestVMMemoryUsageAndCollect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStack = 512
	cfg.EnableGC = false
	machine := NewVM(cfg, nil)

	if _, err := machine.Run(context.Background(), allocationLoop(10)); err != nil {
		t.Fatal(err)
	}
	mu := machine.MemoryUsage()
	if mu.Objects != 10 || mu.Young != 10 || mu.StackLimit != 512 || mu.HeapBytes <= 0 {
		t.Errorf("usage = %+v", mu)
	}

	n, err := machine.CollectGarbage()
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 {
		t.Errorf("collected %d, want 9", n)
	}
	mu = machine.MemoryUsage()
	if mu.Objects != 1 || mu.Old != 1 {
		t.Errorf("usage after collection = %+v", mu)
	}
}

func TestVMProfiler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiler = NewProfiler()
	a, b := NewVM(cfg, nil), NewVM(cfg, nil)
	for _, machine := range []*VM{a, b} {
		if _, err := machine.Call(context.Background(), factorialProgram(1), "fact", Integer(3)); err != nil {
			t.Fatal(err)
		}
	}
	if got := cfg.Profiler.Profile("fact").InvocationCount; got != 6 {
		t.Errorf("shared profiler counted %d calls, want 6", got)
	}
}

func TestErrorMessages(t *testing.T) {
	err := locate(newError(ErrTypeMismatch, "cannot add Integer and Text"), 12, "main")
	want := "execution error: cannot add Integer and Text (at 0012 in main)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrExecution) || !errors.Is(err, ErrTypeMismatch) {
		t.Error("error does not match its category and cause")
	}

	wrapped := wrapError(ErrRuntime, errors.New("disk full"))
	if wrapped.Error() != "runtime error: disk full" {
		t.Errorf("wrapped = %q", wrapped.Error())
	}
}
