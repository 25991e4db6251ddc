package vm

import (
	"context"
	"io"
	"time"
)

// ---------------------------------------------------------------------------
// VM: stack, heap and interpreter bound to a globals handle
// ---------------------------------------------------------------------------

// Config configures a VM.
type Config struct {
	MaxStack            int
	MaxFrames           int
	CancelCheckInterval int
	Trace               bool
	EnableGC            bool
	GC                  GCConfig
	Out                 io.Writer // Print output; nil means os.Stdout
	Profiler            *Profiler // optional; may be shared between VMs
}

// DefaultConfig returns the default VM configuration.
func DefaultConfig() Config {
	return Config{
		MaxStack:            DefaultMaxStack,
		MaxFrames:           DefaultMaxFrames,
		CancelCheckInterval: DefaultCancelCheckInterval,
		EnableGC:            true,
		GC:                  DefaultGCConfig(),
	}
}

// VMStats summarises a VM's activity.
type VMStats struct {
	Runs          uint64
	ExecutionTime time.Duration
	Interpreter   InterpreterStats
	GC            GCStats
}

// MemoryUsage is a point-in-time view of the VM's memory.
type MemoryUsage struct {
	Objects    int
	Young      int
	Old        int
	HeapBytes  int
	StackSize  int
	StackLimit int
}

// VM bundles one execution stack, one heap and an interpreter. The globals
// handle may be shared with other VMs; nothing else is. A VM is not safe for
// concurrent use.
type VM struct {
	config      Config
	globals     *Globals
	ownsGlobals bool
	stack       *Stack
	heap        *Heap
	interpreter *Interpreter

	runs     uint64
	execTime time.Duration
}

// NewVM creates a VM. A nil globals gives the VM a private table.
func NewVM(config Config, globals *Globals) *VM {
	owns := globals == nil
	if owns {
		globals = NewGlobals()
	}
	heap := NewHeap(config.GC)
	interp := NewInterpreter(heap)
	interp.CancelCheckInterval = config.CancelCheckInterval
	interp.EnableGC = config.EnableGC
	interp.Trace = config.Trace
	interp.Profiler = config.Profiler
	if config.Out != nil {
		interp.Out = config.Out
	}
	return &VM{
		config:      config,
		globals:     globals,
		ownsGlobals: owns,
		stack:       NewStack(config.MaxStack, config.MaxFrames),
		heap:        heap,
		interpreter: interp,
	}
}

// Globals returns the VM's globals handle.
func (vm *VM) Globals() *Globals { return vm.globals }

// Stack returns the VM's execution stack.
func (vm *VM) Stack() *Stack { return vm.stack }

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Interpreter returns the VM's interpreter.
func (vm *VM) Interpreter() *Interpreter { return vm.interpreter }

// Run executes prog from its entry point on a fresh stack.
func (vm *VM) Run(ctx context.Context, prog *Program) (Value, error) {
	vm.stack.Reset()
	start := time.Now()
	v, err := vm.interpreter.Execute(ctx, prog, vm.stack, vm.globals)
	vm.record(start)
	if err != nil {
		vmLog.Info("run failed", "error", err.Error(), "trace", vm.stack.Trace())
		return nil, err
	}
	vmLog.Debug("run finished", "result", v.String(), "elapsed", time.Since(start))
	return v, nil
}

// Call invokes a single function of prog with args on a fresh stack.
func (vm *VM) Call(ctx context.Context, prog *Program, name string, args ...Value) (Value, error) {
	vm.stack.Reset()
	start := time.Now()
	v, err := vm.interpreter.Invoke(ctx, prog, vm.stack, vm.globals, name, args...)
	vm.record(start)
	if err != nil {
		vmLog.Info("call failed", "function", name, "error", err.Error())
		return nil, err
	}
	return v, nil
}

func (vm *VM) record(start time.Time) {
	vm.runs++
	vm.execTime += time.Since(start)
}

// CollectGarbage runs a full collection rooted at the VM's stack and
// globals and returns the number of objects collected.
func (vm *VM) CollectGarbage() (int, error) {
	return vm.heap.Collect(vm.stack, vm.globals)
}

// MemoryUsage reports current heap and stack usage.
func (vm *VM) MemoryUsage() MemoryUsage {
	return MemoryUsage{
		Objects:    vm.heap.ObjectCount(),
		Young:      vm.heap.YoungCount(),
		Old:        vm.heap.OldCount(),
		HeapBytes:  vm.heap.HeapSize(),
		StackSize:  vm.stack.Size(),
		StackLimit: vm.stack.MaxSize(),
	}
}

// Stats returns the VM's accumulated statistics.
func (vm *VM) Stats() VMStats {
	return VMStats{
		Runs:          vm.runs,
		ExecutionTime: vm.execTime,
		Interpreter:   vm.interpreter.Stats(),
		GC:            vm.heap.Stats(),
	}
}

// Shutdown resets the stack, clears globals the VM owns and runs a final
// collection. Shared globals are left untouched.
func (vm *VM) Shutdown() error {
	vm.stack.Reset()
	if vm.ownsGlobals {
		vm.globals.Clear()
	}
	n, err := vm.heap.Collect(vm.stack, vm.globals)
	if err != nil {
		return err
	}
	vmLog.Debug("vm shut down", "collected", n, "remaining", vm.heap.ObjectCount())
	return nil
}
