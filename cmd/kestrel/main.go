// Kestrel CLI - runs, inspects and stores compiled program images
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/pool"
	"github.com/chazu/kestrel/store"
	"github.com/chazu/kestrel/vm"
	"github.com/chazu/kestrel/vm/wire"
)

// options are the global flags shared by every command.
type options struct {
	config   *manifest.Manifest
	profiler *vm.Profiler // set with -stats
	json     bool
	stats    bool
	verbose  bool
}

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("debug", false, "Debug logging")
	trace := flag.Bool("trace", false, "Log every executed instruction (implies -debug)")
	configDir := flag.String("config", ".", "Directory to search upward for kestrel.toml")
	storePath := flag.String("store", "", "Program store path (overrides [store] path)")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	showStats := flag.Bool("stats", false, "Print VM and GC statistics after execution")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run <program>                      Run a program from its entry point\n")
		fmt.Fprintf(os.Stderr, "  call <program> <fn> [json-args]    Call one function\n")
		fmt.Fprintf(os.Stderr, "  batch <program> <fn> <json-arglists>  Call fn once per argument list, concurrently\n")
		fmt.Fprintf(os.Stderr, "  disasm <program>                   Print a program listing\n")
		fmt.Fprintf(os.Stderr, "  hash <program>                     Print a content hash per function\n")
		fmt.Fprintf(os.Stderr, "  diff <old-program> <new-program>   List functions that changed\n")
		fmt.Fprintf(os.Stderr, "  store save <name> <image>          Save an image file to the store\n")
		fmt.Fprintf(os.Stderr, "  store export <name> <image>        Write a stored program to a file\n")
		fmt.Fprintf(os.Stderr, "  store list                         List stored programs\n")
		fmt.Fprintf(os.Stderr, "  store delete <name>                Delete a stored program\n")
		fmt.Fprintf(os.Stderr, "  sample [<name> <image>]            List or write built-in sample programs\n")
		fmt.Fprintf(os.Stderr, "\nA <program> is an image file path, or @name for a stored program.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel sample factorial fact.kbc\n")
		fmt.Fprintf(os.Stderr, "  kestrel run fact.kbc\n")
		fmt.Fprintf(os.Stderr, "  kestrel -json call @fact factorial '[10]'\n")
		fmt.Fprintf(os.Stderr, "  kestrel batch fact.kbc factorial '[[1],[2],[3]]'\n")
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fatal("loading configuration: %v", err)
	}
	if m == nil {
		m = manifest.Default()
	}
	if *storePath != "" {
		m.Store.Path = *storePath
	}
	if *trace {
		m.VM.Trace = true
		*debug = true
	}

	verbosity := m.Log.Verbosity
	if *verbose && verbosity < 1 {
		verbosity = 1
	}
	if *debug {
		verbosity = 2
	}
	var logPath *string
	if m.Log.File != "" {
		logPath = &m.Log.File
	}
	commonlog.Configure(verbosity, logPath)

	opts := options{config: m, json: *jsonOut, stats: *showStats, verbose: *verbose}
	if *showStats {
		opts.profiler = vm.NewProfiler()
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "run":
		err = runCommand(ctx, opts, args[1:])
	case "call":
		err = callCommand(ctx, opts, args[1:])
	case "batch":
		err = batchCommand(ctx, opts, args[1:])
	case "disasm":
		err = disasmCommand(opts, args[1:])
	case "hash":
		err = hashCommand(opts, os.Stdout, args[1:])
	case "diff":
		err = diffCommand(opts, os.Stdout, args[1:])
	case "store":
		err = storeCommand(opts, args[1:])
	case "sample":
		err = sampleCommand(opts, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadProgram reads an image file, or a stored program when ref starts with @.
func loadProgram(opts options, ref string) (*vm.Program, error) {
	if name, ok := strings.CutPrefix(ref, "@"); ok {
		st, err := store.Open(opts.config.StorePath())
		if err != nil {
			return nil, err
		}
		defer st.Close()
		return st.Load(name)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", ref, err)
	}
	p, err := wire.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", ref, err)
	}
	return p, nil
}

func vmConfig(opts options) vm.Config {
	cfg := opts.config.VMConfig()
	cfg.Out = os.Stdout
	cfg.Profiler = opts.profiler
	return cfg
}

func newVM(opts options) *vm.VM {
	return vm.NewVM(vmConfig(opts), nil)
}

func runCommand(ctx context.Context, opts options, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kestrel run <program>")
	}
	p, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	machine := newVM(opts)
	result, err := machine.Run(ctx, p)
	if err != nil {
		return err
	}
	if err := printValue(opts, result); err != nil {
		return err
	}
	printStats(opts, machine)
	return machine.Shutdown()
}

func callCommand(ctx context.Context, opts options, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: kestrel call <program> <function> [json-args]")
	}
	p, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	var callArgs []vm.Value
	if len(args) == 3 {
		if callArgs, err = vm.ParseArgs([]byte(args[2])); err != nil {
			return fmt.Errorf("parsing arguments: %w", err)
		}
	}

	machine := newVM(opts)
	// Global initializers run first so the function sees them.
	if err := initGlobals(ctx, machine, p); err != nil {
		return err
	}
	result, err := machine.Call(ctx, p, args[1], callArgs...)
	if err != nil {
		return err
	}
	if err := printValue(opts, result); err != nil {
		return err
	}
	printStats(opts, machine)
	return machine.Shutdown()
}

func batchCommand(ctx context.Context, opts options, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: kestrel batch <program> <function> <json-arglists>")
	}
	p, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	lists, err := vm.ParseArgs([]byte(args[2]))
	if err != nil {
		return fmt.Errorf("parsing argument lists: %w", err)
	}

	jobs := make([]pool.Job, 0, len(lists))
	for i, l := range lists {
		list, ok := l.(*vm.List)
		if !ok {
			return fmt.Errorf("argument list %d is %s, want list", i, l.Kind())
		}
		jobs = append(jobs, pool.Job{Function: args[1], Args: list.Elems})
	}

	workers := pool.New(p, nil, vmConfig(opts), opts.config.Pool.Workers)
	if _, hasMain := p.Function("main"); !hasMain {
		if _, err := workers.Init(ctx); err != nil {
			return err
		}
	}

	failed := 0
	for i, r := range workers.Run(ctx, jobs) {
		if r.Err != nil {
			failed++
			fmt.Printf("%d\terror\t%v\n", i, r.Err)
			continue
		}
		text, err := formatValue(opts, r.Value)
		if err != nil {
			return err
		}
		if opts.verbose {
			fmt.Printf("%d\t%s\t%s\t%s\n", i, r.ID, r.Duration, text)
		} else {
			fmt.Printf("%d\t%s\n", i, text)
		}
	}
	printProfile(opts)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

// initGlobals runs the entry stub when the program has no main, which is
// then exactly the global initializers.
func initGlobals(ctx context.Context, machine *vm.VM, p *vm.Program) error {
	if _, hasMain := p.Function("main"); hasMain {
		return nil
	}
	_, err := machine.Run(ctx, p)
	return err
}

func disasmCommand(opts options, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kestrel disasm <program>")
	}
	p, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	fmt.Print(p.DisassembleWithName(args[0]))
	return nil
}

func formatValue(opts options, v vm.Value) (string, error) {
	if !opts.json {
		return v.String(), nil
	}
	data, err := vm.MarshalJSON(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printValue(opts options, v vm.Value) error {
	text, err := formatValue(opts, v)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func printStats(opts options, machine *vm.VM) {
	if !opts.stats {
		return
	}
	s := machine.Stats()
	mem := machine.MemoryUsage()
	fmt.Fprintf(os.Stderr, "instructions: %d  calls: %d  max depth: %d  time: %s\n",
		s.Interpreter.Instructions, s.Interpreter.Calls, s.Interpreter.MaxCallDepth, s.ExecutionTime)
	fmt.Fprintf(os.Stderr, "allocations: %d  collections: %d (young %d)  collected: %d  promoted: %d  pause: %s\n",
		s.GC.Allocations, s.GC.Collections, s.GC.YoungCollections, s.GC.ObjectsCollected, s.GC.Promotions, s.GC.TotalPause)
	fmt.Fprintf(os.Stderr, "heap: %d objects (%d young, %d old), ~%d bytes  stack: %d/%d\n",
		mem.Objects, mem.Young, mem.Old, mem.HeapBytes, mem.StackSize, mem.StackLimit)
	printProfile(opts)
}

func printProfile(opts options) {
	if opts.profiler == nil {
		return
	}
	ps := opts.profiler.Stats()
	fmt.Fprintf(os.Stderr, "functions: %d  invocations: %d  hot: %d\n", ps.Functions, ps.Invocations, ps.HotFunctions)
	for _, fc := range opts.profiler.TopFunctions(5) {
		fmt.Fprintf(os.Stderr, "  %-24s %d\n", fc.Name, fc.Count)
	}
}
