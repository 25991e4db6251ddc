// Package pool runs independent top-level function calls of one program
// concurrently. Every job executes on its own VM, with its own stack and
// heap; all jobs share a single globals table.
//
// The shared table is isolated (see vm.Globals.Isolate): a job reading a
// list, map or object from it gets a private copy, and the copy replaces the
// shared value only when the job assigns the global.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.pool")

// Job is one function invocation.
type Job struct {
	Function string
	Args     []vm.Value
}

// Result is the outcome of one Job. Results are returned in job order.
type Result struct {
	ID       uuid.UUID
	Job      Job
	Value    vm.Value
	Err      error
	Duration time.Duration
	Stats    vm.VMStats
}

// Pool executes jobs against a shared program and globals table.
type Pool struct {
	program *vm.Program
	globals *vm.Globals
	config  vm.Config
	workers int
}

// New creates a pool. A nil globals gives the pool a private shared table;
// a table passed in is isolated. workers <= 0 means one worker per CPU.
func New(program *vm.Program, globals *vm.Globals, config vm.Config, workers int) *Pool {
	if globals == nil {
		globals = vm.NewGlobals()
	}
	globals.Isolate()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		program: program,
		globals: globals,
		config:  config,
		workers: workers,
	}
}

// Globals returns the table shared by all jobs.
func (p *Pool) Globals() *vm.Globals { return p.globals }

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// Init runs the program's entry point once, so global initializers populate
// the shared table before jobs start.
func (p *Pool) Init(ctx context.Context) (vm.Value, error) {
	machine := vm.NewVM(p.config, p.globals)
	return machine.Run(ctx, p.program)
}

// Run executes jobs with at most Workers running at once and waits for all of
// them. A failing job does not stop the others; cancelling ctx does.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if err := p.program.Validate(); err != nil {
		for i, job := range jobs {
			results[i] = Result{ID: uuid.New(), Job: job, Err: err}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, job := range jobs {
		results[i] = Result{ID: uuid.New(), Job: job}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		i := i
		g.Go(func() error {
			p.execute(ctx, &results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute runs one job on a fresh VM, recovering from panics.
func (p *Pool) execute(ctx context.Context, r *Result) {
	machine := vm.NewVM(p.config, p.globals)
	start := time.Now()
	log.Debug("job started", "id", r.ID.String(), "function", r.Job.Function)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.Err = fmt.Errorf("job %s panicked: %v", r.ID, rec)
			}
		}()
		args := make([]vm.Value, len(r.Job.Args))
		for i, a := range r.Job.Args {
			args[i] = vm.Copy(a)
		}
		r.Value, r.Err = machine.Call(ctx, p.program, r.Job.Function, args...)
	}()

	r.Duration = time.Since(start)
	r.Stats = machine.Stats()
	if err := machine.Shutdown(); err != nil && r.Err == nil {
		r.Err = err
	}
	if r.Err != nil {
		log.Info("job failed", "id", r.ID.String(), "function", r.Job.Function, "error", r.Err.Error())
		return
	}
	log.Debug("job finished", "id", r.ID.String(), "function", r.Job.Function, "elapsed", r.Duration)
}
