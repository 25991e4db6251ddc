package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	Name            string
	InvocationCount uint64 // Atomic counter for invocations
	hot             atomic.Bool
}

// IsHot reports whether the function exceeded the hot threshold.
func (fp *FunctionProfile) IsHot() bool { return fp.hot.Load() }

// Profiler counts function invocations to identify hot code. It is safe for
// concurrent use, so one profiler can be shared by the VMs of a worker pool.
type Profiler struct {
	profiles sync.Map // function name -> *FunctionProfile

	// HotThreshold is the invocation count at which a function becomes hot.
	HotThreshold uint64

	// OnHot is called once per function, when it becomes hot.
	OnHot func(profile *FunctionProfile)
}

// DefaultHotThreshold is the invocation count a new Profiler treats as hot.
const DefaultHotThreshold = 100

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: DefaultHotThreshold}
}

// RecordInvocation increments the invocation count for a function.
// Returns true if this invocation caused the function to become hot.
func (p *Profiler) RecordInvocation(name string) bool {
	val, _ := p.profiles.LoadOrStore(name, &FunctionProfile{Name: name})
	profile := val.(*FunctionProfile)

	count := atomic.AddUint64(&profile.InvocationCount, 1)
	if count >= p.HotThreshold && profile.hot.CompareAndSwap(false, true) {
		if p.OnHot != nil {
			p.OnHot(profile)
		}
		return true
	}
	return false
}

// Profile returns the profile for a function, or nil if it never ran.
func (p *Profiler) Profile(name string) *FunctionProfile {
	if val, ok := p.profiles.Load(name); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot returns true if the function has exceeded the hot threshold.
func (p *Profiler) IsHot(name string) bool {
	profile := p.Profile(name)
	return profile != nil && profile.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions    int
	HotFunctions int
	Invocations  uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Invocations += atomic.LoadUint64(&profile.InvocationCount)
		if profile.IsHot() {
			stats.HotFunctions++
		}
		return true
	})
	return stats
}

// FunctionCount pairs a function name with its invocation count.
type FunctionCount struct {
	Name  string
	Count uint64
}

// TopFunctions returns the n most frequently invoked functions, highest
// first. Ties are ordered by name.
func (p *Profiler) TopFunctions(n int) []FunctionCount {
	var all []FunctionCount
	p.profiles.Range(func(key, value any) bool {
		profile := value.(*FunctionProfile)
		all = append(all, FunctionCount{key.(string), atomic.LoadUint64(&profile.InvocationCount)})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Name < all[j].Name
	})
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
}
