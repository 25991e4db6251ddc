package vm

import "sync"

// Globals is the shared global variable table. It is passed explicitly to
// every execution and collection; many readers may hold it at once, a writer
// holds it exclusively.
//
// The lock covers the table, not the lists, maps and objects stored in it.
// A table used by VMs running on different goroutines must be isolated with
// Isolate, so that no execution holds a reference into it.
type Globals struct {
	mu       sync.RWMutex
	vars     map[string]Value
	isolated bool
}

// NewGlobals returns an empty table.
func NewGlobals() *Globals {
	return &Globals{vars: make(map[string]Value)}
}

// Isolate makes the table store and hand out private copies of lists, maps
// and objects. Values already bound are copied. After Isolate, an in-place
// change to a container read from the table is seen by others only once it
// is stored back with Set.
func (g *Globals) Isolate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isolated {
		return
	}
	g.isolated = true
	for name, v := range g.vars {
		g.vars[name] = Copy(v)
	}
}

// Isolated reports whether Isolate was called.
func (g *Globals) Isolated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isolated
}

// Get returns the value bound to name.
func (g *Globals) Get(name string) (Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vars[name]
	if ok && g.isolated {
		v = Copy(v)
	}
	return v, ok
}

// Set binds name to v.
func (g *Globals) Set(name string, v Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isolated {
		v = Copy(v)
	}
	g.vars[name] = v
}

// Delete removes name.
func (g *Globals) Delete(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.vars, name)
}

// Len returns the number of bindings.
func (g *Globals) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vars)
}

// Clear removes every binding.
func (g *Globals) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.vars)
}

// View calls fn for every binding while holding the read lock, giving fn a
// consistent snapshot. fn must not modify the values or call back into g's
// write methods.
func (g *Globals) View(fn func(name string, v Value)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for name, v := range g.vars {
		fn(name, v)
	}
}

// Snapshot returns a copy of the bindings. Containers are copied too when
// the table is isolated.
func (g *Globals) Snapshot() map[string]Value {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Value, len(g.vars))
	for name, v := range g.vars {
		if g.isolated {
			v = Copy(v)
		}
		out[name] = v
	}
	return out
}
