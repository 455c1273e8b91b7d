// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named probes returning point-in-time state for debug endpoints.

package control

import (
	"sort"
	"sync"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts or replaces a named probe and returns a func that
// removes it again.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) (unregister func()) {
	dp.mu.Lock()
	dp.probes[name] = fn
	dp.mu.Unlock()
	return func() {
		dp.mu.Lock()
		defer dp.mu.Unlock()
		delete(dp.probes, name)
	}
}

// Names lists registered probes, sorted.
func (dp *DebugProbes) Names() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make([]string, 0, len(dp.probes))
	for k := range dp.probes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DumpState evaluates every probe. Probes run without the registry lock held.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	fns := make(map[string]func() any, len(dp.probes))
	for k, fn := range dp.probes {
		fns[k] = fn
	}
	dp.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}
