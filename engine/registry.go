// File: engine/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Explicit engine selection at startup. Implementations register a factory
// under a name; the server opens one by name and fails fast when it is missing.

package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/momentics/hioload-bridge/api"
)

// DefaultName is the engine used when no name is configured.
const DefaultName = "native"

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]api.EngineFactory)
)

// Register makes a frame engine available under name. It panics if name is
// empty, f is nil, or name is already registered.
func Register(name string, f api.EngineFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if name == "" || f == nil {
		panic("engine: Register with empty name or nil factory")
	}
	if _, dup := factories[name]; dup {
		panic("engine: Register called twice for " + name)
	}
	factories[name] = f
}

// Names returns the registered engine names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open constructs the engine registered under name (DefaultName if empty).
func Open(name string, cfg api.EngineConfig, cb api.Callbacks) (api.FrameEngine, error) {
	if name == "" {
		name = DefaultName
	}
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", api.ErrEngineUnavailable, name, strings.Join(Names(), ", "))
	}
	fe, err := f(cfg, cb)
	if err != nil {
		return nil, fmt.Errorf("open engine %q: %w", name, err)
	}
	return fe, nil
}
