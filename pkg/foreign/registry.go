package foreign

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// GetTimestampName is the name modeled programs use to call GetTimestamp.
const GetTimestampName = "GetTimestamp"

// ErrFunctionNotFound is returned when no function is registered under a name.
var ErrFunctionNotFound = errors.New("foreign function not found")

// Func is the calling convention shared by every external function: the
// invoking machine is passed in and a 64-bit integer comes back.
type Func func(machine Machine) int64

// GlobalFunctions holds the external functions that are not associated with
// any state machine type.
type GlobalFunctions struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewGlobalFunctions creates a registry holding the built-in functions.
func NewGlobalFunctions() *GlobalFunctions {
	g := &GlobalFunctions{funcs: make(map[string]Func)}
	g.funcs[GetTimestampName] = GetTimestamp
	return g
}

// Register adds fn under name, replacing any function already registered
// there. Replacing is how a harness intercepts a non-deterministic primitive.
func (g *GlobalFunctions) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("failed to register foreign function: empty name")
	}
	if fn == nil {
		return fmt.Errorf("failed to register foreign function %s: nil function", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.funcs[name] = fn
	return nil
}

// Resolve looks up the function registered under name.
func (g *GlobalFunctions) Resolve(name string) (Func, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fn, ok := g.funcs[name]
	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", name, ErrFunctionNotFound)
	}
	return fn, nil
}

// Call resolves name and invokes it on behalf of machine.
func (g *GlobalFunctions) Call(name string, machine Machine) (int64, error) {
	fn, err := g.Resolve(name)
	if err != nil {
		return 0, err
	}
	return fn(machine), nil
}

// Names returns the registered function names in sorted order.
func (g *GlobalFunctions) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.funcs))
	for name := range g.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
