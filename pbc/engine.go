package pbc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultImplementation is the implementation name every step falls back to
// when no binding names another one.
const DefaultImplementation = "default"

// ContractViolationError reports an implementation that returned without
// producing the outputs its step declares. It signals a plugin bug and must
// surface to the caller, never be absorbed as a business rejection.
type ContractViolationError struct {
	Step           StepName
	Implementation string
	Missing        []string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("step %s (%s): missing declared outputs %s",
		e.Step, e.Implementation, strings.Join(e.Missing, ", "))
}

// Engine maps step names to their registered implementations and tracks
// which implementation is bound to each step. Bindings swap atomically, so a
// reload never catches a step half-rebound.
type Engine struct {
	mu       sync.RWMutex
	impls    map[StepName]map[string]Step
	bindings map[StepName]string
}

// NewEngine creates an engine with the reference implementations registered
// and every step bound to its default.
func NewEngine() *Engine {
	e := &Engine{
		impls:    make(map[StepName]map[string]Step),
		bindings: make(map[StepName]string),
	}
	registerDefaults(e)
	return e
}

// Register adds an implementation for a step under implName. Registering the
// same (step, implName) twice replaces the earlier one.
func (e *Engine) Register(step StepName, implName string, impl Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.impls[step] == nil {
		e.impls[step] = make(map[string]Step)
	}
	e.impls[step][implName] = impl
}

// Bind points a step at a registered implementation.
func (e *Engine) Bind(step StepName, implName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.impls[step][implName]; !ok {
		return fmt.Errorf("bind %s: no implementation %q registered", step, implName)
	}
	e.bindings[step] = implName
	return nil
}

// Rebind applies a full bindings map atomically. Steps absent from the map
// revert to the default implementation. An unknown implementation anywhere
// rejects the whole map, leaving the previous bindings in force.
func (e *Engine) Rebind(bindings map[StepName]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for step, implName := range bindings {
		if _, ok := e.impls[step][implName]; !ok {
			return fmt.Errorf("rebind %s: no implementation %q registered", step, implName)
		}
	}
	e.bindings = make(map[StepName]string, len(bindings))
	for step, implName := range bindings {
		e.bindings[step] = implName
	}
	return nil
}

// Bound returns the implementation name currently bound to a step.
func (e *Engine) Bound(step StepName) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if name, ok := e.bindings[step]; ok {
		return name
	}
	return DefaultImplementation
}

// Implementations returns the registered implementation names for a step.
func (e *Engine) Implementations(step StepName) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.impls[step]))
	for name := range e.impls[step] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run resolves the bound implementation of a step, executes it, and checks
// that every declared output key was produced. Partial outputs do not
// soften the verdict: one missing key fails the whole invocation.
func (e *Engine) Run(ctx context.Context, step StepName, exec *Execution) error {
	e.mu.RLock()
	implName, ok := e.bindings[step]
	if !ok {
		implName = DefaultImplementation
	}
	impl, ok := e.impls[step][implName]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("run %s: no implementation %q registered", step, implName)
	}
	if err := impl.Run(ctx, exec); err != nil {
		return fmt.Errorf("step %s (%s): %w", step, implName, err)
	}

	var missing []string
	for _, key := range stepOutputs[step] {
		if !exec.Has(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &ContractViolationError{Step: step, Implementation: implName, Missing: missing}
	}
	return nil
}
