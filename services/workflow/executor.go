package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"llm-flow-engine/services/functions"
)

// FuncKind tells how an executor's function was supplied.
type FuncKind int

const (
	// FuncDirect is a callable handed to the executor.
	FuncDirect FuncKind = iota
	// FuncRegistry is a name looked up in a function registry.
	FuncRegistry
)

func (k FuncKind) String() string {
	if k == FuncRegistry {
		return "registry"
	}
	return "direct"
}

// FuncRef is an executor's resolved function. Registry lookups happen once,
// when the executor is built. A failed lookup is kept and reported when the
// executor runs.
type FuncRef struct {
	Kind FuncKind
	Name string
	fn   functions.Func
	err  error
}

// Direct wraps a callable.
func Direct(fn functions.Func) FuncRef {
	return FuncRef{Kind: FuncDirect, fn: fn}
}

// Lookup resolves name in reg.
func Lookup(reg *functions.Registry, name string) FuncRef {
	ref := FuncRef{Kind: FuncRegistry, Name: name}
	if reg == nil {
		ref.err = fmt.Errorf("%w: %s (no registry)", functions.ErrNotFound, name)
		return ref
	}
	ref.fn, ref.err = reg.Resolve(name)
	return ref
}

func (r FuncRef) valid() bool {
	return r.fn != nil || r.err != nil
}

// Executor is a named unit of work with static inputs and upstream dependencies.
// It is immutable once built.
type Executor struct {
	name      string
	ref       FuncRef
	inputs    map[string]any
	dependsOn []string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithInputs sets the executor's static inputs.
func WithInputs(in map[string]any) ExecutorOption {
	return func(e *Executor) {
		e.inputs = maps.Clone(in)
	}
}

// DependsOn declares upstream executors. Repeated names are collapsed and
// declaration order is kept.
func DependsOn(names ...string) ExecutorOption {
	return func(e *Executor) {
		for _, n := range names {
			if !slices.Contains(e.dependsOn, n) {
				e.dependsOn = append(e.dependsOn, n)
			}
		}
	}
}

// NewExecutor builds an executor around ref.
func NewExecutor(name string, ref FuncRef, opts ...ExecutorOption) *Executor {
	e := &Executor{name: name, ref: ref}
	for _, opt := range opts {
		opt(e)
	}
	if e.inputs == nil {
		e.inputs = map[string]any{}
	}
	return e
}

// NewFuncExecutor is NewExecutor with a direct callable.
func NewFuncExecutor(name string, fn functions.Func, opts ...ExecutorOption) *Executor {
	return NewExecutor(name, Direct(fn), opts...)
}

// NewRegistryExecutor is NewExecutor with a function resolved by name from reg.
func NewRegistryExecutor(name string, reg *functions.Registry, funcName string, opts ...ExecutorOption) *Executor {
	return NewExecutor(name, Lookup(reg, funcName), opts...)
}

func (e *Executor) Name() string { return e.name }

// Func returns the function reference.
func (e *Executor) Func() FuncRef { return e.ref }

// DependsOn returns a copy of the declared dependencies.
func (e *Executor) DependsOn() []string { return slices.Clone(e.dependsOn) }

// Inputs returns a copy of the static inputs.
func (e *Executor) Inputs() map[string]any { return maps.Clone(e.inputs) }

// dependencyError is returned by prepareInputs when a dependency did not succeed.
type dependencyError struct {
	dependency string
	origin     string
	cause      error
}

func (e *dependencyError) Error() string {
	if e.origin == "" {
		return fmt.Sprintf("%v: %s", ErrDependencyFailed, e.dependency)
	}
	return fmt.Sprintf("%v: %s (caused by %s)", ErrDependencyFailed, e.dependency, e.origin)
}

func (e *dependencyError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrDependencyFailed, e.cause}
	}
	return []error{ErrDependencyFailed}
}

// prepareInputs merges, lowest precedence first: the seed context (root
// executors only), static inputs with placeholders resolved, then each
// dependency's value under the dependency's name. Dependency values are also
// listed in declaration order under functions.UpstreamKey.
//
// Placeholders see the seed and declared dependencies only, so an input never
// depends on which unrelated executors happened to finish first.
func (e *Executor) prepareInputs(seed map[string]any, results Results, logger *slog.Logger) (functions.Inputs, error) {
	in := make(functions.Inputs, len(e.inputs)+len(e.dependsOn)+1)
	if len(e.dependsOn) == 0 {
		maps.Copy(in, seed)
	}

	scope := make(map[string]any, len(seed)+len(e.dependsOn))
	maps.Copy(scope, seed)
	upstream := make([]any, 0, len(e.dependsOn))
	for _, dep := range e.dependsOn {
		r, ok := results[dep]
		if !ok || r.Status != StatusSuccess {
			derr := &dependencyError{dependency: dep}
			switch {
			case r.Status == StatusFailed:
				derr.origin = dep
			case r.SkippedBy != "":
				derr.origin = r.SkippedBy
			case errors.Is(r.Err, ErrCancelled):
				derr.cause = ErrCancelled
			}
			return nil, derr
		}
		scope[dep] = r.Value
		upstream = append(upstream, r.Value)
	}

	for k, v := range e.inputs {
		in[k] = ResolvePlaceholders(v, scope)
	}
	for i, dep := range e.dependsOn {
		if _, clash := e.inputs[dep]; clash {
			logger.Debug("Dependency output replaces static input", "executor", e.name, "key", dep)
		}
		in[dep] = upstream[i]
	}
	if len(upstream) > 0 {
		in[functions.UpstreamKey] = upstream
	}
	return in, nil
}

// execute runs the function. Errors and panics come back as *ExecutionError.
func (e *Executor) execute(ctx context.Context, in functions.Inputs) (val any, err error) {
	if e.ref.err != nil {
		return nil, &ExecutionError{Executor: e.name, Err: e.ref.err}
	}
	defer func() {
		if p := recover(); p != nil {
			val, err = nil, &ExecutionError{Executor: e.name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	val, err = e.ref.fn(ctx, in)
	if err != nil {
		return nil, &ExecutionError{Executor: e.name, Err: err}
	}
	return val, nil
}
