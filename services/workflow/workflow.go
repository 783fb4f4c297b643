package workflow

import (
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Workflow is a validated DAG of executors. Construction rejects duplicate
// names, unknown or self dependencies and cycles, so Run never sees a bad graph.
// A Workflow holds no per-run state and may be run concurrently.
type Workflow struct {
	executors  map[string]*Executor
	order      []string
	dependents map[string][]string
	topo       []string

	logger          *slog.Logger
	metrics         *Metrics
	maxConcurrency  int
	executorTimeout time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records run and executor metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithMaxConcurrency bounds how many executor functions run at once.
// Zero or less means no bound; 1 runs executors one at a time.
func WithMaxConcurrency(n int) Option {
	return func(w *Workflow) { w.maxConcurrency = n }
}

// WithExecutorTimeout gives every executor function its own deadline.
// An executor that exceeds it fails; unrelated branches continue.
func WithExecutorTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.executorTimeout = d }
}

// New validates executors and builds a Workflow.
func New(executors []*Executor, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		executors:  make(map[string]*Executor, len(executors)),
		order:      make([]string, 0, len(executors)),
		dependents: make(map[string][]string, len(executors)),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for i, e := range executors {
		switch {
		case e == nil:
			return nil, configErr(ErrNoFunction, "", "executor at index %d is nil", i)
		case e.name == "":
			return nil, configErr(ErrEmptyName, "", "executor at index %d", i)
		case !e.ref.valid():
			return nil, configErr(ErrNoFunction, e.name, "")
		}
		if _, dup := w.executors[e.name]; dup {
			return nil, configErr(ErrDuplicateName, e.name, "")
		}
		w.executors[e.name] = e
		w.order = append(w.order, e.name)
	}

	for _, name := range w.order {
		for _, dep := range w.executors[name].dependsOn {
			if dep == name {
				return nil, configErr(ErrSelfDependency, name, "")
			}
			if _, ok := w.executors[dep]; !ok {
				return nil, configErr(ErrUnknownDependency, name, "depends on %q", dep)
			}
			w.dependents[dep] = append(w.dependents[dep], name)
		}
	}

	if err := w.validateAcyclic(); err != nil {
		return nil, err
	}
	return w, nil
}

// validateAcyclic runs Kahn's algorithm and keeps the resulting order. On a
// cycle it reports one cycle path found by DFS.
func (w *Workflow) validateAcyclic() error {
	indeg := make(map[string]int, len(w.order))
	var queue []string
	for _, name := range w.order {
		indeg[name] = len(w.executors[name].dependsOn)
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}

	topo := make([]string, 0, len(w.order))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		topo = append(topo, n)
		for _, d := range w.dependents[n] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(topo) == len(w.order) {
		w.topo = topo
		return nil
	}
	path := w.findCycle()
	return configErr(ErrCycle, path[0], "%s", strings.Join(path, " -> "))
}

func (w *Workflow) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(w.order))
	var stack, cycle []string

	var dfs func(n string) bool
	dfs = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, d := range w.dependents[n] {
			switch color[d] {
			case white:
				if dfs(d) {
					return true
				}
			case gray:
				i := slices.Index(stack, d)
				cycle = append(slices.Clone(stack[i:]), d)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range w.order {
		if color[n] == white && dfs(n) {
			break
		}
	}
	return cycle
}

// Len returns the number of executors.
func (w *Workflow) Len() int { return len(w.order) }

// Names returns executor names in declaration order.
func (w *Workflow) Names() []string { return slices.Clone(w.order) }

// TopologicalOrder returns one valid execution order.
func (w *Workflow) TopologicalOrder() []string { return slices.Clone(w.topo) }

// Executor returns the named executor.
func (w *Workflow) Executor(name string) (*Executor, bool) {
	e, ok := w.executors[name]
	return e, ok
}

// Sinks returns, in declaration order, the executors nothing depends on.
func (w *Workflow) Sinks() []string {
	var out []string
	for _, name := range w.order {
		if len(w.dependents[name]) == 0 {
			out = append(out, name)
		}
	}
	return out
}
