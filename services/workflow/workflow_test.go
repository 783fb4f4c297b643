package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-flow-engine/services/functions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorkflow(t *testing.T, executors []*Executor, opts ...Option) *Workflow {
	t.Helper()
	wf, err := New(executors, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return wf
}

// upperName returns the executor's own name uppercased.
func upperName(name string) functions.Func {
	return func(context.Context, functions.Inputs) (any, error) {
		return strings.ToUpper(name), nil
	}
}

func failWith(msg string) functions.Func {
	return func(context.Context, functions.Inputs) (any, error) {
		return nil, errors.New(msg)
	}
}

// sleepThen waits d, honoring ctx, and returns v.
func sleepThen(d time.Duration, v any) functions.Func {
	return func(ctx context.Context, _ functions.Inputs) (any, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// eventLog records start/end events from concurrently running executors.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Index(l.events, e)
}

func (l *eventLog) wrap(name string, d time.Duration) functions.Func {
	return func(ctx context.Context, _ functions.Inputs) (any, error) {
		l.add("start:" + name)
		defer l.add("end:" + name)
		return sleepThen(d, name)(ctx, nil)
	}
}

func TestNew_DuplicateName(t *testing.T) {
	_, err := New([]*Executor{
		NewFuncExecutor("A", upperName("A")),
		NewFuncExecutor("A", upperName("A")),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.ErrorIs(t, err, ErrConfiguration)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "A", cerr.Executor)
}

func TestNew_UnknownDependency(t *testing.T) {
	_, err := New([]*Executor{
		NewFuncExecutor("A", upperName("A"), DependsOn("ghost")),
	})

	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "ghost")
}

func TestNew_SelfDependency(t *testing.T) {
	_, err := New([]*Executor{
		NewFuncExecutor("A", upperName("A"), DependsOn("A")),
	})
	assert.ErrorIs(t, err, ErrSelfDependency)
}

func TestNew_CycleNeverExecutes(t *testing.T) {
	var calls atomic.Int32
	count := func(context.Context, functions.Inputs) (any, error) {
		calls.Add(1)
		return nil, nil
	}

	_, err := New([]*Executor{
		NewFuncExecutor("root", count),
		NewFuncExecutor("A", count, DependsOn("root", "B")),
		NewFuncExecutor("B", count, DependsOn("A")),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "A -> B -> A")
	assert.Zero(t, calls.Load())
}

func TestNew_InvalidExecutors(t *testing.T) {
	_, err := New([]*Executor{nil})
	assert.ErrorIs(t, err, ErrNoFunction)

	_, err = New([]*Executor{NewFuncExecutor("", upperName("x"))})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = New([]*Executor{NewFuncExecutor("x", nil)})
	assert.ErrorIs(t, err, ErrNoFunction)
}

func TestNew_OrderingAccessors(t *testing.T) {
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("C", upperName("C"), DependsOn("A", "B")),
		NewFuncExecutor("B", upperName("B"), DependsOn("A")),
		NewFuncExecutor("A", upperName("A")),
	})

	assert.Equal(t, 3, wf.Len())
	assert.Equal(t, []string{"C", "B", "A"}, wf.Names())
	assert.Equal(t, []string{"A", "B", "C"}, wf.TopologicalOrder())
	assert.Equal(t, []string{"C"}, wf.Sinks())

	e, ok := wf.Executor("C")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, e.DependsOn())
}

func TestRun_EmptyWorkflow(t *testing.T) {
	wf := newTestWorkflow(t, nil)
	assert.Empty(t, wf.Run(context.Background(), nil))
}

func TestRun_FanOut(t *testing.T) {
	var seenByB, seenByC any
	observe := func(name string, seen *any) functions.Func {
		return func(_ context.Context, in functions.Inputs) (any, error) {
			*seen = in["A"]
			return strings.ToUpper(name), nil
		}
	}

	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", upperName("a")),
		NewFuncExecutor("B", observe("b", &seenByB), DependsOn("A")),
		NewFuncExecutor("C", observe("c", &seenByC), DependsOn("A")),
	})

	results := wf.Run(context.Background(), map[string]any{})

	require.Len(t, results, 3)
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, StatusSuccess, results[name].Status, name)
		assert.Equal(t, name, results[name].Value)
		assert.NoError(t, results[name].Err)
	}
	assert.Equal(t, "A", seenByB)
	assert.Equal(t, "A", seenByC)
	assert.True(t, results.Succeeded())
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", failWith("boom")),
		NewFuncExecutor("B", upperName("b"), DependsOn("A")),
		NewFuncExecutor("D", upperName("d"), DependsOn("B")),
		NewFuncExecutor("C", upperName("c")),
	})

	results := wf.Run(context.Background(), nil)

	require.Len(t, results, 4)
	assert.Equal(t, StatusFailed, results["A"].Status)
	assert.ErrorIs(t, results["A"].Err, ErrExecution)
	assert.Contains(t, results["A"].Err.Error(), "boom")

	var execErr *ExecutionError
	require.ErrorAs(t, results["A"].Err, &execErr)
	assert.Equal(t, "A", execErr.Executor)

	for _, name := range []string{"B", "D"} {
		assert.Equal(t, StatusSkipped, results[name].Status, name)
		assert.Equal(t, "A", results[name].SkippedBy, name)
		assert.ErrorIs(t, results[name].Err, ErrDependencyFailed, name)
		assert.Nil(t, results[name].Value, name)
	}

	assert.Equal(t, StatusSuccess, results["C"].Status)
	assert.Equal(t, "C", results["C"].Value)

	assert.Equal(t, []string{"A"}, results.WithStatus(StatusFailed))
	assert.Equal(t, []string{"B", "D"}, results.WithStatus(StatusSkipped))
	assert.False(t, results.Succeeded())
}

func TestRun_SkipWithMultipleFailedDependencies(t *testing.T) {
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", failWith("a")),
		NewFuncExecutor("B", failWith("b")),
		NewFuncExecutor("C", upperName("c"), DependsOn("A", "B")),
	})

	results := wf.Run(context.Background(), nil)

	require.Len(t, results, 3)
	assert.Equal(t, StatusSkipped, results["C"].Status)
	assert.Contains(t, []string{"A", "B"}, results["C"].SkippedBy)
}

func TestRun_CausalOrdering(t *testing.T) {
	log := &eventLog{}
	deps := map[string][]string{
		"A": nil,
		"B": nil,
		"C": {"A"},
		"D": {"A", "B"},
		"E": {"C", "D"},
		"F": {"B"},
		"G": {"E", "F"},
	}
	var executors []*Executor
	for _, name := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		d := time.Duration(len(deps[name])*5+5) * time.Millisecond
		executors = append(executors, NewFuncExecutor(name, log.wrap(name, d), DependsOn(deps[name]...)))
	}

	results := newTestWorkflow(t, executors).Run(context.Background(), nil)

	require.Len(t, results, len(deps))
	for name, ds := range deps {
		assert.Equal(t, StatusSuccess, results[name].Status)
		start := log.index("start:" + name)
		require.GreaterOrEqual(t, start, 0)
		for _, d := range ds {
			assert.Greater(t, start, log.index("end:"+d), "%s started before %s ended", name, d)
		}
	}
}

func TestRun_IndependentExecutorsOverlap(t *testing.T) {
	const d = 200 * time.Millisecond
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("left", sleepThen(d, "l")),
		NewFuncExecutor("right", sleepThen(d, "r")),
	})

	start := time.Now()
	results := wf.Run(context.Background(), nil)
	elapsed := time.Since(start)

	assert.True(t, results.Succeeded())
	assert.Less(t, elapsed, 2*d-50*time.Millisecond, "independent executors did not overlap: %v", elapsed)
}

func TestRun_MaxConcurrencyBoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func(context.Context, functions.Inputs) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	var executors []*Executor
	for i := range 6 {
		executors = append(executors, NewFuncExecutor(fmt.Sprintf("e%d", i), track))
	}
	results := newTestWorkflow(t, executors, WithMaxConcurrency(2)).Run(context.Background(), nil)

	assert.Len(t, results, 6)
	assert.True(t, results.Succeeded())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_SequentialMode(t *testing.T) {
	log := &eventLog{}
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", log.wrap("A", 10*time.Millisecond)),
		NewFuncExecutor("B", log.wrap("B", 10*time.Millisecond)),
	}, WithMaxConcurrency(1))

	results := wf.Run(context.Background(), nil)

	assert.True(t, results.Succeeded())
	first, second := "A", "B"
	if log.index("start:B") < log.index("start:A") {
		first, second = "B", "A"
	}
	assert.Greater(t, log.index("start:"+second), log.index("end:"+first))
}

func TestRun_CancellationSkipsUnstarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quickDone := make(chan struct{})
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("slow", sleepThen(10*time.Second, "never")),
		NewFuncExecutor("after", upperName("after"), DependsOn("slow")),
		NewFuncExecutor("quick", func(context.Context, functions.Inputs) (any, error) {
			close(quickDone)
			return "ok", nil
		}),
	})

	go func() {
		<-quickDone
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := wf.Run(ctx, nil)

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 3)
	assert.Equal(t, StatusSuccess, results["quick"].Status)

	assert.Equal(t, StatusFailed, results["slow"].Status)
	assert.ErrorIs(t, results["slow"].Err, context.Canceled)

	assert.Equal(t, StatusSkipped, results["after"].Status)
	assert.ErrorIs(t, results["after"].Err, ErrCancelled)
	assert.ErrorIs(t, results["after"].Err, context.Canceled)
	assert.Empty(t, results["after"].SkippedBy)
}

func TestRun_AlreadyCancelledRunsNothing(t *testing.T) {
	var calls atomic.Int32
	count := func(context.Context, functions.Inputs) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", count),
		NewFuncExecutor("B", count, DependsOn("A")),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := wf.Run(ctx, nil)

	assert.Zero(t, calls.Load())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusSkipped, r.Status)
		assert.ErrorIs(t, r.Err, ErrCancelled)
	}
}

func TestRun_ExecutorTimeout(t *testing.T) {
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("slow", sleepThen(time.Second, "late")),
		NewFuncExecutor("fast", sleepThen(time.Millisecond, "ok")),
	}, WithExecutorTimeout(50*time.Millisecond))

	results := wf.Run(context.Background(), nil)

	assert.Equal(t, StatusFailed, results["slow"].Status)
	assert.ErrorIs(t, results["slow"].Err, context.DeadlineExceeded)
	assert.Equal(t, StatusSuccess, results["fast"].Status)
}

func TestRun_PanicIsRecordedAsFailure(t *testing.T) {
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("bad", func(context.Context, functions.Inputs) (any, error) {
			panic("kaboom")
		}),
		NewFuncExecutor("next", upperName("next"), DependsOn("bad")),
	})

	results := wf.Run(context.Background(), nil)

	assert.Equal(t, StatusFailed, results["bad"].Status)
	assert.Contains(t, results["bad"].Err.Error(), "kaboom")
	assert.Equal(t, StatusSkipped, results["next"].Status)
}

func TestRun_UnknownRegistryFunctionFailsAtRun(t *testing.T) {
	reg := functions.NewRegistry()
	reg.MustRegister("known", upperName("known"))

	wf := newTestWorkflow(t, []*Executor{
		NewRegistryExecutor("A", reg, "missing"),
		NewRegistryExecutor("B", reg, "known", DependsOn("A")),
		NewRegistryExecutor("C", reg, "known"),
	})

	results := wf.Run(context.Background(), nil)

	assert.Equal(t, StatusFailed, results["A"].Status)
	assert.ErrorIs(t, results["A"].Err, functions.ErrNotFound)
	assert.ErrorIs(t, results["A"].Err, ErrExecution)
	assert.Equal(t, StatusSkipped, results["B"].Status)
	assert.Equal(t, "KNOWN", results["C"].Value)
}

func TestRun_SeedAndPlaceholders(t *testing.T) {
	var rootIn, childIn functions.Inputs
	capture := func(dst *functions.Inputs, v any) functions.Func {
		return func(_ context.Context, in functions.Inputs) (any, error) {
			*dst = in
			return v, nil
		}
	}

	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("root", capture(&rootIn, map[string]any{"score": 7}),
			WithInputs(map[string]any{"question": "${workflow_input.q}"})),
		NewFuncExecutor("child", capture(&childIn, "done"),
			DependsOn("root"),
			WithInputs(map[string]any{
				"msg":   "score=${root.score} for ${workflow_input.q}",
				"root":  "static value",
				"other": 1,
			})),
	})

	seed := map[string]any{"workflow_input": map[string]any{"q": "why?"}}
	results := wf.Run(context.Background(), seed)

	require.True(t, results.Succeeded())
	assert.NotContains(t, results, "workflow_input")

	assert.Equal(t, "why?", rootIn["question"])
	assert.Equal(t, seed["workflow_input"], rootIn["workflow_input"])

	assert.NotContains(t, childIn, "workflow_input")
	assert.Equal(t, "score=7 for why?", childIn["msg"])
	assert.Equal(t, map[string]any{"score": 7}, childIn["root"], "dependency value replaces a static input of the same name")
	assert.Equal(t, 1, childIn["other"])
	assert.Equal(t, []any{map[string]any{"score": 7}}, childIn.Upstream())
}

func TestRun_IsRepeatable(t *testing.T) {
	var calls atomic.Int32
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", func(context.Context, functions.Inputs) (any, error) {
			return calls.Add(1), nil
		}),
	})

	first := wf.Run(context.Background(), nil)
	second := wf.Run(context.Background(), nil)

	assert.Equal(t, int32(1), first["A"].Value)
	assert.Equal(t, int32(2), second["A"].Value)
}

func TestRun_PlaceholdersSeeOnlyDependencies(t *testing.T) {
	for _, tc := range []struct {
		name           string
		aDelay, cDelay time.Duration
	}{
		{"unrelated executor finishes first", 0, 50 * time.Millisecond},
		{"unrelated executor finishes last", 50 * time.Millisecond, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var dIn functions.Inputs
			wf := newTestWorkflow(t, []*Executor{
				NewFuncExecutor("A", sleepThen(tc.aDelay, "a-value")),
				NewFuncExecutor("C", sleepThen(tc.cDelay, "c-value")),
				NewFuncExecutor("D", func(_ context.Context, in functions.Inputs) (any, error) {
					dIn = in
					return nil, nil
				}, DependsOn("C"), WithInputs(map[string]any{
					"ref":  "${A}",
					"dep":  "${C}",
					"seed": "${workflow_input.q}",
				})),
			})

			results := wf.Run(context.Background(), map[string]any{"workflow_input": map[string]any{"q": "why"}})

			require.True(t, results.Succeeded())
			assert.Equal(t, "${A}", dIn["ref"])
			assert.Equal(t, "c-value", dIn["dep"])
			assert.Equal(t, "why", dIn["seed"])
		})
	}
}

func TestRun_CancelWithSaturatedPoolSkipsQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	block := func(ctx context.Context, _ functions.Inputs) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", block),
		NewFuncExecutor("B", block),
	}, WithMaxConcurrency(1))

	time.AfterFunc(30*time.Millisecond, cancel)
	results := wf.Run(ctx, nil)

	require.Len(t, results, 2)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, results.WithStatus(StatusFailed), 1)
	skipped := results.WithStatus(StatusSkipped)
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, results[skipped[0]].Err, ErrCancelled)
	assert.ErrorIs(t, results[skipped[0]].Err, context.Canceled)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	wf := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("A", upperName("a")),
		NewFuncExecutor("B", failWith("no")),
		NewFuncExecutor("C", upperName("c"), DependsOn("B")),
	}, WithMetrics(m))

	wf.Run(context.Background(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executorsTotal.WithLabelValues("direct", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executorsTotal.WithLabelValues("direct", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executorsTotal.WithLabelValues("direct", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(RunPartial)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.executorsInFlight))

	failing := newTestWorkflow(t, []*Executor{
		NewFuncExecutor("X", failWith("no")),
	}, WithMetrics(m))
	failing.Run(context.Background(), nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(RunFailed)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failing.Run(ctx, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(RunCancelled)))

	wf2 := newTestWorkflow(t, []*Executor{NewFuncExecutor("ok", upperName("ok"))}, WithMetrics(m))
	wf2.Run(context.Background(), nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(RunCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(RunPartial)))
}

func TestStatusTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusWaiting, StatusReady},
		{StatusWaiting, StatusSkipped},
		{StatusReady, StatusRunning},
		{StatusReady, StatusSkipped},
		{StatusRunning, StatusSuccess},
		{StatusRunning, StatusFailed},
	}
	all := []Status{StatusWaiting, StatusReady, StatusRunning, StatusSuccess, StatusFailed, StatusSkipped}

	for _, from := range all {
		for _, to := range all {
			want := slices.Contains(allowed, [2]Status{from, to})
			err := transition("x", from, to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.Error(t, err, "%s -> %s", from, to)
			}
		}
	}

	assert.True(t, StatusSkipped.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
