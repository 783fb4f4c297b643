package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/sourcegraph/conc/pool"
)

type completion struct {
	name     string
	value    any
	err      error
	duration time.Duration
}

// run is the state of one Run call. Only the scheduling goroutine touches it.
type run struct {
	ctx       context.Context
	wf        *Workflow
	seed      map[string]any
	status    map[string]Status
	remaining map[string]int
	results   Results
	ready     []string
	running   int
}

// Run executes the workflow and returns one Result per executor.
//
// Executors start as soon as every dependency has succeeded; independent
// executors run concurrently. A failed executor does not stop the run: its
// dependents, and theirs, are skipped with the failed executor named as the
// cause. When ctx ends, executors not yet started are skipped with
// ErrCancelled, running ones see the cancelled context, and Run returns once
// they have finished. Seed values are available to root executors as inputs
// and to every executor through placeholders. They are not copied into the
// results.
func (w *Workflow) Run(ctx context.Context, seed map[string]any) Results {
	start := time.Now()
	r := &run{
		ctx:       ctx,
		wf:        w,
		seed:      maps.Clone(seed),
		status:    make(map[string]Status, len(w.order)),
		remaining: make(map[string]int, len(w.order)),
		results:   make(Results, len(w.order)),
	}
	for _, name := range w.order {
		r.status[name] = StatusWaiting
		r.remaining[name] = len(w.executors[name].dependsOn)
	}
	for _, name := range w.order {
		if r.remaining[name] == 0 {
			r.markReady(name)
		}
	}

	w.logger.Info("Workflow run started", "executors", len(w.order), "roots", len(r.ready))

	// Buffered to the executor count so workers never block on send.
	done := make(chan completion, len(w.order))
	p := pool.New()
	if w.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(w.maxConcurrency)
	}

	ctxDone := ctx.Done()
	for {
		// Launch only into free slots so p.Go never waits past a cancellation.
		for len(r.ready) > 0 && ctx.Err() == nil && r.hasSlot() {
			name := r.ready[0]
			r.ready = r.ready[1:]
			r.launch(p, done, name)
		}
		if r.running == 0 {
			break
		}
		select {
		case c := <-done:
			r.running--
			r.complete(c)
		case <-ctxDone:
			// Stop launching; keep draining in-flight executors.
			ctxDone = nil
		}
	}
	p.Wait()

	if ctx.Err() != nil {
		cause := fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		for _, name := range w.order {
			if !r.status[name].Terminal() {
				r.skip(name, "", cause)
			}
		}
	}

	elapsed := time.Since(start)
	w.metrics.runFinished(runStatus(ctx, r.results), elapsed)
	w.logger.Info("Workflow run finished",
		"succeeded", len(r.results.WithStatus(StatusSuccess)),
		"failed", len(r.results.WithStatus(StatusFailed)),
		"skipped", len(r.results.WithStatus(StatusSkipped)),
		"duration", elapsed,
	)
	return r.results
}

func (r *run) setStatus(name string, to Status) bool {
	if err := transition(name, r.status[name], to); err != nil {
		r.wf.logger.Error("Scheduler state error", "error", err)
		return false
	}
	r.status[name] = to
	return true
}

func (r *run) hasSlot() bool {
	return r.wf.maxConcurrency <= 0 || r.running < r.wf.maxConcurrency
}

func (r *run) markReady(name string) {
	if r.setStatus(name, StatusReady) {
		r.ready = append(r.ready, name)
	}
}

func (r *run) launch(p *pool.Pool, done chan<- completion, name string) {
	e := r.wf.executors[name]
	in, err := e.prepareInputs(r.seed, r.results, r.wf.logger)
	if err != nil {
		origin := ""
		var derr *dependencyError
		if errors.As(err, &derr) {
			origin = derr.origin
		}
		r.skip(name, origin, err)
		return
	}
	if !r.setStatus(name, StatusRunning) {
		return
	}
	r.running++
	r.wf.metrics.executorStarted()
	r.wf.logger.Debug("Executor started", "executor", name, "func", funcLabel(e.ref))

	ctx, timeout := r.ctx, r.wf.executorTimeout
	p.Go(func() {
		execCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		t0 := time.Now()
		val, err := e.execute(execCtx, in)
		done <- completion{name: name, value: val, err: err, duration: time.Since(t0)}
	})
}

func (r *run) complete(c completion) {
	e := r.wf.executors[c.name]
	res := Result{Status: StatusSuccess, Value: c.value, Duration: c.duration}
	if c.err != nil {
		res = Result{Status: StatusFailed, Err: c.err, Duration: c.duration}
	}
	if !r.setStatus(c.name, res.Status) {
		return
	}
	r.results[c.name] = res
	r.wf.metrics.executorFinished(e.ref, res.Status, c.duration)

	if res.Status == StatusFailed {
		r.wf.logger.Warn("Executor failed", "executor", c.name, "error", c.err, "duration", c.duration)
		// After cancellation, dependents are skipped as cancelled once in-flight work drains.
		if r.ctx.Err() == nil {
			r.propagateSkip(c.name, c.name, nil)
		}
		return
	}

	r.wf.logger.Debug("Executor succeeded", "executor", c.name, "duration", c.duration)
	for _, d := range r.wf.dependents[c.name] {
		r.remaining[d]--
		if r.remaining[d] == 0 && r.status[d] == StatusWaiting {
			r.markReady(d)
		}
	}
}

// propagateSkip skips every not-yet-terminal dependent of name, transitively.
// Skips caused by a failure name the failed executor; cancellation skips pass
// their cause through unchanged.
func (r *run) propagateSkip(name, origin string, cause error) {
	for _, d := range r.wf.dependents[name] {
		if r.status[d].Terminal() {
			continue
		}
		depCause := cause
		if origin != "" {
			depCause = &dependencyError{dependency: name, origin: origin}
		}
		r.skip(d, origin, depCause)
	}
}

func (r *run) skip(name, origin string, cause error) {
	if !r.setStatus(name, StatusSkipped) {
		return
	}
	r.results[name] = Result{Status: StatusSkipped, Err: cause, SkippedBy: origin}
	r.wf.metrics.executorSkipped(r.wf.executors[name].ref)
	r.wf.logger.Debug("Executor skipped", "executor", name, "cause", cause)
	r.propagateSkip(name, origin, cause)
}
