package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"

	"llm-flow-engine/services/functions"
	"llm-flow-engine/services/models"
)

// Run outcomes reported by the engine.
const (
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// EngineConfig wires an Engine. Zero fields get defaults: the default model
// table, the builtin function catalog and slog.Default().
type EngineConfig struct {
	Models          *models.Store
	Registry        *functions.Registry
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Metrics         *Metrics
	MaxConcurrency  int
	ExecutorTimeout time.Duration
	RunTimeout      time.Duration
}

// Engine composes the model store and function registry and runs workflow
// documents against them.
type Engine struct {
	models   *models.Store
	registry *functions.Registry
	logger   *slog.Logger
	metrics  *Metrics

	maxConcurrency  int
	executorTimeout time.Duration
	runTimeout      time.Duration
}

// NewEngine creates an Engine from cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	e := &Engine{
		models:          cfg.Models,
		registry:        cfg.Registry,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		maxConcurrency:  cfg.MaxConcurrency,
		executorTimeout: cfg.ExecutorTimeout,
		runTimeout:      cfg.RunTimeout,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.models == nil {
		store, err := models.NewStore(nil)
		if err != nil {
			return nil, fmt.Errorf("default model store: %w", err)
		}
		e.models = store
	}
	if e.registry == nil {
		e.registry = functions.NewBuiltinRegistry(functions.Deps{
			Models:     e.models,
			HTTPClient: cfg.HTTPClient,
			Logger:     e.logger,
		})
	}
	return e, nil
}

// ExecutionReport is the outcome of running a workflow document.
type ExecutionReport struct {
	ExecutionID   string            `json:"executionId"`
	Success       bool              `json:"success"`
	Status        string            `json:"status"`
	StartTime     string            `json:"startTime"`
	EndTime       string            `json:"endTime"`
	TotalDuration int64             `json:"totalDuration"`
	Results       Results           `json:"results"`
	Output        map[string]any    `json:"output"`
	Errors        map[string]string `json:"errors,omitempty"`
	Metadata      Metadata          `json:"metadata"`
	Inputs        map[string]any    `json:"inputs,omitempty"`
	DSL           string            `json:"dsl,omitempty"`
}

// RegisterFunction adds or replaces a function in the engine's registry.
func (e *Engine) RegisterFunction(name string, fn functions.Func) error {
	return e.registry.Register(name, fn)
}

// Functions lists registered function names.
func (e *Engine) Functions() []string { return e.registry.List() }

// Models lists configured model names.
func (e *Engine) Models() []string { return e.models.List() }

// ModelsByPlatform groups model names by platform.
func (e *Engine) ModelsByPlatform() map[string][]string { return e.models.ModelsByPlatform() }

// Model returns one model's configuration.
func (e *Engine) Model(name string) (models.ModelConfig, error) { return e.models.Get(name) }

func (e *Engine) workflowOptions() []Option {
	return []Option{
		WithLogger(e.logger),
		WithMetrics(e.metrics),
		WithMaxConcurrency(e.maxConcurrency),
		WithExecutorTimeout(e.executorTimeout),
	}
}

// Load parses and builds a workflow document. Functions in overrides shadow
// registry entries of the same name for this document only.
func (e *Engine) Load(dsl []byte, format string, overrides map[string]functions.Func) (*Workflow, *Document, error) {
	reg := e.registry
	if len(overrides) > 0 {
		reg = reg.WithOverrides(overrides)
	}
	return Load(dsl, format, reg, e.workflowOptions()...)
}

// ExecuteDSL loads and runs a workflow document. It returns an error only
// when the document cannot be turned into a Workflow. Executor failures are
// reported in the ExecutionReport.
func (e *Engine) ExecuteDSL(ctx context.Context, dsl []byte, format string, inputs map[string]any, overrides map[string]functions.Func) (*ExecutionReport, error) {
	wf, doc, err := e.Load(dsl, format, overrides)
	if err != nil {
		return nil, err
	}
	report := e.Execute(ctx, wf, doc, inputs)
	report.DSL = string(dsl)
	return report, nil
}

// Execute runs a built workflow with inputs as the seed context and
// evaluates the document's output mapping. Without an output mapping the
// values of the sink executors are reported.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, doc *Document, inputs map[string]any) *ExecutionReport {
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	if doc == nil {
		doc = &Document{}
	}

	id := uuid.New().String()
	logger := e.logger.With("execution_id", id)
	logger.Info("Executing workflow", "name", doc.Metadata.Name, "executors", wf.Len())

	start := time.Now()
	results := wf.Run(ctx, inputs)
	end := time.Now()

	scope := make(map[string]any, len(inputs)+len(results))
	maps.Copy(scope, inputs)
	maps.Copy(scope, results.Values())

	var output map[string]any
	if len(doc.Output) > 0 {
		output, _ = ResolvePlaceholders(doc.Output, scope).(map[string]any)
	} else {
		output = make(map[string]any)
		for _, name := range wf.Sinks() {
			if r := results[name]; r.Status == StatusSuccess {
				output[name] = r.Value
			}
		}
	}

	status := runStatus(ctx, results)
	report := &ExecutionReport{
		ExecutionID:   id,
		Success:       status == RunCompleted,
		Status:        status,
		StartTime:     start.UTC().Format(time.RFC3339),
		EndTime:       end.UTC().Format(time.RFC3339),
		TotalDuration: end.Sub(start).Milliseconds(),
		Results:       results,
		Output:        output,
		Metadata:      doc.Metadata,
		Inputs:        inputs,
	}
	if errs := results.Errors(); len(errs) > 0 {
		report.Errors = errs
	}
	logger.Info("Workflow finished", "status", status, "duration_ms", report.TotalDuration)
	return report
}

func runStatus(ctx context.Context, results Results) string {
	switch {
	case results.Succeeded():
		return RunCompleted
	case ctx.Err() != nil:
		return RunCancelled
	case len(results.WithStatus(StatusSuccess)) > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// QuickCall sends a single prompt through llm_simple_call and returns the reply.
func (e *Engine) QuickCall(ctx context.Context, userInput, model, apiKey string) (any, error) {
	in := map[string]any{"user_input": userInput}
	if model != "" {
		in["model"] = model
	}
	if apiKey != "" {
		in["api_key"] = apiKey
	}

	const name = "quick_call"
	wf, err := New([]*Executor{
		NewRegistryExecutor(name, e.registry, functions.LLMSimpleCall, WithInputs(in)),
	}, e.workflowOptions()...)
	if err != nil {
		return nil, err
	}

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	r := wf.Run(ctx, nil)[name]
	if r.Status != StatusSuccess {
		return nil, r.Err
	}
	return r.Value, nil
}
