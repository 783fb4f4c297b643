package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llm-flow-engine/pkg/config"
	"llm-flow-engine/services/functions"
	"llm-flow-engine/services/models"
	"llm-flow-engine/services/workflow"
)

// globals are the persistent flags shared by every command.
type globals struct {
	jsonOutput bool
	modelsFile string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func (g *globals) output() *output {
	return &output{jsonMode: g.jsonOutput, w: g.stdout, errW: g.stderr}
}

func (g *globals) engine(concurrency int, execTimeout, runTimeout time.Duration) (*workflow.Engine, error) {
	var overrides map[string]models.ModelConfig
	if g.modelsFile != "" {
		var err error
		if overrides, err = models.LoadOverridesFile(g.modelsFile); err != nil {
			return nil, err
		}
	}
	store, err := models.NewStore(overrides)
	if err != nil {
		return nil, err
	}
	return workflow.NewEngine(workflow.EngineConfig{
		Models:          store,
		Logger:          config.NewLogger(g.stderr, config.ParseLogLevel(g.logLevel), "text"),
		MaxConcurrency:  concurrency,
		ExecutorTimeout: execTimeout,
		RunTimeout:      runTimeout,
	})
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "Run and inspect LLM workflow documents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&g.modelsFile, "models-file", os.Getenv("MODELS_FILE"), "YAML file of model config overrides")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(g),
		newValidateCmd(g),
		newFunctionsCmd(g),
		newModelsCmd(g),
		newQuickCmd(g),
	)
	return rootCmd
}

func readDocument(path, format string) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read workflow: %w", err)
	}
	if format == "" {
		format = workflow.FormatFromPath(path)
	}
	return data, format, nil
}

// parseInputs builds the seed context from a JSON object and KEY=VALUE pairs.
// Pairs land under workflow_input.
func parseInputs(raw string, vars []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, fmt.Errorf("invalid --input JSON: %w", err)
		}
	}
	if len(vars) == 0 {
		return inputs, nil
	}

	wi, _ := inputs["workflow_input"].(map[string]any)
	if wi == nil {
		wi = make(map[string]any)
	}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected KEY=VALUE", kv)
		}
		wi[k] = v
	}
	inputs["workflow_input"] = wi
	return inputs, nil
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		format      string
		rawInput    string
		vars        []string
		concurrency int
		execTimeout time.Duration
		runTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow document (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, format, err := readDocument(args[0], format)
			if err != nil {
				return err
			}
			inputs, err := parseInputs(rawInput, vars)
			if err != nil {
				return err
			}
			eng, err := g.engine(concurrency, execTimeout, runTimeout)
			if err != nil {
				return err
			}
			wf, doc, err := eng.Load(data, format, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			report := eng.Execute(ctx, wf, doc, inputs)

			out := g.output()
			if out.jsonMode {
				if err := out.json(report); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, wf.Len())
				for _, name := range wf.TopologicalOrder() {
					r := report.Results[name]
					rows = append(rows, []string{name, string(r.Status), r.Duration.Round(time.Millisecond).String(), resultDetail(r)})
				}
				out.table([]string{"EXECUTOR", "STATUS", "DURATION", "DETAIL"}, rows)
				fmt.Fprintln(out.w)
				if err := out.json(report.Output); err != nil {
					return err
				}
			}

			out.note("Run %s finished: %s in %dms", report.ExecutionID, report.Status, report.TotalDuration)
			if !report.Success {
				return fmt.Errorf("workflow finished with status %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Document format (yaml or json); default from the file extension")
	cmd.Flags().StringVar(&rawInput, "input", "", "Seed context as a JSON object")
	cmd.Flags().StringSliceVar(&vars, "var", nil, "workflow_input values as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum executors running at once (0 = unbounded)")
	cmd.Flags().DurationVar(&execTimeout, "executor-timeout", 0, "Deadline for each executor (0 = none)")
	cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Deadline for the whole run (0 = none)")

	return cmd
}

const detailWidth = 60

func resultDetail(r workflow.Result) string {
	var s string
	if r.Err != nil {
		s = r.Err.Error()
	} else {
		s = functions.Stringify(r.Value)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > detailWidth {
		s = s[:detailWidth-3] + "..."
	}
	return s
}

func newValidateCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a workflow document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, format, err := readDocument(args[0], format)
			if err != nil {
				return err
			}
			eng, err := g.engine(0, 0, 0)
			if err != nil {
				return err
			}
			wf, doc, err := eng.Load(data, format, nil)
			if err != nil {
				return err
			}

			type step struct {
				Order     int      `json:"order"`
				Name      string   `json:"name"`
				Func      string   `json:"func"`
				DependsOn []string `json:"dependsOn,omitempty"`
			}
			steps := make([]step, 0, wf.Len())
			rows := make([][]string, 0, wf.Len())
			for i, name := range wf.TopologicalOrder() {
				e, _ := wf.Executor(name)
				s := step{Order: i + 1, Name: name, Func: e.Func().Name, DependsOn: e.DependsOn()}
				steps = append(steps, s)
				rows = append(rows, []string{strconv.Itoa(s.Order), s.Name, s.Func, strings.Join(s.DependsOn, ",")})
			}

			out := g.output()
			out.note("%s is valid: %d executors", firstNonEmpty(doc.Metadata.Name, args[0]), wf.Len())
			return out.print([]string{"ORDER", "EXECUTOR", "FUNC", "DEPENDS_ON"}, rows, steps)
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Document format (yaml or json); default from the file extension")
	return cmd
}

func newFunctionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List registered functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.engine(0, 0, 0)
			if err != nil {
				return err
			}
			names := eng.Functions()
			rows := make([][]string, len(names))
			for i, n := range names {
				rows[i] = []string{n}
			}
			return g.output().print([]string{"FUNCTION"}, rows, names)
		},
	}
}

func newModelsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.engine(0, 0, 0)
			if err != nil {
				return err
			}
			var (
				cfgs []models.ModelConfig
				rows [][]string
			)
			for _, name := range eng.Models() {
				cfg, err := eng.Model(name)
				if err != nil {
					return err
				}
				cfgs = append(cfgs, cfg)
				rows = append(rows, []string{cfg.Name, cfg.Platform, cfg.APIURL, strconv.FormatBool(cfg.HasCredential())})
			}
			return g.output().print([]string{"MODEL", "PLATFORM", "API_URL", "CREDENTIAL"}, rows, cfgs)
		},
	}
}

func newQuickCmd(g *globals) *cobra.Command {
	var (
		model   string
		apiKey  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "quick TEXT",
		Short: "Send one prompt to a model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.engine(0, 0, timeout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			reply, err := eng.QuickCall(ctx, strings.Join(args, " "), model, apiKey)
			if err != nil {
				return err
			}
			out := g.output()
			if out.jsonMode {
				return out.json(workflow.QuickCallResponse{Model: firstNonEmpty(model, functions.DefaultModel), Output: reply})
			}
			fmt.Fprintln(out.w, functions.Stringify(reply))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name (default "+functions.DefaultModel+")")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key overriding the model config")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline for the call")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
