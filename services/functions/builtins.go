package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"llm-flow-engine/services/models"
)

// Builtin function names.
const (
	TextProcess        = "text_process"
	Calculate          = "calculate"
	DataMerge          = "data_merge"
	CombineOutputs     = "combine_outputs"
	StringToJSON       = "string_to_json"
	JSONToString       = "json_to_string"
	DataFlowTransform  = "data_flow_transform"
	SmartParameterPass = "smart_parameter_pass"
	HTTPRequestGet     = "http_request_get"
	HTTPRequestPost    = "http_request_post_json"
	HTTPRequest        = "http_request"
	LLMAPICall         = "llm_api_call"
	LLMSimpleCall      = "llm_simple_call"
	LLMChatCall        = "llm_chat_call"
)

// ModelLookup resolves a model name to its endpoint configuration.
type ModelLookup interface {
	Get(name string) (models.ModelConfig, error)
}

// Deps are the collaborators the builtins need. Nil fields get defaults.
type Deps struct {
	Models     ModelLookup
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewBuiltinRegistry creates a registry populated with every builtin.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, deps)
	return r
}

// RegisterBuiltins registers the builtin catalog into r.
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r.MustRegister(TextProcess, textProcess)
	r.MustRegister(Calculate, calculate)
	r.MustRegister(DataMerge, dataMerge)
	r.MustRegister(CombineOutputs, combineOutputs)
	r.MustRegister(StringToJSON, stringToJSON)
	r.MustRegister(JSONToString, jsonToString)
	r.MustRegister(DataFlowTransform, dataFlowTransform)
	r.MustRegister(SmartParameterPass, smartParameterPass(r))

	h := &httpFuncs{client: deps.HTTPClient}
	r.MustRegister(HTTPRequestGet, h.get)
	r.MustRegister(HTTPRequestPost, h.postJSON)
	r.MustRegister(HTTPRequest, h.request)

	llm := NewLLMClient(deps.Models, deps.HTTPClient, deps.Logger)
	r.MustRegister(LLMAPICall, llm.apiCall)
	r.MustRegister(LLMSimpleCall, llm.simpleCall)
	r.MustRegister(LLMChatCall, llm.chatCall)
}

// textProcess applies operation (upper, lower, title, reverse, trim) to the input text.
// Unknown operations return the text unchanged.
func textProcess(_ context.Context, in Inputs) (any, error) {
	text, ok := in.Text("text", "input")
	if !ok {
		if wi := in.Map("workflow_input"); wi != nil {
			text = Stringify(wi["question"])
		}
	}

	switch in.StringOr("operation", "upper") {
	case "upper":
		return strings.ToUpper(text), nil
	case "lower":
		return strings.ToLower(text), nil
	case "title":
		return cases.Title(language.Und).String(text), nil
	case "reverse":
		r := []rune(text)
		slices.Reverse(r)
		return string(r), nil
	case "trim":
		return strings.TrimSpace(text), nil
	default:
		return text, nil
	}
}

// dataMerge gathers all named inputs into one mapping.
func dataMerge(_ context.Context, in Inputs) (any, error) {
	merged := in.Params()
	up := in.Upstream()
	return map[string]any{
		"merged_data":  merged,
		"args_count":   len(up),
		"kwargs_count": len(merged),
		"total_count":  len(merged) + len(up),
	}, nil
}

var templateField = regexp.MustCompile(`\{(\w+)\}`)

// combineOutputs joins upstream values. Methods: template (default when a
// prompt_template is given), json, structured, custom; anything else joins
// with blank lines.
func combineOutputs(_ context.Context, in Inputs) (any, error) {
	up := in.Upstream()
	if len(up) == 0 {
		return "", nil
	}

	mapping := indexMapping(in["input_mapping"])
	named := make(map[string]string)
	for i, v := range up {
		if name, ok := mapping[i]; ok {
			named[name] = Stringify(v)
			continue
		}
		named[fmt.Sprintf("input%d", i+1)] = Stringify(v)
		named[fmt.Sprintf("output%d", i+1)] = Stringify(v)
	}
	for k, v := range in.Params() {
		switch k {
		case "prompt_template", "combine_method", "input_mapping":
			continue
		}
		named[k] = Stringify(v)
	}

	tmpl, _ := in.String("prompt_template")
	method := in.StringOr("combine_method", "template")

	switch method {
	case "template":
		if tmpl == "" {
			break
		}
		out, ok := fillTemplate(tmpl, named)
		if !ok {
			return Stringify(up[0]), nil
		}
		return out, nil

	case "json":
		doc := map[string]any{
			"combined_inputs": named,
			"input_count":     len(up),
			"metadata":        in.Map("metadata"),
		}
		return marshalIndent(doc)

	case "structured":
		sections := make([]string, 0, len(up))
		for i, v := range up {
			title := fmt.Sprintf("Input %d", i+1)
			if name, ok := mapping[i]; ok {
				title = name
			}
			sections = append(sections, fmt.Sprintf("## %s\n%s", title, Stringify(v)))
		}
		body := strings.Join(sections, "\n\n")
		if tmpl != "" {
			header, _ := fillTemplate(tmpl, named)
			return header + "\n\n" + body, nil
		}
		return body, nil

	case "custom":
		parts := make([]string, 0, len(up))
		for _, v := range up {
			parts = append(parts, Stringify(v))
		}
		sep := in.StringOr("separator", "\n\n")
		return in.StringOr("prefix", "") + strings.Join(parts, sep) + in.StringOr("suffix", ""), nil
	}

	parts := make([]string, 0, len(up))
	for _, v := range up {
		parts = append(parts, Stringify(v))
	}
	return strings.Join(parts, "\n\n"), nil
}

// fillTemplate substitutes {name} fields. It reports false if any field has no value.
func fillTemplate(tmpl string, values map[string]string) (string, bool) {
	complete := true
	out := templateField.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := values[key]; ok {
			return v
		}
		complete = false
		return m
	})
	return out, complete
}

// indexMapping reads an input_mapping of position to name. Keys may be ints or
// numeric strings, as YAML and JSON produce either.
func indexMapping(v any) map[int]string {
	out := make(map[int]string)
	switch m := v.(type) {
	case map[string]any:
		for k, name := range m {
			if i, err := strconv.Atoi(k); err == nil {
				out[i] = Stringify(name)
			}
		}
	case map[int]any:
		for i, name := range m {
			out[i] = Stringify(name)
		}
	case map[any]any:
		for k, name := range m {
			if i, ok := toFloat64(k); ok {
				out[int(i)] = Stringify(name)
			} else if i, err := strconv.Atoi(Stringify(k)); err == nil {
				out[i] = Stringify(name)
			}
		}
	}
	return out
}

func stringToJSON(_ context.Context, in Inputs) (any, error) {
	s, ok := in.Text("s", "text", "json")
	if !ok {
		return nil, invalidInput(StringToJSON, "no input string")
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, invalidInput(StringToJSON, "decode: %v", err)
	}
	return out, nil
}

func jsonToString(_ context.Context, in Inputs) (any, error) {
	for _, k := range []string{"obj", "data"} {
		if v, ok := in[k]; ok {
			return marshalIndent(v)
		}
	}
	if up := in.Upstream(); len(up) > 0 {
		return marshalIndent(up[0])
	}
	return nil, invalidInput(JSONToString, "no input value")
}

func marshalIndent(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// dataFlowTransform applies transform_rules in order to the upstream values.
// Rule types: extract {field}, format {template with {data}}, aggregate
// {method: join|count, separator}.
func dataFlowTransform(_ context.Context, in Inputs) (any, error) {
	data := slices.Clone(in.Upstream())
	if len(data) == 0 {
		if list, ok := in["data"].([]any); ok {
			data = slices.Clone(list)
		} else if v, ok := in["data"]; ok {
			data = []any{v}
		}
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	rules, _ := in["transform_rules"].([]any)
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			return nil, invalidInput(DataFlowTransform, "rule %d is not a mapping", i)
		}
		typ, _ := rule["type"].(string)
		switch typ {
		case "extract":
			field, _ := rule["field"].(string)
			if field == "" {
				continue
			}
			for j, item := range data {
				if m, ok := item.(map[string]any); ok {
					if v, ok := m[field]; ok {
						data[j] = v
					}
					continue
				}
				data[j] = Stringify(item)
			}
		case "format":
			tmpl, _ := rule["template"].(string)
			if tmpl == "" {
				tmpl = "{data}"
			}
			for j, item := range data {
				data[j] = strings.ReplaceAll(tmpl, "{data}", Stringify(item))
			}
		case "aggregate":
			method, _ := rule["method"].(string)
			switch method {
			case "", "join":
				sep, ok := rule["separator"].(string)
				if !ok {
					sep = "\n"
				}
				parts := make([]string, 0, len(data))
				for _, item := range data {
					parts = append(parts, Stringify(item))
				}
				data = []any{strings.Join(parts, sep)}
			case "count":
				data = []any{len(data)}
			default:
				return nil, invalidInput(DataFlowTransform, "unknown aggregate method %q", method)
			}
		default:
			return nil, invalidInput(DataFlowTransform, "unknown rule type %q", typ)
		}
	}

	if len(data) == 1 {
		return data[0], nil
	}
	return data, nil
}

// smartParameterPass maps upstream values onto named parameters
// (parameter_mapping: {arg0: name}) and, when target_function is set,
// dispatches to that registered function.
func smartParameterPass(r *Registry) Func {
	return func(ctx context.Context, in Inputs) (any, error) {
		params := make(Inputs)
		mapping := in.Map("parameter_mapping")
		for i, v := range in.Upstream() {
			if name, ok := mapping[fmt.Sprintf("arg%d", i)].(string); ok && name != "" {
				params[name] = v
			}
		}
		for k, v := range in.Map("context_data") {
			params[k] = v
		}
		for k, v := range in.Params() {
			switch k {
			case "target_function", "parameter_mapping", "context_data":
				continue
			}
			params[k] = v
		}

		target, _ := in.String("target_function")
		if target == "" || target == SmartParameterPass {
			return map[string]any(params), nil
		}
		fn, err := r.Resolve(target)
		if err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}
