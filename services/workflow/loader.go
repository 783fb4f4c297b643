package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"llm-flow-engine/services/functions"
)

// Document formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Document is the textual description of a workflow.
type Document struct {
	Metadata  Metadata       `yaml:"metadata" json:"metadata"`
	Executors []ExecutorSpec `yaml:"executors" json:"executors"`
	// Output maps result keys to placeholder expressions evaluated after the run.
	Output map[string]any `yaml:"output,omitempty" json:"output,omitempty"`
}

// Metadata describes a workflow document.
type Metadata struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ExecutorSpec is one entry of a document's executors list. Static inputs may
// be given as custom_vars or inputs, not both.
type ExecutorSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Func       string         `yaml:"func" json:"func"`
	CustomVars map[string]any `yaml:"custom_vars,omitempty" json:"custom_vars,omitempty"`
	Inputs     map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DependsOn  []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

func (s ExecutorSpec) staticInputs() map[string]any {
	if s.Inputs != nil {
		return s.Inputs
	}
	return s.CustomVars
}

// FormatFromPath picks the document format from a file extension.
func FormatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a document. Unknown fields are rejected.
func Parse(data []byte, format string) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Index: -1, Msg: "document is empty"}
	}

	var doc Document
	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ValidationError{Index: -1, Msg: fmt.Sprintf("decode yaml: %v", err)}
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, &ValidationError{Index: -1, Msg: fmt.Sprintf("decode json: %v", err)}
		}
		doc.normalizeNumbers()
	default:
		return nil, &ValidationError{Index: -1, Field: "format", Msg: fmt.Sprintf("unsupported format %q", format)}
	}
	return &doc, nil
}

// Validate checks the document's fields. When reg is not nil every func must
// be registered in it. A placeholder may only name an executor listed in
// depends_on. Graph structure (duplicates, unknown dependencies, cycles) is
// checked by New.
func (d *Document) Validate(reg *functions.Registry) error {
	if len(d.Executors) == 0 {
		return &ValidationError{Index: -1, Field: "executors", Msg: "at least one executor is required"}
	}
	for i, s := range d.Executors {
		if strings.TrimSpace(s.Name) == "" {
			return &ValidationError{Index: i, Field: "name", Msg: "is required"}
		}
		if s.Func == "" {
			return &ValidationError{Index: i, Executor: s.Name, Field: "func", Msg: "is required"}
		}
		if reg != nil && !reg.Has(s.Func) {
			return &ValidationError{Index: i, Executor: s.Name, Field: "func", Msg: fmt.Sprintf("unknown function %q", s.Func)}
		}
		if s.CustomVars != nil && s.Inputs != nil {
			return &ValidationError{Index: i, Executor: s.Name, Field: "inputs", Msg: "set either custom_vars or inputs, not both"}
		}
		for _, dep := range s.DependsOn {
			if strings.TrimSpace(dep) == "" {
				return &ValidationError{Index: i, Executor: s.Name, Field: "depends_on", Msg: "contains an empty name"}
			}
		}
	}
	return d.validateRefs()
}

func (d *Document) validateRefs() error {
	names := make(map[string]bool, len(d.Executors))
	for _, s := range d.Executors {
		names[s.Name] = true
	}
	for i, s := range d.Executors {
		field := "custom_vars"
		if s.Inputs != nil {
			field = "inputs"
		}
		for _, ref := range placeholderRefs(s.staticInputs()) {
			target, ok := refTarget(ref, names)
			if !ok || slices.Contains(s.DependsOn, target) {
				continue
			}
			return &ValidationError{Index: i, Executor: s.Name, Field: field,
				Msg: fmt.Sprintf("${%s} refers to %q, which is not in depends_on", ref, target)}
		}
	}
	return nil
}

// Build validates the document and constructs its Workflow, resolving every
// func in reg.
func (d *Document) Build(reg *functions.Registry, opts ...Option) (*Workflow, error) {
	if err := d.Validate(reg); err != nil {
		return nil, err
	}
	executors := make([]*Executor, 0, len(d.Executors))
	for _, s := range d.Executors {
		executors = append(executors, NewRegistryExecutor(s.Name, reg, s.Func,
			WithInputs(s.staticInputs()),
			DependsOn(s.DependsOn...),
		))
	}
	return New(executors, opts...)
}

// Load parses, validates and builds a workflow in one step.
func Load(data []byte, format string, reg *functions.Registry, opts ...Option) (*Workflow, *Document, error) {
	doc, err := Parse(data, format)
	if err != nil {
		return nil, nil, err
	}
	wf, err := doc.Build(reg, opts...)
	if err != nil {
		return nil, doc, err
	}
	return wf, doc, nil
}

// normalizeNumbers turns json.Number values into int or float64 so JSON and
// YAML documents produce the same input types.
func (d *Document) normalizeNumbers() {
	for i := range d.Executors {
		d.Executors[i].CustomVars = normalizeMap(d.Executors[i].CustomVars)
		d.Executors[i].Inputs = normalizeMap(d.Executors[i].Inputs)
	}
	d.Output = normalizeMap(d.Output)
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
