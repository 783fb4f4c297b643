// Package models holds the model configuration store consulted by the
// generation builtins: a name to endpoint mapping built from a default table
// and caller overrides, immutable once constructed.
package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	// ErrNotFound is returned when a model name has no configuration.
	ErrNotFound = errors.New("model not found")

	// ErrInvalidConfig is returned for an override that cannot be invoked.
	ErrInvalidConfig = errors.New("invalid model config")
)

// Supported platforms. The platform selects the request/response shape used by
// the LLM client.
const (
	PlatformOllama           = "ollama"
	PlatformOpenAI           = "openai"
	PlatformOpenAICompatible = "openai_compatible"
	PlatformAnthropic        = "anthropic"
	PlatformGoogle           = "google"
)

var knownPlatforms = map[string]bool{
	PlatformOllama:           true,
	PlatformOpenAI:           true,
	PlatformOpenAICompatible: true,
	PlatformAnthropic:        true,
	PlatformGoogle:           true,
}

// ModelConfig describes how to reach one model endpoint.
type ModelConfig struct {
	Name          string         `json:"name" yaml:"-"`
	Platform      string         `json:"platform" yaml:"platform"`
	APIURL        string         `json:"apiUrl" yaml:"api_url"`
	APIKey        string         `json:"-" yaml:"api_key"`
	AuthHeader    string         `json:"authHeader,omitempty" yaml:"auth_header"`
	MessageFormat string         `json:"messageFormat,omitempty" yaml:"message_format"`
	MaxTokens     int            `json:"maxTokens,omitempty" yaml:"max_tokens"`
	Supports      []string       `json:"supports,omitempty" yaml:"supports"`
	Extra         map[string]any `json:"extra,omitempty" yaml:"extra"`
}

// SupportsParam reports whether the model accepts the named sampling parameter.
func (c ModelConfig) SupportsParam(param string) bool {
	return slices.Contains(c.Supports, param)
}

// HasCredential reports whether an API key is configured.
func (c ModelConfig) HasCredential() bool {
	return c.APIKey != ""
}

func (c ModelConfig) clone() ModelConfig {
	c.Supports = slices.Clone(c.Supports)
	c.Extra = maps.Clone(c.Extra)
	return c
}

// merge overlays the non-zero fields of o onto c. Extra is merged key by key.
func (c ModelConfig) merge(o ModelConfig) ModelConfig {
	out := c.clone()
	if o.Platform != "" {
		out.Platform = o.Platform
	}
	if o.APIURL != "" {
		out.APIURL = o.APIURL
	}
	if o.APIKey != "" {
		out.APIKey = o.APIKey
	}
	if o.AuthHeader != "" {
		out.AuthHeader = o.AuthHeader
	}
	if o.MessageFormat != "" {
		out.MessageFormat = o.MessageFormat
	}
	if o.MaxTokens != 0 {
		out.MaxTokens = o.MaxTokens
	}
	if o.Supports != nil {
		out.Supports = slices.Clone(o.Supports)
	}
	if len(o.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(o.Extra))
		}
		maps.Copy(out.Extra, o.Extra)
	}
	return out
}

func (c ModelConfig) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("%w: %s: api_url is required", ErrInvalidConfig, c.Name)
	}
	if !knownPlatforms[c.Platform] {
		return fmt.Errorf("%w: %s: unsupported platform %q", ErrInvalidConfig, c.Name, c.Platform)
	}
	return nil
}

const ollamaChatURL = "http://localhost:11434/api/chat"

var ollamaParams = []string{"temperature", "top_p", "top_k"}

// Defaults returns a fresh copy of the built-in model table.
func Defaults() map[string]ModelConfig {
	ollama := func(name string, maxTokens int) ModelConfig {
		return ModelConfig{
			Name:          name,
			Platform:      PlatformOllama,
			APIURL:        ollamaChatURL,
			MessageFormat: PlatformOllama,
			MaxTokens:     maxTokens,
			Supports:      slices.Clone(ollamaParams),
		}
	}
	return map[string]ModelConfig{
		"gemma3:4b": ollama("gemma3:4b", 8192),
		"qwen2.5":   ollama("qwen2.5", 8192),
		"gemma2":    ollama("gemma2", 8192),
		"phi3":      ollama("phi3", 4096),
	}
}

// Store is a read-only name to ModelConfig lookup. It is safe for concurrent use.
type Store struct {
	models map[string]ModelConfig
}

// NewStore builds a store from the default table overlaid with overrides.
// An override for a known model keeps every default field it does not set;
// an override for a new model must be invocable on its own.
func NewStore(overrides map[string]ModelConfig) (*Store, error) {
	return NewStoreFrom(Defaults(), overrides)
}

// NewStoreFrom is NewStore with an explicit base table.
func NewStoreFrom(base, overrides map[string]ModelConfig) (*Store, error) {
	models := make(map[string]ModelConfig, len(base)+len(overrides))
	for name, cfg := range base {
		cfg.Name = name
		models[name] = cfg.clone()
	}

	// Apply in name order so validation errors are reported deterministically.
	names := slices.Sorted(maps.Keys(overrides))
	for _, name := range names {
		o := overrides[name]
		o.Name = name
		merged := o.clone()
		if cur, ok := models[name]; ok {
			merged = cur.merge(o)
		}
		merged.Name = name
		if err := merged.validate(); err != nil {
			return nil, err
		}
		models[name] = merged
	}

	return &Store{models: models}, nil
}

// Get returns the configuration for name or ErrNotFound.
func (s *Store) Get(name string) (ModelConfig, error) {
	cfg, ok := s.models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cfg.clone(), nil
}

// List returns all model names in sorted order.
func (s *Store) List() []string {
	return slices.Sorted(maps.Keys(s.models))
}

// Platforms returns the distinct platforms of the configured models, sorted.
func (s *Store) Platforms() []string {
	seen := make(map[string]struct{})
	for _, cfg := range s.models {
		seen[cfg.Platform] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ByPlatform returns the sorted model names served by platform.
func (s *Store) ByPlatform(platform string) []string {
	var out []string
	for name, cfg := range s.models {
		if cfg.Platform == platform {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// ModelsByPlatform groups model names by platform.
func (s *Store) ModelsByPlatform() map[string][]string {
	out := make(map[string][]string)
	for _, p := range s.Platforms() {
		out[p] = s.ByPlatform(p)
	}
	return out
}

// Len returns the number of configured models.
func (s *Store) Len() int {
	return len(s.models)
}
