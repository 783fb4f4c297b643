package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_Defaults(t *testing.T) {
	s, err := NewStore(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"gemma2", "gemma3:4b", "phi3", "qwen2.5"}, s.List())

	cfg, err := s.Get("phi3")
	require.NoError(t, err)
	assert.Equal(t, "phi3", cfg.Name)
	assert.Equal(t, PlatformOllama, cfg.Platform)
	assert.Equal(t, ollamaChatURL, cfg.APIURL)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.True(t, cfg.SupportsParam("top_k"))
	assert.False(t, cfg.HasCredential())
}

func TestStore_GetUnknownIsNotFound(t *testing.T) {
	s, err := NewStore(nil)
	require.NoError(t, err)

	_, err = s.Get("gpt-5")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "gpt-5")
}

func TestNewStore_OverrideMergesPerField(t *testing.T) {
	s, err := NewStore(map[string]ModelConfig{
		"gemma2": {APIURL: "http://gpu-box:11434/api/chat", Extra: map[string]any{"keep_alive": "5m"}},
	})
	require.NoError(t, err)

	cfg, err := s.Get("gemma2")
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434/api/chat", cfg.APIURL)
	// Unspecified fields keep their defaults.
	assert.Equal(t, PlatformOllama, cfg.Platform)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.Equal(t, ollamaParams, cfg.Supports)
	assert.Equal(t, "5m", cfg.Extra["keep_alive"])
}

func TestNewStore_NewModelMustBeInvocable(t *testing.T) {
	_, err := NewStore(map[string]ModelConfig{"remote": {Platform: PlatformOpenAI}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "api_url")

	_, err = NewStore(map[string]ModelConfig{"remote": {Platform: "carrier-pigeon", APIURL: "http://x"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "unsupported platform")
}

func TestNewStore_AddsModel(t *testing.T) {
	s, err := NewStore(map[string]ModelConfig{
		"claude": {Platform: PlatformAnthropic, APIURL: "https://api.anthropic.com/v1/messages", APIKey: "k"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, s.Len())
	assert.Equal(t, []string{PlatformAnthropic, PlatformOllama}, s.Platforms())
	assert.Equal(t, []string{"claude"}, s.ByPlatform(PlatformAnthropic))
	assert.Len(t, s.ModelsByPlatform()[PlatformOllama], 4)

	cfg, err := s.Get("claude")
	require.NoError(t, err)
	assert.True(t, cfg.HasCredential())
}

func TestStore_ByPlatformSorted(t *testing.T) {
	s, err := NewStore(map[string]ModelConfig{
		"zeta":  {Platform: PlatformAnthropic, APIURL: "https://api.anthropic.com/v1/messages"},
		"alpha": {Platform: PlatformAnthropic, APIURL: "https://api.anthropic.com/v1/messages"},
		"mid":   {Platform: PlatformAnthropic, APIURL: "https://api.anthropic.com/v1/messages"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, s.ByPlatform(PlatformAnthropic))
	assert.Empty(t, s.ByPlatform(PlatformGoogle))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, err := NewStore(nil)
	require.NoError(t, err)

	cfg, err := s.Get("qwen2.5")
	require.NoError(t, err)
	cfg.Supports[0] = "mutated"

	again, err := s.Get("qwen2.5")
	require.NoError(t, err)
	assert.Equal(t, "temperature", again.Supports[0])
}

func TestStore_DefaultsNotShared(t *testing.T) {
	d := Defaults()
	d["phi3"] = ModelConfig{}

	s, err := NewStore(nil)
	require.NoError(t, err)
	cfg, err := s.Get("phi3")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.APIURL)
}

func TestParseOverrides(t *testing.T) {
	doc := `
models:
  gemma2:
    max_tokens: 2048
  gpt-4o:
    platform: openai
    api_url: https://api.openai.com/v1/chat/completions
    api_key: sk-test
    supports: [temperature, top_p]
`
	overrides, err := ParseOverrides(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, 2048, overrides["gemma2"].MaxTokens)
	assert.Equal(t, "sk-test", overrides["gpt-4o"].APIKey)

	s, err := NewStore(overrides)
	require.NoError(t, err)
	cfg, err := s.Get("gemma2")
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.Equal(t, ollamaChatURL, cfg.APIURL)
}

func TestParseOverrides_RejectsUnknownFields(t *testing.T) {
	_, err := ParseOverrides(strings.NewReader("models:\n  x:\n    endpoint: http://x\n"))
	require.Error(t, err)
}

func TestParseOverrides_Empty(t *testing.T) {
	overrides, err := ParseOverrides(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestLoadOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  phi3:\n    api_key: abc\n"), 0o600))

	overrides, err := LoadOverridesFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", overrides["phi3"].APIKey)

	_, err = LoadOverridesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
