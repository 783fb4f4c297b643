package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"llm-flow-engine/services/models"
)

// DefaultModel is used when an LLM builtin receives no model input.
const DefaultModel = "gemma3:4b"

// samplingParams are the request parameters forwarded to providers when the
// model config lists them as supported. max_tokens is always forwarded.
var samplingParams = []string{"temperature", "top_p", "top_k", "frequency_penalty", "presence_penalty", "stop", "max_tokens"}

// placeholderKeys are credentials that mean "no key configured".
var placeholderKeys = map[string]bool{"": true, "your-api-key": true, "demo-key": true}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral generation request.
type ChatRequest struct {
	Model    string
	Messages []Message
	// APIKey and APIURL override the model config when set.
	APIKey string
	APIURL string
	Params map[string]any
}

// LLMClient sends chat requests to the endpoint configured for a model.
type LLMClient struct {
	httpClient *http.Client
	models     ModelLookup
	logger     *slog.Logger
}

// NewLLMClient returns a client resolving endpoints through lookup.
func NewLLMClient(lookup ModelLookup, httpClient *http.Client, logger *slog.Logger) *LLMClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{httpClient: httpClient, models: lookup, logger: logger}
}

// Chat sends req to the model's platform and returns the generated text.
func (c *LLMClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	cfg, err := c.resolve(req.Model)
	if err != nil {
		return "", err
	}
	if len(req.Messages) == 0 {
		return "", invalidInput(LLMAPICall, "no messages")
	}

	endpoint := cfg.APIURL
	if req.APIURL != "" {
		endpoint = req.APIURL
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: %s has no api_url", models.ErrInvalidConfig, cfg.Name)
	}
	apiKey := cfg.APIKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	params := filterParams(cfg, req.Params)

	c.logger.Debug("Calling model", "model", cfg.Name, "platform", cfg.Platform, "messages", len(req.Messages))

	switch cfg.Platform {
	case models.PlatformOpenAI, models.PlatformOpenAICompatible:
		return c.callOpenAI(ctx, endpoint, cfg.Name, cfg.AuthHeader, apiKey, req.Messages, params)
	case models.PlatformAnthropic:
		return c.callAnthropic(ctx, endpoint, cfg.Name, apiKey, req.Messages, params)
	case models.PlatformOllama:
		return c.callOllama(ctx, endpoint, cfg.Name, req.Messages, params)
	case models.PlatformGoogle:
		return c.callGoogle(ctx, endpoint, apiKey, req.Messages, params)
	default:
		return "", fmt.Errorf("%w: %s: unsupported platform %q", models.ErrInvalidConfig, cfg.Name, cfg.Platform)
	}
}

func (c *LLMClient) resolve(model string) (models.ModelConfig, error) {
	if c.models == nil {
		return models.ModelConfig{}, errors.New("no model store configured")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg, err := c.models.Get(model)
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("resolve model: %w", err)
	}
	return cfg, nil
}

func filterParams(cfg models.ModelConfig, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "max_tokens" || cfg.SupportsParam(k) {
			out[k] = v
		}
	}
	return out
}

func paramOr(params map[string]any, key string, def any) any {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *LLMClient) callOpenAI(ctx context.Context, endpoint, model, authHeader, apiKey string, msgs []Message, params map[string]any) (string, error) {
	payload := map[string]any{
		"model":       model,
		"messages":    msgs,
		"max_tokens":  paramOr(params, "max_tokens", 150),
		"temperature": paramOr(params, "temperature", 0.7),
		"stream":      false,
	}
	for _, k := range []string{"top_p", "frequency_penalty", "presence_penalty", "stop"} {
		if v, ok := params[k]; ok {
			payload[k] = v
		}
	}
	headers := map[string]string{}
	switch {
	case apiKey == "":
	case authHeader != "" && authHeader != "Authorization":
		headers[authHeader] = apiKey
	default:
		headers["Authorization"] = "Bearer " + apiKey
	}

	var result openAIResponse
	if err := c.postJSON(ctx, "OpenAI", endpoint, headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (c *LLMClient) callAnthropic(ctx context.Context, endpoint, model, apiKey string, msgs []Message, params map[string]any) (string, error) {
	// System turns travel in a dedicated field.
	var system []string
	turns := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	payload := map[string]any{
		"model":      model,
		"messages":   turns,
		"max_tokens": paramOr(params, "max_tokens", 150),
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}

	var result anthropicResponse
	if err := c.postJSON(ctx, "Anthropic", endpoint, headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Content[0].Text), nil
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func (c *LLMClient) callOllama(ctx context.Context, endpoint, model string, msgs []Message, params map[string]any) (string, error) {
	payload := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   false,
	}
	options := map[string]any{}
	for _, k := range []string{"temperature", "top_p", "top_k"} {
		if v, ok := params[k]; ok {
			options[k] = v
		}
	}
	if v, ok := params["max_tokens"]; ok {
		options["num_predict"] = v
	}
	if len(options) > 0 {
		payload["options"] = options
	}

	var result ollamaResponse
	if err := c.postJSON(ctx, "Ollama", endpoint, nil, payload, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Message.Content), nil
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *LLMClient) callGoogle(ctx context.Context, endpoint, apiKey string, msgs []Message, params map[string]any) (string, error) {
	if apiKey != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	contents := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		role := "model"
		if m.Role == "user" || m.Role == "system" {
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	payload := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"maxOutputTokens": paramOr(params, "max_tokens", 150),
			"temperature":     paramOr(params, "temperature", 0.7),
		},
	}

	var result googleResponse
	if err := c.postJSON(ctx, "Google", endpoint, nil, payload, &result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Candidates[0].Content.Parts[0].Text), nil
}

func (c *LLMClient) postJSON(ctx context.Context, provider, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s API request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s API returned status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}

// apiCall is the general entry point: prompt or messages, model, optional
// api_key/api_url and sampling parameters.
func (c *LLMClient) apiCall(ctx context.Context, in Inputs) (any, error) {
	msgs, err := parseMessages(in["messages"])
	if err != nil {
		return nil, invalidInput(LLMAPICall, "%v", err)
	}
	if len(msgs) == 0 {
		prompt, ok := in.Text("prompt", "user_input")
		if !ok || prompt == "" {
			return nil, invalidInput(LLMAPICall, "prompt or messages is required")
		}
		msgs = []Message{{Role: "user", Content: prompt}}
	}
	return c.Chat(ctx, ChatRequest{
		Model:    in.StringOr("model", DefaultModel),
		Messages: msgs,
		APIKey:   in.StringOr("api_key", ""),
		APIURL:   in.StringOr("api_url", ""),
		Params:   samplingInputs(in),
	})
}

// simpleCall sends a single user turn. Keyed platforms without a usable
// credential answer with a canned reply instead of calling out.
func (c *LLMClient) simpleCall(ctx context.Context, in Inputs) (any, error) {
	userInput, ok := in.Text("user_input", "prompt", "text", "input")
	if !ok || userInput == "" {
		return nil, invalidInput(LLMSimpleCall, "user_input is required")
	}
	model := in.StringOr("model", DefaultModel)
	cfg, err := c.resolve(model)
	if err != nil {
		return nil, err
	}

	apiKey := in.StringOr("api_key", cfg.APIKey)
	if cfg.Platform != models.PlatformOllama && placeholderKeys[apiKey] {
		c.logger.Debug("No credential for model, returning simulated reply", "model", model)
		return fmt.Sprintf("AI reply: I understood your input %q. This is a simulated response (a real API key is required).", userInput), nil
	}

	return c.Chat(ctx, ChatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: userInput}},
		APIKey:   apiKey,
		Params:   map[string]any{"max_tokens": 500, "temperature": 0.7},
	})
}

// chatCall sends a multi-turn conversation with an optional system prompt.
func (c *LLMClient) chatCall(ctx context.Context, in Inputs) (any, error) {
	msgs, err := parseMessages(in["messages"])
	if err != nil {
		return nil, invalidInput(LLMChatCall, "%v", err)
	}
	if len(msgs) == 0 {
		if text, ok := in.Text("user_input"); ok && text != "" {
			msgs = []Message{{Role: "user", Content: text}}
		}
	}
	if len(msgs) == 0 {
		return nil, invalidInput(LLMChatCall, "messages is required")
	}
	if sys, ok := in.String("system_prompt"); ok && sys != "" {
		msgs = append([]Message{{Role: "system", Content: sys}}, msgs...)
	}
	return c.Chat(ctx, ChatRequest{
		Model:    in.StringOr("model", DefaultModel),
		Messages: msgs,
		APIKey:   in.StringOr("api_key", ""),
		APIURL:   in.StringOr("api_url", ""),
		Params:   samplingInputs(in),
	})
}

func samplingInputs(in Inputs) map[string]any {
	out := make(map[string]any)
	for _, k := range samplingParams {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out
}

func parseMessages(v any) ([]Message, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []Message:
		return t, nil
	case []map[string]any:
		out := make([]Message, 0, len(t))
		for i, m := range t {
			msg, err := toMessage(i, m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	case []any:
		out := make([]Message, 0, len(t))
		for i, raw := range t {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("message %d is not a mapping", i)
			}
			msg, err := toMessage(i, m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("messages must be a list, got %T", v)
	}
}

func toMessage(i int, m map[string]any) (Message, error) {
	role, _ := m["role"].(string)
	if role == "" {
		return Message{}, fmt.Errorf("message %d has no role", i)
	}
	return Message{Role: role, Content: Stringify(m["content"])}, nil
}
