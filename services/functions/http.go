package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxBodyBytes bounds how much of a response body the HTTP builtins read.
const maxBodyBytes = 8 << 20

type httpFuncs struct {
	client *http.Client
}

// get performs GET url with optional params and headers and returns the body text.
func (h *httpFuncs) get(ctx context.Context, in Inputs) (any, error) {
	target, err := requestURL(HTTPRequestGet, in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setHeaders(req, in.Map("headers"))
	return h.do(req)
}

// postJSON POSTs data as JSON and returns the body text.
func (h *httpFuncs) postJSON(ctx context.Context, in Inputs) (any, error) {
	target, err := requestURL(HTTPRequestPost, in)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(in["data"])
	if err != nil {
		return nil, invalidInput(HTTPRequestPost, "encode data: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, in.Map("headers"))
	return h.do(req)
}

// request dispatches on the method input (GET or POST).
func (h *httpFuncs) request(ctx context.Context, in Inputs) (any, error) {
	switch strings.ToUpper(in.StringOr("method", http.MethodGet)) {
	case http.MethodGet:
		return h.get(ctx, in)
	case http.MethodPost:
		return h.postJSON(ctx, in)
	default:
		return nil, invalidInput(HTTPRequest, "unsupported method %q", in["method"])
	}
}

func (h *httpFuncs) do(req *http.Request) (any, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s returned status %d: %s", req.Method, req.URL.Redacted(), resp.StatusCode, truncate(string(body), 200))
	}
	return string(body), nil
}

func requestURL(fn string, in Inputs) (string, error) {
	raw, ok := in.Text("url")
	if !ok || raw == "" {
		return "", invalidInput(fn, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", invalidInput(fn, "invalid url %q", raw)
	}
	if params := in.Map("params"); len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, Stringify(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func setHeaders(req *http.Request, headers map[string]any) {
	for k, v := range headers {
		req.Header.Set(k, Stringify(v))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
