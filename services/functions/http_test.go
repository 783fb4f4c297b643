package functions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method": r.Method,
			"query":  r.URL.RawQuery,
			"header": r.Header.Get("X-Test"),
			"ctype":  r.Header.Get("Content-Type"),
			"body":   string(body),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeEcho(t *testing.T, out any) map[string]any {
	t.Helper()
	s, ok := out.(string)
	require.True(t, ok, "expected string body, got %T", out)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestHTTPGet(t *testing.T) {
	srv := echoServer(t)
	h := &httpFuncs{client: srv.Client()}

	out, err := h.get(context.Background(), Inputs{
		"url":     srv.URL + "/items",
		"params":  map[string]any{"page": 2},
		"headers": map[string]any{"X-Test": "yes"},
	})
	require.NoError(t, err)

	m := decodeEcho(t, out)
	assert.Equal(t, "GET", m["method"])
	assert.Equal(t, "page=2", m["query"])
	assert.Equal(t, "yes", m["header"])
}

func TestHTTPPostJSON(t *testing.T) {
	srv := echoServer(t)
	h := &httpFuncs{client: srv.Client()}

	out, err := h.request(context.Background(), Inputs{
		"url":    srv.URL,
		"method": "post",
		"data":   map[string]any{"a": 1},
	})
	require.NoError(t, err)

	m := decodeEcho(t, out)
	assert.Equal(t, "POST", m["method"])
	assert.Equal(t, "application/json", m["ctype"])
	assert.JSONEq(t, `{"a":1}`, m["body"].(string))
}

func TestHTTP_Errors(t *testing.T) {
	srv := echoServer(t)
	h := &httpFuncs{client: srv.Client()}
	ctx := context.Background()

	_, err := h.get(ctx, Inputs{"url": srv.URL + "/fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = h.get(ctx, Inputs{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.get(ctx, Inputs{"url": "not a url"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.request(ctx, Inputs{"url": srv.URL, "method": "DELETE"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHTTP_HonorsCancellation(t *testing.T) {
	srv := echoServer(t)
	h := &httpFuncs{client: srv.Client()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.get(ctx, Inputs{"url": srv.URL})
	assert.ErrorIs(t, err, context.Canceled)
}
