package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model          string `json:"model"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, content string, seen chan<- chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen <- req
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *OpenAI {
	t.Helper()
	c, err := NewOpenAI(Options{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "test-model", Timeout: timeout})
	require.NoError(t, err)
	return c
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAI(Options{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestComplete(t *testing.T) {
	t.Parallel()

	seen := make(chan chatRequest, 1)
	srv := completionServer(t, "  close telnet  ", seen)
	c := newClient(t, srv, time.Second)

	text, err := c.Complete(context.Background(), "what now?")
	require.NoError(t, err)
	assert.Equal(t, "close telnet", text)

	req := <-seen
	assert.Equal(t, "test-model", req.Model)
	assert.Nil(t, req.ResponseFormat)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "what now?", req.Messages[1].Content)
}

func TestCompleteJSON(t *testing.T) {
	t.Parallel()

	seen := make(chan chatRequest, 1)
	srv := completionServer(t, `{"score":80,"level":"High","analysis":"telnet open"}`, seen)
	c := newClient(t, srv, time.Second)

	var out struct {
		Score    int    `json:"score"`
		Level    string `json:"level"`
		Analysis string `json:"analysis"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "assess", &out))
	assert.Equal(t, 80, out.Score)
	assert.Equal(t, "High", out.Level)

	req := <-seen
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
}

func TestCompleteJSONMalformed(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, "Risk: Critical, score 99", nil)
	c := newClient(t, srv, time.Second)

	var out map[string]any
	assert.ErrorIs(t, c.CompleteJSON(context.Background(), "assess", &out), ErrMalformedResponse)
}

func TestCompleteEmptyContent(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, "   ", nil)
	c := newClient(t, srv, time.Second)

	_, err := c.Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestCompleteServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv, time.Second)

	_, err := c.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning request")
}

func TestCompleteTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := newClient(t, srv, 30*time.Millisecond)

	start := time.Now()
	_, err := c.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
