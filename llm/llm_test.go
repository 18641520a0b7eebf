package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model          string  `json:"model"`
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4.1-mini-2025-04-14",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "error"},
	})
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{
		WithBaseURL(url + "/v1"),
		WithRetry(5, time.Millisecond, 4*time.Millisecond),
	}, opts...)
	return NewClient("test-key", opts...)
}

func TestComplete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithModel("gpt-4.1-mini"))
	resp, err := c.Complete(context.Background(), Request{
		System:      "system prompt",
		User:        "user prompt",
		Temperature: 0.3,
		MaxTokens:   500,
		JSON:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", resp.Model)
	assert.Equal(t, "gpt-4.1-mini", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 1e-6)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user prompt", got.Messages[1].Content)
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeError(w, http.StatusTooManyRequests, "slow down")
			return
		}
		writeCompletion(w, "done")
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusTooManyRequests, "slow down")
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithRetry(2, time.Millisecond, time.Millisecond))
	_, err := c.Complete(context.Background(), Request{User: "hi"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, ErrTransient, true},
		{"bad gateway", http.StatusBadGateway, ErrTransient, true},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, false},
		{"bad request", http.StatusBadRequest, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeError(w, tt.status, "nope")
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, int32(1), calls.Load(), "only rate limits are retried in-call")
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithTimeout(20*time.Millisecond))
	_, err := c.Complete(context.Background(), Request{User: "hi"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestCompleteCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request context only observes disconnects once the body is read.
		io.Copy(io.Discard, r.Body)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(server.URL).Complete(ctx, Request{User: "hi"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestCompleteEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestDefaults(t *testing.T) {
	c := NewClient("k")
	assert.Equal(t, "gpt-4.1-mini", c.Model())
	assert.Equal(t, 60*time.Second, c.timeout)
	assert.Equal(t, 5, c.maxRetries)
}
