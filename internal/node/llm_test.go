package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
)

func completionResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + content + `"},"finish_reason":"stop"}],"usage":{"total_tokens":10}}`
}

func fastLLM(id, baseURL string) *LLM {
	return NewLLM(id, LLMConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		Model:          "test-model",
		RetryBaseDelay: time.Millisecond,
	}, nil, logger.Default())
}

func TestLLMStringInputWrappedAsUserMessage(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(completionResponse("hi there")))
	}))
	defer srv.Close()

	n := fastLLM("llm", srv.URL)
	res, err := n.Execute(context.Background(), &ExecContext{Input: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi there", res.Output)
	assert.Equal(t, "stop", res.Attributes["finish_reason"])

	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "test-model", gotBody["model"])
}

func TestLLMRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionResponse("third time lucky")))
	}))
	defer srv.Close()

	n := fastLLM("llm", srv.URL)
	res, err := n.Execute(context.Background(), &ExecContext{Input: "retry me"})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Output)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMNonRetryableStatusReturnsUpstreamError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	n := fastLLM("llm", srv.URL)
	_, err := n.Execute(context.Background(), &ExecContext{Input: "nope"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstreamError, errors.Code(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateReady, n.State())
}

func TestLLMRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := fastLLM("llm", srv.URL)
	_, err := n.Execute(context.Background(), &ExecContext{Input: "never"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstreamError, errors.Code(err))
}

func TestLLMMapInputCarriesOptions(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(completionResponse("ok")))
	}))
	defer srv.Close()

	n := fastLLM("llm", srv.URL)
	_, err := n.Execute(context.Background(), &ExecContext{Input: map[string]any{
		"messages":    []any{map[string]any{"role": "user", "content": "q"}},
		"temperature": 0.2,
		"model":       "override-model",
	}})
	require.NoError(t, err)
	assert.Equal(t, 0.2, gotBody["temperature"])
	assert.Equal(t, "override-model", gotBody["model"])
}

func TestLLMInvalidInput(t *testing.T) {
	n := fastLLM("llm", "http://127.0.0.1:1")

	_, err := n.Execute(context.Background(), &ExecContext{Input: 42})
	assert.Equal(t, errors.CodeInvalidParams, errors.Code(err))

	_, err = n.Execute(context.Background(), &ExecContext{Input: map[string]any{"prompt": "x"}})
	assert.Equal(t, errors.CodeInvalidParams, errors.Code(err))
}

func TestToolIDRemapperRoundTrip(t *testing.T) {
	r := newToolIDRemapper()
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{"id": "upstream-id-aaa", "type": "function"},
				},
			},
			map[string]any{
				"role":         "tool",
				"tool_call_id": "upstream-id-aaa",
				"content":      "result",
			},
		},
	}
	r.rewriteMessages(body)

	messages := body["messages"].([]any)
	call := messages[0].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	toolMsg := messages[1].(map[string]any)

	assert.Equal(t, "call_1", call["id"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"], "aliases must stay correlated")

	respMsg := map[string]any{
		"tool_calls": []any{map[string]any{"id": "call_1"}},
	}
	r.restoreToolCalls(respMsg)
	restored := respMsg["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, "upstream-id-aaa", restored["id"])
}
