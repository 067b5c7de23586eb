package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
)

// retryableStatuses are the HTTP statuses worth another attempt. Everything
// else returns immediately as an upstream error.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// LLMConfig configures an LLM node's upstream.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	Timeout        time.Duration
}

func (c *LLMConfig) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
}

// LLM is an ephemeral node that posts chat completions to an HTTP upstream.
type LLM struct {
	base
	cfg    LLMConfig
	client *http.Client
}

// NewLLM creates an LLM node.
func NewLLM(id string, cfg LLMConfig, hist *history.Writer, log *logger.Logger) *LLM {
	cfg.defaults()
	n := &LLM{
		base:   newBase(id, KindLLM, false, StateReady, log, hist),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	n.SetMetadata("base_url", cfg.BaseURL)
	n.SetMetadata("model", cfg.Model)
	return n
}

// Start is a no-op; LLM nodes hold no connection across calls.
func (n *LLM) Start(ctx context.Context) error { return nil }

// Execute posts one chat completion. Input may be a plain string (wrapped as
// a single user message), a message list, or a map carrying messages plus
// generation options.
func (n *LLM) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	body, err := n.buildRequest(ec.Input)
	if err != nil {
		return nil, err
	}

	if err := n.begin(); err != nil {
		return nil, err
	}
	defer n.finish()

	remapper := newToolIDRemapper()
	remapper.rewriteMessages(body)

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = n.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tsStart := time.Now()
	respBody, err := n.post(reqCtx, body)
	if err != nil {
		return nil, err
	}

	result, err := n.parseResponse(respBody, remapper)
	if err != nil {
		return nil, err
	}
	if n.hist != nil {
		input, _ := json.Marshal(body["messages"])
		n.hist.LogSend(string(input), tsStart, time.Now(), result, 0)
	}
	return result, nil
}

func (n *LLM) buildRequest(input any) (map[string]any, error) {
	body := map[string]any{}
	switch v := input.(type) {
	case string:
		body["messages"] = []any{map[string]any{"role": "user", "content": v}}
	case []any:
		body["messages"] = v
	case map[string]any:
		if _, ok := v["messages"]; !ok {
			return nil, errors.InvalidParams("llm input map must contain messages")
		}
		for k, val := range v {
			body[k] = val
		}
	default:
		return nil, errors.InvalidParams("llm input must be a string, message list, or map with messages")
	}
	if _, ok := body["model"]; !ok && n.cfg.Model != "" {
		body["model"] = n.cfg.Model
	}
	return body, nil
}

// post sends the request with exponential backoff on transient failures.
func (n *LLM) post(ctx context.Context, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.InvalidParams("llm request not serializable: " + err.Error())
	}
	url := strings.TrimRight(n.cfg.BaseURL, "/") + "/chat/completions"

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := n.cfg.RetryBaseDelay << (attempt - 1)
			if delay > n.cfg.MaxRetryDelay {
				delay = n.cfg.MaxRetryDelay
			}
			select {
			case <-ctx.Done():
				return nil, errors.Cancelled("llm request on node " + n.id)
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Internal("build llm request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if n.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Timeout("llm request on node " + n.id)
			}
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return data, nil
		}
		if retryableStatuses[resp.StatusCode] {
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		}
		return nil, errors.Upstream(resp.StatusCode, string(data))
	}
	return nil, errors.Upstream(0, fmt.Sprintf("retries exhausted: %v", lastErr))
}

func (n *LLM) parseResponse(data []byte, remapper *toolIDRemapper) (*Result, error) {
	var parsed struct {
		Choices []struct {
			Message      map[string]any `json:"message"`
			FinishReason string         `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Upstream(0, "unparseable response: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.Upstream(0, "response carried no choices")
	}

	msg := parsed.Choices[0].Message
	remapper.restoreToolCalls(msg)

	content, _ := msg["content"].(string)
	attrs := map[string]any{
		"message":       msg,
		"finish_reason": parsed.Choices[0].FinishReason,
	}
	if parsed.Usage != nil {
		attrs["usage"] = parsed.Usage
	}
	return &Result{Success: true, Output: content, Attributes: attrs}, nil
}

// toolIDRemapper gives upstream tool-call ids short request-local aliases so
// providers with strict id formats still see consistent correlation between
// an assistant's tool_calls and the matching tool results.
type toolIDRemapper struct {
	toLocal    map[string]string
	toUpstream map[string]string
}

func newToolIDRemapper() *toolIDRemapper {
	return &toolIDRemapper{
		toLocal:    make(map[string]string),
		toUpstream: make(map[string]string),
	}
}

func (r *toolIDRemapper) local(upstream string) string {
	if id, ok := r.toLocal[upstream]; ok {
		return id
	}
	id := fmt.Sprintf("call_%d", len(r.toLocal)+1)
	r.toLocal[upstream] = id
	r.toUpstream[id] = upstream
	return id
}

// rewriteMessages replaces tool-call ids in the outgoing messages with local
// aliases, consistently across assistant tool_calls and tool results.
func (r *toolIDRemapper) rewriteMessages(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if calls, ok := msg["tool_calls"].([]any); ok {
			for _, rawCall := range calls {
				call, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				if id, ok := call["id"].(string); ok && id != "" {
					call["id"] = r.local(id)
				}
			}
		}
		if id, ok := msg["tool_call_id"].(string); ok && id != "" {
			msg["tool_call_id"] = r.local(id)
		}
	}
}

// restoreToolCalls maps aliased ids in the response message back to the
// upstream originals.
func (r *toolIDRemapper) restoreToolCalls(msg map[string]any) {
	calls, ok := msg["tool_calls"].([]any)
	if !ok {
		return
	}
	for _, rawCall := range calls {
		call, ok := rawCall.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := call["id"].(string); ok {
			if upstream, ok := r.toUpstream[id]; ok {
				call["id"] = upstream
			}
		}
	}
}

// Interrupt has nothing to cancel between calls; in-flight requests are
// cancelled through their context.
func (n *LLM) Interrupt() error { return nil }

// Stop marks the node stopped.
func (n *LLM) Stop() error {
	n.setState(StateStopped)
	n.closeHistory()
	return nil
}
