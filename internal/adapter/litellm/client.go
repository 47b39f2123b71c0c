// Package litellm provides an HTTP client for an OpenAI-compatible
// completion proxy (LiteLLM or anything speaking the same API).
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taskpilot/taskpilot/internal/logger"
	"github.com/taskpilot/taskpilot/internal/port/llm"
	"github.com/taskpilot/taskpilot/internal/resilience"
)

// Client talks to the proxy's chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a completion client for the given proxy.
func NewClient(baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a single chat completion request. The proxy reports the
// per-call spend in the x-litellm-response-cost header; absent or malformed
// headers count as zero cost.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	messages := []chatMessage{}
	if req.Context != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Context})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	data, cost, err := c.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	slog.Debug("completion",
		"model", c.model,
		"cost_usd", cost,
		"task_id", logger.TaskID(ctx),
	)
	return &llm.Completion{
		Text:    parsed.Choices[0].Message.Content,
		CostUSD: cost,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, float64, error) {
	var result []byte
	var cost float64
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
		}

		if v := resp.Header.Get("x-litellm-response-cost"); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				cost = parsed
			}
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, 0, err
		}
		return result, cost, nil
	}

	if err := call(); err != nil {
		return nil, 0, err
	}
	return result, cost, nil
}
