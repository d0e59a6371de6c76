package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/glowdesk/glowdesk/internal/circuitbreaker"
	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/metrics"
	"github.com/glowdesk/glowdesk/internal/retry"
)

const breakerKey = "llm"

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client is a Generator backed by an OpenAI-compatible API.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates an LLM client.
func NewClient(cfg ClientConfig, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Wire types for the chat-completions endpoint.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate calls the provider with retry and circuit breaking. Client
// errors (4xx) are permanent; 5xx and network errors are retried.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if !c.breaker.Allow(breakerKey) {
		metrics.LLMRequestsTotal.WithLabelValues("circuit_open").Inc()
		return nil, ErrUnavailable
	}

	start := time.Now()
	var out *Response
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		out, err = c.doRequest(ctx, req)
		return err
	})
	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Error("llm generation failed", "model", c.cfg.Model, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	c.breaker.RecordSuccess(breakerKey)
	metrics.LLMRequestsTotal.WithLabelValues("success").Inc()
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("provider status %d: %s", resp.StatusCode, respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrBadResponse, err))
	}
	if parsed.Error != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrBadResponse, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: empty completion", ErrBadResponse))
	}

	return &Response{
		Text:       parsed.Choices[0].Message.Content,
		Model:      parsed.Model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}
