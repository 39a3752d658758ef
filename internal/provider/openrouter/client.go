// Package openrouter invokes chat models through an OpenAI compatible
// OpenRouter endpoint and lists the models it offers.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/council"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to the chat completions and models endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	referer    string
	appTitle   string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	http       *http.Client
}

// Model is one entry of the upstream model catalog.
type Model struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Description   string            `json:"description,omitempty"`
	ContextLength int               `json:"context_length,omitempty"`
	Pricing       map[string]string `json:"pricing,omitempty"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []council.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          *string         `json:"content"`
			ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// New builds a client from the llm config section.
func New(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		referer:    cfg.Referer,
		appTitle:   cfg.AppTitle,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    300 * time.Millisecond,
		http:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Invoke sends one chat completion. Each call is bounded by the configured
// timeout; a deadline maps to council.ErrAgentTimeout, an unusable body to
// council.ErrBadResponse and everything else to council.ErrTransport.
func (c *Client) Invoke(ctx context.Context, agent string, messages []council.Message) (council.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out chatResponse
	err := c.doJSON(ctx, http.MethodPost, "/chat/completions", chatRequest{Model: agent, Messages: messages}, &out)
	if err != nil {
		return council.Response{}, c.wrap(ctx, agent, err)
	}
	if out.Error != nil {
		return council.Response{}, fmt.Errorf("%w: %s: %s", council.ErrBadResponse, agent, out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		return council.Response{}, fmt.Errorf("%w: %s: no content in reply", council.ErrBadResponse, agent)
	}
	msg := out.Choices[0].Message
	resp := council.Response{Content: *msg.Content}
	if len(msg.ReasoningDetails) > 0 && string(msg.ReasoningDetails) != "null" {
		resp.ReasoningDetails = msg.ReasoningDetails
	}
	return resp, nil
}

// ListModels fetches the upstream model catalog.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out struct {
		Data []Model `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := out.Data[:0]
	for _, m := range out.Data {
		if m.ID != "" {
			models = append(models, m)
		}
	}
	return models, nil
}

func (c *Client) wrap(ctx context.Context, agent string, err error) error {
	var se *statusError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", council.ErrAgentTimeout, agent, c.timeout)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &se) && se.status < 500 && se.status != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %v", council.ErrBadResponse, agent, err)
	case errors.Is(err, errDecode):
		return fmt.Errorf("%w: %s: %v", council.ErrBadResponse, agent, err)
	default:
		return fmt.Errorf("%w: %s: %v", council.ErrTransport, agent, err)
	}
}

var errDecode = errors.New("decode response")

// doJSON performs the request. Only failures to connect are retried, with
// exponential backoff: a request the upstream received is never sent twice.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if c.referer != "" {
			req.Header.Set("HTTP-Referer", c.referer)
		}
		if c.appTitle != "" {
			req.Header.Set("X-Title", c.appTitle)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil || !unreached(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(&statusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))})
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", errDecode, err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(c.maxRetries, 0))), ctx)
	return backoff.Retry(attempt, policy)
}

// unreached reports whether err happened while connecting, before any byte
// of the request left the process.
func unreached(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
