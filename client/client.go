// Package client calls the text-generation backend used by the chat method.
//
// Backends speak the Ollama chat API. Each call discovers the current backend set from a
// registry and lets a balancer choose one, so backends can come and go while the bridge runs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"datapack-rpc/loadbalance"
	"datapack-rpc/middleware"
	"datapack-rpc/registry"
)

// maxErrorBody caps how much of a failed response body ends up in an error.
const maxErrorBody = 512

type Options struct {
	Service     string        // registry service name the backends are published under
	Model       string        // default model when an instance does not name one
	System      string        // optional system prompt
	Temperature *float64      // nil leaves the backend default
	Timeout     time.Duration // per-request HTTP timeout; 0 means no client-side limit
}

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	httpClient *http.Client
	opts       Options
	logger     *zap.Logger
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts Options, logger *zap.Logger) *Client {
	return &Client{
		registry:   reg,
		balancer:   bal,
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		logger:     logger,
	}
}

// Reply is what the backend produced for one prompt.
type Reply struct {
	Model     string
	Content   string
	ToolCalls int
}

// Text returns the reply as plain text. ok is false for structured replies (tool calls)
// and for empty content; callers emit nothing in that case.
func (r Reply) Text() (text string, ok bool) {
	if r.ToolCalls > 0 || strings.TrimSpace(r.Content) == "" {
		return "", false
	}
	return r.Content, true
}

type chatMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Stream   bool           `json:"stream"`
	Messages []chatMessage  `json:"messages"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

// Chat sends prompt as a single user turn and waits for the full reply.
//
// Errors wrap middleware.ErrUnavailable when no request reached a backend or the backend
// failed on its side, so the dispatcher may retry them.
func (c *Client) Chat(ctx context.Context, prompt string) (Reply, error) {
	instances, err := c.registry.Discover(ctx, c.opts.Service)
	if err != nil {
		return Reply{}, fmt.Errorf("discover %s: %w: %v", c.opts.Service, middleware.ErrUnavailable, err)
	}

	instance, err := c.balancer.Pick(prompt, instances)
	if err != nil {
		return Reply{}, fmt.Errorf("pick %s backend: %w: %v", c.opts.Service, middleware.ErrUnavailable, err)
	}

	model := instance.Model
	if model == "" {
		model = c.opts.Model
	}

	body, err := json.Marshal(c.buildRequest(model, prompt))
	if err != nil {
		return Reply{}, err
	}

	endpoint := strings.TrimRight(instance.Addr, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("chat request", zap.String("backend", instance.Addr), zap.String("model", model))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, fmt.Errorf("chat %s: %w", instance.Addr, ctxErr)
		}
		return Reply{}, fmt.Errorf("chat %s: %w: %v", instance.Addr, middleware.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("chat %s: read body: %w", instance.Addr, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return Reply{}, fmt.Errorf("chat %s: http %d: %w: %s",
			instance.Addr, resp.StatusCode, middleware.ErrUnavailable, truncate(payload))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("chat %s: http %d: %s", instance.Addr, resp.StatusCode, truncate(payload))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Reply{}, fmt.Errorf("chat %s: decode response: %w", instance.Addr, err)
	}
	if parsed.Error != "" {
		return Reply{}, errors.New("chat " + instance.Addr + ": " + parsed.Error)
	}

	return Reply{
		Model:     parsed.Model,
		Content:   parsed.Message.Content,
		ToolCalls: len(parsed.Message.ToolCalls),
	}, nil
}

func (c *Client) buildRequest(model, prompt string) chatRequest {
	wire := chatRequest{Model: model}
	if c.opts.System != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: "system", Content: c.opts.System})
	}
	wire.Messages = append(wire.Messages, chatMessage{Role: "user", Content: prompt})
	if c.opts.Temperature != nil {
		wire.Options = map[string]any{"temperature": *c.opts.Temperature}
	}
	return wire
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
