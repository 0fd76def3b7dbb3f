// Package aiclient talks to the AI chat backend: POST {backend}/chat with the
// user's identity and message, expecting {"reply": "..."} back.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/models"
)

const (
	DefaultProvider = "openrouter"
	DefaultModel    = "openrouter/auto"
	DefaultTimeout  = 30 * time.Second
)

// ReplyError is returned for any failed or empty reply.
type ReplyError struct {
	StatusCode int
	Err        error
}

func (e *ReplyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai reply: backend returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ai reply: %v", e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

type Client struct {
	baseURL    string
	provider   string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(provider, model string) Option {
	return func(c *Client) {
		if provider != "" {
			c.provider = provider
		}
		if model != "" {
			c.model = model
		}
	}
}

// WithTimeout bounds every Reply call; zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		provider:   DefaultProvider,
		model:      DefaultModel,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Model() string {
	return c.model
}

// Reply sends one user message and returns the backend's answer.
func (c *Client) Reply(ctx context.Context, identity, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(models.ChatRequest{
		Username: identity,
		Message:  message,
		Provider: c.provider,
		Model:    c.model,
	})
	if err != nil {
		return "", &ReplyError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", &ReplyError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ReplyError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ReplyError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ReplyError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}

	var out models.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ReplyError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode reply")}
	}
	if strings.TrimSpace(out.Reply) == "" {
		return "", &ReplyError{StatusCode: resp.StatusCode, Err: errors.New("empty reply")}
	}
	return out.Reply, nil
}
