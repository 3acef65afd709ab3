// Package llm is a small client for OpenAI-compatible chat completion APIs
// such as DeepSeek. gasfree only needs single-shot completions: one system
// instruction, one user message, one short answer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gasfree-labs/gasfree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "https://api.deepseek.com/v1"
	DefaultModel   = "deepseek-chat"
	DefaultTimeout = 10 * time.Second
)

var (
	ErrNoAPIKey      = errors.New("llm: no API key configured")
	ErrEmptyResponse = errors.New("llm: response has no content")
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gasfree_llm_request_duration_seconds",
	Help:    "Latency of chat completion requests by result",
	Buckets: prometheus.DefBuckets,
}, []string{"result"})

// Request is a single-turn chat completion.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Completer turns a Request into the model's reply text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	client *openai.Client
	model  string
}

// New creates a Client. Empty BaseURL, Model and Timeout fall back to the
// DeepSeek defaults.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: userAgentTransport{next: http.DefaultTransport},
	}

	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
	}, nil
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		requestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("llm: can't create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		requestDuration.WithLabelValues("empty").Observe(time.Since(start).Seconds())
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		requestDuration.WithLabelValues("empty").Observe(time.Since(start).Seconds())
		return "", ErrEmptyResponse
	}

	requestDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	return content, nil
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", gasfree.UserAgent)
	return t.next.RoundTrip(r)
}
