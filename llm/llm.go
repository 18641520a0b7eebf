package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultModel = "gpt-4.1-mini"

var (
	// ErrRateLimited is returned when the API keeps answering 429 after all retries.
	ErrRateLimited = errors.New("llm rate limited")
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("llm timeout")
	// ErrTransient marks server and network failures that may succeed later.
	ErrTransient = errors.New("llm transient failure")
	// ErrEmptyResponse is returned when the API answers without any choices.
	ErrEmptyResponse = errors.New("llm returned no choices")
	// ErrUnauthorized is returned when the API rejects the credentials.
	ErrUnauthorized = errors.New("llm unauthorized")
)

// Request is a single chat completion call.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Response is the text produced by the model.
type Response struct {
	Text  string
	Model string
}

// Client calls an OpenAI-compatible chat completions API.
type Client struct {
	api        *openai.Client
	model      string
	timeout    time.Duration
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL    string
	httpClient *http.Client
	model      string
	timeout    time.Duration
	rpm        float64
	burst      int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// WithBaseURL sets a custom API base URL, e.g. a proxy or a test server.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *clientConfig) {
		c.model = model
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithRateLimit paces calls to rpm requests per minute with the given burst.
// A non-positive rpm disables pacing.
func WithRateLimit(rpm float64, burst int) Option {
	return func(c *clientConfig) {
		c.rpm = rpm
		c.burst = burst
	}
}

// WithRetry sets how often a rate-limited call is retried and the backoff bounds.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(c *clientConfig) {
		c.maxRetries = maxRetries
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// NewClient creates a client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	cfg := &clientConfig{
		model:      defaultModel,
		timeout:    60 * time.Second,
		maxRetries: 5,
		baseDelay:  2 * time.Second,
		maxDelay:   32 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.baseURL, "/")
	}
	if cfg.httpClient != nil {
		apiCfg.HTTPClient = cfg.httpClient
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.rpm > 0 {
		burst := cfg.burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.rpm/60), burst)
	}

	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		model:      cfg.model,
		timeout:    cfg.timeout,
		limiter:    limiter,
		maxRetries: cfg.maxRetries,
		baseDelay:  cfg.baseDelay,
		maxDelay:   cfg.maxDelay,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends req and returns the first choice. Rate-limited calls are
// retried with exponential backoff; other failures are returned classified
// as ErrTimeout, ErrTransient or a permanent error.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	delay := c.baseDelay
	for attempt := 0; ; attempt++ {
		resp, err := c.complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= c.maxRetries {
			return nil, err
		}

		slog.Warn("llm rate limited, backing off",
			"attempt", attempt+1,
			"delay", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *Client) complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		return nil, classify(ctx, callCtx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &Response{Text: resp.Choices[0].Message.Content, Model: model}, nil
}

// classify maps a client error onto the package's sentinel errors. The
// caller's own cancellation is returned as is.
func classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case status >= 500:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case status == 0 && isNetworkError(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("llm request: %w", err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryable reports whether err is worth retrying on a later cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrEmptyResponse)
}
