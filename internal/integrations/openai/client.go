package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"policy-copilot/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeout   = 60 * time.Second
	apiKeyParamName  = "openai-api-key"
	maxErrBodyLength = 4096
)

// tokenPayload is the JSON shape optionally stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is the language model gateway: one synchronous chat completion per call.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	temperature float32

	apiKey string
	getter Getter

	once   sync.Once
	api    *goopenai.Client
	keyErr error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithAPIKey sets a static API key. It takes precedence over WithParamStore.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithParamStore fetches the API key from the "openai-api-key" parameter on
// first use.
func WithParamStore(g Getter) Option {
	return func(c *Client) {
		c.getter = g
	}
}

// NewClient creates a Client. Either WithAPIKey or WithParamStore is required.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.getter == nil {
		return nil, errors.New("openai: an API key or a paramstore getter is required")
	}
	return c, nil
}

// resolveAPI builds the underlying go-openai client on the first call and
// reuses it for the lifetime of the process.
func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.once.Do(func() {
		key := c.apiKey
		if key == "" {
			key, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, apiKeyParamName)
			if c.keyErr != nil {
				return
			}
		}
		cfg := goopenai.DefaultConfig(key)
		cfg.BaseURL = apiBaseURL(c.baseURL)
		cfg.HTTPClient = c.resolvedHTTPClient()
		c.api = goopenai.NewClientWithConfig(cfg)
	})
	return c.api, c.keyErr
}

// resolvedHTTPClient returns the configured HTTP client, or a default one if
// none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// apiBaseURL normalises base so it always ends in /v1, which go-openai expects.
func apiBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Chat sends messages to model and returns the assistant reply text.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.temperature,
	}
	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

// wrapError turns go-openai status errors into HTTPStatusError so callers can
// branch on the status code without importing go-openai.
func (c *Client) wrapError(err error) error {
	url := apiBaseURL(c.baseURL) + "/chat/completions"

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: request failed: %w", &HTTPStatusError{
			StatusCode: apiErr.HTTPStatusCode,
			URL:        url,
			Body:       truncate(apiErr.Message),
		})
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return fmt.Errorf("openai: request failed: %w", &HTTPStatusError{
			StatusCode: reqErr.HTTPStatusCode,
			URL:        url,
			Body:       truncate(body),
		})
	}
	return fmt.Errorf("openai: request failed: %w", err)
}

func truncate(s string) string {
	if len(s) > maxErrBodyLength {
		return s[:maxErrBodyLength]
	}
	return s
}

// fetchAPIKeyFromParamStore accepts either a bare token or {"token": "..."}.
func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("openai: API token is empty")
	}
	return raw, nil
}
