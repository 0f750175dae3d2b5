// Package anthropic is the completion client for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/quire/ai/provider"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
	"github.com/teranos/quire/pulse/ratelimit"
	"github.com/teranos/quire/version"
)

const (
	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-20250514"

	// BaseURL is the Anthropic API endpoint
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"

	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultTimeout           = 10 * time.Minute
	DefaultMaxRetries        = 3
	DefaultRequestsPerMinute = 50

	// Upstream reset of the usage window, as unix seconds or RFC 3339
	headerUnifiedReset = "anthropic-ratelimit-unified-reset"
)

// Config holds Anthropic client configuration
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = BaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Client represents an Anthropic API client
type Client struct {
	config     Config
	httpClient *http.Client
	sessions   *ratelimit.SessionTracker
	limiter    *rate.Limiter
	retryDelay time.Duration
	now        func() time.Time
	logger     *zap.SugaredLogger
}

var _ provider.Generator = (*Client)(nil)

// NewClient creates a new Anthropic API client. Every request is recorded
// on sessions so the rate-limit handler knows when the usage window resets.
func NewClient(config Config, sessions *ratelimit.SessionTracker, log *zap.SugaredLogger) *Client {
	config.applyDefaults()
	if sessions == nil {
		sessions = ratelimit.NewSessionTracker(ratelimit.DefaultSessionWindow)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	perSecond := rate.Limit(float64(config.RequestsPerMinute) / 60.0)
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		sessions:   sessions,
		limiter:    rate.NewLimiter(perSecond, 1),
		retryDelay: time.Second,
		now:        time.Now,
		logger:     log,
	}
}

// MessagesRequest represents a request to the Anthropic Messages API
type MessagesRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []provider.Message `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("anthropic API request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("anthropic API request failed with status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ErrorType returns the API's error type, e.g. "rate_limit_error".
func (e *APIError) ErrorType() string { return e.Type }

// ErrorCode identifies the error in stored job diagnostics.
func (e *APIError) ErrorCode() string {
	if e.Type == "" {
		return fmt.Sprintf("http_%d", e.StatusCode)
	}
	return fmt.Sprintf("http_%d_%s", e.StatusCode, e.Type)
}

// IsConfigured returns true if the client has a valid API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.config.Model
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// CreateCompletion sends one Messages request. Transient failures (network
// errors, 5xx other than overload) are retried here; rate limits and
// overloads are returned as *APIError for the caller to back off on.
func (c *Client) CreateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	if !c.IsConfigured() {
		return nil, errors.WithHint(errors.New("anthropic API key not configured"),
			"set anthropic.api_key in quire.toml or QUIRE_ANTHROPIC_API_KEY")
	}
	if len(req.Messages) == 0 {
		return nil, errors.NewInvalidRequestError("completion request has no messages")
	}

	log := logger.FromContext(logger.WithComponent(ctx, "anthropic"), c.logger)

	body := MessagesRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Messages:    req.Messages,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if body.Temperature == nil {
		body.Temperature = provider.Temperature(c.config.Temperature)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	start := c.now()
	resp, err := retry.DoWithData(
		func() (*MessagesResponse, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, retry.Unrecoverable(err)
			}
			c.sessions.RecordUsage()
			return c.createMessages(ctx, payload)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.config.MaxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryableError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnw("Retrying completion request",
				"attempt", n+1,
				"max_retries", c.config.MaxRetries,
				logger.FieldError, err)
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "completion with %s failed", body.Model)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	completion := &provider.Completion{
		Text:         strings.TrimSpace(text.String()),
		Model:        resp.Model,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if completion.Model == "" {
		completion.Model = body.Model
	}

	log.Debugw("Completion received",
		logger.FieldModel, completion.Model,
		logger.FieldInputTokens, completion.InputTokens,
		logger.FieldOutputTokens, completion.OutputTokens,
		logger.FieldDurationMS, c.now().Sub(start).Milliseconds(),
		"stop_reason", completion.StopReason)

	return completion, nil
}

// createMessages sends a request to the Anthropic Messages API
func (c *Client) createMessages(ctx context.Context, payload []byte) (*MessagesResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Unrecoverable(errors.Wrap(err, "failed to create request"))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := c.parseAPIError(resp, respBody)
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == ratelimit.StatusOverloaded {
			c.observeReset(resp.Header, apiErr.RetryAfter)
		}
		return nil, apiErr
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &messagesResp, nil
}

func (c *Client) parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("retry-after")),
	}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Type != "" {
		apiErr.Type = parsed.Error.Type
		apiErr.Message = parsed.Error.Message
	}
	return apiErr
}

// observeReset feeds the upstream's idea of the reset time to the session tracker.
func (c *Client) observeReset(h http.Header, retryAfter time.Duration) {
	if resetsAt, ok := parseResetTime(h.Get(headerUnifiedReset)); ok {
		c.sessions.ObserveReset(resetsAt)
		return
	}
	if retryAfter > 0 {
		c.sessions.ObserveReset(c.now().Add(retryAfter))
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseResetTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// isRetryableError checks if an error is worth retrying inside the client.
// Rate limits and overloads are not: they go back to the worker, which pauses.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode == ratelimit.StatusOverloaded:
			return false
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection reset by peer",
		"connection refused",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"unexpected eof",
	}
	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}
	return false
}
