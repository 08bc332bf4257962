// Package llm provides the single call-site for generative completions: a
// provider-agnostic client with retry and fallback support, a deterministic
// response cache, and cost-budget enforcement. It integrates with the
// model.Registry for capability-based endpoint selection.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/artemisengine/artemis/budget"
	"github.com/artemisengine/artemis/model"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// defaultOutputEstimate is the assumed completion length, in tokens, when a
// request does not set MaxTokens. Used only for the pre-call budget check.
const defaultOutputEstimate = 1024

// Client is the gateway for LLM completions.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	estimator   *Estimator

	// cache optionally short-circuits repeated identical requests.
	cache *ResponseCache

	// budget optionally rejects calls whose projected cost exceeds limits.
	budget *budget.Tracker

	// callLog optionally records every call for auditing.
	callLog *CallLog

	// usageObserver, when set, is notified after every served request with
	// the actual token counts. Cache hits report zero tokens.
	usageObserver UsageObserver

	// responseObservers see each served completion alongside its request.
	responseObservers []ResponseObserver
}

// UsageObserver receives post-call token accounting for each gateway call.
type UsageObserver func(model, provider string, tokensInput, tokensOutput int, stage, purpose string)

// ResponseObserver receives every served completion, cache hits included.
type ResponseObserver func(req Request, resp *Response)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Capability specifies the semantic capability ("planning", "coding",
	// ...). The registry resolves this to available endpoints.
	Capability string

	// Model, when set, bypasses capability resolution and targets one
	// configured endpoint directly.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// Stage and Purpose attribute the call's cost in the audit log.
	Stage   string
	Purpose string
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this gateway call.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Provider is the provider that served the call.
	Provider string

	// Usage contains token consumption. Zero on cache hits so cost
	// tracking stays truthful.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// CacheHit is true when the response came from the cache.
	CacheHit bool

	// PromptHash is the deterministic cache key of the request.
	PromptHash string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithCache enables the deterministic response cache.
func WithCache(cache *ResponseCache) ClientOption {
	return func(client *Client) {
		client.cache = cache
	}
}

// WithBudget enables pre-call cost enforcement and post-call reconciliation
// against the given tracker.
func WithBudget(tracker *budget.Tracker) ClientOption {
	return func(client *Client) {
		client.budget = tracker
	}
}

// WithCallLog records every gateway call to the given audit log.
func WithCallLog(log *CallLog) ClientOption {
	return func(client *Client) {
		client.callLog = log
	}
}

// WithUsageObserver registers a callback invoked with the token usage of
// every served request.
func WithUsageObserver(observer UsageObserver) ClientOption {
	return func(client *Client) {
		client.usageObserver = observer
	}
}

// OnResponse registers an observer notified after every served request.
// Register observers before the client handles traffic.
func (c *Client) OnResponse(observer ResponseObserver) {
	c.responseObservers = append(c.responseObservers, observer)
}

// NewClient creates a new gateway client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger:    slog.Default(),
		estimator: NewEstimator(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling cache lookup, budget
// enforcement, retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" && req.Model == "" {
		return nil, fmt.Errorf("capability or model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	chain := c.resolveChain(req)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no endpoints configured for capability %s", req.Capability)
	}

	var lastErr error
	var fallbacksUsed []string
	var retries int

	for _, endpointName := range chain {
		endpoint := c.registry.GetEndpoint(endpointName)
		if endpoint == nil {
			c.logger.Debug("No endpoint configured, skipping", "endpoint", endpointName)
			continue
		}

		if !c.registry.IsEndpointAvailable(endpointName) {
			c.logger.Debug("Endpoint circuit open, skipping", "endpoint", endpointName)
			continue
		}

		promptHash := CacheKey(req.Messages, endpoint.Model, req.Temperature, req.MaxTokens)

		// Cache hit: no provider call, no tokens charged.
		if c.cache != nil {
			if entry := c.cache.Get(promptHash); entry != nil {
				resp := &Response{
					RequestID:  requestID,
					Content:    entry.Content,
					Model:      entry.Model,
					Provider:   entry.Provider,
					CacheHit:   true,
					PromptHash: promptHash,
				}
				c.record(&CallRecord{
					RequestID:   requestID,
					Stage:       req.Stage,
					Purpose:     req.Purpose,
					Capability:  req.Capability,
					Model:       entry.Model,
					Provider:    entry.Provider,
					PromptHash:  promptHash,
					CacheHit:    true,
					StartedAt:   startedAt,
					CompletedAt: time.Now(),
					DurationMs:  time.Since(startedAt).Milliseconds(),
				})
				c.observeUsage(entry.Model, entry.Provider, 0, 0, req)
				c.notifyResponse(req, resp)
				return resp, nil
			}
		}

		// Budget guard: projected cost must fit before any provider request.
		if err := c.reserveBudget(req, endpoint.Model); err != nil {
			return nil, err
		}

		resp, attempts, err := c.tryEndpointWithRetry(ctx, endpoint, endpointName, req)
		retries += attempts - 1 // First attempt isn't a retry.

		if err == nil {
			resp.RequestID = requestID
			resp.Provider = endpoint.Provider
			resp.PromptHash = promptHash

			cost := c.reconcileBudget(resp)
			c.observeUsage(resp.Model, endpoint.Provider,
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, req)

			if c.cache != nil {
				if cacheErr := c.cache.Put(promptHash, resp.Content, resp.Model, endpoint.Provider); cacheErr != nil {
					c.logger.Warn("Failed to cache response", "error", cacheErr)
				}
			}

			c.record(&CallRecord{
				RequestID:        requestID,
				Stage:            req.Stage,
				Purpose:          req.Purpose,
				Capability:       req.Capability,
				Model:            resp.Model,
				Provider:         endpoint.Provider,
				PromptHash:       promptHash,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				Cost:             cost,
				Retries:          retries,
				FallbacksUsed:    fallbacksUsed,
				StartedAt:        startedAt,
				CompletedAt:      time.Now(),
				DurationMs:       time.Since(startedAt).Milliseconds(),
			})

			c.notifyResponse(req, resp)
			return resp, nil
		}

		fallbacksUsed = append(fallbacksUsed, endpointName)
		lastErr = err

		c.logger.Warn("Endpoint failed, trying fallback",
			"endpoint", endpointName,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks", "error", err)
			c.recordFailure(requestID, req, endpointName, endpoint.Provider, err, retries, fallbacksUsed, startedAt)
			return nil, err
		}
	}

	c.recordFailure(requestID, req, "", "", lastErr, retries, fallbacksUsed, startedAt)
	return nil, fmt.Errorf("all endpoints failed for capability %s: %w", req.Capability, lastErr)
}

// resolveChain returns the ordered endpoint names to try for a request.
func (c *Client) resolveChain(req Request) []string {
	if req.Model != "" {
		return []string{req.Model}
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityFast
	}
	return c.registry.GetAvailableFallbackChain(capVal)
}

// reserveBudget checks the projected cost against the tracker. Token counts
// are approximated pre-call; the output estimate is the request's MaxTokens
// or a fixed default.
func (c *Client) reserveBudget(req Request, modelName string) error {
	if c.budget == nil {
		return nil
	}

	inputEstimate := c.estimator.CountMessages(req.Messages)
	outputEstimate := req.MaxTokens
	if outputEstimate <= 0 {
		outputEstimate = defaultOutputEstimate
	}

	projected := c.budget.CostOf(inputEstimate, outputEstimate, modelName)
	if err := c.budget.Reserve(projected); err != nil {
		c.logger.Warn("Budget guard rejected call",
			"model", modelName,
			"projected_cost", projected,
			"error", err)
		return err
	}
	return nil
}

// reconcileBudget records the actual cost of a completed call and returns it.
func (c *Client) reconcileBudget(resp *Response) float64 {
	if c.budget == nil {
		return 0
	}
	cost := c.budget.CostOf(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model)
	c.budget.ForceRecord(cost)
	return cost
}

func (c *Client) notifyResponse(req Request, resp *Response) {
	for _, observer := range c.responseObservers {
		observer(req, resp)
	}
}

func (c *Client) observeUsage(model, provider string, tokensInput, tokensOutput int, req Request) {
	if c.usageObserver == nil {
		return
	}
	c.usageObserver(model, provider, tokensInput, tokensOutput, req.Stage, req.Purpose)
}

func (c *Client) record(record *CallRecord) {
	if c.callLog == nil {
		return
	}
	if err := c.callLog.Append(record); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", record.RequestID,
			"error", err)
	}
}

func (c *Client) recordFailure(requestID string, req Request, endpointName, provider string, err error, retries int, fallbacksUsed []string, startedAt time.Time) {
	errMsg := "all endpoints failed"
	if err != nil {
		errMsg = err.Error()
	}
	c.record(&CallRecord{
		RequestID:     requestID,
		Stage:         req.Stage,
		Purpose:       req.Purpose,
		Capability:    req.Capability,
		Model:         endpointName,
		Provider:      provider,
		Error:         errMsg,
		Retries:       retries,
		FallbacksUsed: fallbacksUsed,
		StartedAt:     startedAt,
		CompletedAt:   time.Now(),
		DurationMs:    time.Since(startedAt).Milliseconds(),
	})
}

// tryEndpointWithRetry attempts a request with retry logic and returns the
// attempt count alongside the response.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *model.EndpointConfig, endpointName string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(endpointName)
			return resp, attempt, nil
		}

		lastErr = err

		if IsFatal(err) {
			// Fatal errors may indicate config issues, not endpoint health.
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			// Honor the provider's rate-limit hint when it is longer.
			if hint, ok := RetryAfterHint(err); ok && hint > backoff {
				backoff = hint
			}
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	// All retries exhausted - mark endpoint as unhealthy.
	c.registry.MarkEndpointFailure(endpointName)

	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple workers retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries.
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion.
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, header http.Header, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err, parseRetryAfter(header))
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
