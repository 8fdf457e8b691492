// Package gemini is a focused client for the generateContent endpoint of the
// Gemini generative-language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/0xReLogic/Cigano/internal/circuitbreaker"
	"github.com/0xReLogic/Cigano/internal/config"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/metrics"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorMessage  = 300
)

// Recorder receives one observation per outbound call.
type Recorder interface {
	RecordUpstreamCall(outcome string, d time.Duration)
}

// Client calls generateContent with a fixed safety configuration.
type Client struct {
	httpClient *http.Client
	endpoint   string
	model      string
	apiKey     string
	generation generationConfig

	limiter *rate.Limiter
	// maxQuotaWait caps how long a call queues for a limiter slot.
	maxQuotaWait time.Duration

	breaker  *circuitbreaker.CircuitBreaker
	recorder Recorder
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEndpoint overrides the API base URL, e.g. for tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	}
}

// WithCircuitBreaker guards outbound calls. Nil disables it.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithRecorder reports every call outcome.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// NewClient builds a client from the Gemini configuration. Calls are
// throttled process-wide to cfg.MaxRequestsPerMinute; a call whose slot is
// further away than the request timeout fails with ErrQuotaWait.
func NewClient(cfg config.GeminiConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		httpClient:   newHTTPClient(timeout),
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		maxQuotaWait: timeout,
		generation: generationConfig{
			Temperature:     cfg.Temperature,
			TopK:            cfg.TopK,
			TopP:            cfg.TopP,
			MaxOutputTokens: cfg.MaxTokens,
		},
	}
	if cfg.MaxRequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxRequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 5
	transport.IdleConnTimeout = 60 * time.Second
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// API request/response shapes (minimal for our use)
type generateContentRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      *content `json:"content"`
		FinishReason string   `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

const blockThreshold = "BLOCK_MEDIUM_AND_ABOVE"

var safetySettings = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: blockThreshold},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: blockThreshold},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: blockThreshold},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: blockThreshold},
}

// Generate sends prompt and returns the text of the first candidate.
// Failures are never retried.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	start := time.Now()
	if err := c.waitForSlot(ctx); err != nil {
		c.record(metrics.OutcomeRejected, 0)
		logging.WithContext(ctx).Warn().Err(err).Msg("gemini call not attempted")
		return "", err
	}

	var text string
	call := func(ctx context.Context) error {
		var err error
		text, err = c.generate(ctx, prompt)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			c.record(metrics.OutcomeRejected, 0)
			return "", fmt.Errorf("gemini temporarily unavailable: %w", err)
		}
	} else {
		err = call(ctx)
	}

	c.record(outcomeOf(err), time.Since(start))
	if err != nil {
		logFailure(ctx, err, time.Since(start))
		return "", err
	}
	logging.WithContext(ctx).Debug().Dur("latency", time.Since(start)).Int("chars", len(text)).Msg("gemini call succeeded")
	return text, nil
}

// waitForSlot reserves the next limiter slot. Reservations further away
// than maxQuotaWait, or past the caller's deadline, are given back.
func (c *Client) waitForSlot(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return ErrQuotaWait
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	budget := c.maxQuotaWait
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < budget {
		budget = time.Until(deadline)
	}
	if delay > budget {
		r.Cancel()
		return fmt.Errorf("%w: next slot in %s", ErrQuotaWait, delay.Round(time.Second))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("%w: %v", ErrQuotaWait, ctx.Err())
	}
}

func logFailure(ctx context.Context, err error, latency time.Duration) {
	logger := logging.WithContext(ctx)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.IsAuthError():
		logger.Error().Err(err).Dur("latency", latency).Msg("gemini rejected the api key")
	case errors.As(err, &apiErr) && apiErr.IsRateLimited():
		logger.Warn().Err(err).Dur("latency", latency).Msg("gemini quota exceeded upstream")
	default:
		logger.Warn().Err(err).Dur("latency", latency).Msg("gemini call failed")
	}
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, url.PathEscape(c.model), url.QueryEscape(c.apiKey))

	reqBody := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: c.generation,
		SafetySettings:   safetySettings,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build request: %w", redact(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", redact(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError(resp.StatusCode, data)
	}

	var gcr generateContentResponse
	if err := json.Unmarshal(data, &gcr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(gcr.Candidates) == 0 {
		if gcr.PromptFeedback != nil && gcr.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", ErrInvalidResponse, gcr.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}
	first := gcr.Candidates[0]
	if first.Content == nil || len(first.Content.Parts) == 0 || first.Content.Parts[0].Text == "" {
		return "", fmt.Errorf("%w: candidate without content (finish reason %q)", ErrInvalidResponse, first.FinishReason)
	}
	return first.Content.Parts[0].Text, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		apiErr.Message = er.Error.Message
		apiErr.Status = er.Error.Status
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	// single-line for the client response
	apiErr.Message = truncate(strings.Join(strings.Fields(apiErr.Message), " "), maxErrorMessage)
	return apiErr
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// redact drops the request URL, which carries the API key, from transport errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func outcomeOf(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &apiErr):
		return metrics.OutcomeHTTPError
	case errors.Is(err, ErrInvalidResponse):
		return metrics.OutcomeInvalidBody
	default:
		return metrics.OutcomeTransport
	}
}

func (c *Client) record(outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordUpstreamCall(outcome, d)
	}
}
