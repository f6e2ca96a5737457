// File: internal/mailclient/client.go
package mailclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoToken is reported by a TokenSource that holds no credential.
var ErrNoToken = errors.New("api token not set")

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 1 << 20

// TokenSource supplies the bearer credential for each fetch.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FetchOptions tunes one FetchCode call.
type FetchOptions struct {
	// MaxRetries bounds the attempts made inside the call. Zero uses the configured default.
	MaxRetries int
	// ExpirySeconds is the maximum message age. Only sent for login lookups.
	ExpirySeconds *int
}

// Client fetches OTP codes from the mail API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
	cfg        config.MailAPIConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is still wrapped for
// response decompression.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records every call on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the API rooted at cfg.BaseURL.
func New(cfg config.MailAPIConfig, tokens TokenSource, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mail api configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokens == nil {
		tokens = StaticToken(cfg.Token)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		httpClient: &http.Client{},
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
		cfg:        cfg,
		logger:     logger.Named("mailclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	wrapped := *c.httpClient
	wrapped.Transport = newDecompressingTransport(c.httpClient.Transport)
	c.httpClient = &wrapped
	return c, nil
}

// Endpoint returns the lookup URL for username and purpose.
func (c *Client) Endpoint(username string, purpose schemas.Purpose, expirySeconds *int) (string, error) {
	path := "get"
	if purpose == schemas.PurposeRegistration {
		path = "verification"
	}
	raw, err := url.JoinPath(c.baseURL, "otp", path)
	if err != nil {
		return "", fmt.Errorf("failed to build endpoint: %w", err)
	}
	q := url.Values{}
	q.Set("email", username)
	if purpose == schemas.PurposeLogin && expirySeconds != nil && *expirySeconds > 0 {
		q.Set("expiry", strconv.Itoa(*expirySeconds))
	}
	return raw + "?" + q.Encode(), nil
}

// FetchCode looks up the most recent code for username. Transient outcomes are retried with a
// fixed delay up to opts.MaxRetries attempts; AuthError and codes are returned at once.
// The error is non-nil only when ctx ends before a result is known.
func (c *Client) FetchCode(ctx context.Context, username string, purpose schemas.Purpose, opts FetchOptions) (schemas.OtpFetchResult, error) {
	start := time.Now()
	res, err := c.fetch(ctx, username, purpose, opts)
	if err == nil {
		c.metrics.RecordFetch(string(purpose), string(res.Outcome), time.Since(start))
	}
	return res, err
}

func (c *Client) fetch(ctx context.Context, username string, purpose schemas.Purpose, opts FetchOptions) (schemas.OtpFetchResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil || token == "" {
		return schemas.OtpFetchResult{
			Outcome: schemas.OutcomeAuthError,
			Message: "API token not set. Please connect in settings.",
		}, nil
	}

	endpoint, err := c.Endpoint(username, purpose, opts.ExpirySeconds)
	if err != nil {
		return schemas.OtpFetchResult{Outcome: schemas.OutcomeTransportError, Message: err.Error()}, nil
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.MaxRetries
	}
	logger := c.logger.With(zap.String("username", username), zap.String("purpose", string(purpose)))

	var last schemas.OtpFetchResult
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return last, err
		}

		var retry bool
		last, retry, err = c.attempt(ctx, endpoint, token)
		if err != nil {
			return last, err
		}
		logger.Debug("Mail API attempt finished.",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.String("outcome", string(last.Outcome)))
		if !retry || attempt == maxRetries {
			break
		}

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	return last, nil
}

// -- Single attempt --

type envelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Error   string   `json:"error"`
	Data    *otpData `json:"data"`
}

type otpData struct {
	Otp              string `json:"otp"`
	Subject          string `json:"subject"`
	From             string `json:"from"`
	RemainingSeconds *int   `json:"remaining_seconds"`
	Expired          bool   `json:"expired"`
}

func (e *envelope) text(fallback string) string {
	switch {
	case e != nil && e.Message != "":
		return e.Message
	case e != nil && e.Error != "":
		return e.Error
	default:
		return fallback
	}
}

// attempt performs one request. retry reports whether the outcome is worth another attempt.
func (c *Client) attempt(ctx context.Context, endpoint, token string) (res schemas.OtpFetchResult, retry bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return transport(err.Error()), false, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transport("cancelled"), false, ctx.Err()
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return transport(fmt.Sprintf("request timed out after %s", c.cfg.Timeout)), true, nil
		}
		return transport(err.Error()), true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return schemas.OtpFetchResult{
			Outcome: schemas.OutcomeAuthError,
			Message: "API token invalid or expired. Please reconnect.",
		}, false, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var env envelope
	decodeErr := readErr
	if decodeErr == nil {
		decodeErr = json.Unmarshal(body, &env)
	}

	if resp.StatusCode == http.StatusGone {
		if decodeErr == nil && env.Data != nil && env.Data.Otp != "" {
			zero := 0
			return schemas.OtpFetchResult{
				Outcome:          schemas.OutcomeExpired,
				Code:             env.Data.Otp,
				RemainingSeconds: &zero,
				Subject:          env.Data.Subject,
				From:             env.Data.From,
			}, false, nil
		}
		return schemas.OtpFetchResult{Outcome: schemas.OutcomeNotFound, Message: env.text("OTP has expired")}, true, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transport(env.text(fmt.Sprintf("HTTP error! status: %d", resp.StatusCode))), true, nil
	}
	if decodeErr != nil {
		return transport("Failed to parse API response"), true, nil
	}
	if !env.Success || env.Data == nil {
		return transport(env.text("Invalid API response")), true, nil
	}

	data := env.Data
	if data.Expired {
		return schemas.OtpFetchResult{
			Outcome: schemas.OutcomeExpired,
			Message: "OTP has expired and no new OTP available",
		}, true, nil
	}
	if data.Otp == "" {
		return schemas.OtpFetchResult{Outcome: schemas.OutcomeNotFound, Message: "No OTP found in response"}, true, nil
	}
	return schemas.OtpFetchResult{
		Outcome:          schemas.OutcomeFound,
		Code:             data.Otp,
		RemainingSeconds: data.RemainingSeconds,
		Subject:          data.Subject,
		From:             data.From,
	}, false, nil
}

func transport(msg string) schemas.OtpFetchResult {
	return schemas.OtpFetchResult{Outcome: schemas.OutcomeTransportError, Message: msg}
}
