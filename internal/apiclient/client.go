// Package apiclient talks to the external reservation system. Every call
// goes through one shared bearer token, an outbound rate limiter and a
// circuit breaker. Retries are left to callers.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"turnover/internal/cache"
	"turnover/internal/config"
	"turnover/internal/failure"
	"turnover/internal/metrics"
	"turnover/internal/models"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const breakerName = "external-api"

// UsageRecorder persists one row per outbound call.
type UsageRecorder interface {
	RecordAPIUsage(ctx context.Context, rec models.APIUsageRecord) error
}

type response struct {
	status int
	body   []byte
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenSource
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[response]
	usage      UsageRecorder
	cache      cache.Cache
	cacheTTL   time.Duration
	pageSize   int
	logger     *zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for API calls and token fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUsageRecorder stores every call for usage metrics.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(c *Client) { c.usage = r }
}

func New(cfg config.ExternalConfig, logger *zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pageSize:   cfg.PageSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}

	c.tokens = NewTokenSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Scopes, cfg.TokenMargin, c.httpClient)

	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	if cfg.Breaker.Enabled {
		c.breaker = newBreaker(cfg.Breaker, logger)
	}
	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *zerolog.Logger) *gobreaker.CircuitBreaker[response] {
	threshold := cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejected requests say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.SetBreakerState(name, float64(to))
		},
	})
}

// Tokens exposes the shared token cache.
func (c *Client) Tokens() *TokenSource { return c.tokens }

// Ping fetches a token, proving credentials and connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, nil, body)
}

func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	call := func() (response, error) {
		return c.send(ctx, method, endpoint, token, payload)
	}

	var resp response
	if c.breaker != nil {
		resp, err = c.breaker.Execute(call)
	} else {
		resp, err = call()
	}
	c.record(ctx, path, resp.status)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.Method, apiErr.Path = method, path
			if failure.Classify(apiErr) == failure.ClassAuth {
				c.tokens.Invalidate()
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp.body, nil
}

func (c *Client) send(ctx context.Context, method, endpoint, token string, payload []byte) (response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{status: resp.StatusCode}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response{status: resp.StatusCode}, &APIError{Status: resp.StatusCode, Body: truncate(data)}
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func (c *Client) record(ctx context.Context, path string, status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	metrics.IncExternalCall(path, label)

	if c.usage == nil || status == 0 {
		return
	}
	rec := models.APIUsageRecord{Timestamp: time.Now().UTC(), Endpoint: path, HTTPStatus: status}
	if uerr := c.usage.RecordAPIUsage(context.WithoutCancel(ctx), rec); uerr != nil {
		c.logger.Warn().Err(uerr).Str("endpoint", path).Msg("Failed to record API usage")
	}
}
