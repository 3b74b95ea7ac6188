package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Client.
type Config struct {
	BaseURL             string
	Token               string
	Timeout             time.Duration
	RatePerSecond       float64
	BreakerFailures     uint32
	BreakerTimeout      time.Duration
	ReadRetryMaxElapsed time.Duration
	ProbePath           string
}

// Client talks to the REST backend. Every call goes through a rate limiter
// and a circuit breaker; idempotent reads are retried with exponential
// backoff, mutations are not (the action queue owns their retries).
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a backend client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/health"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Client errors say nothing about backend health.
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Client{
		http:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cb:      gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

// envelope is the {data: ...} wrapper every response uses.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Messages json.RawMessage `json:"messages"`
	Message  string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
		}
		return data, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return res.([]byte), nil
}

// get performs an idempotent read, retrying transient failures.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	operation := func() error {
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if !Retryable(err) || errors.Is(err, ErrCircuitOpen) {
				return backoff.Permanent(err)
			}
			c.logger.Debug("retrying read", zap.String("path", path), zap.Error(err))
			return err
		}
		out = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.cfg.ReadRetryMaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping reports whether the backend is reachable. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.cfg.ProbePath, nil)
	var se *StatusError
	if errors.As(err, &se) {
		return nil
	}
	return err
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
