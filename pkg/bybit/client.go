package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

const (
	recvWindow = "20000"

	maxAttempts   = 3
	backoffBase   = 1 * time.Second
	backoffCap    = 8 * time.Second
	retryAfterMin = 1 * time.Second
	retryAfterMax = 30 * time.Second
)

// ErrNoCredentials indicates a signed endpoint was called without API keys.
var ErrNoCredentials = errors.New("bybit: no credentials configured")

// Client is a signed, retried, cached Bybit v5 REST client for the linear
// perpetual category.
type Client struct {
	cfg        *Config
	httpClient *http.Client

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	clock       *clockCache
	instruments *instrumentCache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock injects a local time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// WithSleep replaces the backoff sleep, letting tests observe delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleepFn = sleep
		}
	}
}

// NewClient constructs a Client.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("bybit: config cannot be nil")
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		nowFn:      time.Now,
		sleepFn:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = newClockCache(c)
	c.instruments = newInstrumentCache(c, cfg.CacheDir)
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sign computes HMAC-SHA256(secret, timestamp ∥ apiKey ∥ recvWindow ∥ payload).
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + c.cfg.APIKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// getPublic performs an unsigned GET.
func (c *Client) getPublic(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, false, out)
}

// getSigned performs a signed GET.
func (c *Client) getSigned(ctx context.Context, path string, query url.Values, out any) error {
	if !c.cfg.HasCredentials() {
		return ErrNoCredentials
	}
	return c.do(ctx, http.MethodGet, path, query, nil, true, out)
}

// postSigned performs a signed POST with a JSON body.
func (c *Client) postSigned(ctx context.Context, path string, body any, out any) error {
	if !c.cfg.HasCredentials() {
		return ErrNoCredentials
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, true, out)
}

// do runs one API call with the full reliability policy: up to maxAttempts
// attempts, exponential backoff for transport failures and 5xx, Retry-After
// waits for rate limiting, and a single extra retry after a timestamp-skew
// response invalidates the clock-offset cache.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, signed bool, out any) error {
	var lastErr error
	backoff := backoffBase
	skewRetried := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, respBody, err := c.send(ctx, method, path, query, body, signed)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		} else if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("bybit: http 429 on %s", path)
			if attempt+1 < maxAttempts {
				if err := c.sleepFn(ctx, clampRetryAfter(resp.Header.Get("Retry-After"))); err != nil {
					return err
				}
				continue
			}
		} else if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("bybit: http %d on %s", resp.StatusCode, path)
		} else if resp.StatusCode >= 300 {
			return fmt.Errorf("bybit: http %d on %s: %s", resp.StatusCode, path, truncate(string(respBody), 256))
		} else {
			var envelope apiResponse
			if err := json.Unmarshal(respBody, &envelope); err != nil {
				return fmt.Errorf("bybit: decode response from %s: %w", path, err)
			}
			switch {
			case envelope.RetCode == codeOK:
				if out != nil && len(envelope.Result) > 0 {
					if err := json.Unmarshal(envelope.Result, out); err != nil {
						return fmt.Errorf("bybit: decode result from %s: %w", path, err)
					}
				}
				return nil
			case envelope.RetCode == codeTimestampSkew:
				c.clock.Invalidate()
				lastErr = &APIError{Code: envelope.RetCode, Message: envelope.RetMsg}
				if !skewRetried {
					skewRetried = true
					attempt-- // one extra retry after resync
					continue
				}
				return lastErr
			case isRateLimit(envelope.RetCode):
				lastErr = &APIError{Code: envelope.RetCode, Message: envelope.RetMsg}
				if attempt+1 < maxAttempts {
					if err := c.sleepFn(ctx, clampRetryAfter(resp.Header.Get("Retry-After"))); err != nil {
						return err
					}
					continue
				}
			default:
				return &APIError{Code: envelope.RetCode, Message: envelope.RetMsg}
			}
		}

		if attempt+1 < maxAttempts {
			if err := c.sleepFn(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
	return fmt.Errorf("bybit: %s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, signed bool) (*http.Response, []byte, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	queryStr := ""
	if len(query) > 0 {
		queryStr = query.Encode()
		endpoint += "?" + queryStr
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("bybit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := strconv.FormatInt(c.clock.Timestamp(ctx), 10)
		payload := queryStr
		if method == http.MethodPost {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
		req.Header.Set("X-BAPI-SIGN-TYPE", "2")
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("bybit: read response: %w", err)
	}
	return resp, respBody, nil
}

// clampRetryAfter parses a Retry-After seconds value, clamped to [1s, 30s].
func clampRetryAfter(header string) time.Duration {
	d := retryAfterMin
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		d = time.Duration(secs) * time.Second
	}
	if d < retryAfterMin {
		d = retryAfterMin
	}
	if d > retryAfterMax {
		d = retryAfterMax
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func logDiag(format string, args ...any) {
	logx.Infof(format, args...)
}
