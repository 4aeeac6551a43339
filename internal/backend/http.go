package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/metrics"
)

const maxResponseBytes = 1 << 20

// httpClient is the retrying JSON transport both backends share. One
// instance per process; connections are reused across cycles.
type httpClient struct {
	base      string
	name      string
	userAgent string
	retries   int
	interval  time.Duration
	client    *http.Client
	limiter   *rate.Limiter
	decorate  func(*http.Request)
}

func newHTTPClient(name, baseURL string, timeout time.Duration, retries int, interval time.Duration, version string) *httpClient {
	if retries < 1 {
		retries = 1
	}
	return &httpClient{
		base:      strings.TrimRight(baseURL, "/"),
		name:      name,
		userAgent: "zmc-alarm-exporter/" + version,
		retries:   retries,
		interval:  interval,
		client: &http.Client{
			Timeout: timeout,
			// Proxy nil keeps backend traffic off environment proxy
			// variables.
			Transport: &http.Transport{Proxy: nil},
		},
	}
}

// do sends one JSON request with the shared retry policy: up to retries
// attempts with a fixed pause, retrying connection errors, timeouts and
// retryable statuses. endpoint is the low-cardinality metric label; path
// carries the real identifiers.
func (c *httpClient) do(ctx context.Context, method, endpoint, path string, payload any) (Result, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = encodeJSON(payload)
		if err != nil {
			return Result{}, zmcerrors.NewSyncError(zmcerrors.ErrorTypeValidation, "encode "+endpoint, c.name, err)
		}
	}

	var (
		res     Result
		lastErr error
	)
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return res, zmcerrors.WrapTimeoutError(method+" "+endpoint, c.name, ctx.Err())
			case <-time.After(c.interval):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return res, zmcerrors.WrapTimeoutError(method+" "+endpoint, c.name, err)
			}
		}

		res, lastErr = c.doOnce(ctx, method, endpoint, path, body)
		if lastErr == nil {
			if attempt > 1 {
				log.Info().
					Str("backend", c.name).
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Backend request succeeded after retry")
			}
			return res, nil
		}
		if !zmcerrors.IsRetryableError(lastErr) {
			return res, lastErr
		}
		log.Warn().
			Err(lastErr).
			Str("backend", c.name).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_attempts", c.retries).
			Msg("Backend request failed, will retry")
	}
	return res, fmt.Errorf("%s %s failed after %d attempts: %w", method, endpoint, c.retries, lastErr)
}

// doOnce performs a single attempt.
func (c *httpClient) doOnce(ctx context.Context, method, endpoint, path string, body []byte) (Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return Result{}, zmcerrors.NewSyncError(zmcerrors.ErrorTypeValidation, "build "+endpoint, c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.decorate != nil {
		c.decorate(req)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	metrics.ObserveBackendRequest(c.name, method, endpoint, duration)
	if err != nil {
		op := method + " " + endpoint
		if isTimeout(err) {
			return Result{Duration: duration}, zmcerrors.WrapTimeoutError(op, c.name, err)
		}
		return Result{Duration: duration}, zmcerrors.WrapConnectionError(op, c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Duration: duration},
			zmcerrors.WrapConnectionError(method+" "+endpoint, c.name, err)
	}

	res := Result{StatusCode: resp.StatusCode, Duration: duration, Body: string(data)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := fmt.Errorf("status %d: %s", resp.StatusCode, snippet(res.Body))
		return res, zmcerrors.WrapAPIError(method+" "+endpoint, c.name, apiErr, resp.StatusCode)
	}
	return res, nil
}

// getOnce is a single-attempt GET for health probes.
func (c *httpClient) getOnce(ctx context.Context, endpoint, path string) (Result, error) {
	return c.doOnce(ctx, http.MethodGet, endpoint, path, nil)
}

func (c *httpClient) close() {
	c.client.CloseIdleConnections()
}

// encodeJSON serializes without HTML escaping so non-ASCII alarm text goes
// over the wire as written.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if runes := []rune(body); len(runes) > 200 {
		return string(runes[:200]) + "..."
	}
	return body
}
