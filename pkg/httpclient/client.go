// Package httpclient is the HTTP client agents use to talk back to the
// coordinator. It retries failed attempts, replays request bodies through
// http.Request.GetBody, stops calling a peer that keeps failing, and
// decodes gzip, deflate and brotli responses.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrBodyNotRewound   = errors.New("request body cannot be replayed")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// StatusError carries the status of a response that was not accepted.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Client wraps an http.Client with retries and a circuit breaker.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 1
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults creates a client with DefaultConfig.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Do sends req using its own context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext sends req, retrying per the client config. A request with a
// body is only retried when req.GetBody is set.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.setDefaultHeaders(req)

	wait := c.newBackoff()
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := wait.sleep(ctx); err != nil {
				return nil, err
			}
			if err := rewindBody(req); err != nil {
				return nil, fmt.Errorf("%w: %v", err, lastErr)
			}
		}

		resp, err := c.attempt(ctx, req, attempt)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, ErrMaxRetries
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// attempt performs one round trip. A non-nil error means the attempt should
// be retried; the response body has then already been drained.
func (c *Client) attempt(ctx context.Context, req *http.Request, n int) (*http.Response, error) {
	log := c.logger.With(
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("attempt", n),
	)

	if !c.breaker.Allow() {
		log.Warn("peer circuit open, attempt skipped", slog.String("state", c.breaker.State().String()))
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	elapsed := time.Since(start)
	if err != nil {
		c.breaker.RecordFailure()
		log.Warn("http attempt failed", slog.Duration("duration", elapsed), slog.String("error", err.Error()))
		return nil, err
	}

	c.recordStatus(resp.StatusCode)
	if c.shouldRetry(resp.StatusCode) {
		log.Warn("http attempt rejected", slog.Int("status", resp.StatusCode), slog.Duration("duration", elapsed))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	log.Debug("http attempt done",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
		slog.Int64("content_length", resp.ContentLength),
	)
	c.wrapBody(resp)
	return resp, nil
}

// Get performs a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit closes the breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

func (c *Client) setDefaultHeaders(req *http.Request) {
	if c.config.UserAgent != "" && req.Header.Get(HeaderUserAgent) == "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}
}

// recordStatus feeds the breaker. Only 5xx and 429 count against the peer;
// other 4xx responses mean it answered.
func (c *Client) recordStatus(code int) {
	if code >= 500 || code == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return
	}
	c.breaker.RecordSuccess()
}

func (c *Client) shouldRetry(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return c.config.RetryNonSuccess && (code < 200 || code > 299)
}

// backoff yields the delay before each retry.
type backoff struct {
	next       time.Duration
	max        time.Duration
	multiplier float64
}

func (c *Client) newBackoff() *backoff {
	return &backoff{next: c.config.RetryDelay, max: c.config.RetryMaxDelay, multiplier: c.config.BackoffMultiplier}
}

func (b *backoff) sleep(ctx context.Context) error {
	t := time.NewTimer(b.next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.max > 0 && b.next > b.max {
		b.next = b.max
	}
	return nil
}

// rewindBody replaces a consumed request body with a fresh copy.
func rewindBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return ErrBodyNotRewound
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBodyNotRewound, err)
	}
	req.Body = body
	return nil
}

var decoders = map[string]func(io.Reader) (io.Reader, error){
	EncodingGzip: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	EncodingDeflate: func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	EncodingBrotli: func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

// wrapBody applies decompression and the response size cap to resp.Body.
func (c *Client) wrapBody(resp *http.Response) {
	if c.config.EnableDecompression {
		enc := strings.ToLower(resp.Header.Get(HeaderContentEncoding))
		if decode, ok := decoders[enc]; ok {
			r, err := decode(resp.Body)
			if err != nil {
				c.logger.Warn("undecodable response body, passing through raw",
					slog.String("encoding", enc),
					slog.String("error", err.Error()),
				)
			} else {
				resp.Body = &bodyReader{Reader: r, body: resp.Body}
			}
		}
	}
	if c.config.MaxResponseSize > 0 {
		resp.Body = &cappedBody{body: resp.Body, remaining: c.config.MaxResponseSize}
	}
}

// bodyReader reads through a decoder and closes both it and the body.
type bodyReader struct {
	io.Reader
	body io.Closer
}

func (b *bodyReader) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		c.Close()
	}
	return b.body.Close()
}

// cappedBody fails with ErrResponseTooLarge once remaining goes negative.
type cappedBody struct {
	body      io.ReadCloser
	remaining int64
}

func (c *cappedBody) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	n, err := c.body.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (c *cappedBody) Close() error {
	return c.body.Close()
}
