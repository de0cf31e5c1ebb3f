package httpclient

import (
	"log/slog"
	"net/http"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultBackoffMultiplier    = 2.0
	DefaultMaxResponseSize      = 0 // 0 means no limit
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "ffmpegeasy-httpclient/1.0"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout. Zero means no timeout, which
	// suits large uploads bounded by a context instead.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration

	// BackoffMultiplier grows the delay after each retry. 1 gives a fixed delay.
	BackoffMultiplier float64

	// RetryNonSuccess retries every non-2xx response, not only 429/502/503/504.
	RetryNonSuccess bool

	// CircuitThreshold is the number of consecutive failures before the circuit opens.
	CircuitThreshold int

	// CircuitTimeout is how long the circuit stays open before trying again.
	CircuitTimeout time.Duration

	// CircuitHalfOpenMax is the max requests allowed in half-open state.
	CircuitHalfOpenMax int

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// MaxResponseSize is the maximum allowed response body size in bytes,
	// applied after decompression. Zero disables the limit.
	MaxResponseSize int64

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
		MaxResponseSize:     DefaultMaxResponseSize,
	}
}

// UploadConfig returns a Config for pushing files: fixed delay between
// attempts, every non-2xx retried, and no overall client timeout.
func UploadConfig(attempts int, delay time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	cfg.RetryAttempts = max(attempts-1, 0)
	cfg.RetryDelay = delay
	cfg.RetryMaxDelay = delay
	cfg.BackoffMultiplier = 1
	cfg.RetryNonSuccess = true
	return cfg
}
