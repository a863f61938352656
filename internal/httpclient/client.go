// Package httpclient provides the resilient HTTP client used to fetch
// upstream playlists: circuit breaker per client, retries with exponential
// backoff, transparent response decompression, and credential-redacting
// request logs.
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
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/relayarr/internal/version"
)

// Errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryDelay     = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultBackoff        = 2.0
	defaultBreakerTrips   = 5
	defaultBreakerTimeout = 30 * time.Second

	acceptEncodings = "gzip, deflate, br"
)

// Config holds the client configuration.
type Config struct {
	// Timeout is the overall per-request timeout.
	Timeout time.Duration
	// RetryAttempts is how many times a failed request is retried.
	RetryAttempts int
	// RetryDelay is the initial delay between retries; it grows by
	// BackoffMultiplier up to RetryMaxDelay.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64
	// BreakerThreshold is how many consecutive failures open the circuit.
	BreakerThreshold int
	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
	// UserAgent overrides the default relayarr user agent.
	UserAgent string
	// Logger receives request logs with credentials redacted.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           defaultTimeout,
		RetryAttempts:     defaultRetryAttempts,
		RetryDelay:        defaultRetryDelay,
		RetryMaxDelay:     defaultRetryMaxDelay,
		BackoffMultiplier: defaultBackoff,
		BreakerThreshold:  defaultBreakerTrips,
		BreakerTimeout:    defaultBreakerTimeout,
	}
}

// Client fetches upstream resources with retries and a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client from the configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = defaultBackoff
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		logger:  cfg.Logger.With(slog.String("component", "httpclient")),
	}
}

// Get fetches a URL. The response body is transparently decompressed when
// the server applied gzip, deflate, or brotli encoding.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// Do executes a request with circuit breaker protection and retries.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncodings)
	}

	ctx := req.Context()
	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit open, request skipped",
				slog.String("url", redactURL(req.URL)))
			continue
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", redactURL(req.URL)),
				slog.Duration("elapsed", elapsed),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}

		if retryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			resp.Body.Close()
			c.logger.Warn("retryable upstream status",
				slog.String("url", redactURL(req.URL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt))
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.Debug("request completed",
			slog.String("url", redactURL(req.URL)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", elapsed))

		resp.Body = decompressBody(resp, c.logger)
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// CircuitState returns the breaker's current state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// decompressBody wraps the response body according to its Content-Encoding.
// Unknown encodings pass through untouched.
func decompressBody(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "":
		return resp.Body
	case "gzip":
		gzr, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("invalid gzip body, passing through raw",
				slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: gzr, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

// decompressReader pairs a decompressor with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// redactURL masks credential-bearing query parameters and userinfo before a
// URL reaches the logs.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	sanitized := *u
	if sanitized.User != nil {
		sanitized.User = url.User("xxxxx")
	}
	query := sanitized.Query()
	for _, param := range []string{
		"password", "pass", "pwd",
		"token", "api_key", "apikey", "key",
		"secret", "auth", "username",
	} {
		if query.Has(param) {
			query.Set(param, "xxxxx")
		}
	}
	sanitized.RawQuery = query.Encode()
	return sanitized.String()
}
