package netclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// Constants for default optimized TCP/HTTP settings. These are tuned higher
// than standard library defaults to accommodate the concurrency typical of a
// scanning workload.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 15 * time.Second

	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 20
	DefaultMaxConnsPerHost     = 50
	DefaultIdleConnTimeout     = 30 * time.Second

	DefaultMaxBodySize = 2 << 20 // 2 MiB
)

// ErrBodyTooLarge is returned when the target declares a response body beyond
// the configured size cap.
var ErrBodyTooLarge = errors.New("netclient: response body exceeds size limit")

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxBodySize int64
	UserAgent   string

	IgnoreTLSErrors bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	Logger *zap.Logger
}

// NewDefaultClientConfig creates a configuration optimized for general-purpose scanning.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxBodySize:           DefaultMaxBodySize,
		UserAgent:             "shadowmap/1.0",
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
	}
}

// Client performs bounded HTTP retrieval with a per-request deadline, a body
// size cap, and a single retry on transient network errors. It is safe for
// concurrent use by multiple goroutines.
type Client struct {
	hc          *http.Client
	maxBodySize int64
	userAgent   string
	logger      *zap.Logger
}

// Compile-time interface check.
var _ schemas.Fetcher = (*Client)(nil)

// New creates a Client from the given configuration.
func New(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newTransport(cfg, logger)

	standardClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		// Redirects are inspected, not followed: blindly following them could
		// walk the probe out of scope or mask the original auth behaviour.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	return &Client{
		hc:          standardClient,
		maxBodySize: maxBody,
		userAgent:   cfg.UserAgent,
		logger:      logger.Named("netclient"),
	}
}

// newTransport configures an http.Transport with the tuned connection pool.
func newTransport(cfg *ClientConfig, logger *zap.Logger) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
		InsecureSkipVerify: cfg.IgnoreTLSErrors,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}

	return transport
}

// Fetch performs a GET request against the URL. Any HTTP status is a success;
// only network-level failures return an error. Transient errors (connection
// reset, unexpected EOF) are retried exactly once; timeouts are not retried so
// a slow target is never hit twice for one probe.
func (c *Client) Fetch(ctx context.Context, url string) (*schemas.FetchResult, error) {
	var result *schemas.FetchResult

	operation := func() error {
		res, err := c.fetchOnce(ctx, url)
		if err != nil {
			if isTransient(err) {
				c.logger.Debug("Transient network error, retrying once", zap.String("url", url), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, url string) (*schemas.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "*/*")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxBodySize {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrBodyTooLarge, url, resp.ContentLength)
	}

	// Read one byte past the cap so truncation is detectable without trusting
	// Content-Length, which chunked responses omit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", url, err)
	}
	truncated := false
	if int64(len(body)) > c.maxBodySize {
		body = body[:c.maxBodySize]
		truncated = true
	}

	return &schemas.FetchResult{
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Truncated:  truncated,
		Elapsed:    time.Since(start),
	}, nil
}

// isTransient reports whether the network error is worth a single retry.
// Timeouts and refused connections are deliberate signals from the target and
// are not retried.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	// url.Error wraps the underlying cause with its own text on some platforms.
	return strings.Contains(err.Error(), "connection reset")
}
