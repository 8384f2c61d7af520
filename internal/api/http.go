package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	acceptHeader  = "application/vnd.urbanairship+json; version=3;"
	requestIDKey  = "X-UA-Request-Id"
	appKeyHeader  = "X-UA-App-Key"
	defaultUA     = "audiencesync"
	jsonMediaType = "application/json"
)

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	AppKey    string
	AppSecret string
	UserAgent string

	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration

	// RetryMax is the number of in-request retries for transport failures,
	// 429 and 5xx. Anything still failing after that is left to the caller.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RequestsPerSecond limits outgoing requests. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// DefaultHTTPConfig returns conservative transport defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		UserAgent:         defaultUA,
		Timeout:           30 * time.Second,
		RetryMax:          2,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      5 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// HTTPTransport is a Transport over net/http with bounded retries, rate
// limiting and basic-auth request signing.
type HTTPTransport struct {
	cfg     HTTPConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithLogger sets the logger for the transport and its retry loop.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = logger
		t.client.Logger = logger
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client.HTTPClient = c
	}
}

// checkRetry never retries a 4xx other than 429; those are answers, not
// glitches.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewHTTPTransport returns a transport configured by cfg.
func NewHTTPTransport(cfg HTTPConfig, opts ...HTTPOption) *HTTPTransport {
	client := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		RetryMax:     cfg.RetryMax,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		Backoff:      retryablehttp.DefaultBackoff,
		CheckRetry:   checkRetry,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	t := &HTTPTransport{
		cfg:    cfg,
		client: client,
		logger: slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client.Logger == nil {
		t.client.Logger = t.logger
	}
	return t
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var body any
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	t.sign(req)
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", jsonMediaType)
	}

	start := time.Now()
	res, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("request failed", "method", r.Method, "url", r.URL, "error", err)
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	t.logger.Debug("response received",
		"method", r.Method,
		"url", r.URL,
		"status", res.StatusCode,
		"elapsed", time.Since(start),
	)
	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

func (t *HTTPTransport) sign(req *retryablehttp.Request) {
	if t.cfg.AppKey != "" {
		req.SetBasicAuth(t.cfg.AppKey, t.cfg.AppSecret)
		req.Header.Set(appKeyHeader, t.cfg.AppKey)
	}
	ua := t.cfg.UserAgent
	if ua == "" {
		ua = defaultUA
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set(requestIDKey, uuid.NewString())
}
