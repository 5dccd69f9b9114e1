package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
)

const maxErrorBody = 4096

// HTTPClient talks to the collector write and read endpoints.
type HTTPClient struct {
	client      *http.Client
	writeURL    string
	writeMethod string
	readURL     string
	readParams  url.Values
	headers     map[string]string
	userAgent   string
	body        *bodyRenderer
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      *events.Logger
}

// Option configures an HTTPClient.
type Option func(*options)

type options struct {
	batchBodies bool
	httpClient  *http.Client
}

// WithBatchBodies always sends an array body, even for one sample.
func WithBatchBodies(enabled bool) Option {
	return func(o *options) { o.batchBodies = enabled }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewHTTPClient creates a collector client. A malformed location template
// is reported here rather than on the first upload.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger, opts ...Option) (*HTTPClient, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	body, err := newBodyRenderer(cfg.LocationTemplate, cfg.HTTPRootProperty, config.ToMap(cfg.Params), o.batchBodies)
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("component", "http_client")

	httpClient := o.httpClient
	if httpClient == nil {
		// Create transport with HTTP/2 support
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"h2", "http/1.1"},
			},
		}

		if err := http2.ConfigureTransport(transport); err != nil {
			logger.WithError(err).Warn("Failed to configure HTTP/2")
		}

		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}

	c := &HTTPClient{
		client:      httpClient,
		writeURL:    cfg.WriteURL,
		writeMethod: cfg.WriteMethod,
		readURL:     cfg.ReadURL,
		readParams:  url.Values{},
		headers:     config.ToMap(cfg.Headers),
		userAgent:   cfg.UserAgent,
		body:        body,
		logger:      logger,
	}
	if c.writeMethod == "" {
		c.writeMethod = http.MethodPost
	}
	for k, v := range config.ToMap(cfg.ReadParams) {
		c.readParams.Set(k, v)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.BreakerFailures > 0 {
		c.breaker = newBreaker(cfg, logger)
	}

	return c, nil
}

func newBreaker(cfg *config.APIConfig, logger *events.Logger) *gobreaker.CircuitBreaker[struct{}] {
	metrics.CircuitBreakerState.Set(0)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transient failures mean the collector is unhealthy.
		IsSuccessful: func(err error) bool {
			return err == nil || models.IsFatal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Upload writes samples in one request. Errors are *models.TransientSyncError
// or *models.FatalSyncError.
func (c *HTTPClient) Upload(ctx context.Context, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	body, err := c.body.render(samples)
	if err != nil {
		return err
	}

	log := c.logger
	if id := events.GetSampleID(ctx); id != "" {
		log = log.WithField("sample_id", id)
	}
	log.WithFields(map[string]interface{}{
		"method": c.writeMethod,
		"url":    c.writeURL,
		"count":  len(samples),
		"size":   len(body),
	}).Debug("Sending locations")

	return c.guard(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, c.writeMethod, c.writeURL, bytes.NewReader(body))
		if err != nil {
			return &models.FatalSyncError{Code: models.ErrCodeRequest, Err: fmt.Errorf("create request: %w", err)}
		}

		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		log.WithField("status", resp.StatusCode).Debug("Locations accepted")
		return nil
	})
}

// guard applies the rate limiter and circuit breaker around fn.
func (c *HTTPClient) guard(ctx context.Context, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifyTransportError(err)
		}
	}

	if c.breaker == nil {
		return fn()
	}

	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &models.TransientSyncError{Code: models.ErrCodeCircuit, Err: err}
	}
	return err
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// isRetryable checks if an HTTP status code is retryable.
func isRetryable(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// classifyStatus maps a non-2xx response to a sync error.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &models.APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.TransientSyncError{Code: models.ErrCodeRateLimit, Err: apiErr}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &models.TransientSyncError{Code: models.ErrCodeTimeout, Err: apiErr}
	case isRetryable(resp.StatusCode):
		return &models.TransientSyncError{Code: models.ErrCodeServer, Err: apiErr}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &models.FatalSyncError{Code: models.ErrCodeAuth, Err: apiErr}
	default:
		return &models.FatalSyncError{Code: models.ErrCodeRequest, Err: apiErr}
	}
}

// classifyTransportError treats every network level failure as transient.
func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &models.TransientSyncError{Code: models.ErrCodeTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &models.TransientSyncError{Code: models.ErrCodeTimeout, Err: err}
	default:
		return &models.TransientSyncError{Code: models.ErrCodeNetwork, Err: err}
	}
}
