package resiliency

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ClientConfig configures an EnhancedClient.
type ClientConfig struct {
	Name        string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	Breaker     BreakerConfig
}

// EnhancedClient wraps http.Client with retries (exponential backoff with
// jitter), a circuit breaker, and trace context propagation.
type EnhancedClient struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	breaker     *CircuitBreaker
	logger      *slog.Logger
}

// NewEnhancedClient builds a client. Zero values default to a 30s timeout,
// 3 retries and a 100ms base backoff.
func NewEnhancedClient(cfg ClientConfig) *EnhancedClient {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	return &EnhancedClient{
		client:      &http.Client{Timeout: cfg.Timeout},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		breaker:     NewCircuitBreaker(cfg.Name, cfg.Breaker),
		logger:      slog.Default().With("component", "resiliency", "client", cfg.Name),
	}
}

// Breaker exposes the client's breaker.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do sends req, retrying transport errors and 5xx responses. A request with
// a body is only retried when req.GetBody is set.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", c.breaker.Name(), ErrOpen)
	}

	var resp *http.Response
	var err error
	attempts := 0
	for i := 0; i <= c.maxRetries; i++ {
		attempt := req
		if i > 0 {
			if req.Body != nil && req.GetBody == nil {
				break
			}
			attempt = req.Clone(ctx)
			if req.GetBody != nil {
				body, gerr := req.GetBody()
				if gerr != nil {
					err = gerr
					break
				}
				attempt.Body = body
			}
		}

		attempts++
		resp, err = c.client.Do(attempt)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Record(true)
			return resp, nil
		}
		if ctx.Err() != nil {
			c.breaker.release()
			return nil, ctx.Err()
		}
		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
			resp = nil
		}

		backoff := c.baseBackoff << i
		jitter := time.Duration(rand.Int64N(int64(c.baseBackoff/2) + 1))
		c.logger.DebugContext(ctx, "retrying request", "attempt", i+1, "backoff", backoff+jitter, "error", err)
		select {
		case <-ctx.Done():
			c.breaker.release()
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	c.breaker.Record(false)
	if err != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, err)
	}
	return resp, nil
}
