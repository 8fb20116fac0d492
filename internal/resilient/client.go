package resilient

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config bounds a provider call: per-attempt timeout, attempt budget and backoff curve.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig is 10s per attempt, 3 attempts, waits of 1s then 2s (capped at 4s).
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
	}
}

// Client applies the timeout, retry and classification policy to every provider call.
// Provider adapters make single attempts; Client is the only place retries happen.
type Client struct {
	cfg    Config
	logger *zap.Logger
}

// NewClient creates a client, filling zero fields from DefaultConfig
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// Call runs fn under the client's policy. The same idempotency key is handed to every attempt so a
// retry after an ambiguous failure cannot create remote state twice. Timeout, ServerError and
// NetworkError are retried until the budget is spent; ClientError and Unauthenticated fail at once.
// A non-nil error is always a *Error carrying the action and the number of attempts made.
func Call[T any](
	ctx context.Context,
	c *Client,
	action string,
	idempotencyKey string,
	fn func(ctx context.Context, idempotencyKey string) (T, error),
) (T, error) {
	var (
		result   T
		attempts int
		lastErr  *Error
	)

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		res, err := fn(attemptCtx, idempotencyKey)
		util.ProviderCallLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())

		if err == nil {
			util.ProviderCallAttemptsTotal.WithLabelValues(action, "success").Inc()
			result = res
			return nil
		}

		// a terminal answer that lands on the deadline stays terminal
		classified := Classify(err)
		if classified.Kind.Retryable() && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			classified = New(KindTimeout, err)
		}

		annotated := *classified
		annotated.Action = action
		annotated.Attempts = attempts
		lastErr = &annotated

		util.ProviderCallAttemptsTotal.WithLabelValues(action, string(annotated.Kind)).Inc()

		if !annotated.Kind.Retryable() {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Provider call failed, retrying",
			zap.String("action", action),
			zap.String("idempotency_key", idempotencyKey),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, c.policy(ctx), notify); err != nil {
		var zero T
		if lastErr != nil {
			return zero, lastErr
		}
		classified := Classify(err)
		return zero, &Error{Kind: classified.Kind, Action: action, Attempts: attempts, Err: err}
	}

	return result, nil
}
