package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"graphchat/internal/config"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerClient guards an inner Client with one circuit breaker per model.
// Only stream initiation is counted; failures after the first byte surface
// through the stream and do not trip the breaker.
type BreakerClient struct {
	inner  Client
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[MessageStream]
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps inner. Zero-valued settings fall back to defaults.
func NewBreakerClient(inner Client, cfg config.BreakerConfig, logger *slog.Logger) *BreakerClient {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerClient{
		inner:    inner,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[MessageStream]),
	}
}

// StreamMessage implements Client.
func (c *BreakerClient) StreamMessage(ctx context.Context, req MessageRequest) (MessageStream, error) {
	cb := c.breakerFor(req.Model)
	stream, err := cb.Execute(func() (MessageStream, error) {
		return c.inner.StreamMessage(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("model %q: %w: %w", req.Model, ErrCircuitOpen, err)
		}
		return nil, err
	}
	return stream, nil
}

// State reports the breaker state for a model. Unknown models report closed.
func (c *BreakerClient) State(model string) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[model]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (c *BreakerClient) breakerFor(model string) *gobreaker.CircuitBreaker[MessageStream] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	maxFailures := c.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[MessageStream](gobreaker.Settings{
		Name:        "model:" + model,
		MaxRequests: 1,
		Interval:    c.cfg.Interval,
		Timeout:     c.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A cancelled caller says nothing about the model's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[model] = cb
	return cb
}
