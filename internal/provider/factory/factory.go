package factory

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"graphchat/internal/config"
	"graphchat/internal/provider"
	claudeProvider "graphchat/internal/provider/claude"
)

const (
	defaultHTTPTimeout     = 10 * time.Minute
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewClient constructs the model client described by configuration,
// wrapping it in a circuit breaker when enabled.
func NewClient(cfg config.Config, logger *slog.Logger) (provider.Client, error) {
	timeout := cfg.Anthropic.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	claude, err := claudeProvider.New(cfg.Anthropic, newHTTPClient(timeout))
	if err != nil {
		return nil, fmt.Errorf("initialise claude provider: %w", err)
	}

	if !cfg.Breaker.Enabled {
		return claude, nil
	}
	return provider.NewBreakerClient(claude, cfg.Breaker, logger), nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
