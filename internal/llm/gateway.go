package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout         = 60 * time.Second
	DefaultAttempts        = 3
	DefaultInitialInterval = 4 * time.Second
	DefaultMaxInterval     = 10 * time.Second
)

// Options tunes a Gateway beyond the per-call Config.
type Options struct {
	Endpoints       Endpoints
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// StopOnClientErrors makes 4xx provider responses terminal instead of retried.
	StopOnClientErrors bool
}

// Gateway performs one logical completion call against the provider chosen for the
// configured model. A Gateway owns its HTTP connections; Close releases them.
type Gateway struct {
	provider  Provider
	client    *http.Client
	transport *http.Transport
	timeout   time.Duration
	attempts  int
	opts      Options
}

// New builds a gateway for cfg. Callers should defer Close.
func New(cfg Config, opts Options) *Gateway {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Gateway{
		provider:  SelectProvider(cfg, opts.Endpoints),
		client:    &http.Client{Transport: transport},
		transport: transport,
		timeout:   timeout,
		attempts:  attempts,
		opts:      opts,
	}
}

// Close releases pooled connections held by the gateway.
func (g *Gateway) Close() {
	g.transport.CloseIdleConnections()
}

// Call sends prompt to the provider, retrying transport and protocol failures with
// exponential backoff. The error of the final attempt is returned as is.
func (g *Gateway) Call(ctx context.Context, prompt string) (*CanonicalResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.opts.InitialInterval
	policy.MaxInterval = g.opts.MaxInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var (
		result  *CanonicalResponse
		attempt int
	)
	operation := func() error {
		attempt++
		resp, err := g.do(ctx, prompt)
		if err != nil {
			if !g.retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = resp
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("llm call failed, retrying",
			"provider", g.provider.Name(),
			"attempt", attempt,
			"max_attempts", g.attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.attempts-1)), ctx),
		notify,
	)
	if err != nil {
		slog.Error("llm call failed", "provider", g.provider.Name(), "attempts", attempt, "error", err)
		return nil, err
	}
	return result, nil
}

func (g *Gateway) do(ctx context.Context, prompt string) (*CanonicalResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := g.provider.BuildRequest(attemptCtx, prompt)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Provider: g.provider.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{
			Kind:       KindTransport,
			Provider:   g.provider.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}
	return g.provider.ParseResponse(resp.StatusCode, body)
}

func (g *Gateway) retryable(err error) bool {
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	switch callErr.Kind {
	case KindTransport:
		return true
	case KindProtocol:
		return !(g.opts.StopOnClientErrors && callErr.ClientError())
	default:
		return false
	}
}
