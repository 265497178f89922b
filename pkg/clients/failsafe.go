package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"pixelforge/pkg/logging"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected by an open breaker.
var ErrBreakerOpen = circuitbreaker.ErrOpen

// PolicyConfig configures retry and circuit breaking for one downstream.
type PolicyConfig struct {
	// Name identifies the downstream in logs and metrics
	Name string

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// The breaker opens once FailureThreshold of the last FailureWindow
	// executions failed, and probes again after OpenDelay.
	FailureThreshold uint
	FailureWindow    uint
	OpenDelay        time.Duration

	Logger logging.Logger

	// OnStateChange is invoked on every breaker transition.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultPolicyConfig returns the defaults used for chain RPC calls.
func DefaultPolicyConfig(name string) PolicyConfig {
	return PolicyConfig{
		Name:             name,
		MaxRetries:       3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		FailureThreshold: 5,
		FailureWindow:    10,
		OpenDelay:        30 * time.Second,
	}
}

func normalizePolicyConfig(cfg PolicyConfig) PolicyConfig {
	if cfg.Name == "" {
		cfg.Name = "downstream"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = 10
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureWindow {
		cfg.FailureThreshold = (cfg.FailureWindow + 1) / 2
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = 30 * time.Second
	}
	return cfg
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Executor runs calls through a retry policy wrapped around a circuit breaker.
type Executor[R any] struct {
	name     string
	breaker  circuitbreaker.CircuitBreaker[R]
	executor failsafe.Executor[R]
}

// NewExecutor builds an executor. failure decides which outcomes are both
// retried and counted against the breaker; everything else passes through.
func NewExecutor[R any](cfg PolicyConfig, failure func(R, error) bool) *Executor[R] {
	cfg = normalizePolicyConfig(cfg)
	if failure == nil {
		failure = func(_ R, err error) bool { return err != nil }
	}

	retry := retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(res R, err error) bool {
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return false
			}
			return failure(res, err)
		}).
		ReturnLastFailure().
		Build()

	builder := circuitbreaker.NewBuilder[R]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.OpenDelay).
		WithSuccessThreshold(1).
		HandleIf(failure)

	if cfg.Logger != nil || cfg.OnStateChange != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from := convertState(event.OldState)
			to := convertState(event.NewState)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})
	}
	breaker := builder.Build()

	return &Executor[R]{
		name:     cfg.Name,
		breaker:  breaker,
		executor: failsafe.With[R](retry, breaker),
	}
}

// Get runs fn until it succeeds, a non-failure outcome is returned, retries
// are exhausted or the context ends.
func (e *Executor[R]) Get(ctx context.Context, fn func(ctx context.Context) (R, error)) (R, error) {
	return e.executor.WithContext(ctx).Get(func() (R, error) {
		return fn(ctx)
	})
}

// Name returns the downstream name.
func (e *Executor[R]) Name() string {
	return e.name
}

// State returns the current breaker state.
func (e *Executor[R]) State() BreakerState {
	return convertState(e.breaker.State())
}

// ============================================================================
// HTTP Executor
// ============================================================================

// DefaultShouldRetry determines if an HTTP request should be retried.
// Retries on network errors, server errors (5xx), and rate limits (429).
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// NewHTTPExecutor creates an executor for outbound HTTP calls. The retry
// predicate defaults to DefaultShouldRetry.
//
//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter, not an actual response
func NewHTTPExecutor(cfg PolicyConfig, shouldRetry func(*http.Response, error) bool) *Executor[*http.Response] {
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	return NewExecutor[*http.Response](cfg, shouldRetry)
}
