// Package chains holds the per-network RPC clients used to look up payment
// transactions. Every call goes through a retry policy and a per-chain
// circuit breaker, with a timeout on each attempt.
package chains

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/clients"
	"pixelforge/pkg/logging"
)

// Transfer is one movement of value inside a transaction. Addresses use the
// storage form of auth.NormalizeAddress.
type Transfer struct {
	Asset  Asset
	From   string
	To     string
	Amount decimal.Decimal
}

// TxInfo is what a client learned about a transaction.
type TxInfo struct {
	TxID string
	// Signer is the account that signed the transaction.
	Signer        string
	Succeeded     bool
	Confirmations uint64
	Transfers     []Transfer
}

// Client looks up transactions on one network.
type Client interface {
	Network() Network
	// Transaction returns NotFoundOnChain while the node does not know the
	// transaction and RPCUnavailable once retries are exhausted.
	Transaction(ctx context.Context, txID string) (*TxInfo, error)
}

// Observer receives one result per logical RPC call ("ok", "not_found",
// "error") for metrics.
type Observer func(chain, method, result string)

type Options struct {
	// Timeout bounds each attempt; the retry policy bounds the total.
	Timeout time.Duration
	Policy  clients.PolicyConfig
	Logger  logging.Logger
	Observe Observer
}

func (o Options) withDefaults(name string) Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Policy.Name == "" {
		o.Policy = clients.DefaultPolicyConfig(name + "-rpc")
	}
	if o.Policy.Logger == nil {
		o.Policy.Logger = o.Logger
	}
	return o
}

// caller runs RPC calls for one chain through a shared executor so that all
// methods count against the same breaker.
type caller struct {
	chain    string
	timeout  time.Duration
	exec     *clients.Executor[any]
	notFound func(error) bool
	observe  Observer
}

func newCaller(chain string, opts Options, notFound func(error) bool) *caller {
	opts = opts.withDefaults(chain)
	return &caller{
		chain:   chain,
		timeout: opts.Timeout,
		exec: clients.NewExecutor[any](opts.Policy, func(_ any, err error) bool {
			return err != nil && !notFound(err) && !errors.Is(err, context.Canceled)
		}),
		notFound: notFound,
		observe:  opts.Observe,
	}
}

func call[T any](ctx context.Context, c *caller, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := c.exec.Get(ctx, func(ctx context.Context) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(attemptCtx)
	})

	result := "ok"
	switch {
	case err == nil:
	case c.notFound(err):
		result = "not_found"
		err = apperr.Wrap(apperr.NotFoundOnChain, err, "%s %s", c.chain, method)
	default:
		result = "error"
		err = apperr.Wrap(apperr.RPCUnavailable, err, "%s %s", c.chain, method)
	}
	if c.observe != nil {
		c.observe(c.chain, method, result)
	}
	if err != nil {
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}
