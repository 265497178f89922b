package chains

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"

	"pixelforge/internal/config"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/clients"
	"pixelforge/pkg/logging"
)

// Registry holds one client per enabled chain.
type Registry struct {
	clients map[auth.ChainType]Client
	evm     map[auth.ChainType]*EVMClient
	closers []func()
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[auth.ChainType]Client),
		evm:     make(map[auth.ChainType]*EVMClient),
	}
}

// Dial connects to every enabled chain in cfg.
func Dial(ctx context.Context, cfg *config.Config, logger logging.Logger, observe Observer, breakers *clients.BreakerMetrics) (*Registry, error) {
	reg := NewRegistry()
	for _, chain := range cfg.EnabledChains() {
		network, ok := NetworkFor(chain.Name)
		if !ok {
			continue
		}
		policy := clients.DefaultPolicyConfig(string(chain.Name) + "-rpc")
		policy.Logger = logger
		if breakers != nil {
			policy.OnStateChange = breakers.Record
		}
		opts := Options{Timeout: cfg.RPCTimeout, Policy: policy, Logger: logger, Observe: observe}

		if network.IsEVM() {
			ec, err := ethclient.DialContext(ctx, chain.RPCURL)
			if err != nil {
				reg.Close()
				return nil, fmt.Errorf("dial %s rpc: %w", chain.Name, err)
			}
			reg.AddEVM(NewEVMClient(network, ec, opts))
			reg.closers = append(reg.closers, ec.Close)
		} else {
			sc := rpc.New(chain.RPCURL)
			reg.Add(NewSolanaClient(network, sc, opts))
			reg.closers = append(reg.closers, func() { _ = sc.Close() })
		}

		logger.WithFields(logging.Fields{
			"chain":         chain.Name,
			"confirmations": network.Confirmations,
		}).Info("Chain client configured")
	}
	return reg, nil
}

func (r *Registry) Add(c Client) {
	r.clients[c.Network().Name] = c
}

func (r *Registry) AddEVM(c *EVMClient) {
	r.Add(c)
	r.evm[c.Network().Name] = c
}

func (r *Registry) Client(chain auth.ChainType) (Client, bool) {
	c, ok := r.clients[chain]
	return c, ok
}

// EVM returns the EVM client of a chain, used for contract reads.
func (r *Registry) EVM(chain auth.ChainType) (*EVMClient, bool) {
	c, ok := r.evm[chain]
	return c, ok
}

func (r *Registry) Chains() []auth.ChainType {
	out := make([]auth.ChainType, 0, len(r.clients))
	for _, name := range auth.ValidChainTypes {
		if _, ok := r.clients[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) Close() {
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
}
