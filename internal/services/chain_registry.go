package services

import (
	"sort"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
)

// ChainRuntime bundles one destination chain's config, RPC pool and estimator.
type ChainRuntime struct {
	Cfg       config.ChainConfig
	RPC       clients.EvmRPC
	Estimator *GasEstimator
}

// ChainRegistry is the fixed set of destination chains built at startup.
type ChainRegistry struct {
	chains map[string]*ChainRuntime
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{chains: make(map[string]*ChainRuntime)}
}

func (r *ChainRegistry) Add(name string, rt *ChainRuntime) {
	r.chains[name] = rt
}

func (r *ChainRegistry) Get(name string) (*ChainRuntime, bool) {
	rt, ok := r.chains[name]
	return rt, ok
}

func (r *ChainRegistry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
