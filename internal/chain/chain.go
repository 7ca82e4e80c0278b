// Package chain defines the chains the wallet syncs and their backend capabilities.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"fmt"
	"sort"
	"sync"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Networks lists every supported network.
var Networks = []Network{Mainnet, Testnet}

// ParseNetwork converts a string to a Network.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet:
		return Network(s), nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// Chain is the lowercase chain slug used in account addresses and queue keys.
type Chain string

const (
	TON  Chain = "ton"
	TRON Chain = "tron"
)

// Params contains the parameters of a chain.
type Params struct {
	Chain    Chain
	Name     string
	Symbol   string
	Decimals uint8

	// DoesBackendSocketSupport reports whether the backend socket pushes
	// activity for this chain. Without it the chain relies on polling only.
	DoesBackendSocketSupport bool

	// SupportsLedger reports whether hardware accounts exist on this chain.
	SupportsLedger bool

	// SLIP-44 coin type used by hardware derivation paths.
	CoinType uint32
}

// Registry holds chain parameters indexed by chain slug.
type Registry struct {
	mu     sync.RWMutex
	chains map[Chain]*Params
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[Chain]*Params)}
}

// Register adds chain params to the registry.
func (r *Registry) Register(params *Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[params.Chain] = params
}

// Get returns the params for a chain.
func (r *Registry) Get(c Chain) (*Params, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	params, ok := r.chains[c]
	return params, ok
}

// DoesBackendSocketSupport is a shortcut for Get(c).DoesBackendSocketSupport.
// Unknown chains never have socket support.
func (r *Registry) DoesBackendSocketSupport(c Chain) bool {
	params, ok := r.Get(c)
	return ok && params.DoesBackendSocketSupport
}

// List returns all registered chains in a stable order.
func (r *Registry) List() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chains := make([]Chain, 0, len(r.chains))
	for c := range r.chains {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry preloaded with every built-in chain.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.Register(tonParams())
		defaultRegistry.Register(tronParams())
	})
	return defaultRegistry
}

// Get returns chain params from the default registry.
func Get(c Chain) (*Params, bool) {
	return Default().Get(c)
}

// IsSupported returns true if the chain is registered in the default registry.
func IsSupported(c Chain) bool {
	_, ok := Get(c)
	return ok
}
