// Package backend provides the push channel (activity socket) and the pull
// channel (lite-server balances) that wallet polling is built on.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

// Common errors
var (
	ErrNotConnected = errors.New("backend not connected")
	ErrBadAddress   = errors.New("invalid address")
	ErrRateLimited  = errors.New("rate limited")
)

// WalletSubscription identifies one wallet watched over the socket.
type WalletSubscription struct {
	Chain   chain.Chain `json:"chain"`
	Address string      `json:"address"`
}

// WatchHandlers are the callbacks a WalletWatcher fires. Any of them may be nil.
type WatchHandlers struct {
	// OnNewActivity fires when the backend reports activity on a watched wallet.
	OnNewActivity func()
	// OnConnect fires every time the socket (re)connects.
	OnConnect func()
	// OnDisconnect fires every time the socket drops.
	OnDisconnect func()
}

// WalletWatcher is a subscription handle returned by WatchWallets.
type WalletWatcher interface {
	IsConnected() bool
	Destroy()
}

// WalletWatchService is implemented by anything that can watch wallets.
type WalletWatchService interface {
	WatchWallets(subs []WalletSubscription, handlers WatchHandlers) WalletWatcher
}

// BalanceFetcher reads native balances in the chain's smallest unit.
type BalanceFetcher interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Registry holds one activity socket per network.
type Registry struct {
	mu      sync.RWMutex
	sockets map[chain.Network]*Socket
}

// NewRegistry creates a new socket registry.
func NewRegistry() *Registry {
	return &Registry{
		sockets: make(map[chain.Network]*Socket),
	}
}

// NewDefaultRegistry creates a registry with a socket for every network that
// has a URL.
func NewDefaultRegistry(urls map[chain.Network]string) *Registry {
	r := NewRegistry()
	for network, url := range urls {
		if url == "" {
			continue
		}
		r.Register(network, NewSocket(SocketConfig{URL: url, Network: network}))
	}
	return r
}

// Register adds a socket to the registry.
func (r *Registry) Register(network chain.Network, s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[network] = s
}

// Get returns the socket for a network.
func (r *Registry) Get(network chain.Network) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[network]
	return s, ok
}

// WatchWallets subscribes wallets on the socket of the given network. When no
// socket exists for the network, a permanently disconnected watcher is returned.
func (r *Registry) WatchWallets(network chain.Network, subs []WalletSubscription, handlers WatchHandlers) WalletWatcher {
	s, ok := r.Get(network)
	if !ok {
		return offlineWatcher{}
	}
	return s.WatchWallets(subs, handlers)
}

// ConnectAll starts every registered socket.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		s.Start(ctx)
	}
}

// CloseAll stops every registered socket.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		s.Close()
	}
}

type offlineWatcher struct{}

func (offlineWatcher) IsConnected() bool { return false }
func (offlineWatcher) Destroy()          {}
