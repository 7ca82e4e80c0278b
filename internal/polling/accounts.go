package polling

import (
	"context"
	"sort"
	"sync"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

// AccountUpdater refreshes the balance of one chain of one account.
type AccountUpdater func(ctx context.Context, accountID string, c chain.Chain) error

// InactiveAccounts polls every account except the active one, limited to
// the active account's network.
type InactiveAccounts struct {
	ctx     context.Context
	manager *Manager
	update  AccountUpdater

	mu            sync.Mutex
	activeID      string
	activeNetwork chain.Network
	accounts      map[string]map[chain.Chain]string
	teardowns     map[string][]func()
}

// NewInactiveAccounts creates an empty manager. ctx bounds every refresh.
func NewInactiveAccounts(ctx context.Context, manager *Manager, update AccountUpdater) *InactiveAccounts {
	return &InactiveAccounts{
		ctx:       ctx,
		manager:   manager,
		update:    update,
		accounts:  make(map[string]map[chain.Chain]string),
		teardowns: make(map[string][]func()),
	}
}

// SetActiveAccount makes id the active account: it stops being polled here
// and only accounts on its network are polled. Within one network only the
// old and new active accounts change; a network switch rebuilds everything.
func (a *InactiveAccounts) SetActiveAccount(id string) error {
	network, err := chain.AccountNetwork(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeID != "" && network == a.activeNetwork {
		prev := a.activeID
		a.activeID = id
		a.stop(id)
		if prev != id {
			a.start(prev)
		}
		return nil
	}
	a.activeID = id
	a.activeNetwork = network
	a.resync()
	return nil
}

// AddAccount registers an account with its address per chain.
func (a *InactiveAccounts) AddAccount(id string, addresses map[chain.Chain]string) error {
	if _, err := chain.AccountNetwork(id); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop(id)
	copied := make(map[chain.Chain]string, len(addresses))
	for c, addr := range addresses {
		copied[c] = addr
	}
	a.accounts[id] = copied
	a.start(id)
	return nil
}

// RemoveAccount stops polling an account and forgets it.
func (a *InactiveAccounts) RemoveAccount(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop(id)
	delete(a.accounts, id)
}

// RemoveNetworkAccounts forgets every account on a network.
func (a *InactiveAccounts) RemoveNetworkAccounts(network chain.Network) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.accounts {
		if n, _ := chain.AccountNetwork(id); n == network {
			a.stop(id)
			delete(a.accounts, id)
		}
	}
}

// RemoveAll stops all polling and forgets every account.
func (a *InactiveAccounts) RemoveAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.accounts {
		a.stop(id)
	}
	a.accounts = make(map[string]map[chain.Chain]string)
}

// Polled returns the ids of the accounts currently polled, sorted.
func (a *InactiveAccounts) Polled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.teardowns))
	for id := range a.teardowns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *InactiveAccounts) resync() {
	for id := range a.accounts {
		a.stop(id)
		a.start(id)
	}
}

func (a *InactiveAccounts) start(id string) {
	network, _ := chain.AccountNetwork(id)
	if a.activeID == "" || id == a.activeID || network != a.activeNetwork {
		return
	}

	var teardowns []func()
	for c, address := range a.accounts[id] {
		c := c
		teardowns = append(teardowns, a.manager.SetupInactiveChainPolling(a.ctx, c, network, address, func(ctx context.Context) error {
			return a.update(ctx, id, c)
		}))
	}
	if len(teardowns) > 0 {
		a.teardowns[id] = teardowns
	}
}

func (a *InactiveAccounts) stop(id string) {
	for _, teardown := range a.teardowns[id] {
		teardown()
	}
	delete(a.teardowns, id)
}
