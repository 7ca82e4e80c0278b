// Package accounts keeps stored accounts and wallet polling in step: the
// active account is polled at the active cadence, every other account of its
// network through the background queues.
package accounts

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/polling"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/internal/wallet"
	"github.com/Klingon-tech/walletsync/pkg/helpers"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// ErrInvalidAddress is returned for a view account with a bad address.
var ErrInvalidAddress = errors.New("invalid wallet address")

// BalanceSource returns the balance of an address in the chain's smallest unit.
type BalanceSource interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// invalidator is implemented by caching sources.
type invalidator interface {
	Invalidate(address string)
}

// BalanceUpdate is emitted after every successful balance refresh.
type BalanceUpdate struct {
	AccountID string      `json:"accountId"`
	Chain     chain.Chain `json:"chain"`
	Address   string      `json:"address"`
	Balance   uint64      `json:"balance"`
	Active    bool        `json:"active"`
}

// Config configures a Tracker.
type Config struct {
	Store   *storage.Storage
	Polling *polling.Manager
	// Sources returns the balance source of a chain on a network. Chains
	// without a source are polled but never fetched.
	Sources   func(network chain.Network, c chain.Chain) BalanceSource
	OnBalance func(BalanceUpdate)
	Logger    *logging.Logger
}

type entry struct {
	network   chain.Network
	addresses map[chain.Chain]string
}

// Tracker owns the polling of every stored account.
type Tracker struct {
	store     *storage.Storage
	manager   *polling.Manager
	sources   func(network chain.Network, c chain.Chain) BalanceSource
	onBalance func(BalanceUpdate)
	log       *logging.Logger

	ctx      context.Context
	inactive *polling.InactiveAccounts

	mu       sync.Mutex
	entries  map[string]entry
	activeID string
	active   []*polling.WalletPolling
	balances map[string]map[chain.Chain]uint64
}

// New creates a tracker. ctx bounds all polling started by it.
func New(ctx context.Context, cfg Config) *Tracker {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("accounts")
	}
	sources := cfg.Sources
	if sources == nil {
		sources = func(chain.Network, chain.Chain) BalanceSource { return nil }
	}
	t := &Tracker{
		store:     cfg.Store,
		manager:   cfg.Polling,
		sources:   sources,
		onBalance: cfg.OnBalance,
		log:       log,
		ctx:       ctx,
		entries:   make(map[string]entry),
		balances:  make(map[string]map[chain.Chain]uint64),
	}
	t.inactive = polling.NewInactiveAccounts(ctx, cfg.Polling, func(ctx context.Context, id string, c chain.Chain) error {
		return t.refresh(ctx, id, c, false)
	})
	return t
}

// Load registers every stored account and starts polling the active one.
func (t *Tracker) Load() error {
	accounts, err := t.store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acc := range accounts {
		if err := t.track(acc); err != nil {
			return err
		}
	}

	activeID, err := t.store.ActiveAccountID()
	if err != nil {
		return err
	}
	if activeID == "" && len(accounts) > 0 {
		activeID = accounts[0].ID
	}
	t.log.Info("Accounts loaded", "count", len(accounts), "active", activeID)
	if activeID == "" {
		return nil
	}
	return t.SetActiveAccount(activeID)
}

// Accounts returns every stored account.
func (t *Tracker) Accounts() ([]*storage.Account, error) {
	return t.store.ListAccounts()
}

// Account returns one stored account.
func (t *Tracker) Account(id string) (*storage.Account, error) {
	return t.store.GetAccount(id)
}

// NetworkAccounts returns the stored accounts of a network.
func (t *Tracker) NetworkAccounts(network chain.Network) ([]*storage.Account, error) {
	return t.store.NetworkAccounts(network)
}

// ActiveAccountID returns the active account id, or "".
func (t *Tracker) ActiveAccountID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID
}

// Balances returns the last known balances of an account.
func (t *Tracker) Balances(id string) map[chain.Chain]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[chain.Chain]uint64, len(t.balances[id]))
	for c, b := range t.balances[id] {
		out[c] = b
	}
	return out
}

// AddAccount stores an account and starts polling it in the background.
func (t *Tracker) AddAccount(acc *storage.Account, encrypted *wallet.EncryptedMnemonic) (string, error) {
	id, err := t.store.AddAccount(acc, encrypted)
	if err != nil {
		return "", err
	}
	acc.ID = id
	if err := t.track(acc); err != nil {
		return "", err
	}
	t.log.Info("Account added", "id", id, "type", acc.Type)
	return id, nil
}

// ImportMnemonic stores a mnemonic account encrypted with password.
func (t *Tracker) ImportMnemonic(phrase, password string, network chain.Network, title string) (*storage.Account, error) {
	if err := wallet.ValidatePassword(password); err != nil {
		return nil, err
	}
	words := wallet.NormalizeMnemonic(phrase)
	if err := wallet.ValidateMnemonic(words); err != nil {
		return nil, err
	}
	key, err := wallet.PrivateKeyFromMnemonic(words)
	if err != nil {
		return nil, err
	}
	defer wallet.SecureClear(key)

	pub := key.Public().(ed25519.PublicKey)
	addr, err := chain.TONWalletAddress(pub, network)
	if err != nil {
		return nil, err
	}
	enc, err := wallet.EncryptMnemonic(words, password)
	if err != nil {
		return nil, err
	}

	acc := &storage.Account{
		Network:   network,
		Type:      storage.AccountMnemonic,
		Title:     title,
		Addresses: map[chain.Chain]string{chain.TON: addr},
		PublicKey: append([]byte(nil), pub...),
	}
	if _, err := t.AddAccount(acc, enc); err != nil {
		return nil, err
	}
	return acc, nil
}

// AddViewAccount stores a watch-only TON account.
func (t *Tracker) AddViewAccount(address string, network chain.Network, title string) (*storage.Account, error) {
	if _, err := chain.ParseTONAddress(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	acc := &storage.Account{
		Network:   network,
		Type:      storage.AccountView,
		Title:     title,
		Addresses: map[chain.Chain]string{chain.TON: address},
	}
	if _, err := t.AddAccount(acc, nil); err != nil {
		return nil, err
	}
	return acc, nil
}

// SetActiveAccount switches the active account. Its wallets move from the
// background queues to active polling.
func (t *Tracker) SetActiveAccount(id string) error {
	if err := t.store.SetActiveAccount(id); err != nil {
		return err
	}
	if err := t.inactive.SetActiveAccount(id); err != nil {
		return err
	}

	t.mu.Lock()
	prev := t.active
	t.active = nil
	t.activeID = id
	e := t.entries[id]
	t.mu.Unlock()
	destroy(prev)

	var started []*polling.WalletPolling
	for c, addr := range e.addresses {
		c, addr := c, addr
		started = append(started, t.manager.StartWalletPolling(t.ctx, c, e.network, addr, func(ctx context.Context, confident bool) error {
			if confident {
				if inv, ok := t.sources(e.network, c).(invalidator); ok {
					inv.Invalidate(addr)
				}
			}
			return t.refresh(ctx, id, c, true)
		}))
	}

	t.mu.Lock()
	if t.activeID != id {
		// Switched again while starting.
		t.mu.Unlock()
		destroy(started)
		return nil
	}
	t.active = started
	t.mu.Unlock()
	t.log.Info("Active account changed", "id", id, "wallets", len(started))
	return nil
}

// RemoveAccount deletes an account and stops polling it.
func (t *Tracker) RemoveAccount(id string) error {
	if err := t.store.RemoveAccount(id); err != nil {
		return err
	}
	t.inactive.RemoveAccount(id)

	t.mu.Lock()
	delete(t.entries, id)
	delete(t.balances, id)
	var prev []*polling.WalletPolling
	if t.activeID == id {
		prev = t.active
		t.active = nil
		t.activeID = ""
	}
	t.mu.Unlock()
	destroy(prev)
	t.log.Info("Account removed", "id", id)
	return nil
}

// Close stops all polling.
func (t *Tracker) Close() {
	t.inactive.RemoveAll()
	t.mu.Lock()
	prev := t.active
	t.active = nil
	t.mu.Unlock()
	destroy(prev)
}

func (t *Tracker) track(acc *storage.Account) error {
	t.mu.Lock()
	t.entries[acc.ID] = entry{network: acc.Network, addresses: acc.Addresses}
	t.mu.Unlock()
	return t.inactive.AddAccount(acc.ID, acc.Addresses)
}

func destroy(pollers []*polling.WalletPolling) {
	for _, p := range pollers {
		p.Destroy()
	}
}

func (t *Tracker) refresh(ctx context.Context, id string, c chain.Chain, active bool) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	addr := e.addresses[c]
	src := t.sources(e.network, c)
	if src == nil {
		return nil
	}

	balance, err := src.GetBalance(ctx, addr)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", addr, err)
	}

	t.mu.Lock()
	if _, ok := t.entries[id]; !ok {
		t.mu.Unlock()
		return nil
	}
	if t.balances[id] == nil {
		t.balances[id] = make(map[chain.Chain]uint64)
	}
	t.balances[id][c] = balance
	t.mu.Unlock()

	if c == chain.TON {
		t.log.Debug("Balance updated", "account", id, "address", addr, "balance", helpers.HumanTON(balance))
	} else {
		t.log.Debug("Balance updated", "account", id, "chain", c, "balance", balance)
	}
	if t.onBalance != nil {
		t.onBalance(BalanceUpdate{AccountID: id, Chain: c, Address: addr, Balance: balance, Active: active})
	}
	return nil
}
