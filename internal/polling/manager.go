package polling

import (
	"context"
	"time"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Env            Env
	Watch          WatchProvider
	ActiveTiming   Options
	InactiveTiming Options
	// InactiveConcurrency bounds background refreshes per (chain, network).
	InactiveConcurrency int
	CoalesceDelay       time.Duration
}

// Manager starts wallet polling with the right cadence for active and
// inactive accounts and owns the shared background queues.
type Manager struct {
	env      Env
	watch    WatchProvider
	active   Options
	inactive Options
	coalesce time.Duration
	limiters *Limiters
}

// NewManager creates a polling manager.
func NewManager(cfg ManagerConfig) *Manager {
	env := cfg.Env.withDefaults()
	return &Manager{
		env:      env,
		watch:    cfg.Watch,
		active:   cfg.ActiveTiming,
		inactive: cfg.InactiveTiming,
		coalesce: cfg.CoalesceDelay,
		limiters: NewLimiters(cfg.InactiveConcurrency, env),
	}
}

// Limiters returns the background queue registry.
func (m *Manager) Limiters() *Limiters {
	return m.limiters
}

// Focus returns the focus tracker shared by all polling instances.
func (m *Manager) Focus() *FocusTracker {
	return m.env.Focus
}

// StartWalletPolling polls the wallet the user is looking at.
func (m *Manager) StartWalletPolling(ctx context.Context, c chain.Chain, network chain.Network, address string, onUpdate UpdateFunc) *WalletPolling {
	return NewWalletPolling(ctx, WalletPollingOptions{
		Chain:         c,
		Network:       network,
		Address:       address,
		Timing:        m.active,
		OnUpdate:      onUpdate,
		CoalesceDelay: m.coalesce,
	}, m.watch, m.env)
}

// SetupInactiveChainPolling polls a background wallet. Every refresh goes
// through the (chain, network) queue. The returned teardown stops polling;
// refreshes already submitted to the queue still run to completion.
func (m *Manager) SetupInactiveChainPolling(ctx context.Context, c chain.Chain, network chain.Network, address string, updateBalance func(ctx context.Context) error) (teardown func()) {
	queue := m.limiters.Get(c, network)

	p := NewWalletPolling(ctx, WalletPollingOptions{
		Chain:   c,
		Network: network,
		Address: address,
		Timing:  m.inactive,
		OnUpdate: func(ctx context.Context, _ bool) error {
			return queue.Run(ctx, updateBalance)
		},
		CoalesceDelay: m.coalesce,
	}, m.watch, m.env)

	return p.Destroy
}
