package polling

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/walletsync/internal/backend"
	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
)

// UpdateFunc refetches a wallet. isConfident is true when a socket event
// proved that new data exists, false when the update is a timer backstop.
type UpdateFunc func(ctx context.Context, isConfident bool) error

// WatchProvider subscribes wallets on the activity socket of a network.
type WatchProvider interface {
	WatchWallets(network chain.Network, subs []backend.WalletSubscription, handlers backend.WatchHandlers) backend.WalletWatcher
}

// WalletPollingOptions configures one WalletPolling instance.
type WalletPollingOptions struct {
	Chain    chain.Chain
	Network  chain.Network
	Address  string
	Timing   Options
	OnUpdate UpdateFunc

	// CoalesceDelay is the pause before reading the owed update, so a burst
	// of socket events produces one call. Zero means the default; a negative
	// value disables the pause.
	CoalesceDelay time.Duration
}

type pendingUpdate int8

const (
	pendingNone pendingUpdate = iota
	pendingUnconfirmed
	pendingConfirmed
)

// WalletPolling turns socket and timer signals for one wallet into
// coalesced, non-overlapping OnUpdate calls.
type WalletPolling struct {
	env      Env
	opts     WalletPollingOptions
	coalesce time.Duration
	update   *throttled
	cancel   context.CancelFunc
	life     context.Context

	mu        sync.Mutex
	pending   pendingUpdate
	destroyed bool
	watcher   backend.WalletWatcher
	scheduler *FallbackPollingScheduler
}

// NewWalletPolling subscribes the wallet on the socket when its chain
// supports it and starts the fallback scheduler. watch may be nil.
func NewWalletPolling(ctx context.Context, opts WalletPollingOptions, watch WatchProvider, env Env) *WalletPolling {
	env = env.withDefaults()
	life, cancel := context.WithCancel(ctx)

	p := &WalletPolling{
		env:      env,
		opts:     opts,
		coalesce: opts.CoalesceDelay,
		cancel:   cancel,
		life:     life,
	}
	if p.coalesce == 0 {
		p.coalesce = config.DefaultUpdateCoalesceDelay
	}
	p.coalesce = clamp(p.coalesce)

	p.update = newThrottled(life, func() { p.runUpdate(ctx) }, func(c context.Context) {
		focused, notFocused := toDurations(shrink(opts.Timing.MinPollDelay, p.coalesce))
		Delay(c, env.Clock, env.Focus, focused, notFocused)
	})

	timing := opts.Timing
	var watcher backend.WalletWatcher
	if watch != nil && env.Chains.DoesBackendSocketSupport(opts.Chain) {
		watcher = watch.WatchWallets(opts.Network, []backend.WalletSubscription{{
			Chain:   opts.Chain,
			Address: opts.Address,
		}}, backend.WatchHandlers{
			OnNewActivity: p.handleNewActivity,
			OnConnect:     p.handleConnect,
			OnDisconnect:  p.handleDisconnect,
		})
	} else {
		// Polling is the only source: start at the regular period.
		timing.PollingStartDelay = nil
	}

	connected := watcher != nil && watcher.IsConnected()
	scheduler := NewFallbackPollingScheduler(ctx, p.pollBackup, connected, timing, env)

	p.mu.Lock()
	p.watcher = watcher
	p.scheduler = scheduler
	p.mu.Unlock()

	return p
}

// Destroy unsubscribes from the socket and stops the scheduler. No OnUpdate
// call starts after Destroy returns. Safe to call more than once.
func (p *WalletPolling) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	watcher, scheduler := p.watcher, p.scheduler
	p.mu.Unlock()

	if watcher != nil {
		watcher.Destroy()
	}
	if scheduler != nil {
		scheduler.Destroy()
	}
	p.cancel()
}

func (p *WalletPolling) handleNewActivity() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.pending = pendingConfirmed
	scheduler := p.scheduler
	p.mu.Unlock()

	p.update.trigger()
	if scheduler != nil {
		scheduler.OnSocketMessage()
	}
}

func (p *WalletPolling) handleConnect() {
	p.triggerBackup()

	p.mu.Lock()
	scheduler := p.scheduler
	p.mu.Unlock()
	if scheduler != nil {
		scheduler.OnSocketConnect()
	}
}

func (p *WalletPolling) handleDisconnect() {
	p.mu.Lock()
	scheduler := p.scheduler
	p.mu.Unlock()
	if scheduler != nil {
		scheduler.OnSocketDisconnect()
	}
}

func (p *WalletPolling) pollBackup(context.Context) error {
	p.triggerBackup()
	return nil
}

// triggerBackup owes an unconfirmed update unless a confirmed one is
// already owed.
func (p *WalletPolling) triggerBackup() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	if p.pending == pendingNone {
		p.pending = pendingUnconfirmed
	}
	p.mu.Unlock()

	p.update.trigger()
}

func (p *WalletPolling) runUpdate(ctx context.Context) {
	p.mu.Lock()
	owed := p.pending != pendingNone && !p.destroyed
	p.mu.Unlock()
	if !owed {
		return
	}

	if err := sleep(p.life, p.env.Clock, p.coalesce); err != nil {
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	isConfident := p.pending == pendingConfirmed
	p.pending = pendingNone
	p.mu.Unlock()

	p.env.Metrics.Update(isConfident)
	if err := safeCall(func() error { return p.opts.OnUpdate(ctx, isConfident) }); err != nil {
		p.env.Report(err)
	}
}
