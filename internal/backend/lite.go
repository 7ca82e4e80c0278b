package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"golang.org/x/time/rate"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// AccountStateGetter reads raw account state from a lite server.
// *liteapi.Client implements it.
type AccountStateGetter interface {
	GetAccountState(ctx context.Context, accountID tongo.AccountID) (tlb.ShardAccount, error)
}

// LiteFetcher reads TON balances from lite servers. Results are cached for a
// short time, requests are rate limited, and a circuit breaker stops calling
// servers that keep failing.
type LiteFetcher struct {
	client  AccountStateGetter
	ttl     time.Duration
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *logging.Logger
}

// DialLite connects to the public lite servers of a network.
func DialLite(network chain.Network, cfg config.LiteConfig) (*LiteFetcher, error) {
	var (
		client *liteapi.Client
		err    error
	)
	if network == chain.Testnet {
		client, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		client, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s lite servers: %w", network, err)
	}
	return NewLiteFetcher(client, network, cfg), nil
}

// NewLiteFetcher wraps an account state source.
func NewLiteFetcher(client AccountStateGetter, network chain.Network, cfg config.LiteConfig) *LiteFetcher {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	log := logging.GetDefault().Component("lite").With("network", network)

	return &LiteFetcher{
		client:  client,
		ttl:     cfg.CacheTTL,
		cache:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL+time.Second),
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "lite-" + string(network),
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Lite server breaker changed state", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// GetBalance returns the balance of address in nanotons. Accounts that do not
// exist yet have a zero balance.
func (f *LiteFetcher) GetBalance(ctx context.Context, address string) (uint64, error) {
	if f.ttl > 0 {
		if v, ok := f.cache.Get(address); ok {
			return v.(uint64), nil
		}
	}

	accountID, err := parseAccountID(address)
	if err != nil {
		return 0, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		state, err := f.client.GetAccountState(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if state.Account.SumType != "Account" {
			return uint64(0), nil
		}
		return uint64(state.Account.Account.Storage.Balance.Grams), nil
	})
	if err != nil {
		f.log.Debug("Balance fetch failed", "address", address, "error", err)
		return 0, fmt.Errorf("failed to get balance of %s: %w", address, err)
	}

	balance := result.(uint64)
	if f.ttl > 0 {
		f.cache.SetDefault(address, balance)
	}
	return balance, nil
}

// Invalidate drops the cached balance of address.
func (f *LiteFetcher) Invalidate(address string) {
	f.cache.Delete(address)
}

func parseAccountID(address string) (tongo.AccountID, error) {
	accountID, err := chain.ParseTONAddress(address)
	if err != nil {
		return tongo.AccountID{}, fmt.Errorf("%w: %s", ErrBadAddress, address)
	}
	return accountID, nil
}

var _ BalanceFetcher = (*LiteFetcher)(nil)
