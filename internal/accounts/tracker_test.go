package accounts

import (
	"context"
	"crypto/ed25519"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
	"github.com/Klingon-tech/walletsync/internal/polling"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

type fakeSource struct {
	mu          sync.Mutex
	balances    map[string]uint64
	invalidated []string
}

func (s *fakeSource) GetBalance(_ context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *fakeSource) Invalidate(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, address)
}

type updates struct {
	mu  sync.Mutex
	got []BalanceUpdate
}

func (u *updates) add(up BalanceUpdate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.got = append(u.got, up)
}

func newTestTracker(t *testing.T, src BalanceSource, onBalance func(BalanceUpdate)) (*Tracker, *storage.Storage) {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := polling.NewManager(polling.ManagerConfig{
		Env:                 polling.Env{Clock: clock.NewMock(), Log: logging.Discard()},
		ActiveTiming:        config.DefaultActiveTiming(),
		InactiveTiming:      config.DefaultInactiveTiming(),
		InactiveConcurrency: 1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := New(ctx, Config{
		Store:   store,
		Polling: manager,
		Sources: func(network chain.Network, c chain.Chain) BalanceSource {
			if c != chain.TON {
				return nil
			}
			return src
		},
		OnBalance: onBalance,
		Logger:    logging.Discard(),
	})
	t.Cleanup(tr.Close)
	return tr, store
}

func testAddress(t *testing.T, seed byte, network chain.Network) string {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	s[0] = seed
	addr, err := chain.TONWalletAddress(ed25519.NewKeyFromSeed(s).Public().(ed25519.PublicKey), network)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestTrackerPollsInactiveAccountsOfActiveNetwork(t *testing.T) {
	tr, store := newTestTracker(t, &fakeSource{}, nil)

	for i, network := range []chain.Network{chain.Mainnet, chain.Mainnet, chain.Mainnet, chain.Testnet} {
		acc := &storage.Account{
			Network:   network,
			Type:      storage.AccountView,
			Addresses: map[chain.Chain]string{chain.TON: testAddress(t, byte(i+1), network)},
		}
		if _, err := store.AddAccount(acc, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := tr.ActiveAccountID(); got != "0-mainnet" {
		t.Fatalf("ActiveAccountID() = %q, want 0-mainnet", got)
	}
	if got, want := tr.inactive.Polled(), []string{"1-mainnet", "2-mainnet"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Polled() = %v, want %v", got, want)
	}

	if err := tr.SetActiveAccount("1-mainnet"); err != nil {
		t.Fatalf("SetActiveAccount() error = %v", err)
	}
	if got, want := tr.inactive.Polled(), []string{"0-mainnet", "2-mainnet"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Polled() after switch = %v, want %v", got, want)
	}
	if id, _ := store.ActiveAccountID(); id != "1-mainnet" {
		t.Errorf("stored active account = %q", id)
	}

	if err := tr.SetActiveAccount("3-testnet"); err != nil {
		t.Fatal(err)
	}
	if got := tr.inactive.Polled(); len(got) != 0 {
		t.Errorf("Polled() on testnet = %v, want none", got)
	}

	if err := tr.RemoveAccount("3-testnet"); err != nil {
		t.Fatalf("RemoveAccount() error = %v", err)
	}
	if got := tr.ActiveAccountID(); got != "" {
		t.Errorf("ActiveAccountID() after removing it = %q", got)
	}
	if err := tr.SetActiveAccount("3-testnet"); !errors.Is(err, storage.ErrAccountNotFound) {
		t.Errorf("SetActiveAccount(removed) error = %v, want ErrAccountNotFound", err)
	}
}

func TestTrackerRefresh(t *testing.T) {
	addr := testAddress(t, 9, chain.Mainnet)
	src := &fakeSource{balances: map[string]uint64{addr: 1_500_000_000}}
	var got updates
	tr, _ := newTestTracker(t, src, got.add)

	acc, err := tr.AddViewAccount(addr, chain.Mainnet, "cold")
	if err != nil {
		t.Fatalf("AddViewAccount() error = %v", err)
	}
	if err := tr.refresh(context.Background(), acc.ID, chain.TON, true); err != nil {
		t.Fatalf("refresh() error = %v", err)
	}

	if b := tr.Balances(acc.ID)[chain.TON]; b != 1_500_000_000 {
		t.Errorf("Balances()[ton] = %d", b)
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	want := BalanceUpdate{AccountID: acc.ID, Chain: chain.TON, Address: addr, Balance: 1_500_000_000, Active: true}
	if len(got.got) == 0 || got.got[len(got.got)-1] != want {
		t.Errorf("updates = %+v, want last %+v", got.got, want)
	}
}

func TestTrackerRefreshSkips(t *testing.T) {
	addr := testAddress(t, 10, chain.Mainnet)
	var got updates
	tr, _ := newTestTracker(t, &fakeSource{}, got.add)

	acc := &storage.Account{
		Network:   chain.Mainnet,
		Type:      storage.AccountView,
		Addresses: map[chain.Chain]string{chain.TRON: "TXYZ", chain.TON: addr},
	}
	id, err := tr.AddAccount(acc, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.refresh(context.Background(), id, chain.TRON, false); err != nil {
		t.Errorf("refresh() of a chain without source error = %v", err)
	}
	if err := tr.RemoveAccount(id); err != nil {
		t.Fatal(err)
	}
	if err := tr.refresh(context.Background(), id, chain.TON, false); err != nil {
		t.Errorf("refresh() of a removed account error = %v", err)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.got) != 0 {
		t.Errorf("updates = %+v, want none", got.got)
	}
}

func TestAddViewAccountRejectsBadAddress(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSource{}, nil)
	if _, err := tr.AddViewAccount("not an address", chain.Mainnet, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("AddViewAccount() error = %v, want ErrInvalidAddress", err)
	}
}

func TestImportMnemonicRejectsBadInput(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSource{}, nil)

	tests := []struct {
		name     string
		phrase   string
		password string
	}{
		{"weak password", "word word word", "123"},
		{"not a mnemonic", "hello world", "Str0ng!Pass"},
	}
	for _, tt := range tests {
		if _, err := tr.ImportMnemonic(tt.phrase, tt.password, chain.Mainnet, ""); err == nil {
			t.Errorf("%s: ImportMnemonic() succeeded", tt.name)
		}
	}
	if accs, _ := tr.Accounts(); len(accs) != 0 {
		t.Errorf("accounts stored after failed imports: %d", len(accs))
	}
}
