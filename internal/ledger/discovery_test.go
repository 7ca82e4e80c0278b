package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/internal/wallet"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// fakeApp derives one key per path index.
type fakeApp struct {
	mu    sync.Mutex
	reads []uint32

	// With gate set, reads block until it is closed; entered is closed on
	// the first blocked read.
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func walletKey(index uint32) ed25519.PublicKey {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = byte(index + 1)
	return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
}

func walletAddress(t *testing.T, index uint32) string {
	t.Helper()
	addr, err := chain.TONWalletAddress(walletKey(index), chain.Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func (a *fakeApp) GetAddress(ctx context.Context, path Path, opts AddressOptions) (*Address, error) {
	if a.gate != nil {
		a.once.Do(func() { close(a.entered) })
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	index := path[4]
	a.mu.Lock()
	a.reads = append(a.reads, index)
	a.mu.Unlock()

	network := chain.Mainnet
	if opts.Testnet {
		network = chain.Testnet
	}
	pub := walletKey(index)
	addr, err := chain.TONWalletAddress(pub, network)
	if err != nil {
		return nil, err
	}
	return &Address{PublicKey: pub, Address: addr}, nil
}

type fakeBalances map[string]uint64

func (b fakeBalances) GetBalance(_ context.Context, address string) (uint64, error) {
	return b[address], nil
}

type fakeDevices struct {
	connected bool
}

func (d fakeDevices) ConnectedDevice() (Mode, *Device, bool) {
	if !d.connected {
		return ModeUSB, nil, false
	}
	dev := ledgerDevice("usb-1")
	return ModeUSB, &dev, true
}

type fakeStore struct {
	mu       sync.Mutex
	accounts []*storage.Account
	active   string
}

func (s *fakeStore) NetworkAccounts(network chain.Network) ([]*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Account
	for _, acc := range s.accounts {
		if acc.Network == network {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (s *fakeStore) AddAccount(acc *storage.Account, _ *wallet.EncryptedMnemonic) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc.ID = chain.BuildAccountID(len(s.accounts), acc.Network)
	s.accounts = append(s.accounts, acc)
	return acc.ID, nil
}

func (s *fakeStore) SetActiveAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	return nil
}

func newTestDiscovery(t *testing.T, app AddressReader, store *fakeStore, balances fakeBalances) *Discovery {
	t.Helper()
	return NewDiscovery(DiscoveryConfig{
		Network:   chain.Mainnet,
		App:       app,
		Devices:   fakeDevices{connected: true},
		Balances:  balances,
		Store:     store,
		BatchSize: 5,
		Logger:    logging.Discard(),
	})
}

func TestDiscoveryStatuses(t *testing.T) {
	store := &fakeStore{accounts: []*storage.Account{{
		ID:        "0-mainnet",
		Network:   chain.Mainnet,
		Type:      storage.AccountHardware,
		Title:     "Ledger 1",
		Addresses: map[chain.Chain]string{chain.TON: walletAddress(t, 2)},
	}}}
	balances := fakeBalances{walletAddress(t, 1): 1_500_000_000}
	app := &fakeApp{}
	d := newTestDiscovery(t, app, store, balances)

	var changes int
	d.cfg.OnChange = func([]DiscoveredWallet) { changes++ }

	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatalf("RequestMoreWallets() error = %v", err)
	}

	want := []WalletStatus{WalletAvailable, WalletSelected, WalletAlreadyImported, WalletAvailable, WalletAvailable}
	wallets := d.Wallets()
	if len(wallets) != len(want) {
		t.Fatalf("wallets = %d, want %d", len(wallets), len(want))
	}
	for i, w := range wallets {
		if w.Index != uint32(i) {
			t.Errorf("wallet %d has index %d", i, w.Index)
		}
		if w.Status != want[i] {
			t.Errorf("wallet %d status = %s, want %s", i, w.Status, want[i])
		}
	}
	if wallets[2].DisplayName != "Ledger 1" {
		t.Errorf("imported wallet name = %q, want Ledger 1", wallets[2].DisplayName)
	}
	if wallets[1].Balance != 1_500_000_000 {
		t.Errorf("balance = %d", wallets[1].Balance)
	}
	if changes != 1 {
		t.Errorf("OnChange calls = %d, want 1", changes)
	}

	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatalf("RequestMoreWallets() error = %v", err)
	}
	wallets = d.Wallets()
	if len(wallets) != 10 || wallets[5].Index != 5 || wallets[9].Index != 9 {
		t.Errorf("second batch = %v", wallets[5:])
	}
	if len(app.reads) != 10 {
		t.Errorf("addresses read = %v, want each index once", app.reads)
	}
}

func TestDiscoveryToggle(t *testing.T) {
	store := &fakeStore{accounts: []*storage.Account{{
		Network:   chain.Mainnet,
		Type:      storage.AccountHardware,
		Addresses: map[chain.Chain]string{chain.TON: walletAddress(t, 0)},
	}}}
	d := newTestDiscovery(t, &fakeApp{}, store, fakeBalances{})
	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatalf("RequestMoreWallets() error = %v", err)
	}

	tests := []struct {
		index   uint32
		want    WalletStatus
		wantErr error
	}{
		{1, WalletSelected, nil},
		{1, WalletAvailable, nil},
		{0, WalletAlreadyImported, ErrWalletImported},
		{42, "", ErrWalletNotFound},
	}
	for _, tt := range tests {
		got, err := d.Toggle(tt.index)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Toggle(%d) error = %v, want %v", tt.index, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Toggle(%d) = %s, want %s", tt.index, got, tt.want)
		}
	}
}

func TestDiscoveryFinalizeImport(t *testing.T) {
	store := &fakeStore{accounts: []*storage.Account{{
		ID:        "0-mainnet",
		Network:   chain.Mainnet,
		Type:      storage.AccountHardware,
		Title:     "Ledger 1",
		Addresses: map[chain.Chain]string{chain.TON: "EQother"},
	}}}
	d := newTestDiscovery(t, &fakeApp{}, store, fakeBalances{})

	if _, err := d.FinalizeImport(context.Background()); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("FinalizeImport() error = %v, want ErrNothingSelected", err)
	}

	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatalf("RequestMoreWallets() error = %v", err)
	}
	for _, i := range []uint32{3, 1} {
		if _, err := d.Toggle(i); err != nil {
			t.Fatalf("Toggle(%d) error = %v", i, err)
		}
	}

	id, err := d.FinalizeImport(context.Background())
	if err != nil {
		t.Fatalf("FinalizeImport() error = %v", err)
	}
	if id != "1-mainnet" || store.active != id {
		t.Errorf("FinalizeImport() = %s, active = %s, want 1-mainnet", id, store.active)
	}
	if len(store.accounts) != 3 {
		t.Fatalf("accounts = %d, want 3", len(store.accounts))
	}

	for i, want := range []struct {
		index uint32
		title string
	}{{1, "Ledger 2"}, {3, "Ledger 3"}} {
		acc := store.accounts[i+1]
		if acc.Title != want.title || acc.Ledger.Index != want.index {
			t.Errorf("account %d = %s index %d, want %s index %d", i, acc.Title, acc.Ledger.Index, want.title, want.index)
		}
		if acc.Type != storage.AccountHardware || acc.Ledger.Driver != string(ModeUSB) || acc.Ledger.Model != string(ModelNanoX) {
			t.Errorf("account %d = %+v", i, acc)
		}
		if acc.Addresses[chain.TON] != walletAddress(t, want.index) {
			t.Errorf("account %d address = %s", i, acc.Addresses[chain.TON])
		}
	}

	for _, w := range d.Wallets() {
		if w.Index == 1 || w.Index == 3 {
			if w.Status != WalletAlreadyImported {
				t.Errorf("wallet %d status = %s after import", w.Index, w.Status)
			}
		}
	}
}

func TestDiscoveryRejectsConcurrentRequests(t *testing.T) {
	app := &fakeApp{gate: make(chan struct{}), entered: make(chan struct{})}
	d := newTestDiscovery(t, app, &fakeStore{}, fakeBalances{})

	errs := make(chan error, 1)
	go func() { errs <- d.RequestMoreWallets(context.Background()) }()
	<-app.entered

	if err := d.RequestMoreWallets(context.Background()); !errors.Is(err, ErrDiscoveryBusy) {
		t.Fatalf("second RequestMoreWallets() error = %v, want ErrDiscoveryBusy", err)
	}

	close(app.gate)
	if err := <-errs; err != nil {
		t.Fatalf("first RequestMoreWallets() error = %v", err)
	}
	if n := len(d.Wallets()); n != 5 {
		t.Errorf("wallets = %d, want 5", n)
	}
}

func TestDiscoveryRequiresConnectedDevice(t *testing.T) {
	d := NewDiscovery(DiscoveryConfig{
		Network:  chain.Mainnet,
		App:      &fakeApp{},
		Devices:  fakeDevices{},
		Balances: fakeBalances{},
		Store:    &fakeStore{},
		Logger:   logging.Discard(),
	})
	if err := d.RequestMoreWallets(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestMoreWallets() error = %v, want ErrNotConnected", err)
	}
}

func TestDiscoveryReset(t *testing.T) {
	d := newTestDiscovery(t, &fakeApp{}, &fakeStore{}, fakeBalances{})
	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatalf("RequestMoreWallets() error = %v", err)
	}
	d.Reset()
	if n := len(d.Wallets()); n != 0 {
		t.Errorf("wallets after Reset = %d", n)
	}
	if err := d.RequestMoreWallets(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w := d.Wallets(); w[0].Index != 0 {
		t.Errorf("first index after Reset = %d, want 0", w[0].Index)
	}
}
