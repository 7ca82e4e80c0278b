package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/internal/wallet"
	"github.com/Klingon-tech/walletsync/pkg/helpers"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// Discovery errors.
var (
	ErrDiscoveryBusy   = errors.New("wallet discovery already in progress")
	ErrNothingSelected = errors.New("no wallets selected for import")
	ErrWalletImported  = errors.New("wallet is already imported")
	ErrWalletNotFound  = errors.New("wallet not discovered")
)

const defaultDiscoveryBatch = 5

// WalletStatus is the import state of a discovered wallet.
type WalletStatus string

const (
	WalletAlreadyImported WalletStatus = "alreadyImported"
	WalletAvailable       WalletStatus = "available"
	WalletSelected        WalletStatus = "selected"
)

// DiscoveredWallet is one device account offered for import.
type DiscoveredWallet struct {
	Index       uint32            `json:"index"`
	DisplayName string            `json:"displayName,omitempty"`
	Address     string            `json:"address"`
	PublicKey   ed25519.PublicKey `json:"-"`
	Balance     uint64            `json:"balance"`
	Status      WalletStatus      `json:"status"`
}

// AddressReader reads wallet addresses from the device. *TonApp implements it.
type AddressReader interface {
	GetAddress(ctx context.Context, path Path, opts AddressOptions) (*Address, error)
}

// BalanceFetcher returns the balance of an address in nanotons.
type BalanceFetcher interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// AccountStore is the part of the account storage discovery needs.
type AccountStore interface {
	NetworkAccounts(network chain.Network) ([]*storage.Account, error)
	AddAccount(acc *storage.Account, encrypted *wallet.EncryptedMnemonic) (string, error)
	SetActiveAccount(id string) error
}

// ConnectedDeviceSource reports the device discovery reads from. *Service
// implements it.
type ConnectedDeviceSource interface {
	ConnectedDevice() (Mode, *Device, bool)
}

// DiscoveryConfig configures a Discovery.
type DiscoveryConfig struct {
	Network   chain.Network
	App       AddressReader
	Devices   ConnectedDeviceSource
	Balances  BalanceFetcher
	Store     AccountStore
	BatchSize int
	// OnChange receives a copy of the list after every change.
	OnChange func([]DiscoveredWallet)
	Logger   *logging.Logger
}

// Discovery drives the multi-wallet import of a connected Ledger.
type Discovery struct {
	cfg DiscoveryConfig
	log *logging.Logger

	requestSem *semaphore.Weighted
	importSem  *semaphore.Weighted

	mu      sync.Mutex
	wallets []DiscoveredWallet
}

// NewDiscovery creates an empty discovery.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDiscoveryBatch
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("discovery")
	}
	return &Discovery{
		cfg:        cfg,
		log:        log,
		requestSem: semaphore.NewWeighted(1),
		importSem:  semaphore.NewWeighted(1),
	}
}

// Wallets returns a copy of the discovered wallets in index order.
func (d *Discovery) Wallets() []DiscoveredWallet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DiscoveredWallet(nil), d.wallets...)
}

// Reset forgets every discovered wallet.
func (d *Discovery) Reset() {
	d.mu.Lock()
	d.wallets = nil
	d.mu.Unlock()
	d.notify()
}

// RequestMoreWallets reads the next batch of accounts from the device,
// starting right after the last discovered index. Addresses are read one by
// one; balances are fetched in parallel.
func (d *Discovery) RequestMoreWallets(ctx context.Context) error {
	if !d.requestSem.TryAcquire(1) {
		return ErrDiscoveryBusy
	}
	defer d.requestSem.Release(1)

	if _, _, ok := d.cfg.Devices.ConnectedDevice(); !ok {
		return ErrNotConnected
	}

	imported, err := d.importedAddresses()
	if err != nil {
		return err
	}

	d.mu.Lock()
	start := uint32(len(d.wallets))
	d.mu.Unlock()

	batch := make([]DiscoveredWallet, d.cfg.BatchSize)
	for i := range batch {
		index := start + uint32(i)
		addr, err := d.cfg.App.GetAddress(ctx, AccountPath(index, d.cfg.Network), AddressOptions{
			Testnet: d.cfg.Network == chain.Testnet,
		})
		if err != nil {
			return fmt.Errorf("failed to read address %d: %w", index, err)
		}
		batch[i] = DiscoveredWallet{Index: index, Address: addr.Address, PublicKey: addr.PublicKey}
		if title, ok := imported[addr.Address]; ok {
			batch[i].Status = WalletAlreadyImported
			batch[i].DisplayName = title
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		i := i
		g.Go(func() error {
			balance, err := d.cfg.Balances.GetBalance(gctx, batch[i].Address)
			if err != nil {
				return fmt.Errorf("failed to fetch balance of %s: %w", batch[i].Address, err)
			}
			batch[i].Balance = balance
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range batch {
		if batch[i].Status == WalletAlreadyImported {
			continue
		}
		if batch[i].Balance > 0 {
			batch[i].Status = WalletSelected
		} else {
			batch[i].Status = WalletAvailable
		}
		d.log.Debug("Discovered wallet", "index", batch[i].Index, "address", batch[i].Address,
			"balance", helpers.HumanTON(batch[i].Balance), "status", batch[i].Status)
	}

	d.mu.Lock()
	if uint32(len(d.wallets)) != start {
		// Reset raced with the request.
		d.mu.Unlock()
		return nil
	}
	d.wallets = append(d.wallets, batch...)
	d.mu.Unlock()

	d.notify()
	return nil
}

// importedAddresses maps TON addresses of existing hardware accounts on the
// network to their titles.
func (d *Discovery) importedAddresses() (map[string]string, error) {
	accounts, err := d.cfg.Store.NetworkAccounts(d.cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	imported := make(map[string]string)
	for _, acc := range accounts {
		if acc.Type != storage.AccountHardware {
			continue
		}
		if addr, ok := acc.Addresses[chain.TON]; ok {
			imported[addr] = acc.Title
		}
	}
	return imported, nil
}

// Toggle flips a wallet between available and selected.
func (d *Discovery) Toggle(index uint32) (WalletStatus, error) {
	d.mu.Lock()
	i := d.indexLocked(index)
	if i < 0 {
		d.mu.Unlock()
		return "", ErrWalletNotFound
	}
	w := &d.wallets[i]
	switch w.Status {
	case WalletAlreadyImported:
		d.mu.Unlock()
		return WalletAlreadyImported, ErrWalletImported
	case WalletSelected:
		w.Status = WalletAvailable
	default:
		w.Status = WalletSelected
	}
	status := w.Status
	d.mu.Unlock()

	d.notify()
	return status, nil
}

// FinalizeImport imports every selected wallet one after another and makes
// the first imported account active. Imports done before a failure are kept.
func (d *Discovery) FinalizeImport(ctx context.Context) (string, error) {
	if err := d.importSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.importSem.Release(1)

	d.mu.Lock()
	var selected []DiscoveredWallet
	for _, w := range d.wallets {
		if w.Status == WalletSelected {
			selected = append(selected, w)
		}
	}
	d.mu.Unlock()
	if len(selected) == 0 {
		return "", ErrNothingSelected
	}

	mode, device, _ := d.cfg.Devices.ConnectedDevice()
	var model Model
	if device != nil {
		model = device.Model
	}

	accounts, err := d.cfg.Store.NetworkAccounts(d.cfg.Network)
	if err != nil {
		return "", fmt.Errorf("failed to list accounts: %w", err)
	}
	hardware := 0
	for _, acc := range accounts {
		if acc.Type == storage.AccountHardware {
			hardware++
		}
	}

	var firstID string
	for _, w := range selected {
		if err := ctx.Err(); err != nil {
			return firstID, err
		}
		hardware++
		title := fmt.Sprintf("Ledger %d", hardware)
		id, err := d.cfg.Store.AddAccount(&storage.Account{
			Network:   d.cfg.Network,
			Type:      storage.AccountHardware,
			Title:     title,
			Addresses: map[chain.Chain]string{chain.TON: w.Address},
			PublicKey: w.PublicKey,
			Ledger:    &storage.LedgerInfo{Index: w.Index, Driver: string(mode), Model: string(model)},
		}, nil)
		if err != nil {
			return firstID, fmt.Errorf("failed to import wallet %d: %w", w.Index, err)
		}
		d.log.Info("Imported Ledger wallet", "account", id, "index", w.Index, "address", w.Address)
		d.markImported(w.Index, title)
		if firstID == "" {
			firstID = id
		}
	}

	if err := d.cfg.Store.SetActiveAccount(firstID); err != nil {
		return firstID, fmt.Errorf("failed to activate %s: %w", firstID, err)
	}
	d.notify()
	return firstID, nil
}

func (d *Discovery) markImported(index uint32, title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(index); i >= 0 {
		d.wallets[i].Status = WalletAlreadyImported
		d.wallets[i].DisplayName = title
	}
}

func (d *Discovery) indexLocked(index uint32) int {
	for i := range d.wallets {
		if d.wallets[i].Index == index {
			return i
		}
	}
	return -1
}

func (d *Discovery) notify() {
	if d.cfg.OnChange == nil {
		return
	}
	d.cfg.OnChange(d.Wallets())
}
