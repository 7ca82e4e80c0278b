package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/wallet"
	"github.com/Klingon-tech/walletsync/pkg/helpers"
)

// AccountType is how an account signs.
type AccountType string

const (
	AccountMnemonic AccountType = "mnemonic"
	AccountHardware AccountType = "hardware"
	AccountView     AccountType = "view"
)

// LedgerInfo locates a hardware account on the device.
type LedgerInfo struct {
	Index  uint32 `json:"index"`
	Driver string `json:"driver"`
	Model  string `json:"model,omitempty"`
}

// Account is a stored wallet account.
type Account struct {
	ID        string                 `json:"id"`
	Network   chain.Network          `json:"network"`
	Type      AccountType            `json:"type"`
	Title     string                 `json:"title,omitempty"`
	Addresses map[chain.Chain]string `json:"addresses"`
	PublicKey []byte                 `json:"-"`
	Ledger    *LedgerInfo            `json:"ledger,omitempty"`
	CreatedAt time.Time              `json:"created_at"`

	mnemonic *wallet.EncryptedMnemonic
}

// AddAccount stores a new account and returns its id. encrypted must be set
// for mnemonic accounts and nil otherwise.
func (s *Storage) AddAccount(acc *Account, encrypted *wallet.EncryptedMnemonic) (string, error) {
	if (acc.Type == AccountMnemonic) != (encrypted != nil) {
		return "", fmt.Errorf("mnemonic must be given for mnemonic accounts only")
	}
	if acc.Type == AccountHardware && acc.Ledger == nil {
		return "", fmt.Errorf("hardware account without ledger info")
	}

	addrJSON, err := json.Marshal(acc.Addresses)
	if err != nil {
		return "", err
	}
	var mnemonicJSON sql.NullString
	if encrypted != nil {
		data, err := json.Marshal(encrypted)
		if err != nil {
			return "", err
		}
		mnemonicJSON = nullString(string(data))
	}
	var ledgerIndex sql.NullInt64
	var ledgerDriver, ledgerModel sql.NullString
	if acc.Ledger != nil {
		ledgerIndex = sql.NullInt64{Int64: int64(acc.Ledger.Index), Valid: true}
		ledgerDriver = nullString(acc.Ledger.Driver)
		ledgerModel = nullString(acc.Ledger.Model)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq) + 1, 0) FROM accounts`).Scan(&seq); err != nil {
		return "", err
	}
	id := chain.BuildAccountID(seq, acc.Network)
	created := time.Now()

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, seq, network, type, title, addresses, public_key, mnemonic,
			ledger_index, ledger_driver, ledger_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, seq, string(acc.Network), string(acc.Type), nullString(acc.Title), string(addrJSON),
		nullString(helpers.BytesToHex(acc.PublicKey)), mnemonicJSON,
		ledgerIndex, ledgerDriver, ledgerModel, created.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert account: %w", err)
	}

	acc.ID = id
	acc.CreatedAt = time.Unix(created.Unix(), 0)
	return id, nil
}

const accountColumns = `id, network, type, title, addresses, public_key, mnemonic,
	ledger_index, ledger_driver, ledger_model, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acc                         Account
		network, typ, addrJSON      string
		title, pubHex, mnemonicJSON sql.NullString
		ledgerDriver, ledgerModel   sql.NullString
		ledgerIndex                 sql.NullInt64
		created                     int64
	)
	if err := row.Scan(&acc.ID, &network, &typ, &title, &addrJSON, &pubHex, &mnemonicJSON,
		&ledgerIndex, &ledgerDriver, &ledgerModel, &created); err != nil {
		return nil, err
	}

	acc.Network = chain.Network(network)
	acc.Type = AccountType(typ)
	acc.Title = title.String
	acc.CreatedAt = time.Unix(created, 0)
	if err := json.Unmarshal([]byte(addrJSON), &acc.Addresses); err != nil {
		return nil, fmt.Errorf("corrupt addresses of %s: %w", acc.ID, err)
	}
	if pubHex.Valid {
		pub, err := helpers.HexToBytes(pubHex.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt public key of %s: %w", acc.ID, err)
		}
		acc.PublicKey = pub
	}
	if mnemonicJSON.Valid {
		acc.mnemonic = &wallet.EncryptedMnemonic{}
		if err := json.Unmarshal([]byte(mnemonicJSON.String), acc.mnemonic); err != nil {
			return nil, fmt.Errorf("corrupt mnemonic of %s: %w", acc.ID, err)
		}
	}
	if ledgerIndex.Valid {
		acc.Ledger = &LedgerInfo{
			Index:  uint32(ledgerIndex.Int64),
			Driver: ledgerDriver.String,
			Model:  ledgerModel.String,
		}
	}
	return &acc, nil
}

// GetAccount returns an account by id.
func (s *Storage) GetAccount(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acc, err
}

// ListAccounts returns all accounts in creation order.
func (s *Storage) ListAccounts() ([]*Account, error) {
	return s.queryAccounts(`SELECT ` + accountColumns + ` FROM accounts ORDER BY seq`)
}

// NetworkAccounts returns the accounts of one network in creation order.
func (s *Storage) NetworkAccounts(network chain.Network) ([]*Account, error) {
	return s.queryAccounts(`SELECT `+accountColumns+` FROM accounts WHERE network = ? ORDER BY seq`, string(network))
}

func (s *Storage) queryAccounts(query string, args ...interface{}) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// KnownAddresses returns every address of a chain stored on a network.
func (s *Storage) KnownAddresses(network chain.Network, c chain.Chain) (map[string]bool, error) {
	accounts, err := s.NetworkAccounts(network)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(accounts))
	for _, acc := range accounts {
		if addr := acc.Addresses[c]; addr != "" {
			known[addr] = true
		}
	}
	return known, nil
}

// RemoveAccount deletes an account. Removing the active account clears the
// active account.
func (s *Storage) RemoveAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	active, err := s.getSetting(settingActiveAccount)
	if err != nil {
		return err
	}
	if active == id {
		return s.setSetting(settingActiveAccount, "")
	}
	return nil
}

// SetActiveAccount marks an existing account as active.
func (s *Storage) SetActiveAccount(id string) error {
	if _, err := s.GetAccount(id); err != nil {
		return err
	}
	return s.SetSetting(settingActiveAccount, id)
}

// ActiveAccountID returns the active account id, or "" when none is set.
func (s *Storage) ActiveAccountID() (string, error) {
	return s.GetSetting(settingActiveAccount)
}

// EncryptedMnemonic returns the encrypted mnemonic of a mnemonic account.
func (s *Storage) EncryptedMnemonic(_ context.Context, accountID string) (*wallet.EncryptedMnemonic, error) {
	acc, err := s.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if acc.mnemonic == nil {
		return nil, wallet.ErrNoMnemonic
	}
	return acc.mnemonic, nil
}

var _ wallet.MnemonicSource = (*Storage)(nil)
