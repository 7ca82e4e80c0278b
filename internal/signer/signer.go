// Package signer provides one signing contract over mnemonic, view-only,
// mock and Ledger accounts.
package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/boc"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/ledger"
	"github.com/Klingon-tech/walletsync/internal/metrics"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/internal/wallet"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

var (
	ErrNotSupported       = errors.New("operation is not supported by this signer")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrPasswordRequired   = errors.New("password is required for mnemonic accounts")
	ErrDecryptFailed      = errors.New("failed to decrypt comment")
	ErrHashMismatch       = errors.New("device signed a different transaction")
	ErrBadTransaction     = errors.New("invalid transaction")
	ErrBadSignData        = errors.New("invalid sign data payload")
	ErrNoWalletAddress    = errors.New("account has no TON address")
	ErrUnknownAccountType = errors.New("unknown account type")
)

// Signer signs on behalf of one wallet.
type Signer interface {
	// IsMock reports whether signatures are made with a throwaway key,
	// for fee emulation and view-only accounts.
	IsMock() bool

	SignTonProof(ctx context.Context, proof *TonProof) ([]byte, error)

	// SignTransactions returns one signed external body per transaction, in
	// input order.
	SignTransactions(ctx context.Context, txs []*Transaction) ([]*boc.Cell, error)

	SignData(ctx context.Context, timestamp uint64, domain string, payload SignDataPayload) ([]byte, error)

	EncryptComment(ctx context.Context, comment string, recipient ed25519.PublicKey) ([]byte, error)
	DecryptComment(ctx context.Context, data []byte, senderAddress string) (string, error)

	// Close drops any key material held by the signer.
	Close()
}

// Wallet identifies the wallet contract a signer acts for.
type Wallet struct {
	Address   tongo.AccountID
	Human     string
	PublicKey ed25519.PublicKey
	Network   chain.Network
}

func walletOf(acc *storage.Account) (Wallet, error) {
	human, ok := acc.Addresses[chain.TON]
	if !ok {
		return Wallet{}, ErrNoWalletAddress
	}
	addr, err := chain.ParseTONAddress(human)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{Address: addr, Human: human, PublicKey: ed25519.PublicKey(acc.PublicKey), Network: acc.Network}, nil
}

// Factory builds the signer matching an account.
type Factory struct {
	Keys    wallet.MnemonicSource
	Ledger  ledger.Exchanger
	Metrics *metrics.Recorder
	Logger  *logging.Logger
}

// GetSigner returns a mock signer when isMockSigning is set or the account
// is view-only, a Ledger signer for hardware accounts and a mnemonic signer
// otherwise. ledgerSubwalletID is only used by Ledger signers.
func (f *Factory) GetSigner(accountID string, acc *storage.Account, password string, isMockSigning bool, ledgerSubwalletID *uint32) (Signer, error) {
	w, err := walletOf(acc)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	log := f.Logger
	if log == nil {
		log = logging.GetDefault().Component("signer")
	}
	log = log.With("account", accountID)

	var s Signer
	switch {
	case isMockSigning || acc.Type == storage.AccountView:
		s = NewMockSigner(w)
	case acc.Type == storage.AccountHardware:
		if acc.Ledger == nil {
			return nil, fmt.Errorf("account %s has no ledger info", accountID)
		}
		s = NewLedgerSigner(ledger.NewTonApp(f.Ledger), w, acc.Ledger.Index, ledgerSubwalletID, log)
	case acc.Type == storage.AccountMnemonic:
		if password == "" {
			return nil, ErrPasswordRequired
		}
		s = NewMnemonicSigner(f.Keys, accountID, password, w)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccountType, acc.Type)
	}
	return &instrumented{Signer: s, metrics: f.Metrics, log: log}, nil
}

// instrumented counts and logs signer failures.
type instrumented struct {
	Signer
	metrics *metrics.Recorder
	log     *logging.Logger
}

func (s *instrumented) record(op string, err error) error {
	if err != nil {
		s.metrics.SignerError(errorKind(err))
		s.log.Debug("Signer operation failed", "op", op, "error", err)
	}
	return err
}

func (s *instrumented) SignTonProof(ctx context.Context, proof *TonProof) ([]byte, error) {
	sig, err := s.Signer.SignTonProof(ctx, proof)
	return sig, s.record("ton_proof", err)
}

func (s *instrumented) SignTransactions(ctx context.Context, txs []*Transaction) ([]*boc.Cell, error) {
	cells, err := s.Signer.SignTransactions(ctx, txs)
	return cells, s.record("transactions", err)
}

func (s *instrumented) SignData(ctx context.Context, timestamp uint64, domain string, payload SignDataPayload) ([]byte, error) {
	sig, err := s.Signer.SignData(ctx, timestamp, domain, payload)
	return sig, s.record("sign_data", err)
}

func (s *instrumented) EncryptComment(ctx context.Context, comment string, recipient ed25519.PublicKey) ([]byte, error) {
	data, err := s.Signer.EncryptComment(ctx, comment, recipient)
	return data, s.record("encrypt", err)
}

func (s *instrumented) DecryptComment(ctx context.Context, data []byte, senderAddress string) (string, error) {
	text, err := s.Signer.DecryptComment(ctx, data, senderAddress)
	return text, s.record("decrypt", err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrDecryptFailed):
		return "decrypt"
	case errors.Is(err, ledger.ErrRejectedByUser):
		return "rejected"
	case errors.Is(err, ledger.ErrWrongDevice):
		return "wrong_device"
	case errors.Is(err, ledger.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ledger.ErrHardwareOutdated), errors.Is(err, ledger.ErrBlindSigningNotEnabled):
		return "device_setup"
	default:
		return "other"
	}
}
