package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/tonkeeper/tongo/boc"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/ledger"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// LedgerSigner signs on the connected Ledger. Every operation first checks
// that the device holds the account's key.
type LedgerSigner struct {
	app       *ledger.TonApp
	wallet    Wallet
	path      ledger.Path
	subwallet *uint32
	log       *logging.Logger
}

// NewLedgerSigner signs for the wallet at index on the device. A nil
// subwallet uses the default wallet.
func NewLedgerSigner(app *ledger.TonApp, w Wallet, index uint32, subwallet *uint32, log *logging.Logger) *LedgerSigner {
	if log == nil {
		log = logging.GetDefault().Component("signer")
	}
	return &LedgerSigner{
		app:       app,
		wallet:    w,
		path:      ledger.AccountPath(index, w.Network),
		subwallet: subwallet,
		log:       log,
	}
}

func (s *LedgerSigner) IsMock() bool { return false }

func (s *LedgerSigner) Close() {}

func (s *LedgerSigner) checkDevice(ctx context.Context) error {
	addr, err := s.app.GetAddress(ctx, s.path, ledger.AddressOptions{Testnet: s.wallet.Network == chain.Testnet})
	if err != nil {
		return err
	}
	if len(s.wallet.PublicKey) > 0 {
		if !bytes.Equal(addr.PublicKey, s.wallet.PublicKey) {
			return ledger.ErrWrongDevice
		}
		return nil
	}
	parsed, err := chain.ParseTONAddress(addr.Address)
	if err != nil || parsed != s.wallet.Address {
		return ledger.ErrWrongDevice
	}
	return nil
}

func (s *LedgerSigner) SignTonProof(ctx context.Context, proof *TonProof) ([]byte, error) {
	if err := s.checkDevice(ctx); err != nil {
		return nil, err
	}
	sig, err := s.app.GetProof(ctx, s.path, proof.Domain, proof.Timestamp, []byte(proof.Payload))
	if err != nil {
		return nil, err
	}
	if len(s.wallet.PublicKey) > 0 && !ed25519.Verify(s.wallet.PublicKey, tonProofHash(s.wallet.Address, proof), sig.Signature) {
		return nil, ErrHashMismatch
	}
	return sig.Signature, nil
}

// SignTransactions signs one transaction at a time on the device. The
// device only accepts single-message transfers.
func (s *LedgerSigner) SignTransactions(ctx context.Context, txs []*Transaction) ([]*boc.Cell, error) {
	if err := s.checkDevice(ctx); err != nil {
		return nil, err
	}
	version, err := s.app.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	if s.subwallet != nil && !ledger.VersionAtLeast(version, ledger.VersionWithWalletSpecifiers) {
		return nil, fmt.Errorf("%w: subwallets need %s, device has %s", ledger.ErrHardwareOutdated, ledger.VersionWithWalletSpecifiers, version)
	}
	subwallet := DefaultSubwalletID
	if s.subwallet != nil {
		subwallet = *s.subwallet
	}

	var settings *ledger.Settings
	out := make([]*boc.Cell, len(txs))
	for i, tx := range txs {
		if len(tx.Messages) != 1 {
			return nil, fmt.Errorf("%w: ledger signs exactly one message, got %d", ErrBadTransaction, len(tx.Messages))
		}
		m := tx.Messages[0]

		if !isTextComment(m.Payload) {
			if !ledger.VersionAtLeast(version, ledger.VersionWithUnsafePayload) {
				return nil, fmt.Errorf("%w: payloads need %s, device has %s", ledger.ErrHardwareOutdated, ledger.VersionWithUnsafePayload, version)
			}
			if settings == nil {
				if settings, err = s.app.GetSettings(ctx); err != nil {
					return nil, err
				}
			}
			if !settings.BlindSigning {
				return nil, ledger.ErrBlindSigningNotEnabled
			}
		}

		body, err := buildBody(subwallet, tx)
		if err != nil {
			return nil, err
		}
		hash, err := body.Hash()
		if err != nil {
			return nil, err
		}

		s.log.Debug("Signing transaction on Ledger", "seqno", tx.Seqno, "to", m.To.ToRaw())
		sig, err := s.app.SignTransaction(ctx, s.path, &ledger.TransactionRequest{
			To:              m.To,
			Amount:          m.Amount,
			Seqno:           tx.Seqno,
			Timeout:         tx.ValidUntil,
			Bounce:          m.Bounce,
			SendMode:        m.SendMode,
			Payload:         m.Payload,
			SubwalletID:     s.subwallet,
			IncludeWalletOp: s.subwallet != nil,
		})
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(sig.Hash, hash) {
			return nil, ErrHashMismatch
		}
		if out[i], err = signedBody(sig.Signature, body); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *LedgerSigner) SignData(context.Context, uint64, string, SignDataPayload) ([]byte, error) {
	return nil, fmt.Errorf("%w: sign data on ledger", ErrNotSupported)
}

func (s *LedgerSigner) EncryptComment(context.Context, string, ed25519.PublicKey) ([]byte, error) {
	return nil, fmt.Errorf("%w: comment encryption on ledger", ErrNotSupported)
}

func (s *LedgerSigner) DecryptComment(context.Context, []byte, string) (string, error) {
	return "", fmt.Errorf("%w: comment decryption on ledger", ErrNotSupported)
}

var _ Signer = (*LedgerSigner)(nil)
