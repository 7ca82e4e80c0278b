package signer

import (
	"context"
	"crypto/ed25519"

	"github.com/tonkeeper/tongo/boc"
)

// keySigner implements every operation with a local ed25519 key.
type keySigner struct {
	wallet Wallet
	key    func(ctx context.Context) (ed25519.PrivateKey, error)
}

func (s *keySigner) SignTonProof(ctx context.Context, proof *TonProof) ([]byte, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, tonProofHash(s.wallet.Address, proof)), nil
}

func (s *keySigner) SignTransactions(ctx context.Context, txs []*Transaction) ([]*boc.Cell, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*boc.Cell, len(txs))
	for i, tx := range txs {
		body, err := buildBody(DefaultSubwalletID, tx)
		if err != nil {
			return nil, err
		}
		hash, err := body.Hash()
		if err != nil {
			return nil, err
		}
		if out[i], err = signedBody(ed25519.Sign(key, hash), body); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *keySigner) SignData(ctx context.Context, timestamp uint64, domain string, payload SignDataPayload) ([]byte, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := signDataHash(s.wallet.Address, timestamp, domain, payload)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, hash), nil
}

func (s *keySigner) EncryptComment(ctx context.Context, comment string, recipient ed25519.PublicKey) ([]byte, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	return encryptComment(key, recipient, []byte(comment), s.wallet.Human)
}

func (s *keySigner) DecryptComment(ctx context.Context, data []byte, senderAddress string) (string, error) {
	key, err := s.key(ctx)
	if err != nil {
		return "", err
	}
	plain, err := decryptComment(key, data, senderAddress)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
