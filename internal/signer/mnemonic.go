package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/walletsync/internal/wallet"
)

// MnemonicSigner signs with the key derived from an account's encrypted
// mnemonic. The key is decrypted on first use and kept until Close.
type MnemonicSigner struct {
	keySigner

	src       wallet.MnemonicSource
	accountID string
	password  string

	group  singleflight.Group
	mu     sync.Mutex
	cached ed25519.PrivateKey
	// gen counts Close calls.
	gen uint64
}

// NewMnemonicSigner panics on an empty password; GetSigner checks it first.
func NewMnemonicSigner(src wallet.MnemonicSource, accountID, password string, w Wallet) *MnemonicSigner {
	if password == "" {
		panic("signer: mnemonic signer needs a password")
	}
	s := &MnemonicSigner{src: src, accountID: accountID, password: password}
	s.keySigner = keySigner{wallet: w, key: s.privateKey}
	return s
}

func (s *MnemonicSigner) IsMock() bool { return false }

// privateKey decrypts the key once; concurrent callers share one decryption.
// The decryption outlives a caller that gives up, and failures are not kept,
// so the next call tries again.
func (s *MnemonicSigner) privateKey(ctx context.Context) (ed25519.PrivateKey, error) {
	s.mu.Lock()
	key, gen := s.cached, s.gen
	s.mu.Unlock()
	if key != nil {
		return key, nil
	}

	ch := s.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		key, err := wallet.FetchPrivateKey(context.WithoutCancel(ctx), s.src, s.accountID, s.password)
		if errors.Is(err, wallet.ErrWrongPassword) {
			return nil, ErrInvalidPassword
		}
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.cached = key
		}
		return key, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ed25519.PrivateKey), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close wipes the cached key. A decryption still running when Close is
// called serves its waiting callers but is not cached.
func (s *MnemonicSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cached != nil {
		wallet.SecureClear(s.cached)
		s.cached = nil
	}
}

var _ Signer = (*MnemonicSigner)(nil)
