package signer

import (
	"context"
	"crypto/ed25519"
)

// MockSigner signs with an all-zero key. Its output is only good for fee
// emulation.
type MockSigner struct {
	keySigner
}

// NewMockSigner returns a mock signer for w.
func NewMockSigner(w Wallet) *MockSigner {
	key := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	return &MockSigner{keySigner{
		wallet: w,
		key:    func(context.Context) (ed25519.PrivateKey, error) { return key, nil },
	}}
}

func (s *MockSigner) IsMock() bool { return true }

func (s *MockSigner) Close() {}

var _ Signer = (*MockSigner)(nil)
