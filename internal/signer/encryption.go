package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/Klingon-tech/walletsync/pkg/helpers"
)

const (
	minPrefix = 16
	maxPrefix = 31
	msgKeyLen = 16
)

// x25519Public converts an ed25519 public key to its Montgomery form.
func x25519Public(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// x25519Private derives the X25519 scalar of an ed25519 key. X25519 clamps it.
func x25519Private(key ed25519.PrivateKey) []byte {
	h := sha512.Sum512(key.Seed())
	return h[:32]
}

func sharedSecret(key ed25519.PrivateKey, theirs ed25519.PublicKey) ([]byte, error) {
	pub, err := x25519Public(theirs)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(x25519Private(key), pub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	return secret, nil
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cbcKeys(secret, msgKey []byte) (cipher.Block, []byte, error) {
	x := hmacSHA512(secret, msgKey)
	block, err := aes.NewCipher(x[:32])
	if err != nil {
		return nil, nil, err
	}
	return block, x[32:48], nil
}

// encryptComment encrypts a text comment for the owner of theirs. The
// sender address salts the message key.
func encryptComment(key ed25519.PrivateKey, theirs ed25519.PublicKey, comment []byte, senderAddress string) ([]byte, error) {
	secret, err := sharedSecret(key, theirs)
	if err != nil {
		return nil, err
	}

	prefixLen := minPrefix + (aes.BlockSize-(minPrefix+len(comment))%aes.BlockSize)%aes.BlockSize
	prefix, err := helpers.GenerateSecureRandom(prefixLen)
	if err != nil {
		return nil, err
	}
	prefix[0] = byte(prefixLen)
	plain := helpers.Concat(prefix, comment)

	msgKey := hmacSHA512([]byte(senderAddress), plain)[:msgKeyLen]
	block, iv, err := cbcKeys(secret, msgKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	mine := key.Public().(ed25519.PublicKey)
	return helpers.Concat(xorKeys(mine, theirs), msgKey, out), nil
}

// decryptComment reverses encryptComment from either side of the exchange.
func decryptComment(key ed25519.PrivateKey, data []byte, senderAddress string) ([]byte, error) {
	if len(data) < ed25519.PublicKeySize+msgKeyLen+aes.BlockSize {
		return nil, fmt.Errorf("%w: message too short", ErrDecryptFailed)
	}
	body := data[ed25519.PublicKeySize+msgKeyLen:]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad block size", ErrDecryptFailed)
	}

	mine := key.Public().(ed25519.PublicKey)
	theirs := ed25519.PublicKey(xorKeys(mine, data[:ed25519.PublicKeySize]))
	msgKey := data[ed25519.PublicKeySize : ed25519.PublicKeySize+msgKeyLen]

	secret, err := sharedSecret(key, theirs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	block, iv, err := cbcKeys(secret, msgKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	if !hmac.Equal(hmacSHA512([]byte(senderAddress), plain)[:msgKeyLen], msgKey) {
		return nil, fmt.Errorf("%w: message key mismatch", ErrDecryptFailed)
	}
	prefixLen := int(plain[0])
	if prefixLen < minPrefix || prefixLen > maxPrefix || prefixLen > len(plain) {
		return nil, fmt.Errorf("%w: bad prefix", ErrDecryptFailed)
	}
	return plain[prefixLen:], nil
}

func xorKeys(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
