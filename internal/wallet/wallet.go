package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"math/big"
	"strings"

	"github.com/tonkeeper/tongo/wallet"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

// MnemonicWordCount is the number of words in a TON mnemonic.
const MnemonicWordCount = 24

const (
	basicSeedSalt       = "TON seed version"
	basicSeedIterations = 100000 / 256
)

// GenerateMnemonic generates a new 24-word TON mnemonic without passphrase.
func GenerateMnemonic() ([]string, error) {
	list := bip39.GetWordList()
	size := big.NewInt(int64(len(list)))

	for {
		words := make([]string, MnemonicWordCount)
		for i := range words {
			n, err := rand.Int(rand.Reader, size)
			if err != nil {
				return nil, fmt.Errorf("failed to generate entropy: %w", err)
			}
			words[i] = list[n.Int64()]
		}
		if isBasicSeed(words) {
			return words, nil
		}
	}
}

// NormalizeMnemonic splits a mnemonic phrase into lower-case words.
func NormalizeMnemonic(phrase string) []string {
	return strings.Fields(strings.ToLower(phrase))
}

// ValidateMnemonic checks the word count, that every word is in the BIP39
// English list, and that the words form a TON seed without passphrase.
func ValidateMnemonic(words []string) error {
	if len(words) != MnemonicWordCount {
		return fmt.Errorf("%w: expected %d words, got %d", ErrInvalidMnemonic, MnemonicWordCount, len(words))
	}
	for i, w := range words {
		if _, ok := bip39.GetWordIndex(w); !ok {
			return fmt.Errorf("%w: unknown word #%d", ErrInvalidMnemonic, i+1)
		}
	}
	if !isBasicSeed(words) {
		return fmt.Errorf("%w: not a TON seed", ErrInvalidMnemonic)
	}
	return nil
}

func isBasicSeed(words []string) bool {
	mac := hmac.New(sha512.New, []byte(strings.Join(words, " ")))
	entropy := mac.Sum(nil)
	seed := pbkdf2.Key(entropy, []byte(basicSeedSalt), basicSeedIterations, 1, sha512.New)
	return seed[0] == 0
}

// PrivateKeyFromMnemonic derives the ed25519 key of a TON mnemonic.
func PrivateKeyFromMnemonic(words []string) (ed25519.PrivateKey, error) {
	if err := ValidateMnemonic(words); err != nil {
		return nil, err
	}
	key, err := wallet.SeedToPrivateKey(strings.Join(words, " "))
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// MnemonicSource loads the encrypted mnemonic of an account.
type MnemonicSource interface {
	EncryptedMnemonic(ctx context.Context, accountID string) (*EncryptedMnemonic, error)
}

// FetchPrivateKey decrypts the mnemonic of an account and derives its key.
// A wrong password yields ErrWrongPassword.
func FetchPrivateKey(ctx context.Context, src MnemonicSource, accountID, password string) (ed25519.PrivateKey, error) {
	encrypted, err := src.EncryptedMnemonic(ctx, accountID)
	if err != nil {
		return nil, err
	}
	words, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromMnemonic(words)
}
