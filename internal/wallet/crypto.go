// Package wallet stores mnemonics encrypted at rest and turns them into
// signing keys. Only Argon2id + AES-256-GCM is supported.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// Errors
var (
	ErrWrongPassword   = errors.New("wrong password")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrNoMnemonic      = errors.New("account has no mnemonic")
)

// EncryptedMnemonic is a mnemonic encrypted for storage.
type EncryptedMnemonic struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts mnemonic words using Argon2id + AES-256-GCM.
func EncryptMnemonic(words []string, password string) (*EncryptedMnemonic, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if err := ValidateMnemonic(words); err != nil {
		return nil, err
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext := []byte(strings.Join(words, " "))
	defer SecureClear(plaintext)

	return &EncryptedMnemonic{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted mnemonic. A wrong password yields
// ErrWrongPassword.
func DecryptMnemonic(encrypted *EncryptedMnemonic, password string) ([]string, error) {
	if encrypted == nil {
		return nil, ErrNoMnemonic
	}
	if password == "" {
		return nil, ErrWrongPassword
	}

	// Use stored parameters or defaults
	time := encrypted.Time
	if time == 0 {
		time = argon2Time
	}
	memory := encrypted.Memory
	if memory == 0 {
		memory = argon2Memory
	}
	parallelism := encrypted.Parallelism
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := newGCM(password, encrypted.Salt, time, memory, parallelism)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer SecureClear(plaintext)

	return strings.Fields(string(plaintext)), nil
}

func newGCM(password string, salt []byte, time, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}

// ValidateWalletIndex validates a hardened derivation index.
func ValidateWalletIndex(index uint32) error {
	const maxIndex = 1<<31 - 1
	if index > maxIndex {
		return fmt.Errorf("wallet index %d exceeds maximum %d", index, maxIndex)
	}
	return nil
}
