package wallet

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

const testPassword = "Str0ng!Pass"

func TestGenerateMnemonic(t *testing.T) {
	words, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if len(words) != MnemonicWordCount {
		t.Errorf("expected %d words, got %d", MnemonicWordCount, len(words))
	}
	if err := ValidateMnemonic(words); err != nil {
		t.Errorf("generated mnemonic should be valid: %v", err)
	}
}

func TestValidateMnemonic(t *testing.T) {
	valid, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	unknown := append([]string(nil), valid...)
	unknown[3] = "notaword"

	tests := []struct {
		name  string
		words []string
		valid bool
	}{
		{"generated", valid, true},
		{"too short", valid[:12], false},
		{"empty", nil, false},
		{"unknown word", unknown, false},
	}

	for _, tc := range tests {
		err := ValidateMnemonic(tc.words)
		if (err == nil) != tc.valid {
			t.Errorf("%s: ValidateMnemonic() error = %v, want valid=%v", tc.name, err, tc.valid)
		}
		if err != nil && !errors.Is(err, ErrInvalidMnemonic) {
			t.Errorf("%s: error should wrap ErrInvalidMnemonic", tc.name)
		}
	}
}

func TestNormalizeMnemonic(t *testing.T) {
	got := NormalizeMnemonic("  Abandon\tABILITY  able\n")
	want := []string{"abandon", "ability", "able"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("NormalizeMnemonic() = %v, want %v", got, want)
	}
}

func TestPrivateKeyFromMnemonicDeterministic(t *testing.T) {
	words, _ := GenerateMnemonic()

	k1, err := PrivateKeyFromMnemonic(words)
	if err != nil {
		t.Fatalf("PrivateKeyFromMnemonic() error = %v", err)
	}
	k2, _ := PrivateKeyFromMnemonic(words)
	if !bytes.Equal(k1, k2) {
		t.Error("same mnemonic should derive the same key")
	}

	other, _ := GenerateMnemonic()
	k3, _ := PrivateKeyFromMnemonic(other)
	if bytes.Equal(k1, k3) {
		t.Error("different mnemonics should derive different keys")
	}
}

type mapSource map[string]*EncryptedMnemonic

func (m mapSource) EncryptedMnemonic(_ context.Context, id string) (*EncryptedMnemonic, error) {
	enc, ok := m[id]
	if !ok {
		return nil, ErrNoMnemonic
	}
	return enc, nil
}

func TestFetchPrivateKey(t *testing.T) {
	words, _ := GenerateMnemonic()
	enc, err := EncryptMnemonic(words, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	src := mapSource{"0-mainnet": enc}
	want, _ := PrivateKeyFromMnemonic(words)

	got, err := FetchPrivateKey(context.Background(), src, "0-mainnet", testPassword)
	if err != nil {
		t.Fatalf("FetchPrivateKey() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("FetchPrivateKey() returned a different key")
	}

	if _, err := FetchPrivateKey(context.Background(), src, "0-mainnet", "Wr0ng!Pass"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := FetchPrivateKey(context.Background(), src, "1-mainnet", testPassword); !errors.Is(err, ErrNoMnemonic) {
		t.Errorf("unknown account error = %v, want ErrNoMnemonic", err)
	}
}
