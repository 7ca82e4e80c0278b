package chain

import (
	"errors"
	"testing"
)

func TestDefaultChainsRegistered(t *testing.T) {
	for _, c := range []Chain{TON, TRON} {
		if !IsSupported(c) {
			t.Errorf("expected %s to be registered", c)
		}
	}
	if IsSupported("btc") {
		t.Error("btc should not be registered")
	}
}

func TestDoesBackendSocketSupport(t *testing.T) {
	tests := []struct {
		chain Chain
		want  bool
	}{
		{TON, true},
		{TRON, false},
		{"unknown", false},
	}

	for _, tt := range tests {
		if got := Default().DoesBackendSocketSupport(tt.chain); got != tt.want {
			t.Errorf("DoesBackendSocketSupport(%s) = %v, want %v", tt.chain, got, tt.want)
		}
	}
}

func TestTONParams(t *testing.T) {
	params, ok := Get(TON)
	if !ok {
		t.Fatal("ton should be registered")
	}
	if params.Decimals != 9 {
		t.Errorf("Decimals = %d, want 9", params.Decimals)
	}
	if params.CoinType != 607 {
		t.Errorf("CoinType = %d, want 607", params.CoinType)
	}
	if !params.SupportsLedger {
		t.Error("ton should support ledger")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&Params{Chain: TRON})
	r.Register(&Params{Chain: TON})

	got := r.List()
	if len(got) != 2 || got[0] != TON || got[1] != TRON {
		t.Errorf("List = %v, want [ton tron]", got)
	}
}

func TestParseAccountID(t *testing.T) {
	tests := []struct {
		id          string
		wantN       int
		wantNetwork Network
		wantErr     bool
	}{
		{"0-mainnet", 0, Mainnet, false},
		{"12-testnet", 12, Testnet, false},
		{"mainnet", 0, "", true},
		{"x-mainnet", 0, "", true},
		{"1-devnet", 0, "", true},
		{"-1-mainnet", 0, "", true},
	}

	for _, tt := range tests {
		n, network, err := ParseAccountID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAccountID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidAccountID) {
				t.Errorf("ParseAccountID(%q) error = %v, want ErrInvalidAccountID", tt.id, err)
			}
			continue
		}
		if n != tt.wantN || network != tt.wantNetwork {
			t.Errorf("ParseAccountID(%q) = %d, %s, want %d, %s", tt.id, n, network, tt.wantN, tt.wantNetwork)
		}
	}
}

func TestBuildAccountID(t *testing.T) {
	if got := BuildAccountID(3, Testnet); got != "3-testnet" {
		t.Errorf("BuildAccountID = %s, want 3-testnet", got)
	}
}
