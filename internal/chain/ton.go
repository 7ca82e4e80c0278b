package chain

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/wallet"
)

// ErrBadTONAddress is returned for strings that are neither user-friendly
// nor raw TON addresses.
var ErrBadTONAddress = errors.New("invalid TON address")

// TONWalletVersion is the wallet contract used for every account.
const TONWalletVersion = wallet.V4R2

// TONWalletIsBounceable selects the user-friendly flag of wallet addresses.
const TONWalletIsBounceable = false

func tonParams() *Params {
	return &Params{
		Chain:    TON,
		Name:     "TON",
		Symbol:   "TON",
		Decimals: 9,

		DoesBackendSocketSupport: true,
		SupportsLedger:           true,

		CoinType: 607,
	}
}

// ParseTONAddress accepts user-friendly and raw ("0:abcd...") addresses.
func ParseTONAddress(address string) (tongo.AccountID, error) {
	if accountID, err := tongo.AccountIDFromBase64Url(address); err == nil {
		return accountID, nil
	}
	accountID, err := tongo.AccountIDFromRaw(address)
	if err != nil {
		return tongo.AccountID{}, fmt.Errorf("%w: %s", ErrBadTONAddress, address)
	}
	return accountID, nil
}

// TONWalletAddress returns the user-friendly address of the default wallet
// contract owned by pub.
func TONWalletAddress(pub ed25519.PublicKey, network Network) (string, error) {
	accountID, err := wallet.GenerateWalletAddress(pub, TONWalletVersion, 0, nil)
	if err != nil {
		return "", fmt.Errorf("failed to compute wallet address: %w", err)
	}
	return accountID.ToHuman(TONWalletIsBounceable, network == Testnet), nil
}
