package helpers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
)

// TONDecimals is the number of decimals of a nanoton amount.
const TONDecimals = 9

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(1500000000, 9) returns "1.5".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return amount.Uint64(), nil
}

// NanoToTON converts nanotons to a TON decimal string.
func NanoToTON(nano uint64) string {
	return FormatAmount(nano, TONDecimals)
}

// HumanTON renders nanotons with thousands separators, e.g. "1,234.5 TON".
func HumanTON(nano uint64) string {
	whole := nano / 1_000_000_000
	frac := nano % 1_000_000_000
	s := humanize.Comma(int64(whole))
	if frac != 0 {
		s += "." + strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	}
	return s + " TON"
}
