package chain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAccountID is returned when an account id is not "<n>-<network>".
var ErrInvalidAccountID = errors.New("invalid account id")

// BuildAccountID returns the account id for the n-th account on a network.
func BuildAccountID(n int, network Network) string {
	return fmt.Sprintf("%d-%s", n, network)
}

// ParseAccountID splits an account id into its ordinal and network.
func ParseAccountID(id string) (int, Network, error) {
	num, rest, ok := strings.Cut(id, "-")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	network, err := ParseNetwork(rest)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidAccountID, err)
	}
	return n, network, nil
}

// AccountNetwork returns the network part of an account id.
func AccountNetwork(id string) (Network, error) {
	_, network, err := ParseAccountID(id)
	return network, err
}
