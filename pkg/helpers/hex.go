// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex converts bytes to a lowercase hex string without prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ShortHex returns the first n hex characters of b, for log lines.
func ShortHex(b []byte, n int) string {
	s := hex.EncodeToString(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// PadLeft pads a byte slice with zeros on the left to reach the specified length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}
