package money

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatRawAmount converts an integer base-units string to a human-readable
// decimal string given tokenDecimals, matching the gateway's "human-readable
// amount = baseUnits / 10^tokenDecimals" convention. Unlike Money.ToMajor,
// this accepts decimals up to 77 and uses arbitrary-precision arithmetic, so
// it does not share Money's int64 ceiling.
func FormatRawAmount(raw string, decimals uint8) (string, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("money: invalid raw amount %q", raw)
	}
	if decimals == 0 {
		return n.String(), nil
	}

	s := n.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= int(decimals) {
		s = "0" + s
	}
	intPart := s[:len(s)-int(decimals)]
	fracPart := s[len(s)-int(decimals):]
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

// ParseRawAmount is the inverse of FormatRawAmount: given a human-readable
// decimal string and tokenDecimals, returns the integer base-units string.
func ParseRawAmount(major string, decimals uint8) (string, error) {
	major = strings.TrimSpace(major)
	if major == "" {
		return "", fmt.Errorf("money: empty amount")
	}
	neg := strings.HasPrefix(major, "-")
	if neg {
		major = major[1:]
	}

	parts := strings.SplitN(major, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > int(decimals) {
		return "", fmt.Errorf("money: amount %q has more precision than %d decimals", major, decimals)
	}
	for len(fracPart) < int(decimals) {
		fracPart += "0"
	}

	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		combined = "0"
	}
	n, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return "", fmt.Errorf("money: invalid amount %q", major)
	}
	if neg {
		n.Neg(n)
	}
	return n.String(), nil
}
