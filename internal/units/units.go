// Package units converts between human token amounts and smallest-unit
// integers. Everything past the HTTP and CLI boundary works in smallest units.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrEmpty     = errors.New("amount is empty")
	ErrNegative  = errors.New("amount must not be negative")
	ErrPrecision = errors.New("amount has more fractional digits than the token supports")
	ErrSyntax    = errors.New("amount is not a decimal number")
)

// Scale returns 10^decimals.
func Scale(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// Parse converts a human amount such as "7.5" into smallest units.
func Parse(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && whole == "" && frac == "" {
		return nil, ErrSyntax
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q (decimals=%d)", ErrPrecision, s, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return v, nil
}

// Format renders smallest units as a human amount, trimming trailing zeros.
func Format(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(v)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	if decimals <= 0 {
		return sign + abs.String()
	}
	whole, frac := new(big.Int).QuoRem(abs, Scale(decimals), new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	fs := frac.String()
	fs = strings.Repeat("0", decimals-len(fs)) + fs
	fs = strings.TrimRight(fs, "0")
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fs)
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
