package mpc

import (
	"fmt"
	"math/big"
	"strings"
)

// Fixed-point codec between human decimal strings and field elements.
// Values are scaled by 100 (two fractional digits) and embedded into GF(P)
// with the usual v mod P mapping for negatives. Decimal strings are parsed
// with integer arithmetic only; binary floating point never touches the
// pipeline.

// Scale is the fixed-point scaling factor: two fractional decimal digits.
const Scale = 100

// ErrOutOfRange is returned when a scaled input does not fit [-P/2, P/2).
var ErrOutOfRange = fmt.Errorf("mpc: input out of range")

// ParseDecimal converts a decimal string with at most two fractional digits
// into scaled integer units (cents). It rejects exponent notation, missing
// digits and more than two fractional digits.
func ParseDecimal(s string) (*big.Int, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil, fmt.Errorf("mpc: empty number")
	}
	neg := false
	switch t[0] {
	case '-':
		neg = true
		t = t[1:]
	case '+':
		t = t[1:]
	}
	intPart, fracPart := t, ""
	if i := strings.IndexByte(t, '.'); i >= 0 {
		intPart, fracPart = t[:i], t[i+1:]
	}
	if intPart == "" {
		return nil, fmt.Errorf("mpc: missing integer digits in %q", s)
	}
	if len(fracPart) > 2 {
		return nil, fmt.Errorf("mpc: more than two fractional digits in %q", s)
	}
	if i := strings.IndexByte(t, '.'); i >= 0 && fracPart == "" {
		return nil, fmt.Errorf("mpc: missing fractional digits in %q", s)
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("mpc: invalid digit in %q", s)
		}
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}
	units, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("mpc: cannot parse %q", s)
	}
	if neg {
		units.Neg(units)
	}
	return units, nil
}

// Encode maps a decimal string to a field element. Scaled values outside
// [-P/2, P/2) are rejected.
func Encode(s string) (Element, error) {
	units, err := ParseDecimal(s)
	if err != nil {
		return Element{}, err
	}
	return EncodeUnits(units)
}

// EncodeUnits embeds pre-scaled integer units into the field.
func EncodeUnits(units *big.Int) (Element, error) {
	abs := new(big.Int).Abs(units)
	if units.Sign() < 0 {
		if abs.Cmp(halfPrime) > 0 {
			return Element{}, ErrOutOfRange
		}
	} else if abs.Cmp(halfPrime) >= 0 {
		return Element{}, ErrOutOfRange
	}
	v := new(big.Int).Mod(units, prime)
	var e Element
	v.FillBytes(e[:])
	return e, nil
}

// DecodeSum interprets e as the sum of n scaled inputs and returns the
// average formatted with up to two fractional digits. Rounding is
// half-away-from-zero on the second decimal.
func DecodeSum(e Element, n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("mpc: participant count must be positive, got %d", n)
	}
	total := centered(e) // sum of units across participants
	// Average in units, rounded half away from zero.
	div := big.NewInt(int64(n))
	q, r := new(big.Int).QuoRem(new(big.Int).Abs(total), div, new(big.Int))
	if new(big.Int).Lsh(r, 1).Cmp(div) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if total.Sign() < 0 {
		q.Neg(q)
	}
	return FormatUnits(q), nil
}

// FormatUnits renders scaled integer units as a decimal string, trimming
// trailing fractional zeros ("20000" -> "200", "150" -> "1.5").
func FormatUnits(units *big.Int) string {
	sign := ""
	abs := new(big.Int).Abs(units)
	if units.Sign() < 0 {
		sign = "-"
	}
	ip, fp := new(big.Int).QuoRem(abs, big.NewInt(Scale), new(big.Int))
	if fp.Sign() == 0 {
		return sign + ip.String()
	}
	s := fmt.Sprintf("%s%s.%02d", sign, ip.String(), fp.Int64())
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
