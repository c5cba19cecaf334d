// Package money provides cent-precise amount handling for escrow funds.
//
// All amounts are stored as int64 cents (1 USD = 100 cents). Rates are
// expressed in basis points (1 bp = 0.01%) so that splits stay exact under
// integer arithmetic: the platform always absorbs the rounding remainder.
package money

import (
	"fmt"
	"strings"
)

// BasisPointsMax is the basis-point representation of 100%.
const BasisPointsMax = 10000

// Cents is a monetary amount in the smallest currency unit.
type Cents int64

// Parse converts a decimal string (e.g. "12.50") to cents (1250).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than two fractional digits are rejected
func Parse(s string) (Cents, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > 2 {
		return 0, false
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var total Cents
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		total = total*10 + Cents(r-'0')
	}
	return total, true
}

// Format renders cents as a decimal string with exactly two fractional
// digits (e.g. 1250 -> "12.50").
func (c Cents) Format() string {
	neg := c < 0
	abs := c
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		return "-" + s
	}
	return s
}

// ApplyRate returns the portion of c at the given basis-point rate, rounded
// down. Combined with the remainder convention in Split, the counterpart
// share is always c minus this value, so the two sum exactly to c.
func (c Cents) ApplyRate(basisPoints int) Cents {
	if basisPoints <= 0 || c <= 0 {
		return 0
	}
	if basisPoints >= BasisPointsMax {
		return c
	}
	return c * Cents(basisPoints) / BasisPointsMax
}

// Split divides c into three shares by basis points. The shares must sum to
// at most 10000 bp; the rounding remainder (and any unallocated basis
// points) goes to the third share. Guarantees a + b + rest == c and that no
// share is negative for non-negative c.
func (c Cents) Split(bpA, bpB int) (a, b, rest Cents) {
	a = c.ApplyRate(bpA)
	b = c.ApplyRate(bpB)
	rest = c - a - b
	return a, b, rest
}
