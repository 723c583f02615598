// Package money provides exact minor-unit currency arithmetic.
//
// Amounts are int64 minor units (grosze, cents) paired with an ISO 4217
// currency code. All rounding is half-up to the currency's minor unit.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// Currency is an ISO 4217 code.
type Currency string

const (
	PLN Currency = "PLN"
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// exponents for currencies with a non-default minor unit.
var exponents = map[Currency]int{
	"JPY": 0,
	"HUF": 0,
}

// Exponent returns the number of minor-unit digits for the currency.
func (c Currency) Exponent() int {
	if e, ok := exponents[c]; ok {
		return e
	}
	return 2
}

// Valid reports whether the code looks like an ISO 4217 currency.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Parse converts a decimal string like "100.00" into minor units.
// More fractional digits than the currency carries is an error.
func Parse(s string, cur Currency) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}

	exp := cur.Exponent()
	if len(frac) > exp {
		return 0, ErrInvalidAmount
	}
	for len(frac) < exp {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
	}

	scale := pow10(exp)
	v := w*scale + f
	if neg {
		v = -v
	}
	return v, nil
}

// MustParse is Parse for compile-time constants in tests and defaults.
func MustParse(s string, cur Currency) int64 {
	v, err := Parse(s, cur)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return v
}

// Format renders minor units as a decimal string like "100.00".
func Format(minor int64, cur Currency) string {
	exp := cur.Exponent()
	if exp == 0 {
		return strconv.FormatInt(minor, 10)
	}

	neg := minor < 0
	if neg {
		minor = -minor
	}
	scale := pow10(exp)
	s := fmt.Sprintf("%d.%0*d", minor/scale, exp, minor%scale)
	if neg {
		return "-" + s
	}
	return s
}

// PercentBps returns amount * bps / 10000 rounded half-up.
// bps are basis points: 10% == 1000 bps.
func PercentBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + 5000) / 10000
}

// ShareOf returns total * part / whole rounded half-up. Used to shrink a
// derived amount (like a commission) in proportion to a partial refund.
func ShareOf(total, part, whole int64) int64 {
	if total <= 0 || part <= 0 || whole <= 0 {
		return 0
	}
	if part >= whole {
		return total
	}
	return (total*part + whole/2) / whole
}

// SplitProportional divides total into len(weights) parts proportional to
// the weights. Remainder minor units are assigned largest-weight-first so
// the parts always sum exactly to total. Zero-weight entries get zero.
func SplitProportional(total int64, weights []int64) []int64 {
	parts := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return parts
	}

	var sum int64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		return parts
	}

	var assigned int64
	type entry struct {
		idx int
		w   int64
	}
	order := make([]entry, 0, len(weights))
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		parts[i] = total * w / sum
		assigned += parts[i]
		order = append(order, entry{idx: i, w: w})
	}

	// Hand the leftover units out largest-weight-first, one per part.
	// Equal weights break ties by position.
	left := total - assigned
	for left > 0 {
		best := -1
		for j := range order {
			if order[j].w == 0 {
				continue
			}
			if best == -1 || order[j].w > order[best].w {
				best = j
			}
		}
		parts[order[best].idx]++
		order[best].w = 0
		left--
	}
	return parts
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
