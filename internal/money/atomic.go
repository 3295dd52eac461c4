// Package money implements fixed-point integer money at a scale of 1e6
// (the "atomic" unit). No floating-point arithmetic ever
// participates in a balance update; float64 only appears at the edges
// (user-typed amounts, display formatting).
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of atomics per whole coin (10^6).
const Scale int64 = 1_000_000

// Atomic is an integer money value at Scale. It is the only representation
// allowed to participate in addition/subtraction of balances.
type Atomic int64

// Zero is the additive identity.
const Zero Atomic = 0

// ToAtomic converts a user-supplied float amount (e.g. a bet size typed in
// the UI) into an Atomic. It fails on non-finite or negative input so a
// malformed client payload can never produce a negative or NaN balance
// delta.
func ToAtomic(amount float64) (Atomic, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("money: non-finite amount %v", amount)
	}
	if amount < 0 {
		return 0, fmt.Errorf("money: negative amount %v", amount)
	}
	scaled := amount * float64(Scale)
	if scaled > math.MaxInt64 {
		return 0, fmt.Errorf("money: amount %v overflows atomic range", amount)
	}
	return Atomic(math.Round(scaled)), nil
}

// ToFloat renders an Atomic back to a float64 coin amount. Only used for
// display/API payloads, never for further arithmetic.
func (a Atomic) ToFloat() float64 {
	return float64(a) / float64(Scale)
}

// FormatMoney renders a to `digits` fractional decimal places (every
// caller passes 2).
func (a Atomic) FormatMoney(digits int) string {
	return fmt.Sprintf("%.*f", digits, a.ToFloat())
}

// DecimalFromAtomic converts to the DB decimal type used at the
// Postgres-interchange boundary (NUMERIC columns), never in arithmetic.
func DecimalFromAtomic(a Atomic) decimal.Decimal {
	return decimal.New(int64(a), -6)
}

// AtomicFromDecimal is the inverse of DecimalFromAtomic. It round-trips
// exactly for any decimal produced by DecimalFromAtomic.
func AtomicFromDecimal(d decimal.Decimal) Atomic {
	scaled := d.Shift(6)
	return Atomic(scaled.Round(0).IntPart())
}

// Add returns a+b. Both operands and the result are exact int64 atomics.
func (a Atomic) Add(b Atomic) Atomic { return a + b }

// Sub returns a-b.
func (a Atomic) Sub(b Atomic) Atomic { return a - b }

// Negate returns -a.
func (a Atomic) Negate() Atomic { return -a }

// IsNegative reports whether a < 0.
func (a Atomic) IsNegative() bool { return a < 0 }

// MulRate multiplies an atomic amount by a rate expressed as a decimal
// (e.g. a payout multiplier) using exact decimal arithmetic internally so
// no float rounding error leaks into the result, then rounds to the
// nearest atomic.
func (a Atomic) MulRate(rate decimal.Decimal) Atomic {
	d := DecimalFromAtomic(a).Mul(rate)
	return AtomicFromDecimal(d)
}
