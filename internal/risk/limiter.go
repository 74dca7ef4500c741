// Package risk implements exposure limits for leveraged positions.
//
// Exposure is measured as notional (size * entry price) of a user's active
// positions. Limits apply per trading pair and across all pairs.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPairLimitExceeded is returned when a new position would push the
	// user's notional in one pair beyond the per-pair maximum.
	ErrPairLimitExceeded = errors.New("risk: per-pair notional limit exceeded")

	// ErrTotalLimitExceeded is returned when a new position would push the
	// user's aggregate notional across all pairs beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("risk: total notional limit exceeded")
)

// Limiter enforces notional limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerPair is the maximum notional of active positions in one pair.
	MaxPerPair decimal.Decimal

	// MaxTotal is the maximum notional of all active positions.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pair and total limits.
func NewLimiter(maxPerPair, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{MaxPerPair: maxPerPair, MaxTotal: maxTotal}
}

// CheckLimit validates whether opening addNotional in pair respects the limits.
//
// existing maps pair → current notional of the user's active positions.
func (l *Limiter) CheckLimit(pair string, addNotional decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	inPair := existing[pair].Add(addNotional.Abs())
	if l.MaxPerPair.IsPositive() && inPair.GreaterThan(l.MaxPerPair) {
		return ErrPairLimitExceeded
	}

	total := addNotional.Abs()
	for _, n := range existing {
		total = total.Add(n.Abs())
	}
	if l.MaxTotal.IsPositive() && total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}
