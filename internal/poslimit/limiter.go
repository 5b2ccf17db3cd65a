// Package poslimit caps the energy a retail broker may buy ahead of
// delivery.
//
// The cap depends on how far ahead the timeslot is: it is Final for the
// nearest open timeslot and falls linearly to Initial for the farthest.
// Wholesale brokers are not limited.
package poslimit

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
)

// ErrPositionLimitExceeded is returned when a purchase would take a
// broker's position for a timeslot above the cap.
var ErrPositionLimitExceeded = errors.New("poslimit: market position limit exceeded")

// PositionLimiter computes per-timeslot position caps.
type PositionLimiter struct {
	// Initial is the cap, in MWh, for the farthest open timeslot.
	Initial decimal.Decimal

	// Final is the cap, in MWh, for the nearest open timeslot.
	Final decimal.Decimal

	// Open is the number of timeslots open for trading.
	Open int
}

// NewPositionLimiter creates a limiter. Zero caps disable limiting.
func NewPositionLimiter(initial, final decimal.Decimal, open int) *PositionLimiter {
	if open < 1 {
		open = 1
	}
	return &PositionLimiter{Initial: initial, Final: final, Open: open}
}

// Enabled reports whether the limiter caps anything.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && !(l.Initial.IsZero() && l.Final.IsZero())
}

// Limit returns the cap for a timeslot offset slots after the current one.
func (l *PositionLimiter) Limit(offset int) decimal.Decimal {
	limit := l.Final
	if l.Open > 1 {
		span := l.Final.Sub(l.Initial)
		limit = limit.Sub(decimal.NewFromInt(int64(offset)).Mul(span).Div(decimal.NewFromInt(int64(l.Open - 1))))
	}
	return limit
}

// Remaining returns how much more a broker holding position may buy,
// never less than zero.
func (l *PositionLimiter) Remaining(offset int, position decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, l.Limit(offset).Sub(position))
}

// CheckLimit validates a purchase of qty by a broker already holding
// position.
func (l *PositionLimiter) CheckLimit(offset int, position, qty decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}
	if qty.GreaterThan(l.Remaining(offset, position)) {
		return ErrPositionLimitExceeded
	}
	return nil
}

// Allowance tracks what each broker may still buy in one timeslot while
// its bids are walked in priority order.
type Allowance struct {
	limiter   *PositionLimiter
	timeslot  int
	offset    int
	remaining map[*model.Broker]decimal.Decimal
}

// Allowance starts tracking timeslot, which lies offset slots after the
// current one.
func (l *PositionLimiter) Allowance(timeslot, offset int) *Allowance {
	return &Allowance{
		limiter:   l,
		timeslot:  timeslot,
		offset:    offset,
		remaining: make(map[*model.Broker]decimal.Decimal),
	}
}

// Take returns the part of a bid for want MWh the broker may still place
// and deducts it from the broker's allowance.
func (a *Allowance) Take(b *model.Broker, want decimal.Decimal) decimal.Decimal {
	if b.Wholesale || !a.limiter.Enabled() {
		return want
	}
	left, ok := a.remaining[b]
	if !ok {
		left = a.limiter.Remaining(a.offset, b.Position(a.timeslot))
	}
	granted := decimal.Min(want, left)
	a.remaining[b] = left.Sub(granted)
	return granted
}
