package poslimit

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestLimit_Interpolates(t *testing.T) {
	l := NewPositionLimiter(d(90), d(143), 24)

	if got := l.Limit(0); !got.Equal(d(143)) {
		t.Errorf("offset 0: expected 143, got %s", got)
	}
	if got := l.Limit(23); !got.Equal(d(90)) {
		t.Errorf("offset 23: expected 90, got %s", got)
	}
	mid := l.Limit(11)
	if !mid.LessThan(d(143)) || !mid.GreaterThan(d(90)) {
		t.Errorf("offset 11: expected between caps, got %s", mid)
	}
}

func TestLimit_SingleOpenSlot(t *testing.T) {
	l := NewPositionLimiter(d(90), d(143), 1)
	if got := l.Limit(1); !got.Equal(d(143)) {
		t.Errorf("expected final cap, got %s", got)
	}
}

func TestRemaining_NeverNegative(t *testing.T) {
	l := NewPositionLimiter(d(90), d(143), 24)
	if got := l.Remaining(0, d(200)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	if got := l.Remaining(0, d(100)); !got.Equal(d(43)) {
		t.Errorf("expected 43, got %s", got)
	}
}

func TestCheckLimit(t *testing.T) {
	l := NewPositionLimiter(d(10), d(10), 24)

	if err := l.CheckLimit(0, d(5), d(5)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := l.CheckLimit(0, d(5), d(6)); err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, decimal.Zero, 24)
	if err := l.CheckLimit(0, d(1000), d(1000)); err != nil {
		t.Errorf("expected no error with zero caps, got %v", err)
	}
}

func TestAllowance_TrimsAcrossBids(t *testing.T) {
	l := NewPositionLimiter(d(10), d(10), 24)
	b := model.NewBroker("alice", false)
	b.AddPosition(5, d(4))

	a := l.Allowance(5, 1)
	if got := a.Take(b, d(4)); !got.Equal(d(4)) {
		t.Errorf("first bid: expected 4, got %s", got)
	}
	if got := a.Take(b, d(4)); !got.Equal(d(2)) {
		t.Errorf("second bid: expected 2, got %s", got)
	}
	if got := a.Take(b, d(1)); !got.IsZero() {
		t.Errorf("third bid: expected 0, got %s", got)
	}
}

func TestAllowance_WholesaleExempt(t *testing.T) {
	l := NewPositionLimiter(d(10), d(10), 24)
	w := model.NewBroker("genco", true)

	a := l.Allowance(5, 1)
	if got := a.Take(w, d(500)); !got.Equal(d(500)) {
		t.Errorf("expected wholesale bid untouched, got %s", got)
	}
}
