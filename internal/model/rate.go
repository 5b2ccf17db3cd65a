package model

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// NoTime marks an unset daily or weekly window bound.
const NoTime = -1

var (
	ErrFixedRate       = errors.New("model: rate is fixed")
	ErrNoticeTooShort  = errors.New("model: hourly charge violates notice interval")
	ErrChargeOutOfBand = errors.New("model: hourly charge outside rate bounds")
)

// HourlyCharge is a price announced for one hour of a variable rate.
type HourlyCharge struct {
	AtTime time.Time       `json:"at_time"`
	Value  decimal.Decimal `json:"value"`
}

// Rate is one time-of-use component of a tariff. Values are from the
// customer's point of view: negative means the customer pays. A fixed rate
// always charges MinValue; a variable rate charges the hourly charge
// announced for the hour, or ExpectedMean when none was announced.
type Rate struct {
	ID          string `json:"id"`
	WeeklyBegin int    `json:"weekly_begin"` // ISO day, 1 = Monday
	WeeklyEnd   int    `json:"weekly_end"`
	DailyBegin  int    `json:"daily_begin"` // hour of day
	DailyEnd    int    `json:"daily_end"`

	Fixed          bool            `json:"fixed"`
	MinValue       decimal.Decimal `json:"min_value"`
	MaxValue       decimal.Decimal `json:"max_value"`
	NoticeInterval int             `json:"notice_interval_hours"`
	ExpectedMean   decimal.Decimal `json:"expected_mean"`

	mu      sync.RWMutex
	history []HourlyCharge
}

// NewFixedRate returns an all-week fixed rate.
func NewFixedRate(id string, value decimal.Decimal) *Rate {
	return &Rate{
		ID:          id,
		WeeklyBegin: NoTime,
		WeeklyEnd:   NoTime,
		DailyBegin:  NoTime,
		DailyEnd:    NoTime,
		Fixed:       true,
		MinValue:    value,
		MaxValue:    value,
	}
}

// Valid checks window ranges and value ordering for a tariff of power
// type pt.
func (r *Rate) Valid(pt PowerType) bool {
	if !validBound(r.DailyBegin, 0, 23) || !validBound(r.DailyEnd, 0, 23) {
		return false
	}
	if !validBound(r.WeeklyBegin, 1, 7) || !validBound(r.WeeklyEnd, 1, 7) {
		return false
	}
	if (r.DailyBegin == NoTime) != (r.DailyEnd == NoTime) {
		return false
	}
	if (r.WeeklyBegin == NoTime) != (r.WeeklyEnd == NoTime) {
		return false
	}
	if r.Fixed {
		return true
	}
	sgn := decimal.NewFromInt(1)
	if pt.IsConsumption() {
		sgn = sgn.Neg()
	}
	if sgn.Mul(r.MaxValue).LessThan(sgn.Mul(r.MinValue)) {
		return false
	}
	mean := sgn.Mul(r.ExpectedMean)
	if mean.LessThan(sgn.Mul(r.MinValue)) || mean.GreaterThan(sgn.Mul(r.MaxValue)) {
		return false
	}
	return r.NoticeInterval >= 0
}

func validBound(v, lo, hi int) bool {
	return v == NoTime || (v >= lo && v <= hi)
}

// Applies reports whether the rate's window covers when.
func (r *Rate) Applies(when time.Time) bool {
	when = when.UTC()
	return r.appliesAt(isoWeekday(when), when.Hour())
}

func (r *Rate) appliesAt(day, hour int) bool {
	weekly := true
	if r.WeeklyBegin != NoTime && r.WeeklyEnd != NoTime {
		if r.WeeklyEnd >= r.WeeklyBegin {
			weekly = day >= r.WeeklyBegin && day <= r.WeeklyEnd
		} else {
			weekly = day >= r.WeeklyBegin || day <= r.WeeklyEnd
		}
	}
	daily := true
	if r.DailyBegin != NoTime && r.DailyEnd != NoTime {
		if r.DailyEnd > r.DailyBegin {
			daily = hour >= r.DailyBegin && hour <= r.DailyEnd
		} else {
			daily = hour >= r.DailyBegin || hour <= r.DailyEnd
		}
	}
	return weekly && daily
}

func isoWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// Value returns the rate's price for the hour containing when.
func (r *Rate) Value(when time.Time) decimal.Decimal {
	if r.Fixed {
		return r.MinValue
	}
	hour := when.UTC().Truncate(time.Hour)
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.history), func(i int) bool {
		return !r.history[i].AtTime.Before(hour)
	})
	if i < len(r.history) && r.history[i].AtTime.Equal(hour) {
		return r.history[i].Value
	}
	return r.ExpectedMean
}

// AddHourlyCharge records a price for a future hour of a variable rate.
// The charge must respect the notice interval and lie within the rate's
// bounds. A second charge for the same hour replaces the first.
func (r *Rate) AddHourlyCharge(hc HourlyCharge, now time.Time) error {
	if r.Fixed {
		return ErrFixedRate
	}
	notice := time.Duration(r.NoticeInterval) * time.Hour
	if hc.AtTime.Sub(now) < notice {
		return ErrNoticeTooShort
	}
	sgn := decimal.NewFromInt(int64(r.MaxValue.Sign()))
	v := sgn.Mul(hc.Value)
	if v.GreaterThan(sgn.Mul(r.MaxValue)) || v.LessThan(sgn.Mul(r.MinValue)) {
		return ErrChargeOutOfBand
	}

	hc.AtTime = hc.AtTime.UTC().Truncate(time.Hour)
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.history), func(i int) bool {
		return !r.history[i].AtTime.Before(hc.AtTime)
	})
	if i < len(r.history) && r.history[i].AtTime.Equal(hc.AtTime) {
		r.history[i] = hc
		return nil
	}
	r.history = append(r.history, HourlyCharge{})
	copy(r.history[i+1:], r.history[i:])
	r.history[i] = hc
	return nil
}

// History returns a copy of the announced hourly charges in time order.
func (r *Rate) History() []HourlyCharge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HourlyCharge(nil), r.history...)
}
