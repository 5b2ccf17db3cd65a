package model

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrIllegalTransition is returned when a tariff state change is not
// allowed from its current state.
var ErrIllegalTransition = errors.New("model: illegal tariff state transition")

// TariffState is the lifecycle state of a published tariff.
type TariffState string

const (
	TariffPending TariffState = "PENDING"
	TariffOffered TariffState = "OFFERED"
	TariffKilled  TariffState = "KILLED"
)

// TariffSpecification is the broker-authored content of a tariff.
// Payments are from the customer's point of view: a positive signup
// payment is paid to the customer.
type TariffSpecification struct {
	ID                   string          `json:"id"`
	Broker               *Broker         `json:"broker"`
	PowerType            PowerType       `json:"power_type"`
	Rates                []*Rate         `json:"rates"`
	MinDuration          time.Duration   `json:"min_duration"`
	Expiration           *time.Time      `json:"expiration,omitempty"`
	SignupPayment        decimal.Decimal `json:"signup_payment"`
	EarlyWithdrawPayment decimal.Decimal `json:"early_withdraw_payment"`
	PeriodicPayment      decimal.Decimal `json:"periodic_payment"`
	Supersedes           []string        `json:"supersedes,omitempty"`
}

func (*TariffSpecification) MessageType() string { return "TariffSpecification" }

// MessageBroker returns the publishing broker.
func (s *TariffSpecification) MessageBroker() *Broker { return s.Broker }

// Tariff is a specification plus its lifecycle state. State changes only
// through Offer and Kill; once killed a tariff stays killed.
type Tariff struct {
	Spec *TariffSpecification

	mu         sync.RWMutex
	state      TariffState
	expiration *time.Time
	offered    time.Time
}

// NewTariff wraps spec in a pending tariff.
func NewTariff(spec *TariffSpecification) *Tariff {
	t := &Tariff{Spec: spec, state: TariffPending}
	if spec.Expiration != nil {
		exp := *spec.Expiration
		t.expiration = &exp
	}
	return t
}

// ID returns the specification id.
func (t *Tariff) ID() string { return t.Spec.ID }

// Broker returns the publishing broker.
func (t *Tariff) Broker() *Broker { return t.Spec.Broker }

// State returns the lifecycle state.
func (t *Tariff) State() TariffState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Offer moves a pending tariff to offered.
func (t *Tariff) Offer(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TariffPending {
		return ErrIllegalTransition
	}
	t.state = TariffOffered
	t.offered = now
	return nil
}

// Kill revokes a pending or offered tariff.
func (t *Tariff) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TariffKilled {
		return ErrIllegalTransition
	}
	t.state = TariffKilled
	return nil
}

// IsRevoked reports whether the tariff has been killed.
func (t *Tariff) IsRevoked() bool { return t.State() == TariffKilled }

// Expiration returns the current expiration, or nil if the tariff never
// expires.
func (t *Tariff) Expiration() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.expiration == nil {
		return nil
	}
	exp := *t.expiration
	return &exp
}

// SetExpiration replaces the expiration time.
func (t *Tariff) SetExpiration(at time.Time) {
	t.mu.Lock()
	t.expiration = &at
	t.mu.Unlock()
}

// IsExpired reports whether now is at or past the expiration.
func (t *Tariff) IsExpired(now time.Time) bool {
	exp := t.Expiration()
	return exp != nil && !now.Before(*exp)
}

// IsSubscribable reports whether customers may sign up at now.
func (t *Tariff) IsSubscribable(now time.Time) bool {
	return t.State() == TariffOffered && !t.IsExpired(now)
}

// Rate returns the tariff's rate with the given id.
func (t *Tariff) Rate(id string) *Rate {
	for _, r := range t.Spec.Rates {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// IsCovered reports whether every hour of the week has an applicable rate.
func (t *Tariff) IsCovered() bool {
	for day := 1; day <= 7; day++ {
		for hour := 0; hour < 24; hour++ {
			covered := false
			for _, r := range t.Spec.Rates {
				if r.appliesAt(day, hour) {
					covered = true
					break
				}
			}
			if !covered {
				return false
			}
		}
	}
	return true
}

// RateAt returns the first rate, in specification order, that applies at
// when.
func (t *Tariff) RateAt(when time.Time) *Rate {
	for _, r := range t.Spec.Rates {
		if r.Applies(when) {
			return r
		}
	}
	return nil
}

// UsageCharge is the amount credited to the broker for kWh of energy used
// (or produced) by its customers at when. Consumption tariffs with
// negative rate values therefore yield positive charges.
func (t *Tariff) UsageCharge(when time.Time, kWh decimal.Decimal) decimal.Decimal {
	r := t.RateAt(when)
	if r == nil {
		return decimal.Zero
	}
	return kWh.Abs().Mul(r.Value(when)).Neg()
}

// RegulationCharge is the amount credited to the broker when the balancing
// market curtails (kWh > 0) or adds (kWh < 0) usage at when.
func (t *Tariff) RegulationCharge(when time.Time, kWh decimal.Decimal) decimal.Decimal {
	r := t.RateAt(when)
	if r == nil {
		return decimal.Zero
	}
	return kWh.Mul(r.Value(when))
}
