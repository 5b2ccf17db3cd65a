package model

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Broker is a market participant. Its cash balance is written only by the
// ledger during settlement; market positions are written when the ledger
// records a market transaction. Reads from other goroutines are safe.
type Broker struct {
	Username string
	// Wholesale brokers trade only in the wholesale market: they carry no
	// customers and are exempt from position limits and balancing.
	Wholesale bool

	mu        sync.RWMutex
	enabled   bool
	cash      decimal.Decimal
	positions map[int]*MarketPosition
}

// NewBroker returns an enabled broker with a zero balance.
func NewBroker(username string, wholesale bool) *Broker {
	return &Broker{
		Username:  username,
		Wholesale: wholesale,
		enabled:   true,
		positions: make(map[int]*MarketPosition),
	}
}

// MarshalJSON encodes a broker reference as its username.
func (b *Broker) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Username)
}

// Cash returns the current cash balance.
func (b *Broker) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// UpdateCash adds delta to the cash balance and returns the new balance.
// Only the ledger calls this.
func (b *Broker) UpdateCash(delta decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = b.cash.Add(delta)
	return b.cash
}

// Enabled reports whether the broker may still trade and publish.
func (b *Broker) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled enables or disables the broker.
func (b *Broker) SetEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
}

// Position returns the net traded volume in MWh for a timeslot.
func (b *Broker) Position(timeslot int) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[timeslot]; ok {
		return p.Overall
	}
	return decimal.Zero
}

// AddPosition adds mWh to the position for a timeslot and returns a copy
// of the updated position.
func (b *Broker) AddPosition(timeslot int, mWh decimal.Decimal) MarketPosition {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[timeslot]
	if !ok {
		p = &MarketPosition{Broker: b, Timeslot: timeslot}
		b.positions[timeslot] = p
	}
	p.Overall = p.Overall.Add(mWh)
	return *p
}

// Positions returns copies of all positions ordered by timeslot.
func (b *Broker) Positions() []MarketPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]MarketPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timeslot < out[j].Timeslot })
	return out
}

// MarketPosition is a broker's net traded energy for one timeslot.
// Positive means the broker bought energy.
type MarketPosition struct {
	Broker   *Broker         `json:"broker"`
	Timeslot int             `json:"timeslot"`
	Overall  decimal.Decimal `json:"overall_mwh"`
}

func (MarketPosition) MessageType() string { return "MarketPosition" }

// CashPosition reports a broker's balance after settlement.
type CashPosition struct {
	Broker   *Broker         `json:"broker"`
	Timeslot int             `json:"timeslot"`
	Balance  decimal.Decimal `json:"balance"`
}

func (CashPosition) MessageType() string { return "CashPosition" }
