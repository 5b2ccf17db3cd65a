package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a wholesale order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ProductEnergy is the only product the wholesale market trades: energy
// delivered in one timeslot.
const ProductEnergy = "ENERGY"

// Order is a broker's request to buy or sell energy for a timeslot.
// A nil LimitPrice is a market order.
type Order struct {
	ID         string           `json:"id"`
	Broker     *Broker          `json:"broker"`
	Timeslot   int              `json:"timeslot"`
	Side       Side             `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity_mwh"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Product    string           `json:"product"`
	Received   time.Time        `json:"received"`
}

func (*Order) MessageType() string { return "Order" }

// IsMarketOrder reports whether o has no limit price.
func (o *Order) IsMarketOrder() bool { return o.LimitPrice == nil }

// PriceLevel is aggregated remaining depth at one limit price. A nil price
// is the market-order level.
type PriceLevel struct {
	Price *decimal.Decimal `json:"price"`
	MWh   decimal.Decimal  `json:"mwh"`
}

// Orderbook is the unmatched depth of one timeslot after clearing. Bids are
// best (highest) first, asks best (lowest) first.
type Orderbook struct {
	Timeslot      int              `json:"timeslot"`
	Product       string           `json:"product"`
	ClearingPrice *decimal.Decimal `json:"clearing_price"`
	Bids          []PriceLevel     `json:"bids"`
	Asks          []PriceLevel     `json:"asks"`
	Cleared       time.Time        `json:"cleared"`
}

func (*Orderbook) MessageType() string { return "Orderbook" }

// ClearedTrade summarises the volume that traded in one timeslot.
type ClearedTrade struct {
	Timeslot int             `json:"timeslot"`
	Product  string          `json:"product"`
	Price    decimal.Decimal `json:"price"`
	MWh      decimal.Decimal `json:"mwh"`
	Cleared  time.Time       `json:"cleared"`
}

func (*ClearedTrade) MessageType() string { return "ClearedTrade" }
