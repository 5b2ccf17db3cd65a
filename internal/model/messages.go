package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TariffMessage is an inbound message processed by the tariff market.
type TariffMessage interface {
	Message
	MessageBroker() *Broker
}

// TariffRevoke asks for a tariff to be withdrawn from the market.
type TariffRevoke struct {
	ID       string  `json:"id"`
	Broker   *Broker `json:"broker"`
	TariffID string  `json:"tariff_id"`
}

func (*TariffRevoke) MessageType() string      { return "TariffRevoke" }
func (m *TariffRevoke) MessageBroker() *Broker { return m.Broker }

// TariffExpire moves a tariff's expiration.
type TariffExpire struct {
	ID            string    `json:"id"`
	Broker        *Broker   `json:"broker"`
	TariffID      string    `json:"tariff_id"`
	NewExpiration time.Time `json:"new_expiration"`
}

func (*TariffExpire) MessageType() string      { return "TariffExpire" }
func (m *TariffExpire) MessageBroker() *Broker { return m.Broker }

// VariableRateUpdate announces an hourly charge for a variable rate.
type VariableRateUpdate struct {
	ID           string       `json:"id"`
	Broker       *Broker      `json:"broker"`
	TariffID     string       `json:"tariff_id"`
	RateID       string       `json:"rate_id"`
	HourlyCharge HourlyCharge `json:"hourly_charge"`
}

func (*VariableRateUpdate) MessageType() string      { return "VariableRateUpdate" }
func (m *VariableRateUpdate) MessageBroker() *Broker { return m.Broker }

// StatusCode is the outcome of processing a tariff message.
type StatusCode string

const (
	StatusSuccess          StatusCode = "success"
	StatusNoSuchTariff     StatusCode = "noSuchTariff"
	StatusNoSuchUpdate     StatusCode = "noSuchUpdate"
	StatusIllegalOperation StatusCode = "illegalOperation"
	StatusInvalidTariff    StatusCode = "invalidTariff"
	StatusInvalidUpdate    StatusCode = "invalidUpdate"
)

// TariffStatus is the response to every inbound tariff message.
type TariffStatus struct {
	Broker   *Broker    `json:"broker"`
	TariffID string     `json:"tariff_id"`
	UpdateID string     `json:"update_id"`
	Status   StatusCode `json:"status"`
	Message  string     `json:"message,omitempty"`
}

func (*TariffStatus) MessageType() string { return "TariffStatus" }

// DistributionReport is broadcast after every settlement.
type DistributionReport struct {
	Timeslot         int             `json:"timeslot"`
	TotalConsumption decimal.Decimal `json:"total_consumption"`
	TotalProduction  decimal.Decimal `json:"total_production"`
}

func (*DistributionReport) MessageType() string { return "DistributionReport" }

// BalanceReport is the net system imbalance in kWh for a timeslot.
type BalanceReport struct {
	Timeslot     int             `json:"timeslot"`
	NetImbalance decimal.Decimal `json:"net_imbalance"`
}

func (*BalanceReport) MessageType() string { return "BalanceReport" }
