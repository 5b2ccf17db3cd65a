// Package model defines the domain types shared by the settlement engine:
// brokers, transactions, orders, tariffs and the messages exchanged with
// broker agents.
//
// All monetary values and energy quantities use shopspring/decimal.
package model

import "encoding/json"

// Message is anything the engine sends to (or receives from) a broker.
// MessageType names the concrete kind on the wire.
type Message interface {
	MessageType() string
}

// PowerType classifies tariffs and customers.
type PowerType string

const (
	Consumption       PowerType = "CONSUMPTION"
	Production        PowerType = "PRODUCTION"
	InterruptibleLoad PowerType = "INTERRUPTIBLE_CONSUMPTION"
	ThermalStorage    PowerType = "THERMAL_STORAGE_CONSUMPTION"
	SolarProduction   PowerType = "SOLAR_PRODUCTION"
	WindProduction    PowerType = "WIND_PRODUCTION"
	BatteryStorage    PowerType = "BATTERY_STORAGE"
	ElectricVehicle   PowerType = "ELECTRIC_VEHICLE"
)

// IsConsumption reports whether p draws power from the grid.
func (p PowerType) IsConsumption() bool {
	switch p {
	case Consumption, InterruptibleLoad, ThermalStorage, ElectricVehicle:
		return true
	}
	return false
}

// IsProduction reports whether p feeds power into the grid.
func (p PowerType) IsProduction() bool {
	switch p {
	case Production, SolarProduction, WindProduction:
		return true
	}
	return false
}

// Valid reports whether p is a known power type.
func (p PowerType) Valid() bool {
	return p.IsConsumption() || p.IsProduction() || p == BatteryStorage
}

// CanUse reports whether a customer of type c may subscribe to a tariff
// published for p. Generic tariffs cover their specialized subtypes.
func (p PowerType) CanUse(c PowerType) bool {
	if p == c {
		return true
	}
	switch p {
	case Consumption:
		return c.IsConsumption()
	case Production:
		return c.IsProduction()
	}
	return false
}

// Customer is a population of identical energy consumers or producers
// modelled outside the engine.
type Customer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PowerType  PowerType `json:"power_type"`
	Population int       `json:"population"`
}

// MarshalJSON encodes a customer reference as its name.
func (c *Customer) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Name)
}
