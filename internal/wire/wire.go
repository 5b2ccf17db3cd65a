// Package wire defines the JSON envelope exchanged with broker agents over
// WebSocket, Redis, NATS and HTTP, and decodes inbound requests into
// domain messages.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
)

var (
	ErrMalformed     = errors.New("wire: malformed message")
	ErrUnknownType   = errors.New("wire: unknown message type")
	ErrUnknownBroker = errors.New("wire: unknown broker")
	ErrMissingField  = errors.New("wire: missing required field")
)

// Envelope wraps every message on the wire. Broker is empty for
// broadcasts.
type Envelope struct {
	Type    string          `json:"type"`
	Broker  string          `json:"broker,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Directory resolves broker usernames.
type Directory interface {
	Find(username string) *model.Broker
}

// Encode wraps msg for delivery to b, or for broadcast when b is nil.
func Encode(b *model.Broker, msg model.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.MessageType(), err)
	}
	env := Envelope{Type: msg.MessageType(), Payload: payload}
	if b != nil {
		env.Broker = b.Username
	}
	return json.Marshal(env)
}

// OrderRequest is an inbound wholesale order.
type OrderRequest struct {
	ID         string           `json:"id,omitempty"`
	Broker     string           `json:"broker"`
	Timeslot   int              `json:"timeslot"`
	Side       model.Side       `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity_mwh"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Product    string           `json:"product,omitempty"`
}

// Order resolves the request against dir.
func (r *OrderRequest) Order(dir Directory) (*model.Order, error) {
	b, err := resolve(dir, r.Broker)
	if err != nil {
		return nil, err
	}
	product := r.Product
	if product == "" {
		product = model.ProductEnergy
	}
	return &model.Order{
		ID:         idOrNew(r.ID),
		Broker:     b,
		Timeslot:   r.Timeslot,
		Side:       model.Side(strings.ToUpper(string(r.Side))),
		Quantity:   r.Quantity,
		LimitPrice: r.LimitPrice,
		Product:    product,
	}, nil
}

// TariffRequest is an inbound tariff publication.
type TariffRequest struct {
	ID                   string          `json:"id,omitempty"`
	Broker               string          `json:"broker"`
	PowerType            model.PowerType `json:"power_type"`
	Rates                []*model.Rate   `json:"rates"`
	MinDurationHours     int             `json:"min_duration_hours"`
	Expiration           *time.Time      `json:"expiration,omitempty"`
	SignupPayment        decimal.Decimal `json:"signup_payment"`
	EarlyWithdrawPayment decimal.Decimal `json:"early_withdraw_payment"`
	PeriodicPayment      decimal.Decimal `json:"periodic_payment"`
	Supersedes           []string        `json:"supersedes,omitempty"`
}

// Specification resolves the request against dir.
func (r *TariffRequest) Specification(dir Directory) (*model.TariffSpecification, error) {
	b, err := resolve(dir, r.Broker)
	if err != nil {
		return nil, err
	}
	return &model.TariffSpecification{
		ID:                   idOrNew(r.ID),
		Broker:               b,
		PowerType:            r.PowerType,
		Rates:                r.Rates,
		MinDuration:          time.Duration(r.MinDurationHours) * time.Hour,
		Expiration:           r.Expiration,
		SignupPayment:        r.SignupPayment,
		EarlyWithdrawPayment: r.EarlyWithdrawPayment,
		PeriodicPayment:      r.PeriodicPayment,
		Supersedes:           r.Supersedes,
	}, nil
}

// RevokeRequest withdraws a tariff.
type RevokeRequest struct {
	ID       string `json:"id,omitempty"`
	Broker   string `json:"broker"`
	TariffID string `json:"tariff_id"`
}

func (r *RevokeRequest) Revoke(dir Directory) (*model.TariffRevoke, error) {
	b, err := resolve(dir, r.Broker)
	if err != nil {
		return nil, err
	}
	if r.TariffID == "" {
		return nil, fmt.Errorf("%w: tariff_id", ErrMissingField)
	}
	return &model.TariffRevoke{ID: idOrNew(r.ID), Broker: b, TariffID: r.TariffID}, nil
}

// ExpireRequest moves a tariff's expiration.
type ExpireRequest struct {
	ID            string    `json:"id,omitempty"`
	Broker        string    `json:"broker"`
	TariffID      string    `json:"tariff_id"`
	NewExpiration time.Time `json:"new_expiration"`
}

func (r *ExpireRequest) Expire(dir Directory) (*model.TariffExpire, error) {
	b, err := resolve(dir, r.Broker)
	if err != nil {
		return nil, err
	}
	if r.TariffID == "" {
		return nil, fmt.Errorf("%w: tariff_id", ErrMissingField)
	}
	return &model.TariffExpire{
		ID:            idOrNew(r.ID),
		Broker:        b,
		TariffID:      r.TariffID,
		NewExpiration: r.NewExpiration,
	}, nil
}

// RateUpdateRequest announces an hourly charge for a variable rate.
type RateUpdateRequest struct {
	ID       string          `json:"id,omitempty"`
	Broker   string          `json:"broker"`
	TariffID string          `json:"tariff_id"`
	RateID   string          `json:"rate_id"`
	AtTime   time.Time       `json:"at_time"`
	Value    decimal.Decimal `json:"value"`
}

func (r *RateUpdateRequest) Update(dir Directory) (*model.VariableRateUpdate, error) {
	b, err := resolve(dir, r.Broker)
	if err != nil {
		return nil, err
	}
	if r.TariffID == "" || r.RateID == "" {
		return nil, fmt.Errorf("%w: tariff_id and rate_id", ErrMissingField)
	}
	return &model.VariableRateUpdate{
		ID:           idOrNew(r.ID),
		Broker:       b,
		TariffID:     r.TariffID,
		RateID:       r.RateID,
		HourlyCharge: model.HourlyCharge{AtTime: r.AtTime, Value: r.Value},
	}, nil
}

// Decode parses an inbound envelope into an Order or a tariff message. A
// broker named on the envelope fills in a payload that names none.
func Decode(data []byte, dir Directory) (model.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodePayload(env.Type, env.Broker, env.Payload, dir)
}

// DecodePayload parses the payload of a message of the given type.
func DecodePayload(msgType, broker string, payload []byte, dir Directory) (model.Message, error) {
	switch msgType {
	case "Order":
		var r OrderRequest
		if err := unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.Broker = orDefault(r.Broker, broker)
		return r.Order(dir)
	case "TariffSpecification":
		var r TariffRequest
		if err := unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.Broker = orDefault(r.Broker, broker)
		return r.Specification(dir)
	case "TariffRevoke":
		var r RevokeRequest
		if err := unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.Broker = orDefault(r.Broker, broker)
		return r.Revoke(dir)
	case "TariffExpire":
		var r ExpireRequest
		if err := unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.Broker = orDefault(r.Broker, broker)
		return r.Expire(dir)
	case "VariableRateUpdate":
		var r RateUpdateRequest
		if err := unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.Broker = orDefault(r.Broker, broker)
		return r.Update(dir)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func resolve(dir Directory, username string) (*model.Broker, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: broker", ErrMissingField)
	}
	b := dir.Find(username)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, username)
	}
	return b, nil
}

func idOrNew(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
