package gateway

import (
	"errors"
	"fmt"

	"github.com/atmx/powermarket/internal/model"
)

// ErrUnroutable is returned for inbound messages no component accepts.
var ErrUnroutable = errors.New("gateway: no receiver for message")

// OrderReceiver accepts wholesale orders.
type OrderReceiver interface {
	ReceiveOrder(o *model.Order) error
}

// TariffReceiver accepts tariff market messages.
type TariffReceiver interface {
	ReceiveMessage(msg model.TariffMessage)
}

// Router hands inbound broker messages to the component that queues them.
// It is shared by every ingress transport.
type Router struct {
	Orders  OrderReceiver
	Tariffs TariffReceiver
}

// Submit routes msg. Order validation errors are returned; tariff messages
// are validated later and answered with a TariffStatus.
func (r *Router) Submit(msg model.Message) error {
	switch m := msg.(type) {
	case *model.Order:
		if r.Orders == nil {
			return fmt.Errorf("%w: %s", ErrUnroutable, m.MessageType())
		}
		return r.Orders.ReceiveOrder(m)
	case model.TariffMessage:
		if r.Tariffs == nil {
			return fmt.Errorf("%w: %s", ErrUnroutable, m.MessageType())
		}
		r.Tariffs.ReceiveMessage(m)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnroutable, msg.MessageType())
}

func messageID(msg model.Message) string {
	switch m := msg.(type) {
	case *model.Order:
		return m.ID
	case *model.TariffSpecification:
		return m.ID
	case *model.TariffRevoke:
		return m.ID
	case *model.TariffExpire:
		return m.ID
	case *model.VariableRateUpdate:
		return m.ID
	}
	return ""
}
