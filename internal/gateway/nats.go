package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/powermarket/internal/wire"
)

// Inbound NATS subjects and the message type each carries. Payloads are
// the bare request JSON; the broker is named in the payload.
var Subjects = map[string]string{
	"powermarket.orders":          "Order",
	"powermarket.tariffs.publish": "TariffSpecification",
	"powermarket.tariffs.revoke":  "TariffRevoke",
	"powermarket.tariffs.expire":  "TariffExpire",
	"powermarket.tariffs.rate":    "VariableRateUpdate",
}

// ConnectNATS dials url and reconnects forever.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("powermarket"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Reply is sent to requests that carry a reply subject.
type Reply struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NATSIngress subscribes to the inbound subjects and submits decoded
// messages.
type NATSIngress struct {
	nc     *nats.Conn
	dir    wire.Directory
	sink   Submitter
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewNATSIngress creates an ingress over an open connection.
func NewNATSIngress(nc *nats.Conn, dir wire.Directory, sink Submitter, logger *slog.Logger) *NATSIngress {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSIngress{nc: nc, dir: dir, sink: sink, logger: logger.With("component", "nats_ingress")}
}

// Start subscribes to every subject.
func (n *NATSIngress) Start() error {
	for subject, msgType := range Subjects {
		sub, err := n.nc.Subscribe(subject, n.handler(msgType))
		if err != nil {
			n.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	n.logger.Info("nats ingress started", "subjects", len(n.subs))
	return nil
}

// Stop drains every subscription.
func (n *NATSIngress) Stop() {
	for _, sub := range n.subs {
		if err := sub.Drain(); err != nil {
			n.logger.Warn("nats drain failed", "subject", sub.Subject, "error", err)
		}
	}
	n.subs = nil
}

func (n *NATSIngress) handler(msgType string) nats.MsgHandler {
	return func(m *nats.Msg) {
		reply := n.Handle(msgType, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := m.Respond(data); err != nil {
			n.logger.Warn("nats reply failed", "subject", m.Subject, "error", err)
		}
	}
}

// Handle decodes and submits one payload of msgType.
func (n *NATSIngress) Handle(msgType string, data []byte) Reply {
	msg, err := wire.DecodePayload(msgType, "", data, n.dir)
	if err != nil {
		n.logger.Warn("rejected nats message", "type", msgType, "error", err)
		return Reply{Error: err.Error()}
	}
	if err := n.sink.Submit(msg); err != nil {
		n.logger.Warn("nats message not accepted", "type", msgType, "error", err)
		return Reply{Error: err.Error()}
	}
	return Reply{Accepted: true, ID: messageID(msg)}
}
