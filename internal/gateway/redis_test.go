package gateway

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/wire"
)

func TestRedisPublisher_Channels(t *testing.T) {
	p := NewRedisPublisher(nil, 0, nil)
	alice := model.NewBroker("alice", false)

	tests := []struct {
		name    string
		broker  *model.Broker
		msg     model.Message
		channel string
		key     string
	}{
		{"cash snapshot", alice, &model.CashPosition{Broker: alice, Balance: decimal.NewFromInt(3)}, "powermarket:broker:alice", "powermarket:cash:alice"},
		{"direct without snapshot", alice, &model.TariffStatus{Broker: alice, Status: model.StatusSuccess}, "powermarket:broker:alice", ""},
		{"orderbook snapshot", nil, &model.Orderbook{Timeslot: 12, Product: model.ProductEnergy}, BroadcastChannel, "powermarket:orderbook:12"},
		{"broadcast", nil, &model.BalanceReport{Timeslot: 2}, BroadcastChannel, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := p.encode(tt.broker, tt.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if pub.channel != tt.channel || pub.key != tt.key {
				t.Errorf("expected %s/%q, got %s/%q", tt.channel, tt.key, pub.channel, pub.key)
			}
			var env wire.Envelope
			if err := json.Unmarshal(pub.data, &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Type != tt.msg.MessageType() {
				t.Errorf("expected type %s, got %s", tt.msg.MessageType(), env.Type)
			}
		})
	}
}

func TestRedisPublisher_DropsWhenFull(t *testing.T) {
	p := NewRedisPublisher(nil, 0, nil)
	for i := 0; i < cap(p.queue)+10; i++ {
		p.BroadcastMessage(&model.BalanceReport{Timeslot: i})
	}
	if len(p.queue) != cap(p.queue) {
		t.Errorf("expected a full queue, got %d of %d", len(p.queue), cap(p.queue))
	}
}
