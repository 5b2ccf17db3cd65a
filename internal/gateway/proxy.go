// Package gateway delivers engine output to brokers and feeds broker
// messages into the engine. Outbound delivery never blocks the settlement
// goroutine.
package gateway

import (
	"sync"

	"github.com/atmx/powermarket/internal/model"
)

// BrokerProxy is the outbound side of the broker connection.
type BrokerProxy interface {
	SendMessage(b *model.Broker, msg model.Message)
	SendMessages(b *model.Broker, msgs []model.Message)
	BroadcastMessage(msg model.Message)
	BroadcastMessages(msgs []model.Message)
}

// Fanout delivers every message to each of its proxies in order.
type Fanout []BrokerProxy

func (f Fanout) SendMessage(b *model.Broker, msg model.Message) {
	for _, p := range f {
		p.SendMessage(b, msg)
	}
}

func (f Fanout) SendMessages(b *model.Broker, msgs []model.Message) {
	for _, p := range f {
		p.SendMessages(b, msgs)
	}
}

func (f Fanout) BroadcastMessage(msg model.Message) {
	for _, p := range f {
		p.BroadcastMessage(msg)
	}
}

func (f Fanout) BroadcastMessages(msgs []model.Message) {
	for _, p := range f {
		p.BroadcastMessages(msgs)
	}
}

// Recorder is an in-memory BrokerProxy. Used for testing and as a
// loopback when no transport is configured.
type Recorder struct {
	mu        sync.Mutex
	direct    map[string][]model.Message
	broadcast []model.Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{direct: make(map[string][]model.Message)}
}

func (r *Recorder) SendMessage(b *model.Broker, msg model.Message) {
	r.mu.Lock()
	r.direct[b.Username] = append(r.direct[b.Username], msg)
	r.mu.Unlock()
}

func (r *Recorder) SendMessages(b *model.Broker, msgs []model.Message) {
	r.mu.Lock()
	r.direct[b.Username] = append(r.direct[b.Username], msgs...)
	r.mu.Unlock()
}

func (r *Recorder) BroadcastMessage(msg model.Message) {
	r.mu.Lock()
	r.broadcast = append(r.broadcast, msg)
	r.mu.Unlock()
}

func (r *Recorder) BroadcastMessages(msgs []model.Message) {
	r.mu.Lock()
	r.broadcast = append(r.broadcast, msgs...)
	r.mu.Unlock()
}

// Sent returns the messages sent directly to the named broker.
func (r *Recorder) Sent(username string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.direct[username]...)
}

// Broadcasts returns every broadcast message.
func (r *Recorder) Broadcasts() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.broadcast...)
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.direct = make(map[string][]model.Message)
	r.broadcast = nil
	r.mu.Unlock()
}
