package store

import (
	"fmt"
	"sync"

	"github.com/atmx/powermarket/internal/model"
)

// BrokerRepo indexes brokers by username in registration order.
type BrokerRepo struct {
	mu      sync.RWMutex
	brokers map[string]*model.Broker
	order   []*model.Broker
}

// NewBrokerRepo creates an empty repository.
func NewBrokerRepo() *BrokerRepo {
	return &BrokerRepo{brokers: make(map[string]*model.Broker)}
}

// Add registers b. Usernames are unique.
func (r *BrokerRepo) Add(b *model.Broker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.brokers[b.Username]; ok {
		return fmt.Errorf("broker %s: %w", b.Username, ErrDuplicate)
	}
	r.brokers[b.Username] = b
	r.order = append(r.order, b)
	return nil
}

// Find returns the broker with the given username, or nil.
func (r *BrokerRepo) Find(username string) *model.Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokers[username]
}

// List returns all brokers in registration order.
func (r *BrokerRepo) List() []*model.Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*model.Broker(nil), r.order...)
}

// Retail returns the brokers that serve customers.
func (r *BrokerRepo) Retail() []*model.Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Broker
	for _, b := range r.order {
		if !b.Wholesale {
			out = append(out, b)
		}
	}
	return out
}
