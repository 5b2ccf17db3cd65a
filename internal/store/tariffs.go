package store

import (
	"fmt"
	"sync"

	"github.com/atmx/powermarket/internal/model"
)

// TariffRepo holds every tariff published in a game and the default
// tariff per power type. Killed tariffs stay in the repository.
type TariffRepo struct {
	mu       sync.RWMutex
	tariffs  map[string]*model.Tariff
	order    []*model.Tariff
	defaults map[model.PowerType]*model.Tariff
}

// NewTariffRepo creates an empty repository.
func NewTariffRepo() *TariffRepo {
	return &TariffRepo{
		tariffs:  make(map[string]*model.Tariff),
		defaults: make(map[model.PowerType]*model.Tariff),
	}
}

// Add stores a tariff. Ids are unique across the game.
func (r *TariffRepo) Add(t *model.Tariff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tariffs[t.ID()]; ok {
		return fmt.Errorf("tariff %s: %w", t.ID(), ErrDuplicate)
	}
	r.tariffs[t.ID()] = t
	r.order = append(r.order, t)
	return nil
}

// Find returns the tariff with the given id, or nil.
func (r *TariffRepo) Find(id string) *model.Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tariffs[id]
}

// InState returns tariffs in the given state, in publication order.
func (r *TariffRepo) InState(state model.TariffState) []*model.Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Tariff
	for _, t := range r.order {
		if t.State() == state {
			out = append(out, t)
		}
	}
	return out
}

// ByBroker returns the broker's tariffs in publication order.
func (r *TariffRepo) ByBroker(b *model.Broker) []*model.Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Tariff
	for _, t := range r.order {
		if t.Broker() == b {
			out = append(out, t)
		}
	}
	return out
}

// All returns every tariff in publication order.
func (r *TariffRepo) All() []*model.Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*model.Tariff(nil), r.order...)
}

// SetDefault records t as the fallback tariff for its power type.
func (r *TariffRepo) SetDefault(t *model.Tariff) {
	r.mu.Lock()
	r.defaults[t.Spec.PowerType] = t
	r.mu.Unlock()
}

// Default returns the fallback tariff for pt. A specialized power type
// falls back to its generic consumption or production default.
func (r *TariffRepo) Default(pt model.PowerType) *model.Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.defaults[pt]; ok {
		return t
	}
	switch {
	case pt.IsConsumption():
		return r.defaults[model.Consumption]
	case pt.IsProduction():
		return r.defaults[model.Production]
	}
	return nil
}

// IsDefault reports whether t is a default tariff.
func (r *TariffRepo) IsDefault(t *model.Tariff) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[t.Spec.PowerType] == t
}
