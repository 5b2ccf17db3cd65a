package store

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
)

// OrderbookRepo keeps the latest orderbook cleared for each timeslot.
// A timeslot is cleared once per activation for as long as it is open,
// so later orderbooks replace earlier ones.
type OrderbookRepo struct {
	mu     sync.RWMutex
	books  map[int]*model.Orderbook
	priced map[int]*model.Orderbook
}

// NewOrderbookRepo creates an empty repository.
func NewOrderbookRepo() *OrderbookRepo {
	return &OrderbookRepo{
		books:  make(map[int]*model.Orderbook),
		priced: make(map[int]*model.Orderbook),
	}
}

// Add records ob as the latest orderbook for its timeslot.
func (r *OrderbookRepo) Add(ob *model.Orderbook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.books[ob.Timeslot] = ob
	if ob.ClearingPrice != nil {
		r.priced[ob.Timeslot] = ob
	}
}

// Latest returns the most recent orderbook for timeslot, or nil.
func (r *OrderbookRepo) Latest(timeslot int) *model.Orderbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.books[timeslot]
}

// LatestPrice returns the most recent clearing price for timeslot, if any
// clearing in that timeslot produced one.
func (r *OrderbookRepo) LatestPrice(timeslot int) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ob, ok := r.priced[timeslot]
	if !ok {
		return decimal.Zero, false
	}
	return *ob.ClearingPrice, true
}

// Prune drops orderbooks for timeslots before keepFrom.
func (r *OrderbookRepo) Prune(keepFrom int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ts := range r.books {
		if ts < keepFrom {
			delete(r.books, ts)
		}
	}
	for ts := range r.priced {
		if ts < keepFrom {
			delete(r.priced, ts)
		}
	}
}
