package tariffmarket

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/model"
)

// expiration counts customers whose minimum contract duration ends at
// horizon.
type expiration struct {
	horizon time.Time
	count   int
}

// TariffSubscription is a customer population's commitment to one tariff.
// There is at most one subscription per (customer, tariff) pair; the
// registry creates them.
type TariffSubscription struct {
	Tariff   *model.Tariff
	Customer *model.Customer

	registry *Registry

	mu          sync.Mutex
	committed   int
	pending     int
	expirations []expiration
	regulation  decimal.Decimal
	regulatedAt time.Time
}

// Committed returns the number of customers on the subscription.
func (s *TariffSubscription) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// PendingUnsubscribe returns the number of customers waiting to leave at
// the next tariff market activation.
func (s *TariffSubscription) PendingUnsubscribe() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Regulation returns the kWh regulated in the timeslot of the most recent
// ApplyRegulation call.
func (s *TariffSubscription) Regulation() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regulation
}

func (s *TariffSubscription) subscribe(now time.Time, count int) {
	s.mu.Lock()
	s.committed += count
	horizon := now.Add(s.Tariff.Spec.MinDuration)
	if n := len(s.expirations); n > 0 && s.expirations[n-1].horizon.Equal(horizon) {
		s.expirations[n-1].count += count
	} else {
		s.expirations = append(s.expirations, expiration{horizon: horizon, count: count})
	}
	s.mu.Unlock()

	s.registry.ledger.AddTariffTransaction(model.TxSignup, s.Tariff, s.Customer, count,
		decimal.Zero, decimal.NewFromInt(int64(count)).Mul(s.Tariff.Spec.SignupPayment).Neg())
}

// Unsubscribe removes count customers at the next tariff market
// activation, charging early-withdrawal penalties for those still inside
// the tariff's minimum duration.
func (s *TariffSubscription) Unsubscribe(count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	s.pending += count
	s.mu.Unlock()
	s.registry.queueUnsubscribe(s)
}

// withdraw applies the pending unsubscription.
func (s *TariffSubscription) withdraw(now time.Time) {
	s.mu.Lock()
	count := s.pending
	s.pending = 0
	if count > s.committed {
		s.registry.logger.Error("unsubscribe exceeds committed customers",
			"tariff", s.Tariff.ID(),
			"customer", s.Customer.Name,
			"requested", count,
			"committed", s.committed,
		)
		count = s.committed
	}
	if count == 0 {
		s.mu.Unlock()
		return
	}

	free := 0
	for _, e := range s.expirations {
		if !e.horizon.After(now) {
			free += e.count
		}
	}
	penalty := max(count-free, 0)

	left := count
	for left > 0 && len(s.expirations) > 0 {
		if s.expirations[0].count <= left {
			left -= s.expirations[0].count
			s.expirations = s.expirations[1:]
			continue
		}
		s.expirations[0].count -= left
		left = 0
	}
	s.committed -= count
	if s.committed == 0 {
		s.regulation = decimal.Zero
	}
	s.mu.Unlock()

	spec := s.Tariff.Spec
	withdrawPayment := spec.EarlyWithdrawPayment.Neg()
	if s.Tariff.IsRevoked() {
		withdrawPayment = decimal.Zero
	}
	s.registry.ledger.AddTariffTransaction(model.TxWithdraw, s.Tariff, s.Customer, count,
		decimal.Zero, decimal.NewFromInt(int64(penalty)).Mul(withdrawPayment))
	if spec.SignupPayment.IsNegative() {
		s.registry.ledger.AddTariffTransaction(model.TxRefund, s.Tariff, s.Customer, count,
			decimal.Zero, decimal.NewFromInt(int64(count)).Mul(spec.SignupPayment))
	}
}

// UsePower records kWh used by the subscribed population in the current
// timeslot. Positive kWh is consumption, negative is production. A later
// call in the same timeslot replaces the earlier one.
func (s *TariffSubscription) UsePower(kWh decimal.Decimal) {
	count := s.Committed()
	if count == 0 {
		return
	}
	now := s.registry.clock.CurrentTime()
	txType := model.TxConsume
	if kWh.IsNegative() {
		txType = model.TxProduce
	}
	s.registry.ledger.AddTariffTransaction(txType, s.Tariff, s.Customer, count,
		kWh.Neg(), s.Tariff.UsageCharge(now, kWh))

	if p := s.Tariff.Spec.PeriodicPayment; !p.IsZero() {
		charge := decimal.NewFromInt(int64(count)).Mul(p).Neg().Div(decimal.NewFromInt(24))
		s.registry.ledger.AddTariffTransaction(model.TxPeriodic, s.Tariff, s.Customer, count,
			decimal.Zero, charge)
	}
}

// ApplyRegulation records energy the balancing market curtailed (kWh > 0)
// or added (kWh < 0) for this subscription. Calls in the same timeslot
// accumulate into a single regulation entry.
func (s *TariffSubscription) ApplyRegulation(kWh decimal.Decimal) {
	now := s.registry.clock.CurrentTime()
	slot := now.Truncate(time.Hour)

	s.mu.Lock()
	if !s.regulatedAt.Equal(slot) {
		s.regulation = decimal.Zero
		s.regulatedAt = slot
	}
	s.regulation = s.regulation.Add(kWh)
	total := s.regulation
	count := s.committed
	s.mu.Unlock()

	s.registry.ledger.AddRegulationTransaction(s.Tariff, s.Customer, count,
		total, s.Tariff.RegulationCharge(now, total))
}

// HandleRevokedTariff moves every committed customer of a revoked tariff
// to the default tariff for its power type and returns that tariff. It
// returns nil when nothing moved.
func (s *TariffSubscription) HandleRevokedTariff() *model.Tariff {
	if !s.Tariff.IsRevoked() {
		return nil
	}
	count := s.Committed()
	if count == 0 {
		return nil
	}
	target := s.registry.DefaultTariff(s.Tariff.Spec.PowerType)
	if target == nil {
		s.registry.logger.Error("no default tariff for revoked subscription",
			"tariff", s.Tariff.ID(), "power_type", s.Tariff.Spec.PowerType)
		return nil
	}
	s.Unsubscribe(count)
	s.registry.SubscribeToTariff(target, s.Customer, count)
	return target
}

type subscriptionKey struct {
	tariffID   string
	customerID string
}

// subscriptionRepo enforces one subscription per (customer, tariff).
type subscriptionRepo struct {
	mu    sync.RWMutex
	subs  map[subscriptionKey]*TariffSubscription
	order []*TariffSubscription
}

func newSubscriptionRepo() *subscriptionRepo {
	return &subscriptionRepo{subs: make(map[subscriptionKey]*TariffSubscription)}
}

func (r *subscriptionRepo) findOrCreate(reg *Registry, t *model.Tariff, c *model.Customer) *TariffSubscription {
	k := subscriptionKey{tariffID: t.ID(), customerID: c.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[k]; ok {
		return s
	}
	s := &TariffSubscription{Tariff: t, Customer: c, registry: reg}
	r.subs[k] = s
	r.order = append(r.order, s)
	return s
}

func (r *subscriptionRepo) find(t *model.Tariff, c *model.Customer) *TariffSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[subscriptionKey{tariffID: t.ID(), customerID: c.ID}]
}

func (r *subscriptionRepo) filter(keep func(*TariffSubscription) bool) []*TariffSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TariffSubscription
	for _, s := range r.order {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (r *subscriptionRepo) remove(s *TariffSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, subscriptionKey{tariffID: s.Tariff.ID(), customerID: s.Customer.ID})
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
