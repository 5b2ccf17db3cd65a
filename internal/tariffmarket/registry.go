// Package tariffmarket runs the retail tariff market: brokers publish,
// revoke and modify tariffs, and customer models subscribe to them.
//
// Broker messages are queued as they arrive and processed when the
// registry activates. Each message is answered with a TariffStatus.
// Pending tariffs become available to customers only at publication
// boundaries, every PublicationInterval hours.
package tariffmarket

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/store"
)

var (
	// ErrInvalidTariff wraps every reason a specification is refused.
	ErrInvalidTariff = errors.New("tariffmarket: invalid tariff")

	errMissingID     = errors.New("missing tariff id")
	errDuplicateID   = errors.New("duplicate tariff id")
	errPowerType     = errors.New("unknown power type")
	errNoRates       = errors.New("tariff has no rates")
	errInvalidRate   = errors.New("invalid rate")
	errCoverage      = errors.New("rates do not cover every hour of the week")
	errMinDuration   = errors.New("negative minimum duration")
	errBadSupersedes = errors.New("superseded tariff unknown or owned by another broker")
)

// Clock is the part of the simulation clock the registry reads.
type Clock interface {
	CurrentTime() time.Time
}

// Accounting records tariff fees and usage.
type Accounting interface {
	AddTariffTransaction(txType model.TariffTxType, tariff *model.Tariff, customer *model.Customer,
		count int, kWh, charge decimal.Decimal) *model.TariffTransaction
	AddRegulationTransaction(tariff *model.Tariff, customer *model.Customer,
		count int, kWh, charge decimal.Decimal) *model.TariffTransaction
}

// NewTariffListener is notified of tariffs as they are offered.
type NewTariffListener interface {
	PublishNewTariffs(tariffs []*model.Tariff)
}

// Config holds the tariff market's game parameters. Fees are charges to
// the broker and are therefore zero or negative.
type Config struct {
	PublicationFee      decimal.Decimal
	RevocationFee       decimal.Decimal
	PublicationInterval int
	PublicationOffset   int
}

// Registry owns every tariff and subscription in a game.
type Registry struct {
	cfg     Config
	clock   Clock
	ledger  Accounting
	tariffs *store.TariffRepo
	proxy   gateway.BrokerProxy
	logger  *slog.Logger
	subs    *subscriptionRepo

	mu           sync.Mutex
	incoming     []model.TariffMessage
	unsubscribes []*TariffSubscription
	listeners    []NewTariffListener
}

// New creates a registry.
func New(cfg Config, clock Clock, ledger Accounting, tariffs *store.TariffRepo,
	proxy gateway.BrokerProxy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublicationInterval <= 0 {
		cfg.PublicationInterval = 6
	}
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		ledger:  ledger,
		tariffs: tariffs,
		proxy:   proxy,
		logger:  logger.With("component", "tariffmarket"),
		subs:    newSubscriptionRepo(),
	}
}

// RegisterNewTariffListener adds l to the listeners notified at each
// publication.
func (r *Registry) RegisterNewTariffListener(l NewTariffListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// ReceiveMessage queues a broker message for the next activation.
func (r *Registry) ReceiveMessage(msg model.TariffMessage) {
	if msg == nil {
		return
	}
	r.mu.Lock()
	r.incoming = append(r.incoming, msg)
	r.mu.Unlock()
}

func (r *Registry) queueUnsubscribe(s *TariffSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.unsubscribes {
		if q == s {
			return
		}
	}
	r.unsubscribes = append(r.unsubscribes, s)
}

// Activate answers queued messages, applies pending unsubscriptions and,
// at a publication boundary, offers pending tariffs.
func (r *Registry) Activate(now time.Time, _ int) {
	r.mu.Lock()
	msgs := r.incoming
	r.incoming = nil
	unsubs := r.unsubscribes
	r.unsubscribes = nil
	r.mu.Unlock()

	for _, msg := range msgs {
		status := r.process(now, msg)
		metrics.TariffMessages.WithLabelValues(msg.MessageType(), string(status.Status)).Inc()
		if status.Status != model.StatusSuccess {
			r.logger.Warn("tariff message refused",
				"type", msg.MessageType(),
				"tariff", status.TariffID,
				"status", status.Status,
				"reason", status.Message,
			)
		}
		if status.Broker == nil {
			r.logger.Error("tariff status has no broker to route to", "type", msg.MessageType(), "update", status.UpdateID)
			continue
		}
		r.proxy.SendMessage(status.Broker, status)
	}

	for _, s := range unsubs {
		s.withdraw(now)
	}

	if r.isPublicationBoundary(now) {
		r.publish(now)
	}
}

func (r *Registry) isPublicationBoundary(now time.Time) bool {
	return now.UTC().Hour()%r.cfg.PublicationInterval == r.cfg.PublicationOffset
}

func (r *Registry) process(now time.Time, msg model.TariffMessage) *model.TariffStatus {
	switch m := msg.(type) {
	case *model.TariffSpecification:
		return r.processPublish(m)
	case *model.TariffRevoke:
		return r.processRevoke(now, m)
	case *model.TariffExpire:
		return r.processExpire(now, m)
	case *model.VariableRateUpdate:
		return r.processRateUpdate(now, m)
	}
	return &model.TariffStatus{
		Broker:  msg.MessageBroker(),
		Status:  model.StatusIllegalOperation,
		Message: "unsupported message type " + msg.MessageType(),
	}
}

func (r *Registry) processPublish(spec *model.TariffSpecification) *model.TariffStatus {
	status := &model.TariffStatus{Broker: spec.Broker, TariffID: spec.ID, UpdateID: spec.ID}
	if spec.Broker == nil {
		status.Status = model.StatusIllegalOperation
		status.Message = "tariff has no broker"
		return status
	}
	tariff, err := r.validate(spec)
	if err != nil {
		status.Status = model.StatusInvalidTariff
		status.Message = err.Error()
		return status
	}
	if err := r.tariffs.Add(tariff); err != nil {
		status.Status = model.StatusInvalidTariff
		status.Message = err.Error()
		return status
	}
	r.ledger.AddTariffTransaction(model.TxPublish, tariff, nil, 0, decimal.Zero, r.cfg.PublicationFee)
	r.logger.Info("tariff published",
		"tariff", spec.ID,
		"broker", spec.Broker.Username,
		"power_type", spec.PowerType,
		"fee", r.cfg.PublicationFee.String(),
	)
	status.Status = model.StatusSuccess
	return status
}

// validate checks spec and returns the pending tariff it describes.
func (r *Registry) validate(spec *model.TariffSpecification) (*model.Tariff, error) {
	invalid := func(reason error) error { return fmt.Errorf("%w: %w", ErrInvalidTariff, reason) }

	switch {
	case spec.ID == "":
		return nil, invalid(errMissingID)
	case r.tariffs.Find(spec.ID) != nil:
		return nil, invalid(errDuplicateID)
	case !spec.PowerType.Valid():
		return nil, invalid(errPowerType)
	case len(spec.Rates) == 0:
		return nil, invalid(errNoRates)
	case spec.MinDuration < 0:
		return nil, invalid(errMinDuration)
	}
	for _, rate := range spec.Rates {
		if rate == nil || !rate.Valid(spec.PowerType) {
			return nil, invalid(errInvalidRate)
		}
	}
	for _, id := range spec.Supersedes {
		old := r.tariffs.Find(id)
		if old == nil || old.Broker() != spec.Broker {
			return nil, invalid(errBadSupersedes)
		}
	}
	tariff := model.NewTariff(spec)
	if !tariff.IsCovered() {
		return nil, invalid(errCoverage)
	}
	return tariff, nil
}

// validateUpdate resolves the live tariff an update refers to, or returns
// the status refusing it.
func (r *Registry) validateUpdate(now time.Time, broker *model.Broker, tariffID, updateID string) (*model.Tariff, *model.TariffStatus) {
	status := &model.TariffStatus{Broker: broker, TariffID: tariffID, UpdateID: updateID}
	if broker == nil {
		status.Status = model.StatusIllegalOperation
		status.Message = "update has no broker"
		return nil, status
	}
	tariff := r.tariffs.Find(tariffID)
	switch {
	case tariff == nil:
		status.Status = model.StatusNoSuchTariff
	case tariff.Broker() != broker:
		status.Status = model.StatusInvalidTariff
		status.Message = "tariff belongs to another broker"
	case tariff.IsRevoked():
		status.Status = model.StatusInvalidUpdate
		status.Message = "tariff has been revoked"
	case tariff.IsExpired(now):
		status.Status = model.StatusInvalidUpdate
		status.Message = "tariff has expired"
	default:
		return tariff, nil
	}
	return nil, status
}

func (r *Registry) processRevoke(now time.Time, m *model.TariffRevoke) *model.TariffStatus {
	tariff, refused := r.validateUpdate(now, m.Broker, m.TariffID, m.ID)
	if refused != nil {
		return refused
	}
	r.revoke(tariff)
	return &model.TariffStatus{Broker: m.Broker, TariffID: m.TariffID, UpdateID: m.ID, Status: model.StatusSuccess}
}

// revoke kills tariff, prunes its empty subscriptions and charges the
// revocation fee if any customers remain on it.
func (r *Registry) revoke(tariff *model.Tariff) {
	if err := tariff.Kill(); err != nil {
		return
	}
	live := 0
	for _, s := range r.subs.filter(func(s *TariffSubscription) bool { return s.Tariff == tariff }) {
		if s.Committed() <= 0 {
			r.subs.remove(s)
			continue
		}
		live++
	}
	if live > 0 {
		r.ledger.AddTariffTransaction(model.TxRevoke, tariff, nil, 0, decimal.Zero, r.cfg.RevocationFee)
	}
	r.proxy.BroadcastMessage(&model.TariffRevoke{Broker: tariff.Broker(), TariffID: tariff.ID()})
	r.logger.Info("tariff revoked",
		"tariff", tariff.ID(),
		"broker", tariff.Broker().Username,
		"subscriptions", live,
	)
}

func (r *Registry) processExpire(now time.Time, m *model.TariffExpire) *model.TariffStatus {
	tariff, refused := r.validateUpdate(now, m.Broker, m.TariffID, m.ID)
	if refused != nil {
		return refused
	}
	status := &model.TariffStatus{Broker: m.Broker, TariffID: m.TariffID, UpdateID: m.ID}
	if m.NewExpiration.Before(now) {
		status.Status = model.StatusInvalidUpdate
		status.Message = "expiration is in the past"
		return status
	}
	tariff.SetExpiration(m.NewExpiration)
	status.Status = model.StatusSuccess
	return status
}

func (r *Registry) processRateUpdate(now time.Time, m *model.VariableRateUpdate) *model.TariffStatus {
	tariff, refused := r.validateUpdate(now, m.Broker, m.TariffID, m.ID)
	if refused != nil {
		return refused
	}
	status := &model.TariffStatus{Broker: m.Broker, TariffID: m.TariffID, UpdateID: m.ID}
	rate := tariff.Rate(m.RateID)
	if rate == nil {
		status.Status = model.StatusNoSuchUpdate
		status.Message = "no rate " + m.RateID
		return status
	}
	if err := rate.AddHourlyCharge(m.HourlyCharge, now); err != nil {
		status.Status = model.StatusInvalidUpdate
		status.Message = err.Error()
		return status
	}
	status.Status = model.StatusSuccess
	return status
}

// publish revokes the tariffs of disabled brokers, then offers every
// pending tariff.
func (r *Registry) publish(now time.Time) {
	for _, t := range r.tariffs.All() {
		if !t.IsRevoked() && t.Broker() != nil && !t.Broker().Enabled() {
			r.revoke(t)
		}
	}

	pending := r.tariffs.InState(model.TariffPending)
	if len(pending) == 0 {
		return
	}
	offered := r.offer(now, pending)
	if len(offered) == 0 {
		return
	}
	specs := make([]model.Message, 0, len(offered))
	for _, t := range offered {
		specs = append(specs, t.Spec)
	}
	metrics.TariffsPublished.Add(float64(len(specs)))

	r.mu.Lock()
	listeners := append([]NewTariffListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.PublishNewTariffs(offered)
	}
	r.proxy.BroadcastMessages(specs)
	r.logger.Info("tariffs offered", "count", len(specs), "time", now)
}

// offer moves each tariff to OFFERED and returns the ones that moved.
func (r *Registry) offer(now time.Time, tariffs []*model.Tariff) []*model.Tariff {
	offered := make([]*model.Tariff, 0, len(tariffs))
	for _, t := range tariffs {
		if err := t.Offer(now); err != nil {
			r.logger.Error("offer pending tariff", "tariff", t.ID(), "error", err)
			continue
		}
		offered = append(offered, t)
	}
	return offered
}

// SetDefaultTariff installs the fallback tariff for the specification's
// power type. Default tariffs are offered immediately and carry no
// publication fee.
func (r *Registry) SetDefaultTariff(spec *model.TariffSpecification) (*model.Tariff, error) {
	tariff, err := r.validate(spec)
	if err != nil {
		return nil, err
	}
	if err := r.tariffs.Add(tariff); err != nil {
		return nil, fmt.Errorf("default tariff: %w", err)
	}
	if err := tariff.Offer(r.clock.CurrentTime()); err != nil {
		return nil, err
	}
	r.tariffs.SetDefault(tariff)
	return tariff, nil
}

// DefaultTariff returns the fallback tariff for pt.
func (r *Registry) DefaultTariff(pt model.PowerType) *model.Tariff {
	return r.tariffs.Default(pt)
}

// ActiveTariffs returns offered, unexpired tariffs a customer of type pt
// may subscribe to.
func (r *Registry) ActiveTariffs(pt model.PowerType) []*model.Tariff {
	now := r.clock.CurrentTime()
	var out []*model.Tariff
	for _, t := range r.tariffs.InState(model.TariffOffered) {
		if t.Spec.PowerType.CanUse(pt) && !t.IsExpired(now) {
			out = append(out, t)
		}
	}
	return out
}

// SubscribeToTariff commits count customers to tariff. It returns nil if
// the tariff cannot take subscriptions.
func (r *Registry) SubscribeToTariff(tariff *model.Tariff, customer *model.Customer, count int) *TariffSubscription {
	now := r.clock.CurrentTime()
	if tariff == nil || customer == nil || count <= 0 {
		return nil
	}
	if tariff.IsRevoked() || tariff.IsExpired(now) {
		r.logger.Warn("subscription to unavailable tariff refused",
			"tariff", tariff.ID(), "customer", customer.Name, "state", tariff.State())
		return nil
	}
	s := r.subs.findOrCreate(r, tariff, customer)
	s.subscribe(now, count)
	return s
}

// Subscription returns the customer's subscription to tariff, or nil.
func (r *Registry) Subscription(tariff *model.Tariff, customer *model.Customer) *TariffSubscription {
	return r.subs.find(tariff, customer)
}

// Subscriptions returns the customer's subscriptions with committed
// customers.
func (r *Registry) Subscriptions(customer *model.Customer) []*TariffSubscription {
	return r.subs.filter(func(s *TariffSubscription) bool {
		return s.Customer.ID == customer.ID && s.Committed() > 0
	})
}

// RevokedSubscriptions returns the customer's subscriptions to revoked
// tariffs that still hold customers. The customer model is expected to
// move them elsewhere.
func (r *Registry) RevokedSubscriptions(customer *model.Customer) []*TariffSubscription {
	return r.subs.filter(func(s *TariffSubscription) bool {
		return s.Customer.ID == customer.ID && s.Tariff.IsRevoked() && s.Committed() > 0
	})
}
