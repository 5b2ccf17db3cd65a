// Package ledger is the accounting authority of the engine. Components post
// transactions during a timeslot; once per timeslot the ledger drains them,
// applies their cash effects to broker balances, adds daily interest, and
// sends every broker its batch of results.
//
// Broker cash is written only by Settle, on the settlement goroutine.
package ledger

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
)

// Clock is the part of the simulation clock the ledger reads.
type Clock interface {
	CurrentTimeslot() int
	HourOfDay() int
}

// BrokerDirectory resolves the brokers transactions refer to.
type BrokerDirectory interface {
	Find(username string) *model.Broker
	List() []*model.Broker
}

// Config holds the ledger's game parameters.
type Config struct {
	// BankInterest is the annual rate applied to cash balances once per
	// simulated day. Positive balances earn half of it.
	BankInterest decimal.Decimal
}

// SupplyDemand is a broker's queued tariff energy for the current
// timeslot. Consumption is the sum of consumed kWh, which is never
// positive; Production is never negative.
type SupplyDemand struct {
	Consumption decimal.Decimal `json:"consumption"`
	Production  decimal.Decimal `json:"production"`
}

type usageKey struct {
	tariffID   string
	customerID string
	regulation bool
}

// Ledger queues transactions and settles them once per timeslot.
type Ledger struct {
	brokers      BrokerDirectory
	clock        Clock
	proxy        gateway.BrokerProxy
	logger       *slog.Logger
	bankInterest decimal.Decimal

	nextID atomic.Int64

	mu         sync.Mutex
	pending    []model.Transaction
	usage      map[usageKey]*model.TariffTransaction
	usageOrder []usageKey
	deferred   map[int][]*model.MarketTransaction
}

// New creates a ledger.
func New(cfg Config, brokers BrokerDirectory, clock Clock, proxy gateway.BrokerProxy, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		brokers:      brokers,
		clock:        clock,
		proxy:        proxy,
		logger:       logger.With("component", "ledger"),
		bankInterest: cfg.BankInterest,
		usage:        make(map[usageKey]*model.TariffTransaction),
		deferred:     make(map[int][]*model.MarketTransaction),
	}
}

// BankInterest returns the configured annual interest rate.
func (l *Ledger) BankInterest() decimal.Decimal { return l.bankInterest }

func (l *Ledger) header(b *model.Broker) model.TxBase {
	return model.TxBase{
		ID:             l.nextID.Add(1),
		Broker:         b,
		PostedTimeslot: l.clock.CurrentTimeslot(),
	}
}

func (l *Ledger) enqueue(tx model.Transaction) {
	l.mu.Lock()
	l.pending = append(l.pending, tx)
	l.mu.Unlock()
}

// Post queues a transaction built elsewhere. Transactions without an id
// are assigned one.
func (l *Ledger) Post(tx model.Transaction) {
	if h := tx.Header(); h.ID == 0 {
		h.ID = l.nextID.Add(1)
	}
	l.enqueue(tx)
}

// AddMarketTransaction records a wholesale trade for timeslot. The broker's
// position for timeslot changes immediately; cash moves when timeslot is
// delivered.
func (l *Ledger) AddMarketTransaction(b *model.Broker, timeslot int, mWh, price decimal.Decimal) *model.MarketTransaction {
	tx := &model.MarketTransaction{
		TxBase:   l.header(b),
		Timeslot: timeslot,
		MWh:      mWh,
		Price:    price,
	}
	if b != nil {
		b.AddPosition(timeslot, mWh)
	}

	l.mu.Lock()
	l.pending = append(l.pending, tx)
	l.deferred[timeslot] = append(l.deferred[timeslot], tx)
	l.mu.Unlock()
	return tx
}

// AddTariffTransaction records an event under tariff. CONSUME and PRODUCE
// transactions replace any earlier usage for the same tariff and customer
// in this timeslot. customer may be nil for fees.
func (l *Ledger) AddTariffTransaction(txType model.TariffTxType, tariff *model.Tariff, customer *model.Customer,
	count int, kWh, charge decimal.Decimal) *model.TariffTransaction {
	tx := &model.TariffTransaction{
		TxBase:        l.header(tariff.Broker()),
		TxType:        txType,
		TariffID:      tariff.ID(),
		Customer:      customer,
		CustomerCount: count,
		KWh:           kWh,
		Charge:        charge,
	}
	if txType == model.TxConsume || txType == model.TxProduce {
		l.setUsage(usageKey{tariffID: tariff.ID(), customerID: customerID(customer)}, tx)
		return tx
	}
	l.enqueue(tx)
	return tx
}

// AddRegulationTransaction records energy curtailed or supplied on request
// of the balancing market. A later regulation entry for the same tariff and
// customer in this timeslot replaces the earlier one.
func (l *Ledger) AddRegulationTransaction(tariff *model.Tariff, customer *model.Customer,
	count int, kWh, charge decimal.Decimal) *model.TariffTransaction {
	txType := model.TxConsume
	if kWh.IsPositive() {
		txType = model.TxProduce
	}
	tx := &model.TariffTransaction{
		TxBase:        l.header(tariff.Broker()),
		TxType:        txType,
		TariffID:      tariff.ID(),
		Customer:      customer,
		CustomerCount: count,
		KWh:           kWh,
		Charge:        charge,
		Regulation:    true,
	}
	l.setUsage(usageKey{tariffID: tariff.ID(), customerID: customerID(customer), regulation: true}, tx)
	return tx
}

// AddDistributionTransaction records the grid fee for a broker's load.
func (l *Ledger) AddDistributionTransaction(b *model.Broker, nSmall, nLarge int, kWh, charge decimal.Decimal) *model.DistributionTransaction {
	tx := &model.DistributionTransaction{
		TxBase:         l.header(b),
		SmallCustomers: nSmall,
		LargeCustomers: nLarge,
		KWh:            kWh,
		Charge:         charge,
	}
	l.enqueue(tx)
	return tx
}

// AddBalancingTransaction records a broker's imbalance settlement.
func (l *Ledger) AddBalancingTransaction(b *model.Broker, kWh, charge decimal.Decimal) *model.BalancingTransaction {
	tx := &model.BalancingTransaction{TxBase: l.header(b), KWh: kWh, Charge: charge}
	l.enqueue(tx)
	return tx
}

// AddCapacityTransaction records a peak-demand charge.
func (l *Ledger) AddCapacityTransaction(b *model.Broker, peakTimeslot int, threshold, kWh, charge decimal.Decimal) *model.CapacityTransaction {
	tx := &model.CapacityTransaction{
		TxBase:       l.header(b),
		PeakTimeslot: peakTimeslot,
		Threshold:    threshold,
		KWh:          kWh,
		Charge:       charge,
	}
	l.enqueue(tx)
	return tx
}

func (l *Ledger) setUsage(k usageKey, tx *model.TariffTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.usage[k]; !ok {
		l.usageOrder = append(l.usageOrder, k)
	}
	l.usage[k] = tx
}

func customerID(c *model.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// PendingTariffTransactions returns the tariff transactions queued so far
// this timeslot.
func (l *Ledger) PendingTariffTransactions() []*model.TariffTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingTariffLocked()
}

func (l *Ledger) pendingTariffLocked() []*model.TariffTransaction {
	var out []*model.TariffTransaction
	for _, tx := range l.pending {
		if t, ok := tx.(*model.TariffTransaction); ok {
			out = append(out, t)
		}
	}
	for _, k := range l.usageOrder {
		out = append(out, l.usage[k])
	}
	return out
}

// CurrentNetLoad is the net kWh flowing to the broker's customers this
// timeslot: negative when they consume more than they produce. Valid
// after customer models have run and before settlement.
func (l *Ledger) CurrentNetLoad(b *model.Broker) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	net := decimal.Zero
	for _, t := range l.pendingTariffLocked() {
		if t.Broker == b && (t.TxType == model.TxConsume || t.TxType == model.TxProduce) {
			net = net.Add(t.KWh)
		}
	}
	return net
}

// CurrentSupplyDemandByBroker returns queued consumption and production
// per broker username.
func (l *Ledger) CurrentSupplyDemandByBroker() map[string]SupplyDemand {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]SupplyDemand)
	for _, t := range l.pendingTariffLocked() {
		if t.Broker == nil {
			continue
		}
		sd := out[t.Broker.Username]
		switch t.TxType {
		case model.TxConsume:
			sd.Consumption = sd.Consumption.Add(t.KWh)
		case model.TxProduce:
			sd.Production = sd.Production.Add(t.KWh)
		default:
			continue
		}
		out[t.Broker.Username] = sd
	}
	return out
}

// CurrentMarketPosition returns the broker's traded MWh for the timeslot
// being delivered.
func (l *Ledger) CurrentMarketPosition(b *model.Broker) decimal.Decimal {
	return b.Position(l.clock.CurrentTimeslot())
}

// Activate settles the timeslot.
func (l *Ledger) Activate(_ time.Time, _ int) {
	l.Settle()
}

// Settlement summarises one run of Settle.
type Settlement struct {
	Timeslot int
	// Drained counts the transactions taken from the queue.
	Drained int
	// Posted lists the transactions whose cash effect was applied, in
	// application order.
	Posted []model.Transaction
	// CashDeltas is the total change applied to each broker's balance.
	CashDeltas map[string]decimal.Decimal
}

// TotalPosted sums the cash effect of every posted transaction.
func (s *Settlement) TotalPosted() decimal.Decimal {
	total := decimal.Zero
	for _, tx := range s.Posted {
		total = total.Add(tx.Cash())
	}
	return total
}

type positionRef struct {
	broker   *model.Broker
	timeslot int
}

// Settle drains the queue, applies cash effects, posts interest at the
// start of each day, and sends every broker its results.
func (l *Ledger) Settle() *Settlement {
	ts := l.clock.CurrentTimeslot()

	l.mu.Lock()
	txs := l.pending
	l.pending = nil
	for _, k := range l.usageOrder {
		txs = append(txs, l.usage[k])
	}
	l.usage = make(map[usageKey]*model.TariffTransaction)
	l.usageOrder = nil
	var due []*model.MarketTransaction
	for slot, list := range l.deferred {
		if slot <= ts {
			due = append(due, list...)
			delete(l.deferred, slot)
		}
	}
	l.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	s := &Settlement{Timeslot: ts, Drained: len(txs), CashDeltas: make(map[string]decimal.Decimal)}
	batches := make(map[*model.Broker][]model.Message)
	var positions []positionRef
	seen := make(map[positionRef]bool)
	consumption, production := decimal.Zero, decimal.Zero

	for _, tx := range txs {
		b := l.resolve(tx)
		if b == nil {
			continue
		}
		switch t := tx.(type) {
		case *model.TariffTransaction:
			switch t.TxType {
			case model.TxConsume:
				consumption = consumption.Sub(t.KWh)
			case model.TxProduce:
				production = production.Add(t.KWh)
			}
			l.apply(s, b, t)
		case *model.DistributionTransaction, *model.BalancingTransaction, *model.CapacityTransaction:
			l.apply(s, b, t)
		case *model.MarketTransaction:
			ref := positionRef{broker: b, timeslot: t.Timeslot}
			if !seen[ref] {
				seen[ref] = true
				positions = append(positions, ref)
			}
		case *model.BankTransaction:
			l.logger.Error("bank transaction in settlement queue, discarding",
				"id", t.ID, "broker", b.Username, "timeslot", ts)
			continue
		default:
			l.logger.Error("unknown transaction kind, discarding", "id", tx.Header().ID, "kind", tx.Kind())
			continue
		}
		metrics.TransactionsSettled.WithLabelValues(string(tx.Kind())).Inc()
		batches[b] = append(batches[b], tx)
	}

	for _, p := range positions {
		mp := model.MarketPosition{Broker: p.broker, Timeslot: p.timeslot, Overall: p.broker.Position(p.timeslot)}
		batches[p.broker] = append(batches[p.broker], &mp)
	}

	for _, tx := range due {
		if b := l.resolve(tx); b != nil {
			l.apply(s, b, tx)
		}
	}

	brokers := l.brokers.List()
	if l.clock.HourOfDay() == 0 && !l.bankInterest.IsZero() {
		daily := l.bankInterest.Div(decimal.NewFromInt(365))
		for _, b := range brokers {
			bank := &model.BankTransaction{TxBase: l.header(b), Amount: interest(b.Cash(), daily)}
			l.apply(s, b, bank)
			metrics.TransactionsSettled.WithLabelValues(string(model.KindBank)).Inc()
			batches[b] = append(batches[b], bank)
		}
	}

	for _, b := range brokers {
		msgs := append(batches[b], &model.CashPosition{Broker: b, Timeslot: ts, Balance: b.Cash()})
		l.proxy.SendMessages(b, msgs)
	}
	l.proxy.BroadcastMessage(&model.DistributionReport{
		Timeslot:         ts,
		TotalConsumption: consumption,
		TotalProduction:  production,
	})

	l.logger.Info("timeslot settled",
		"timeslot", ts,
		"drained", s.Drained,
		"posted", len(s.Posted),
		"total", s.TotalPosted().String(),
	)
	return s
}

// interest is the day's interest on cash at the given daily rate. Brokers
// in credit earn half the rate.
func interest(cash, daily decimal.Decimal) decimal.Decimal {
	if !cash.IsNegative() {
		daily = daily.Div(decimal.NewFromInt(2))
	}
	return cash.Mul(daily)
}

func (l *Ledger) resolve(tx model.Transaction) *model.Broker {
	h := tx.Header()
	if h.Broker == nil {
		l.logger.Error("transaction has no broker, dropping", "id", h.ID, "kind", tx.Kind())
		return nil
	}
	b := l.brokers.Find(h.Broker.Username)
	if b == nil {
		l.logger.Error("transaction for unknown broker, dropping",
			"id", h.ID, "kind", tx.Kind(), "broker", h.Broker.Username)
		return nil
	}
	return b
}

func (l *Ledger) apply(s *Settlement, b *model.Broker, tx model.Transaction) {
	cash := tx.Cash()
	b.UpdateCash(cash)
	s.CashDeltas[b.Username] = s.CashDeltas[b.Username].Add(cash)
	s.Posted = append(s.Posted, tx)
	l.logger.Debug("transaction posted", "id", tx.Header().ID, "kind", tx.Kind(), "broker", b.Username, "cash", cash.String())
}
