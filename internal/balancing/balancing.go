// Package balancing settles the gap between what each retail broker's
// customers used and what the broker bought in the wholesale market. It
// charges distribution for every kWh delivered and splits the cost of
// regulating the system imbalance across the brokers that caused it.
package balancing

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/qp"
)

const chargePlaces = 8

var kWhPerMWh = decimal.NewFromInt(1000)

// Clock is the part of the simulation clock the settlement reads.
type Clock interface {
	CurrentTimeslot() int
}

// Accounting is the ledger surface the settlement reads positions and
// loads from and posts charges to.
type Accounting interface {
	CurrentMarketPosition(b *model.Broker) decimal.Decimal
	CurrentNetLoad(b *model.Broker) decimal.Decimal
	PendingTariffTransactions() []*model.TariffTransaction
	AddDistributionTransaction(b *model.Broker, nSmall, nLarge int, kWh, charge decimal.Decimal) *model.DistributionTransaction
	AddBalancingTransaction(b *model.Broker, kWh, charge decimal.Decimal) *model.BalancingTransaction
}

// Brokers lists the brokers that serve customers.
type Brokers interface {
	Retail() []*model.Broker
}

// PriceSource returns the most recent clearing price for a timeslot.
type PriceSource interface {
	LatestPrice(timeslot int) (decimal.Decimal, bool)
}

// Config holds the balancing parameters.
type Config struct {
	// DistributionFee is charged per kWh delivered. Zero or negative.
	DistributionFee decimal.Decimal
	// BalancingCost is the regulating unit cost per kWh added to (system
	// short) or taken from (system long) the spot price.
	BalancingCost decimal.Decimal
	// DefaultSpotPrice per MWh when the timeslot never cleared.
	DefaultSpotPrice decimal.Decimal
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		DistributionFee:  decimal.NewFromFloat(-0.01),
		BalancingCost:    decimal.NewFromFloat(0.02),
		DefaultSpotPrice: decimal.NewFromInt(30),
	}
}

// Charge is one broker's balancing outcome.
type Charge struct {
	Broker *model.Broker
	// Imbalance in kWh: positive when the broker bought more than its
	// customers used.
	Imbalance decimal.Decimal
	NetLoad   decimal.Decimal
	Amount    decimal.Decimal
}

// Result summarizes one timeslot's balancing.
type Result struct {
	Timeslot     int
	SpotPrice    decimal.Decimal
	PriceShort   decimal.Decimal
	PriceLong    decimal.Decimal
	NetImbalance decimal.Decimal
	Charges      []Charge
}

// Settlement computes distribution and balancing charges once per
// timeslot, after the wholesale auction and before the ledger settles.
type Settlement struct {
	cfg     Config
	clock   Clock
	ledger  Accounting
	brokers Brokers
	prices  PriceSource
	proxy   gateway.BrokerProxy
	solver  Solver
	logger  *slog.Logger

	last *Result
}

// New creates a settlement. A nil solver uses qp.ActiveSet.
func New(cfg Config, clock Clock, ledger Accounting, brokers Brokers, prices PriceSource,
	proxy gateway.BrokerProxy, solver Solver, logger *slog.Logger) *Settlement {
	if logger == nil {
		logger = slog.Default()
	}
	if solver == nil {
		solver = qp.ActiveSet{}
	}
	return &Settlement{
		cfg:     cfg,
		clock:   clock,
		ledger:  ledger,
		brokers: brokers,
		prices:  prices,
		proxy:   proxy,
		solver:  solver,
		logger:  logger.With("component", "balancing"),
	}
}

// Activate settles the current timeslot.
func (s *Settlement) Activate(_ time.Time, _ int) {
	s.Settle()
}

// Last returns the most recent result, or nil before the first timeslot.
// Only safe on the settlement goroutine.
func (s *Settlement) Last() *Result { return s.last }

// SpotPrice is the per-kWh price of energy in the current timeslot.
func (s *Settlement) SpotPrice() decimal.Decimal {
	if p, ok := s.prices.LatestPrice(s.clock.CurrentTimeslot()); ok {
		return p.Div(kWhPerMWh)
	}
	return s.cfg.DefaultSpotPrice.Div(kWhPerMWh)
}

// Settle posts distribution and balancing transactions for every retail
// broker and broadcasts the system imbalance.
func (s *Settlement) Settle() *Result {
	ts := s.clock.CurrentTimeslot()
	brokers := s.brokers.Retail()
	customers := s.customerCounts()

	spot := s.SpotPrice()
	pShort := spot.Add(s.cfg.BalancingCost)
	pLong := decimal.Max(decimal.Zero, spot.Sub(s.cfg.BalancingCost))

	res := &Result{Timeslot: ts, SpotPrice: spot, PriceShort: pShort, PriceLong: pLong}
	imbalances := make([]float64, len(brokers))
	for i, b := range brokers {
		netLoad := s.ledger.CurrentNetLoad(b)
		imbalance := s.ledger.CurrentMarketPosition(b).Mul(kWhPerMWh).Add(netLoad)
		res.NetImbalance = res.NetImbalance.Add(imbalance)
		res.Charges = append(res.Charges, Charge{Broker: b, Imbalance: imbalance, NetLoad: netLoad})
		imbalances[i] = imbalance.InexactFloat64()

		s.ledger.AddDistributionTransaction(b, customers[b.Username], 0,
			netLoad.Abs(), netLoad.Abs().Mul(s.cfg.DistributionFee))
	}

	start := time.Now()
	x, err := allocate(s.solver, imbalances, pShort.InexactFloat64(), pLong.InexactFloat64())
	metrics.BalancingSolve.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("balancing solver failed, using proportional allocation",
			"timeslot", ts, "brokers", len(brokers), "error", err)
	}

	for i := range res.Charges {
		c := &res.Charges[i]
		c.Amount = decimal.NewFromFloat(x[i]).Round(chargePlaces)
		if c.Amount.IsZero() {
			continue
		}
		s.ledger.AddBalancingTransaction(c.Broker, c.Imbalance, c.Amount)
		s.logger.Debug("balancing charge",
			"broker", c.Broker.Username,
			"imbalance_kwh", c.Imbalance.String(),
			"charge", c.Amount.String(),
		)
	}

	s.logger.Info("timeslot balanced",
		"timeslot", ts,
		"net_imbalance_kwh", res.NetImbalance.String(),
		"spot_price", spot.String(),
		"brokers", len(brokers),
	)
	s.proxy.BroadcastMessage(&model.BalanceReport{Timeslot: ts, NetImbalance: res.NetImbalance})
	s.last = res
	return res
}

// customerCounts sums the customers whose usage is queued per broker.
func (s *Settlement) customerCounts() map[string]int {
	out := make(map[string]int)
	for _, t := range s.ledger.PendingTariffTransactions() {
		if t.Broker == nil || t.Regulation {
			continue
		}
		if t.TxType == model.TxConsume || t.TxType == model.TxProduce {
			out[t.Broker.Username] += t.CustomerCount
		}
	}
	return out
}
