package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/ledger"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/simclock"
	"github.com/atmx/powermarket/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var midnight = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	ledger  *ledger.Ledger
	clock   *simclock.Clock
	brokers *store.BrokerRepo
	proxy   *gateway.Recorder
	alice   *model.Broker
	bob     *model.Broker
}

func newTestEnv(t *testing.T, interest float64) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   simclock.New(midnight, 24),
		brokers: store.NewBrokerRepo(),
		proxy:   gateway.NewRecorder(),
		alice:   model.NewBroker("alice", false),
		bob:     model.NewBroker("bob", false),
	}
	env.brokers.Add(env.alice)
	env.brokers.Add(env.bob)
	env.ledger = ledger.New(ledger.Config{BankInterest: d(interest)}, env.brokers, env.clock, env.proxy, nil)
	return env
}

func tariffFor(b *model.Broker, id string) *model.Tariff {
	return model.NewTariff(&model.TariffSpecification{ID: id, Broker: b, PowerType: model.Consumption})
}

func TestInterest_PositiveBalanceHalved(t *testing.T) {
	env := newTestEnv(t, 0.06)
	env.alice.UpdateCash(d(1000))

	env.ledger.Settle()

	got := env.alice.Cash().Round(4)
	if !got.Equal(d(1000.0822)) {
		t.Errorf("expected balance 1000.0822, got %s", env.alice.Cash())
	}

	msgs := env.proxy.Sent("alice")
	if len(msgs) != 2 {
		t.Fatalf("expected bank transaction and cash position, got %d messages", len(msgs))
	}
	bank, ok := msgs[0].(*model.BankTransaction)
	if !ok {
		t.Fatalf("expected BankTransaction first, got %T", msgs[0])
	}
	if !bank.Amount.Round(4).Equal(d(0.0822)) {
		t.Errorf("expected interest 0.0822, got %s", bank.Amount)
	}
	cp, ok := msgs[1].(*model.CashPosition)
	if !ok {
		t.Fatalf("expected CashPosition last, got %T", msgs[1])
	}
	if !cp.Balance.Equal(env.alice.Cash()) {
		t.Errorf("cash position %s does not match balance %s", cp.Balance, env.alice.Cash())
	}
}

func TestInterest_NegativeBalanceFullRate(t *testing.T) {
	env := newTestEnv(t, 0.06)
	env.bob.UpdateCash(d(-1000))

	env.ledger.Settle()

	if got := env.bob.Cash().Round(4); !got.Equal(d(-1000.1644)) {
		t.Errorf("expected balance -1000.1644, got %s", env.bob.Cash())
	}
}

func TestInterest_OnlyAtMidnight(t *testing.T) {
	env := newTestEnv(t, 0.06)
	env.alice.UpdateCash(d(1000))
	env.clock.Advance()

	env.ledger.Settle()

	if !env.alice.Cash().Equal(d(1000)) {
		t.Errorf("expected no interest at hour 1, got balance %s", env.alice.Cash())
	}
}

func TestSettle_Conservation(t *testing.T) {
	env := newTestEnv(t, 0.05)
	env.alice.UpdateCash(d(500))
	env.bob.UpdateCash(d(-200))
	tariff := tariffFor(env.alice, "t1")
	cust := &model.Customer{ID: "c1", Name: "village"}

	env.ledger.AddTariffTransaction(model.TxPublish, tariff, nil, 0, decimal.Zero, d(-100))
	env.ledger.AddTariffTransaction(model.TxConsume, tariff, cust, 10, d(-300), d(36))
	env.ledger.AddRegulationTransaction(tariff, cust, 10, d(20), d(-1.5))
	env.ledger.AddDistributionTransaction(env.alice, 10, 0, d(280), d(-2.8))
	env.ledger.AddBalancingTransaction(env.bob, d(-50), d(-7.25))
	env.ledger.AddCapacityTransaction(env.bob, 3, d(100), d(20), d(-4))
	env.ledger.AddMarketTransaction(env.bob, 2, d(5), d(-40))

	before := map[string]decimal.Decimal{"alice": env.alice.Cash(), "bob": env.bob.Cash()}
	s := env.ledger.Settle()

	sumDeltas := decimal.Zero
	for name, delta := range s.CashDeltas {
		sumDeltas = sumDeltas.Add(delta)
		b := env.brokers.Find(name)
		if !b.Cash().Sub(before[name]).Equal(delta) {
			t.Errorf("%s: recorded delta %s does not match balance change %s", name, delta, b.Cash().Sub(before[name]))
		}
	}
	if !s.TotalPosted().Equal(sumDeltas) {
		t.Errorf("posted %s does not equal applied deltas %s", s.TotalPosted(), sumDeltas)
	}
	if s.Drained != 7 {
		t.Errorf("expected 7 drained transactions, got %d", s.Drained)
	}
	// Six cash-bearing transactions plus two bank transactions; the market
	// trade settles at delivery.
	if len(s.Posted) != 8 {
		t.Errorf("expected 8 posted transactions, got %d", len(s.Posted))
	}
}

func TestUsage_LaterEntryReplacesEarlier(t *testing.T) {
	env := newTestEnv(t, 0)
	tariff := tariffFor(env.alice, "t1")
	cust := &model.Customer{ID: "c1", Name: "village"}

	env.ledger.AddTariffTransaction(model.TxConsume, tariff, cust, 10, d(-100), d(12))
	env.ledger.AddTariffTransaction(model.TxConsume, tariff, cust, 10, d(-80), d(9.6))
	env.ledger.AddRegulationTransaction(tariff, cust, 10, d(5), d(-0.6))
	env.ledger.AddRegulationTransaction(tariff, cust, 10, d(8), d(-0.96))

	pending := env.ledger.PendingTariffTransactions()
	if len(pending) != 2 {
		t.Fatalf("expected one usage and one regulation entry, got %d", len(pending))
	}
	if got := env.ledger.CurrentNetLoad(env.alice); !got.Equal(d(-72)) {
		t.Errorf("expected net load -72, got %s", got)
	}

	env.ledger.Settle()
	if got := env.alice.Cash(); !got.Equal(d(8.64)) {
		t.Errorf("expected cash 8.64, got %s", got)
	}
}

func TestRegulationTransactionType(t *testing.T) {
	env := newTestEnv(t, 0)
	tariff := tariffFor(env.alice, "t1")

	up := env.ledger.AddRegulationTransaction(tariff, &model.Customer{ID: "a"}, 1, d(3), d(-0.3))
	down := env.ledger.AddRegulationTransaction(tariff, &model.Customer{ID: "b"}, 1, d(-3), d(0.3))
	if up.TxType != model.TxProduce || !up.Regulation {
		t.Errorf("positive regulation should be PRODUCE, got %s", up.TxType)
	}
	if down.TxType != model.TxConsume {
		t.Errorf("negative regulation should be CONSUME, got %s", down.TxType)
	}
}

func TestSupplyDemandByBroker(t *testing.T) {
	env := newTestEnv(t, 0)
	ta := tariffFor(env.alice, "ta")
	tb := tariffFor(env.bob, "tb")

	env.ledger.AddTariffTransaction(model.TxConsume, ta, &model.Customer{ID: "c1"}, 1, d(-40), d(4))
	env.ledger.AddTariffTransaction(model.TxProduce, ta, &model.Customer{ID: "c2"}, 1, d(15), d(-1))
	env.ledger.AddTariffTransaction(model.TxConsume, tb, &model.Customer{ID: "c1"}, 1, d(-10), d(1))
	env.ledger.AddTariffTransaction(model.TxSignup, tb, &model.Customer{ID: "c3"}, 1, decimal.Zero, d(-2))

	sd := env.ledger.CurrentSupplyDemandByBroker()
	if !sd["alice"].Consumption.Equal(d(-40)) || !sd["alice"].Production.Equal(d(15)) {
		t.Errorf("unexpected alice supply/demand %+v", sd["alice"])
	}
	if !sd["bob"].Consumption.Equal(d(-10)) || !sd["bob"].Production.IsZero() {
		t.Errorf("unexpected bob supply/demand %+v", sd["bob"])
	}

	env.ledger.Settle()
	reports := env.proxy.Broadcasts()
	if len(reports) != 1 {
		t.Fatalf("expected one distribution report, got %d", len(reports))
	}
	rep := reports[0].(*model.DistributionReport)
	if !rep.TotalConsumption.Equal(d(50)) || !rep.TotalProduction.Equal(d(15)) {
		t.Errorf("expected consumption 50 production 15, got %s / %s", rep.TotalConsumption, rep.TotalProduction)
	}
}

func TestMarketTransaction_DeferredToDelivery(t *testing.T) {
	env := newTestEnv(t, 0)

	buy := env.ledger.AddMarketTransaction(env.alice, 2, d(10), d(-0.125))
	env.ledger.AddMarketTransaction(env.bob, 2, d(-10), d(0.125))

	if !env.alice.Position(2).Equal(d(10)) {
		t.Errorf("expected position updated immediately, got %s", env.alice.Position(2))
	}
	if !buy.Cash().Equal(d(-1.25)) {
		t.Errorf("expected buyer cash effect -1.25, got %s", buy.Cash())
	}

	env.ledger.Settle()
	if !env.alice.Cash().IsZero() {
		t.Errorf("cash should not move before delivery, got %s", env.alice.Cash())
	}
	var sawPosition bool
	for _, m := range env.proxy.Sent("alice") {
		if mp, ok := m.(*model.MarketPosition); ok {
			sawPosition = true
			if mp.Timeslot != 2 || !mp.Overall.Equal(d(10)) {
				t.Errorf("unexpected market position %+v", mp)
			}
		}
	}
	if !sawPosition {
		t.Error("expected a MarketPosition message")
	}

	env.clock.Advance()
	env.ledger.Settle()
	if !env.alice.Cash().IsZero() {
		t.Errorf("cash should not move before delivery, got %s", env.alice.Cash())
	}

	env.clock.Advance()
	if got := env.ledger.CurrentMarketPosition(env.alice); !got.Equal(d(10)) {
		t.Errorf("expected current market position 10, got %s", got)
	}
	env.ledger.Settle()
	if !env.alice.Cash().Equal(d(-1.25)) {
		t.Errorf("expected buyer to pay 1.25 at delivery, got %s", env.alice.Cash())
	}
	if !env.bob.Cash().Equal(d(1.25)) {
		t.Errorf("expected seller to receive 1.25 at delivery, got %s", env.bob.Cash())
	}
}

func TestSettle_DiscardsBankTransactionInQueue(t *testing.T) {
	env := newTestEnv(t, 0)
	env.ledger.Post(&model.BankTransaction{TxBase: model.TxBase{Broker: env.alice}, Amount: d(50)})

	s := env.ledger.Settle()

	if !env.alice.Cash().IsZero() {
		t.Errorf("queued bank transaction must not move cash, got %s", env.alice.Cash())
	}
	if len(s.Posted) != 0 {
		t.Errorf("expected nothing posted, got %d", len(s.Posted))
	}
	for _, m := range env.proxy.Sent("alice") {
		if _, ok := m.(*model.BankTransaction); ok {
			t.Error("discarded bank transaction should not be delivered")
		}
	}
}

func TestSettle_DropsOrphanTransactions(t *testing.T) {
	env := newTestEnv(t, 0)
	stranger := model.NewBroker("mallory", false)

	env.ledger.AddBalancingTransaction(nil, d(1), d(-5))
	env.ledger.AddBalancingTransaction(stranger, d(1), d(-5))
	env.ledger.AddBalancingTransaction(env.alice, d(1), d(-5))

	s := env.ledger.Settle()

	if len(s.Posted) != 1 {
		t.Fatalf("expected only the valid transaction posted, got %d", len(s.Posted))
	}
	if !stranger.Cash().IsZero() {
		t.Errorf("unknown broker cash should be untouched, got %s", stranger.Cash())
	}
	if !env.alice.Cash().Equal(d(-5)) {
		t.Errorf("expected alice -5, got %s", env.alice.Cash())
	}
}

func TestTransactionIDsIncrease(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.ledger.AddBalancingTransaction(env.alice, d(1), d(1))
	b := env.ledger.AddDistributionTransaction(env.alice, 1, 0, d(1), d(1))
	c := env.ledger.AddMarketTransaction(env.alice, 3, d(1), d(1))
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Errorf("expected increasing ids, got %d %d %d", a.ID, b.ID, c.ID)
	}
}
