package tariffmarket_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/ledger"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/simclock"
	"github.com/atmx/powermarket/internal/store"
	"github.com/atmx/powermarket/internal/tariffmarket"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type listener struct {
	published [][]*model.Tariff
}

func (l *listener) PublishNewTariffs(ts []*model.Tariff) {
	l.published = append(l.published, ts)
}

type fixture struct {
	clock    *simclock.Clock
	brokers  *store.BrokerRepo
	tariffs  *store.TariffRepo
	proxy    *gateway.Recorder
	ledger   *ledger.Ledger
	registry *tariffmarket.Registry
	listener *listener
	alice    *model.Broker
	bob      *model.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    simclock.New(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), 24),
		brokers:  store.NewBrokerRepo(),
		tariffs:  store.NewTariffRepo(),
		proxy:    gateway.NewRecorder(),
		listener: &listener{},
		alice:    model.NewBroker("alice", false),
		bob:      model.NewBroker("bob", false),
	}
	for _, b := range []*model.Broker{f.alice, f.bob} {
		if err := f.brokers.Add(b); err != nil {
			t.Fatalf("add broker: %v", err)
		}
	}
	f.ledger = ledger.New(ledger.Config{}, f.brokers, f.clock, f.proxy, nil)
	f.registry = tariffmarket.New(tariffmarket.Config{
		PublicationFee:      d(-100),
		RevocationFee:       d(-50),
		PublicationInterval: 6,
	}, f.clock, f.ledger, f.tariffs, f.proxy, nil)
	f.registry.RegisterNewTariffListener(f.listener)
	return f
}

func (f *fixture) advanceTo(ts int) {
	for f.clock.CurrentTimeslot() < ts {
		f.clock.Advance()
	}
}

func (f *fixture) activate() {
	f.registry.Activate(f.clock.CurrentTime(), 1)
}

func spec(id string, b *model.Broker) *model.TariffSpecification {
	return &model.TariffSpecification{
		ID:        id,
		Broker:    b,
		PowerType: model.Consumption,
		Rates:     []*model.Rate{model.NewFixedRate(id+"-r", d(-0.12))},
	}
}

// offered publishes s and activates at the next boundary.
func (f *fixture) offered(t *testing.T, s *model.TariffSpecification) *model.Tariff {
	t.Helper()
	f.registry.ReceiveMessage(s)
	f.activate()
	next := f.clock.CurrentTimeslot() + 6 - f.clock.HourOfDay()%6
	f.advanceTo(next)
	f.activate()
	tariff := f.tariffs.Find(s.ID)
	if tariff == nil || tariff.State() != model.TariffOffered {
		t.Fatalf("expected %s offered", s.ID)
	}
	return tariff
}

func (f *fixture) statuses(username string) []*model.TariffStatus {
	var out []*model.TariffStatus
	for _, m := range f.proxy.Sent(username) {
		if s, ok := m.(*model.TariffStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fixture) pending(txType model.TariffTxType) []*model.TariffTransaction {
	var out []*model.TariffTransaction
	for _, tx := range f.ledger.PendingTariffTransactions() {
		if tx.TxType == txType {
			out = append(out, tx)
		}
	}
	return out
}

func TestPublish_FeeImmediateOfferAtBoundary(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(1)

	f.registry.ReceiveMessage(spec("t1", f.alice))
	f.activate()

	st := f.statuses("alice")
	if len(st) != 1 || st[0].Status != model.StatusSuccess {
		t.Fatalf("expected one success status, got %+v", st)
	}
	fees := f.pending(model.TxPublish)
	if len(fees) != 1 || !fees[0].Charge.Equal(d(-100)) {
		t.Fatalf("expected PUBLISH -100, got %+v", fees)
	}
	tariff := f.tariffs.Find("t1")
	if tariff.State() != model.TariffPending {
		t.Errorf("expected PENDING before boundary, got %s", tariff.State())
	}
	if n := len(f.registry.ActiveTariffs(model.Consumption)); n != 0 {
		t.Errorf("expected no active tariffs, got %d", n)
	}

	for ts := 2; ts < 6; ts++ {
		f.advanceTo(ts)
		f.activate()
		if tariff.State() != model.TariffPending {
			t.Fatalf("offered off-boundary at timeslot %d", ts)
		}
	}

	f.advanceTo(6)
	f.activate()
	if tariff.State() != model.TariffOffered {
		t.Fatalf("expected OFFERED at boundary, got %s", tariff.State())
	}
	if n := len(f.registry.ActiveTariffs(model.Consumption)); n != 1 {
		t.Errorf("expected 1 active tariff, got %d", n)
	}
	if len(f.listener.published) != 1 || f.listener.published[0][0] != tariff {
		t.Errorf("listener not notified: %v", f.listener.published)
	}
	found := false
	for _, m := range f.proxy.Broadcasts() {
		if s, ok := m.(*model.TariffSpecification); ok && s.ID == "t1" {
			found = true
		}
	}
	if !found {
		t.Error("specification not broadcast")
	}
}

func TestPublish_OffsetShiftsBoundary(t *testing.T) {
	f := newFixture(t)
	reg := tariffmarket.New(tariffmarket.Config{PublicationInterval: 6, PublicationOffset: 2},
		f.clock, f.ledger, f.tariffs, f.proxy, nil)

	reg.ReceiveMessage(spec("t1", f.alice))
	reg.Activate(f.clock.CurrentTime(), 1)
	if got := f.tariffs.Find("t1").State(); got != model.TariffPending {
		t.Fatalf("expected PENDING at hour 0 with offset 2, got %s", got)
	}
	f.advanceTo(2)
	reg.Activate(f.clock.CurrentTime(), 1)
	if got := f.tariffs.Find("t1").State(); got != model.TariffOffered {
		t.Errorf("expected OFFERED at hour 2, got %s", got)
	}
}

func TestRevoke_FeeOnlyWithCommittedCustomers(t *testing.T) {
	f := newFixture(t)
	busy := f.offered(t, spec("busy", f.alice))
	idle := f.offered(t, spec("idle", f.alice))
	homes := &model.Customer{ID: "c1", Name: "homes", PowerType: model.Consumption, Population: 100}

	if f.registry.SubscribeToTariff(busy, homes, 3) == nil {
		t.Fatal("subscribe failed")
	}
	empty := f.registry.SubscribeToTariff(idle, homes, 2)
	empty.Unsubscribe(2)
	f.activate()
	if empty.Committed() != 0 {
		t.Fatalf("expected empty subscription, got %d", empty.Committed())
	}

	f.registry.ReceiveMessage(&model.TariffRevoke{ID: "rv1", Broker: f.alice, TariffID: "busy"})
	f.registry.ReceiveMessage(&model.TariffRevoke{ID: "rv2", Broker: f.alice, TariffID: "idle"})
	f.activate()

	if busy.State() != model.TariffKilled || idle.State() != model.TariffKilled {
		t.Fatalf("expected both KILLED, got %s and %s", busy.State(), idle.State())
	}
	fees := f.pending(model.TxRevoke)
	if len(fees) != 1 {
		t.Fatalf("expected exactly one REVOKE fee, got %d", len(fees))
	}
	if fees[0].TariffID != "busy" || !fees[0].Charge.Equal(d(-50)) {
		t.Errorf("expected REVOKE -50 on busy, got %s %s", fees[0].TariffID, fees[0].Charge)
	}

	revoked := f.registry.RevokedSubscriptions(homes)
	if len(revoked) != 1 || revoked[0].Tariff != busy {
		t.Errorf("expected the busy subscription to remain visible, got %v", revoked)
	}
	if f.registry.Subscription(idle, homes) != nil {
		t.Error("expected the empty subscription to be pruned")
	}

	revokes := 0
	for _, m := range f.proxy.Broadcasts() {
		if _, ok := m.(*model.TariffRevoke); ok {
			revokes++
		}
	}
	if revokes != 2 {
		t.Errorf("expected 2 TariffRevoke broadcasts, got %d", revokes)
	}
}

func TestRevoke_KilledNeverOffered(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(1)
	f.registry.ReceiveMessage(spec("t1", f.alice))
	f.activate()
	f.registry.ReceiveMessage(&model.TariffRevoke{ID: "rv", Broker: f.alice, TariffID: "t1"})
	f.activate()

	f.advanceTo(6)
	f.activate()
	if got := f.tariffs.Find("t1").State(); got != model.TariffKilled {
		t.Fatalf("expected KILLED to persist, got %s", got)
	}

	f.registry.ReceiveMessage(&model.TariffRevoke{ID: "rv-again", Broker: f.alice, TariffID: "t1"})
	f.activate()
	st := f.statuses("alice")
	if last := st[len(st)-1]; last.Status != model.StatusInvalidUpdate {
		t.Errorf("expected invalidUpdate for second revoke, got %s", last.Status)
	}
}

func TestStatuses(t *testing.T) {
	f := newFixture(t)
	f.offered(t, spec("live", f.alice))

	variable := &model.Rate{
		ID:             "v",
		WeeklyBegin:    model.NoTime,
		WeeklyEnd:      model.NoTime,
		DailyBegin:     model.NoTime,
		DailyEnd:       model.NoTime,
		MinValue:       d(-0.05),
		MaxValue:       d(-0.50),
		ExpectedMean:   d(-0.10),
		NoticeInterval: 1,
	}
	vs := spec("var", f.alice)
	vs.Rates = []*model.Rate{variable}
	f.offered(t, vs)
	now := f.clock.CurrentTime()

	partial := spec("partial", f.alice)
	partial.Rates[0].DailyBegin, partial.Rates[0].DailyEnd = 6, 18
	negative := spec("negdur", f.alice)
	negative.MinDuration = -time.Hour
	norates := spec("norates", f.alice)
	norates.Rates = nil
	supersedes := spec("sup", f.alice)
	supersedes.Supersedes = []string{"nope"}

	tests := []struct {
		name string
		msg  model.TariffMessage
		want model.StatusCode
	}{
		{"publish ok", spec("fresh", f.alice), model.StatusSuccess},
		{"duplicate id", spec("live", f.alice), model.StatusInvalidTariff},
		{"no rates", norates, model.StatusInvalidTariff},
		{"incomplete coverage", partial, model.StatusInvalidTariff},
		{"negative min duration", negative, model.StatusInvalidTariff},
		{"unknown supersedes", supersedes, model.StatusInvalidTariff},
		{"unknown tariff", &model.TariffRevoke{ID: "u1", Broker: f.alice, TariffID: "ghost"}, model.StatusNoSuchTariff},
		{"wrong broker", &model.TariffExpire{ID: "u2", Broker: f.bob, TariffID: "live", NewExpiration: now.Add(time.Hour)}, model.StatusInvalidTariff},
		{"expire in past", &model.TariffExpire{ID: "u3", Broker: f.alice, TariffID: "live", NewExpiration: now.Add(-time.Hour)}, model.StatusInvalidUpdate},
		{"expire ok", &model.TariffExpire{ID: "u4", Broker: f.alice, TariffID: "live", NewExpiration: now.Add(72 * time.Hour)}, model.StatusSuccess},
		{"unknown rate", &model.VariableRateUpdate{ID: "u5", Broker: f.alice, TariffID: "var", RateID: "zz"}, model.StatusNoSuchUpdate},
		{"fixed rate", &model.VariableRateUpdate{ID: "u6", Broker: f.alice, TariffID: "live", RateID: "live-r",
			HourlyCharge: model.HourlyCharge{AtTime: now.Add(5 * time.Hour), Value: d(-0.1)}}, model.StatusInvalidUpdate},
		{"out of band", &model.VariableRateUpdate{ID: "u7", Broker: f.alice, TariffID: "var", RateID: "v",
			HourlyCharge: model.HourlyCharge{AtTime: now.Add(5 * time.Hour), Value: d(-0.9)}}, model.StatusInvalidUpdate},
		{"rate ok", &model.VariableRateUpdate{ID: "u8", Broker: f.alice, TariffID: "var", RateID: "v",
			HourlyCharge: model.HourlyCharge{AtTime: now.Add(5 * time.Hour), Value: d(-0.2)}}, model.StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.proxy.Reset()
			f.registry.ReceiveMessage(tt.msg)
			f.activate()

			st := f.statuses(tt.msg.MessageBroker().Username)
			if len(st) != 1 {
				t.Fatalf("expected 1 status, got %d", len(st))
			}
			if st[0].Status != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, st[0].Status, st[0].Message)
			}
		})
	}

	if got := variable.Value(now.Add(5 * time.Hour)); !got.Equal(d(-0.2)) {
		t.Errorf("expected hourly charge applied, got %s", got)
	}
}

func TestPublish_NoBrokerIsNotRouted(t *testing.T) {
	f := newFixture(t)
	f.registry.ReceiveMessage(spec("orphan", nil))
	f.activate()

	if f.tariffs.Find("orphan") != nil {
		t.Error("tariff without broker should not be stored")
	}
	if n := len(f.pending(model.TxPublish)); n != 0 {
		t.Errorf("expected no fee, got %d", n)
	}
}

func TestDisabledBrokerTariffsRevokedAtPublication(t *testing.T) {
	f := newFixture(t)
	tariff := f.offered(t, spec("t1", f.alice))

	f.alice.SetEnabled(false)
	f.advanceTo(f.clock.CurrentTimeslot() + 6)
	f.activate()
	if tariff.State() != model.TariffKilled {
		t.Errorf("expected tariff of disabled broker KILLED, got %s", tariff.State())
	}
}
