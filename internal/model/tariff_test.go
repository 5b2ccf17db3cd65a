package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// 2025-06-02 is a Monday.
var monday = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func TestTariffTransitions(t *testing.T) {
	tf := NewTariff(&TariffSpecification{ID: "t1", Rates: []*Rate{NewFixedRate("r1", d(-0.1))}})
	if tf.State() != TariffPending {
		t.Fatalf("expected PENDING, got %s", tf.State())
	}
	if err := tf.Offer(monday); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := tf.Offer(monday); err != ErrIllegalTransition {
		t.Errorf("second offer: expected ErrIllegalTransition, got %v", err)
	}
	if err := tf.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := tf.Offer(monday); err != ErrIllegalTransition {
		t.Errorf("offer after kill: expected ErrIllegalTransition, got %v", err)
	}
	if err := tf.Kill(); err != ErrIllegalTransition {
		t.Errorf("kill after kill: expected ErrIllegalTransition, got %v", err)
	}
	if tf.State() != TariffKilled {
		t.Errorf("expected KILLED, got %s", tf.State())
	}
}

func TestTariffExpiration(t *testing.T) {
	exp := monday.Add(2 * time.Hour)
	tf := NewTariff(&TariffSpecification{ID: "t1", Expiration: &exp})
	tf.Offer(monday)

	if tf.IsExpired(monday.Add(time.Hour)) {
		t.Error("should not be expired before expiration")
	}
	if !tf.IsExpired(exp) {
		t.Error("should be expired exactly at expiration")
	}
	if tf.IsSubscribable(exp) {
		t.Error("expired tariff should not be subscribable")
	}

	tf.SetExpiration(monday.Add(5 * time.Hour))
	if tf.IsExpired(exp) {
		t.Error("expiration should have moved")
	}
}

func TestIsCovered(t *testing.T) {
	day := &Rate{ID: "day", WeeklyBegin: NoTime, WeeklyEnd: NoTime, DailyBegin: 6, DailyEnd: 21, Fixed: true, MinValue: d(-0.2)}
	night := &Rate{ID: "night", WeeklyBegin: NoTime, WeeklyEnd: NoTime, DailyBegin: 22, DailyEnd: 5, Fixed: true, MinValue: d(-0.1)}

	partial := NewTariff(&TariffSpecification{ID: "p", Rates: []*Rate{day}})
	if partial.IsCovered() {
		t.Error("day-only tariff should not be covered")
	}

	full := NewTariff(&TariffSpecification{ID: "f", Rates: []*Rate{day, night}})
	if !full.IsCovered() {
		t.Error("day+night tariff should be covered")
	}

	if got := full.RateAt(monday.Add(23 * time.Hour)); got != night {
		t.Errorf("expected night rate at 23:00, got %v", got)
	}
	if got := full.RateAt(monday.Add(12 * time.Hour)); got != day {
		t.Errorf("expected day rate at 12:00, got %v", got)
	}
}

func TestWeeklyWindowWraps(t *testing.T) {
	weekend := &Rate{ID: "we", WeeklyBegin: 6, WeeklyEnd: 1, DailyBegin: NoTime, DailyEnd: NoTime, Fixed: true}
	if !weekend.Applies(monday) {
		t.Error("Saturday-Monday window should include Monday")
	}
	if weekend.Applies(monday.AddDate(0, 0, 1)) {
		t.Error("Saturday-Monday window should exclude Tuesday")
	}
	if !weekend.Applies(monday.AddDate(0, 0, 6)) {
		t.Error("Saturday-Monday window should include Sunday")
	}
}

func TestUsageChargeSigns(t *testing.T) {
	consume := NewTariff(&TariffSpecification{ID: "c", PowerType: Consumption, Rates: []*Rate{NewFixedRate("r", d(-0.12))}})
	got := consume.UsageCharge(monday, d(-100))
	if !got.Equal(d(12)) {
		t.Errorf("consumption: expected broker credit 12, got %s", got)
	}

	produce := NewTariff(&TariffSpecification{ID: "p", PowerType: Production, Rates: []*Rate{NewFixedRate("r", d(0.05))}})
	got = produce.UsageCharge(monday, d(200))
	if !got.Equal(d(-10)) {
		t.Errorf("production: expected broker debit -10, got %s", got)
	}
}

func TestVariableRate(t *testing.T) {
	r := &Rate{
		ID:             "v",
		WeeklyBegin:    NoTime,
		WeeklyEnd:      NoTime,
		DailyBegin:     NoTime,
		DailyEnd:       NoTime,
		MinValue:       d(-0.05),
		MaxValue:       d(-0.50),
		ExpectedMean:   d(-0.10),
		NoticeInterval: 2,
	}
	if !r.Valid(Consumption) {
		t.Fatal("expected valid variable rate")
	}

	now := monday
	if err := r.AddHourlyCharge(HourlyCharge{AtTime: now.Add(time.Hour), Value: d(-0.2)}, now); err != ErrNoticeTooShort {
		t.Errorf("expected ErrNoticeTooShort, got %v", err)
	}
	if err := r.AddHourlyCharge(HourlyCharge{AtTime: now.Add(3 * time.Hour), Value: d(-0.9)}, now); err != ErrChargeOutOfBand {
		t.Errorf("expected ErrChargeOutOfBand, got %v", err)
	}
	if err := r.AddHourlyCharge(HourlyCharge{AtTime: now.Add(3 * time.Hour), Value: d(-0.2)}, now); err != nil {
		t.Fatalf("add charge: %v", err)
	}
	if err := r.AddHourlyCharge(HourlyCharge{AtTime: now.Add(3 * time.Hour), Value: d(-0.3)}, now); err != nil {
		t.Fatalf("replace charge: %v", err)
	}
	if n := len(r.History()); n != 1 {
		t.Errorf("expected replaced charge, history has %d entries", n)
	}

	if v := r.Value(now.Add(3*time.Hour + 20*time.Minute)); !v.Equal(d(-0.3)) {
		t.Errorf("expected announced value -0.3, got %s", v)
	}
	if v := r.Value(now.Add(4 * time.Hour)); !v.Equal(d(-0.10)) {
		t.Errorf("expected expected mean -0.10, got %s", v)
	}

	fixed := NewFixedRate("f", d(-0.1))
	if err := fixed.AddHourlyCharge(HourlyCharge{AtTime: now.Add(5 * time.Hour), Value: d(-0.1)}, now); err != ErrFixedRate {
		t.Errorf("expected ErrFixedRate, got %v", err)
	}
}

func TestRateValidity(t *testing.T) {
	bad := &Rate{ID: "b", WeeklyBegin: NoTime, WeeklyEnd: NoTime, DailyBegin: 6, DailyEnd: NoTime, Fixed: true}
	if bad.Valid(Consumption) {
		t.Error("half-open daily window should be invalid")
	}
	bad = &Rate{ID: "b", WeeklyBegin: 0, WeeklyEnd: 3, DailyBegin: NoTime, DailyEnd: NoTime, Fixed: true}
	if bad.Valid(Consumption) {
		t.Error("weekday 0 should be invalid")
	}
}

func TestBrokerMarshalsAsUsername(t *testing.T) {
	b := NewBroker("alice", false)
	data, err := json.Marshal(CashPosition{Broker: b, Timeslot: 3, Balance: d(10)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"broker":"alice","timeslot":3,"balance":"10"}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestBrokerPositions(t *testing.T) {
	b := NewBroker("alice", false)
	b.AddPosition(5, d(10))
	b.AddPosition(5, d(-4))
	b.AddPosition(3, d(1))

	if got := b.Position(5); !got.Equal(d(6)) {
		t.Errorf("expected position 6, got %s", got)
	}
	ps := b.Positions()
	if len(ps) != 2 || ps[0].Timeslot != 3 || ps[1].Timeslot != 5 {
		t.Errorf("expected positions ordered by timeslot, got %+v", ps)
	}
}

func TestRegulationChargeSigns(t *testing.T) {
	consume := NewTariff(&TariffSpecification{ID: "c", PowerType: InterruptibleLoad, Rates: []*Rate{NewFixedRate("r", d(-0.12))}})

	// Curtailed consumption is energy the customer no longer pays for.
	if got := consume.RegulationCharge(monday, d(10)); !got.Equal(d(-1.2)) {
		t.Errorf("curtailment: expected -1.2, got %s", got)
	}
	if got := consume.RegulationCharge(monday, d(-10)); !got.Equal(d(1.2)) {
		t.Errorf("added load: expected 1.2, got %s", got)
	}
}
