package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestInstrumentSpec_RoundDownToLot(t *testing.T) {
	spec := InstrumentSpec{LotSize: dec("0.001")}

	cases := []struct {
		qty  string
		want string
	}{
		{"0.123456", "0.123"},
		{"0.001", "0.001"},
		{"0.0009", "0.000"},
		{"1.9999", "1.999"},
	}

	for _, c := range cases {
		got := spec.RoundDownToLot(dec(c.qty))
		if !got.Equal(dec(c.want)) {
			t.Errorf("RoundDownToLot(%s) = %s, want %s", c.qty, got, c.want)
		}
	}
}

func TestInstrumentSpec_RoundDownToLot_NeverRoundsUp(t *testing.T) {
	spec := InstrumentSpec{LotSize: dec("0.01")}
	got := spec.RoundDownToLot(dec("0.019999"))
	if got.GreaterThan(dec("0.019999")) {
		t.Fatalf("rounding produced a larger quantity: %s", got)
	}
}

func TestPosition_SignedQuantity(t *testing.T) {
	long := Position{Side: SideBuy, Quantity: dec("1.5")}
	short := Position{Side: SideSell, Quantity: dec("1.5")}

	if !long.SignedQuantity().Equal(dec("1.5")) {
		t.Errorf("long signed qty = %s, want 1.5", long.SignedQuantity())
	}
	if !short.SignedQuantity().Equal(dec("-1.5")) {
		t.Errorf("short signed qty = %s, want -1.5", short.SignedQuantity())
	}
}

func TestAdvancePastNow_AlreadyFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)

	got := AdvancePastNow(future, dec("8"), now)
	if !got.Equal(future) {
		t.Errorf("AdvancePastNow should not move a future timestamp, got %v", got)
	}
}

func TestAdvancePastNow_StaleIsAdvancedRepeatedly(t *testing.T) {
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	// Three intervals in the past.
	stale := now.Add(-24 * time.Hour)

	got := AdvancePastNow(stale, dec("8"), now)
	if !got.After(now) {
		t.Fatalf("AdvancePastNow did not produce a future timestamp: %v", got)
	}
	// Result must be the smallest interval-aligned timestamp after now.
	if got.After(now.Add(8 * time.Hour)) {
		t.Errorf("AdvancePastNow overshot by more than one interval: %v vs now=%v", got, now)
	}
}

func TestAdvancePastNow_ZeroTimestampUntouched(t *testing.T) {
	got := AdvancePastNow(time.Time{}, dec("8"), time.Now())
	if !got.IsZero() {
		t.Errorf("AdvancePastNow must leave an absent timestamp as zero, got %v", got)
	}
}

func TestTradeRecord_QtyImbalance(t *testing.T) {
	tr := TradeRecord{LongQty: dec("1.000"), ShortQty: dec("0.997")}
	if !tr.QtyImbalance().Equal(dec("0.003")) {
		t.Errorf("QtyImbalance = %s, want 0.003", tr.QtyImbalance())
	}
}

func TestTradeRecord_IsOpen(t *testing.T) {
	for _, s := range []string{TradeStateOpen, TradeStateClosing} {
		if !(TradeRecord{State: s}).IsOpen() {
			t.Errorf("state %s should be IsOpen", s)
		}
	}
	for _, s := range []string{TradeStateClosed, TradeStateError} {
		if (TradeRecord{State: s}).IsOpen() {
			t.Errorf("state %s should not be IsOpen", s)
		}
	}
}

func TestExchangePair_Canonical(t *testing.T) {
	p1 := ExchangePair{A: "okx", B: "bybit"}
	p2 := ExchangePair{A: "bybit", B: "okx"}

	if p1.Canonical() != p2.Canonical() {
		t.Errorf("Canonical() should make A/B order irrelevant: %+v vs %+v", p1.Canonical(), p2.Canonical())
	}
}
