package calc

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// HOLD positive — long 0.0001/8h, short 0.0050/1h.
func TestImmediateSpreadPct_HoldPositive(t *testing.T) {
	got := ImmediateSpreadPct(dec("0.0001"), dec("0.0050"))
	want := dec("0.49")
	if !got.Equal(want) {
		t.Errorf("ImmediateSpreadPct = %s, want %s", got, want)
	}
}

// HOLD below net threshold — long 0.0001/8h, short 0.0003/8h.
func TestImmediateSpreadPct_BelowThreshold(t *testing.T) {
	got := ImmediateSpreadPct(dec("0.0001"), dec("0.0003"))
	want := dec("0.02")
	if !got.Equal(want) {
		t.Errorf("ImmediateSpreadPct = %s, want %s", got, want)
	}
}

func TestImmediateSpreadPct_EqualRatesIsZero(t *testing.T) {
	got := ImmediateSpreadPct(dec("0.0005"), dec("0.0005"))
	if !got.IsZero() {
		t.Errorf("expected zero spread for equal rates, got %s", got)
	}
}

func TestNormalizedSpread8hPct_SameInterval(t *testing.T) {
	// at matching 8h intervals normalized spread equals immediate spread.
	got := NormalizedSpread8hPct(dec("0.0001"), dec("0.0003"), dec("8"), dec("8"))
	want := ImmediateSpreadPct(dec("0.0001"), dec("0.0003"))
	if !got.Equal(want) {
		t.Errorf("NormalizedSpread8hPct = %s, want %s", got, want)
	}
}

func TestNormalizedSpread8hPct_DifferentIntervals(t *testing.T) {
	// short leg pays hourly: its contribution scales by 8/1 = 8x.
	got := NormalizedSpread8hPct(dec("0.0001"), dec("0.0050"), dec("8"), dec("1"))
	want := dec("0.0001").Neg().Mul(dec("8")).Div(dec("8")).Add(dec("0.0050").Mul(dec("8")).Div(dec("1"))).Mul(dec("100"))
	if !got.Equal(want) {
		t.Errorf("NormalizedSpread8hPct = %s, want %s", got, want)
	}
}

func TestHourlyRatePct_UsesShorterInterval(t *testing.T) {
	net := dec("0.49")
	got := HourlyRatePct(net, dec("8"), dec("1"))
	want := net.Div(dec("1"))
	if !got.Equal(want) {
		t.Errorf("HourlyRatePct = %s, want %s", got, want)
	}
}

func TestHourlyRatePct_ZeroIntervalIsZero(t *testing.T) {
	got := HourlyRatePct(dec("1"), dec("0"), dec("0"))
	if !got.IsZero() {
		t.Errorf("expected zero for zero interval, got %s", got)
	}
}

func TestClassifyPerPayment(t *testing.T) {
	tests := []struct {
		name                            string
		longRate, shortRate             decimal.Decimal
		wantLongIncome, wantShortIncome bool
		wantBothCost                    bool
	}{
		{"long pays, short receives", dec("0.0010"), dec("0.0060"), false, true, false},
		{"long receives, short receives", dec("-0.0001"), dec("0.0003"), true, true, false},
		{"both cost", dec("0.0001"), dec("-0.0003"), false, false, true},
		{"long receives, short pays", dec("-0.0001"), dec("-0.0003"), true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyPerPayment(tt.longRate, tt.shortRate)
			if got.LongIsIncome != tt.wantLongIncome || got.ShortIsIncome != tt.wantShortIncome || got.BothCost != tt.wantBothCost {
				t.Errorf("ClassifyPerPayment(%s,%s) = %+v, want long=%v short=%v bothCost=%v",
					tt.longRate, tt.shortRate, got, tt.wantLongIncome, tt.wantShortIncome, tt.wantBothCost)
			}
		})
	}
}

// CHERRY_PICK — short 0.0060/1h is the faster income leg.
func TestCherryPickEdgePct_Scenario3(t *testing.T) {
	got := CherryPickEdgePct(dec("0.0060"), 1)
	want := dec("0.60")
	if !got.Equal(want) {
		t.Errorf("CherryPickEdgePct = %s, want %s", got, want)
	}
}

func TestCherryPickEdgePct_MultiplePayments(t *testing.T) {
	got := CherryPickEdgePct(dec("-0.0010"), 3)
	want := dec("0.30")
	if !got.Equal(want) {
		t.Errorf("CherryPickEdgePct = %s, want %s", got, want)
	}
}

func TestRoundTripFeesPct_DefaultTakerFees(t *testing.T) {
	// 0.05% taker per side, round trip on both legs.
	got := RoundTripFeesPct(dec("0.0005"), dec("0.0005"))
	want := dec("0.20")
	if !got.Equal(want) {
		t.Errorf("RoundTripFeesPct = %s, want %s", got, want)
	}
}
