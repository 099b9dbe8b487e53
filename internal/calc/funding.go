// Package calc holds the pure, deterministic funding-rate arithmetic
// the Discovery Scanner evaluates every pair against. Every function
// here is side-effect free and decimal-only: no network calls, no
// logging, no wall-clock reads beyond what's passed in.
package calc

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)
var eight = decimal.NewFromInt(8)

// ImmediateSpreadPct is the funding-PnL percentage that would accrue if
// both legs paid once right now: short income minus long cost.
func ImmediateSpreadPct(longRate, shortRate decimal.Decimal) decimal.Decimal {
	return longRate.Neg().Add(shortRate).Mul(hundred)
}

// NormalizedSpread8hPct restates ImmediateSpreadPct on a common 8h
// basis so venues with different funding intervals compare fairly.
func NormalizedSpread8hPct(longRate, shortRate, longIntervalHours, shortIntervalHours decimal.Decimal) decimal.Decimal {
	longTerm := longRate.Neg().Mul(eight).Div(longIntervalHours)
	shortTerm := shortRate.Mul(eight).Div(shortIntervalHours)
	return longTerm.Add(shortTerm).Mul(hundred)
}

// HourlyRatePct expresses an already-netted percentage as a rate per
// hour, using the shorter of the two funding intervals (the faster leg
// bounds how soon the position can realize a payment).
func HourlyRatePct(immediateNetPct, longIntervalHours, shortIntervalHours decimal.Decimal) decimal.Decimal {
	minInterval := longIntervalHours
	if shortIntervalHours.LessThan(minInterval) {
		minInterval = shortIntervalHours
	}
	if minInterval.IsZero() {
		return decimal.Zero
	}
	return immediateNetPct.Div(minInterval)
}

// PerPaymentClassification describes which leg(s) of a (long, short)
// pair earn funding income vs. pay it out, per the sign convention:
// long pays when the rate is positive, short pays when negative.
type PerPaymentClassification struct {
	LongIsIncome  bool
	ShortIsIncome bool
	BothCost      bool
}

// ClassifyPerPayment labels each leg of a funding payment as income or
// cost from the pair's perspective: the long leg earns when its rate
// is negative (shorts pay longs), the short leg earns when its rate is
// positive (longs pay shorts).
func ClassifyPerPayment(longRate, shortRate decimal.Decimal) PerPaymentClassification {
	longIncome := longRate.LessThan(decimal.Zero)
	shortIncome := shortRate.GreaterThan(decimal.Zero)
	return PerPaymentClassification{
		LongIsIncome:  longIncome,
		ShortIsIncome: shortIncome,
		BothCost:      !longIncome && !shortIncome,
	}
}

// CherryPickEdgePct is the gross percentage edge from collecting N
// payments of a single income-side rate.
func CherryPickEdgePct(incomeRatePerPayment decimal.Decimal, n int) decimal.Decimal {
	return incomeRatePerPayment.Abs().Mul(decimal.NewFromInt(int64(n))).Mul(hundred)
}

// RoundTripFeesPct is the cost of opening and closing both legs at
// taker fees, expressed as a percentage of notional.
func RoundTripFeesPct(longTakerFeeRate, shortTakerFeeRate decimal.Decimal) decimal.Decimal {
	return longTakerFeeRate.Add(shortTakerFeeRate).Mul(decimal.NewFromInt(2)).Mul(hundred)
}
