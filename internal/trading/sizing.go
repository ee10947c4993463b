package trading

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

// KellyFraction returns the dynamic fractional-Kelly band for signal
// strength s (§4.5.3), or the guaranteed-outcome override when edge
// qualifies as guaranteed.
func KellyFraction(edge Edge) float64 {
	if edge.IsGuaranteedOutcome() {
		return 0.75
	}
	switch {
	case edge.SignalStrength >= 2.0:
		return 0.50
	case edge.SignalStrength >= 1.0:
		return 0.25
	case edge.SignalStrength >= 0.5:
		return 0.125
	default:
		return 0
	}
}

// EdgeDecayFactor implements §4.5.3's decay multiplier:
// exp(-ln2 * age_ms / 60_000), floored at 0.1 for signals older than 120s.
func EdgeDecayFactor(age time.Duration) float64 {
	ageMs := float64(age.Milliseconds())
	factor := math.Exp(-math.Ln2 * ageMs / 60_000)
	if age > 120*time.Second || factor < 0.1 {
		return 0.1
	}
	return factor
}

// PortfolioState is the subset of risk-manager state sizing needs to
// enforce heat caps (§4.5.3).
type PortfolioState struct {
	PortfolioValueUSD float64
	CashUSD           float64
	TotalExposureUSD  float64
	SumKellyFractions float64
	CityExposureUSD   map[string]float64
	CityDateExposureUSD map[string]float64 // keyed "cityID|targetDate"
}

// HeatCaps bundles the configured limits sizing enforces (§4.5.3, §6).
type HeatCaps struct {
	MaxTotalExposure   float64 // fraction of portfolio value, default 0.50
	MaxKellyHeat       float64 // default 0.30
	MinCashReserve     float64 // fraction, default 0.10
	MaxCityExposureUSD float64 // 0 = uncapped
}

// LiquidityContext carries the order-book depth (if available) or spread
// used by the liquidity constraint (§4.5.3).
type LiquidityContext struct {
	HasBookSnapshot bool
	BestBidDepthUSD float64
	BestAskDepthUSD float64
	SpreadPct       float64 // used only when HasBookSnapshot is false
}

// SizeResult is the outcome of sizing one opportunity.
type SizeResult struct {
	KellyFraction float64
	SizeUSD       decimal.Decimal
	Rejected      bool
	RejectReason  string
	Tranches      []decimal.Decimal // scale-in split, len 1 if not scaled in
}

// Size computes the final, risk-capped, liquidity-capped position size for
// one edge signal (§4.5.3). cityID/targetDateKey identify the per-city and
// per-city-per-target-date exposure buckets.
func Size(edge Edge, ageAtExecution time.Duration, maxPositionSizeUSD, minPositionSizeUSD float64,
	caps HeatCaps, portfolio PortfolioState, liquidity LiquidityContext,
	cityID, cityDateKey string, scaleInThresholdUSD float64) SizeResult {

	kelly := KellyFraction(edge)
	if kelly <= 0 {
		return SizeResult{Rejected: true, RejectReason: "signal strength below sizing bands"}
	}

	// §8 property 5 requires sum(kellyFraction) <= maxKellyHeat to hold
	// immediately after admitting any position. SizeResult.KellyFraction
	// records the full band value (it is what Position.KellyFraction and
	// DataStore.Exposure sum), so a position whose own band value would
	// already blow the cap is rejected outright rather than admitted at a
	// dollar-scaled size while still recording the unscaled fraction.
	kellyHeadroom := caps.MaxKellyHeat - portfolio.SumKellyFractions
	if kellyHeadroom <= 0 || kelly > kellyHeadroom {
		return SizeResult{Rejected: true, RejectReason: "kelly heat cap exceeded"}
	}

	decay := EdgeDecayFactor(ageAtExecution)
	if decay < 0.1 {
		return SizeResult{Rejected: true, RejectReason: "edge decay below floor"}
	}

	sizeUSD := kelly * maxPositionSizeUSD * decay

	if edge.Edge > 0.10 && kelly > 0.20 {
		sizeUSD *= 1.5 // concentration bonus, still subject to caps below
	}

	sizeUSD = applyHeatCaps(sizeUSD, caps, portfolio, cityID, cityDateKey)
	sizeUSD = applyLiquidityConstraint(sizeUSD, liquidity)

	if sizeUSD < minPositionSizeUSD {
		return SizeResult{Rejected: true, RejectReason: "scaled size below minimum position size"}
	}

	size := decimal.NewFromFloat(sizeUSD).Round(2)
	return SizeResult{
		KellyFraction: kelly,
		SizeUSD:       size,
		Tranches:      scaleInTranches(size, scaleInThresholdUSD),
	}
}

// applyHeatCaps scales sizeUSD down (never up) to respect §4.5.3's dollar
// caps: total exposure, cash reserve, and per-city exposure. The Kelly-heat
// cap is enforced earlier, in Size, by rejecting outright rather than
// scaling (see the comment there).
func applyHeatCaps(sizeUSD float64, caps HeatCaps, p PortfolioState, cityID, cityDateKey string) float64 {
	if p.PortfolioValueUSD <= 0 {
		return 0
	}

	exposureHeadroom := caps.MaxTotalExposure*p.PortfolioValueUSD - p.TotalExposureUSD
	sizeUSD = clampNonNegative(sizeUSD, exposureHeadroom)

	cashHeadroom := p.CashUSD - caps.MinCashReserve*p.PortfolioValueUSD
	sizeUSD = clampNonNegative(sizeUSD, cashHeadroom)

	if caps.MaxCityExposureUSD > 0 {
		cityHeadroom := caps.MaxCityExposureUSD - p.CityExposureUSD[cityID]
		sizeUSD = clampNonNegative(sizeUSD, cityHeadroom)

		dateHeadroom := caps.MaxCityExposureUSD - p.CityDateExposureUSD[cityDateKey]
		sizeUSD = clampNonNegative(sizeUSD, dateHeadroom)
	}

	return sizeUSD
}

func clampNonNegative(size, headroom float64) float64 {
	if headroom < 0 {
		return 0
	}
	if size > headroom {
		return headroom
	}
	return size
}

// applyLiquidityConstraint caps order size at 10% of the shallower side of
// the book, or applies a 0.7x spread-based haircut when no book snapshot
// is available (§4.5.3).
func applyLiquidityConstraint(sizeUSD float64, liq LiquidityContext) float64 {
	if liq.HasBookSnapshot {
		depth := liq.BestBidDepthUSD
		if liq.BestAskDepthUSD < depth {
			depth = liq.BestAskDepthUSD
		}
		cap := depth * 0.10
		if sizeUSD > cap {
			return cap
		}
		return sizeUSD
	}
	if liq.SpreadPct > 0.05 {
		return sizeUSD * 0.7
	}
	return sizeUSD
}

// scaleInTranches splits size into up to 3 tranches once it exceeds
// threshold (§4.5.3): the first tranche is market-priced, subsequent
// tranches carry 0.5% price improvement each (price-side logic lives in
// capture.go; this only determines the USD split).
func scaleInTranches(size decimal.Decimal, threshold float64) []decimal.Decimal {
	thresholdDec := decimal.NewFromFloat(threshold)
	if threshold <= 0 || size.LessThanOrEqual(thresholdDec) {
		return []decimal.Decimal{size}
	}
	three := decimal.NewFromInt(3)
	tranche := size.Div(three).Round(2)
	last := size.Sub(tranche.Mul(decimal.NewFromInt(2)))
	return []decimal.Decimal{tranche, tranche, last}
}

// PriceIncrement returns the execution price increment (§4.5.4): 0.01
// normally, 0.05 for guaranteed outcomes.
func PriceIncrement(edge Edge) decimal.Decimal {
	if edge.IsGuaranteedOutcome() {
		return decimal.NewFromFloat(0.05)
	}
	return decimal.NewFromFloat(0.01)
}

// DetectionMetricUnit returns the unit ("F" or "mm") used by the
// at-most-one-capture drift comparison for metric (§4.5.5).
func DetectionMetricUnit(metric types.MetricType) string {
	if metric == types.MetricTemperature {
		return "F"
	}
	return "mm"
}
