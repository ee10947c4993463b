package trading

import (
	"testing"
	"time"
)

func baseCaps() HeatCaps {
	return HeatCaps{MaxTotalExposure: 0.50, MaxKellyHeat: 0.30, MinCashReserve: 0.10}
}

func basePortfolio() PortfolioState {
	return PortfolioState{
		PortfolioValueUSD: 10_000,
		CashUSD:           8_000,
		CityExposureUSD:   map[string]float64{},
		CityDateExposureUSD: map[string]float64{},
	}
}

func TestSizeRejectsBelowNoiseFloor(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 0.2}
	result := Size(edge, 0, 1000, 10, baseCaps(), basePortfolio(), LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	if !result.Rejected {
		t.Fatalf("expected rejection for signal strength below sizing bands, got %+v", result)
	}
}

func TestSizeDecaysWithAge(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 2.0}
	fresh := Size(edge, 0, 1000, 1, baseCaps(), basePortfolio(), LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	stale := Size(edge, 10*time.Minute, 1000, 1, baseCaps(), basePortfolio(), LiquidityContext{}, "denver", "denver|2026-08-01", 0)

	if fresh.Rejected || stale.Rejected {
		t.Fatalf("did not expect rejection: fresh=%+v stale=%+v", fresh, stale)
	}
	if !stale.SizeUSD.LessThan(fresh.SizeUSD) {
		t.Errorf("expected a 10-minute-old signal to size smaller than a fresh one: fresh=%v stale=%v", fresh.SizeUSD, stale.SizeUSD)
	}
}

func TestSizeRespectsKellyHeatCap(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 2.0} // kelly = 0.50
	portfolio := basePortfolio()
	portfolio.SumKellyFractions = 0.2999 // almost no headroom left under a 0.30 cap

	result := Size(edge, 0, 10_000, 10, baseCaps(), portfolio, LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	if !result.Rejected {
		t.Fatalf("expected rejection once kelly headroom is smaller than the 0.50 band, got %+v", result)
	}
}

func TestSizeNeverRecordsKellyFractionPastHeatCap(t *testing.T) {
	t.Parallel()

	// §8 property 5: sum(kellyFraction) <= maxKellyHeat must hold
	// immediately after admitting any position. Simulate sequential
	// admission of band-kelly-0.25 opportunities against a 0.30 cap: the
	// first is admitted (sum 0.25), the second must be rejected outright
	// rather than silently admitted with the full 0.25 recorded.
	edge := Edge{SignalStrength: 1.5} // kelly = 0.25
	caps := baseCaps()
	portfolio := basePortfolio()

	first := Size(edge, 0, 10_000, 5, caps, portfolio, LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	if first.Rejected {
		t.Fatalf("expected the first position to be admitted, got %+v", first)
	}

	portfolio.SumKellyFractions += first.KellyFraction
	second := Size(edge, 0, 10_000, 5, caps, portfolio, LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	if !second.Rejected {
		t.Fatalf("expected the second position to be rejected (0.25+0.25 > 0.30 cap), got %+v", second)
	}

	if portfolio.SumKellyFractions > caps.MaxKellyHeat {
		t.Fatalf("sum of admitted kelly fractions %v exceeded cap %v before the second was even admitted", portfolio.SumKellyFractions, caps.MaxKellyHeat)
	}
}

func TestSizeCapsAtCityExposureLimit(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 2.0}
	caps := baseCaps()
	caps.MaxCityExposureUSD = 500
	portfolio := basePortfolio()
	portfolio.CityExposureUSD["denver"] = 480

	result := Size(edge, 0, 10_000, 10, caps, portfolio, LiquidityContext{}, "denver", "denver|2026-08-01", 0)
	if result.Rejected {
		t.Fatalf("did not expect rejection, got %+v", result)
	}
	if got, _ := result.SizeUSD.Float64(); got > 20 {
		t.Errorf("SizeUSD = %v, want capped near remaining city headroom of 20", got)
	}
}

func TestSizeLiquidityConstraintCapsToBookDepth(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 2.0}
	liq := LiquidityContext{HasBookSnapshot: true, BestBidDepthUSD: 100, BestAskDepthUSD: 200}

	result := Size(edge, 0, 10_000, 1, baseCaps(), basePortfolio(), liq, "denver", "denver|2026-08-01", 0)
	if result.Rejected {
		t.Fatalf("did not expect rejection, got %+v", result)
	}
	if got, _ := result.SizeUSD.Float64(); got > 10 {
		t.Errorf("SizeUSD = %v, want capped at 10%% of shallower book side (100*0.10=10)", got)
	}
}

func TestScaleInTranchesSplitsAboveThreshold(t *testing.T) {
	t.Parallel()

	edge := Edge{SignalStrength: 2.0}
	result := Size(edge, 0, 10_000, 1, baseCaps(), basePortfolio(), LiquidityContext{}, "denver", "denver|2026-08-01", 100)
	if result.Rejected {
		t.Fatalf("did not expect rejection, got %+v", result)
	}
	if len(result.Tranches) != 3 {
		t.Fatalf("expected 3 scale-in tranches once size exceeds the threshold, got %d: %v", len(result.Tranches), result.Tranches)
	}
	sum := result.Tranches[0].Add(result.Tranches[1]).Add(result.Tranches[2])
	if !sum.Equal(result.SizeUSD) {
		t.Errorf("tranches must sum back to SizeUSD: got %v want %v", sum, result.SizeUSD)
	}
}

func TestPriceIncrementGuaranteedOutcome(t *testing.T) {
	t.Parallel()

	normal := Edge{SignalStrength: 1.0}
	if got := PriceIncrement(normal); got.InexactFloat64() != 0.01 {
		t.Errorf("expected 0.01 increment for a normal edge, got %v", got)
	}

	guaranteed := Edge{SignalStrength: 5.0}
	if got := PriceIncrement(guaranteed); got.InexactFloat64() != 0.05 {
		t.Errorf("expected 0.05 increment for a guaranteed-outcome edge, got %v", got)
	}
}
