// Package trading implements the Hybrid Mode Controller and Opportunity
// Core (C5, §4.5): the operational-mode state machine, the edge and
// probability model, dynamic Kelly sizing with heat caps, at-most-one
// capture per opportunity, exit policy, and the process-wide kill switch.
//
// Grounded structurally on internal/risk.Manager (single-mutex, map-keyed
// owning state, a Run loop over a report channel) and internal/strategy's
// signal-to-order pipeline shape, generalized from market-making quotes to
// directional forecast-edge trades.
package trading

import (
	"math"
	"time"

	"wxarb/pkg/types"
)

// SMin is the signal-strength noise floor (§4.5.2): opportunities with
// sigma below this are discarded before sizing.
const SMin = 0.5

// sigma returns the per-metric forecast uncertainty at d days to event
// (§4.5.2): temperature 1.5 + 0.8d, everything else 3 + 1.0d.
func sigma(metric types.MetricType, d float64) float64 {
	switch metric {
	case types.MetricTemperature:
		return 1.5 + 0.8*d
	default:
		return 3 + 1.0*d
	}
}

// normalCDF is the standard normal cumulative distribution function,
// Φ(z) = (1 + erf(z/√2)) / 2.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// Edge is the computed opportunity signal for one (ForecastSnapshot,
// MarketState) pair (§4.5.2).
type Edge struct {
	Sigma        float64 // per-metric uncertainty, σ_m
	Z            float64 // (F-T)/σ_m
	ForecastProb float64 // P(cmp) under the normal model
	Edge         float64 // forecastProb - relevant market price
	SignalStrength float64 // s = |F-T|/σ_m
	Action       types.Side // buy_yes or buy_no (as Side Yes/No)
}

// ComputeEdge implements §4.5.2 in full: days-to-event, per-metric sigma,
// z-score, normal-CDF forecast probability, and the signed edge against the
// market's relevant side price.
func ComputeEdge(snapshot types.ForecastSnapshot, market types.MarketState, now time.Time) Edge {
	d := market.DaysToEvent(now)
	sigM := sigma(market.Metric, d)
	z := (snapshot.Value - market.Threshold) / sigM

	pAbove := normalCDF(z)

	var forecastProb, relevantPrice float64
	var action types.Side
	if market.Comparison == types.Above {
		forecastProb = pAbove
		yesPriceF, _ := market.YesPrice.Float64()
		relevantPrice = yesPriceF
		action = types.Yes
	} else {
		forecastProb = 1 - pAbove
		noPriceF, _ := market.NoPrice.Float64()
		relevantPrice = noPriceF
		action = types.No
	}
	edge := forecastProb - relevantPrice
	if edge < 0 {
		// Symmetric: a negative edge on the question's stated side means
		// the opposite side is favored instead, with positive magnitude
		// -edge (the opposite side's price is 1-relevantPrice, and its
		// forecast probability is 1-forecastProb, so the edge sign flips
		// but the magnitude is preserved).
		if action == types.Yes {
			action = types.No
		} else {
			action = types.Yes
		}
		edge = -edge
		forecastProb = 1 - forecastProb
	}

	s := math.Abs(snapshot.Value-market.Threshold) / sigM

	return Edge{
		Sigma:          sigM,
		Z:              z,
		ForecastProb:   forecastProb,
		Edge:           edge,
		SignalStrength: s,
		Action:         action,
	}
}

// GuaranteedOutcomeK is the z-score beyond which a forecast value is
// treated as a "guaranteed" outcome — residual probability under the
// normal model falls below 1% (§4.5.3: "k such that residual probability
// < 1%"). z=2.326 gives Φ(z)≈0.99 / 1-Φ(z)≈0.01.
const GuaranteedOutcomeK = 2.326

// IsGuaranteedOutcome reports whether the signal strength crosses the
// guaranteed-outcome threshold (§4.5.3).
func (e Edge) IsGuaranteedOutcome() bool {
	return e.SignalStrength >= GuaranteedOutcomeK
}
