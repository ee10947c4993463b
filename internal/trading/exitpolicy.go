package trading

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

// DefaultExitPolicy returns §4.5.6's default exit parameters for a newly
// entered position.
func DefaultExitPolicy() types.ExitPolicy {
	return types.ExitPolicy{
		TakeProfitPct:      0.10,
		StopLossPct:        -0.15,
		TrailingActivation: 0.05,
		TrailingOffset:     0.02,
		FairValueBandPct:   0.02,
	}
}

// ExitDecision is the outcome of evaluating one position's exit triggers.
type ExitDecision struct {
	ShouldExit bool
	Reason     string
}

// returnPct computes the position's signed return since entry.
// EntryPrice/CurrentPrice are always carried in the position's own side
// denomination, the same convention Position.UnrealizedPnL relies on, so no
// sign flip is needed for no-side positions.
func returnPct(p types.Position) float64 {
	entry, _ := p.EntryPrice.Float64()
	if entry == 0 {
		return 0
	}
	current, _ := p.CurrentPrice.Float64()
	return (current - entry) / entry
}

// EvaluateExit applies §4.5.6's exit rules to an open position, given the
// live forecast probability (from the most recent recomputed Edge) and the
// current time. p.ExitPolicy.TrailingArmed/PeakPrice are mutated in place
// to track the trailing stop across calls; only the decision is returned,
// so callers pass the stored position (Core does so inside
// DataStore.MutatePosition) to keep that state.
func EvaluateExit(p *types.Position, liveForecastProb float64, now time.Time) ExitDecision {
	if !p.IsOpen() {
		return ExitDecision{}
	}

	ret := returnPct(*p)

	// Trailing stop dominates once armed (§4.5.6: "trailing dominates once
	// armed").
	if ret >= p.ExitPolicy.TrailingActivation {
		if !p.ExitPolicy.TrailingArmed || p.CurrentPrice.GreaterThan(p.ExitPolicy.PeakPrice) {
			p.ExitPolicy.TrailingArmed = true
			p.ExitPolicy.PeakPrice = p.CurrentPrice
		}
	}
	if p.ExitPolicy.TrailingArmed {
		peak, _ := p.ExitPolicy.PeakPrice.Float64()
		current, _ := p.CurrentPrice.Float64()
		trail := peak * (1 - p.ExitPolicy.TrailingOffset)
		if current <= trail {
			return ExitDecision{ShouldExit: true, Reason: "trailing_stop"}
		}
		return ExitDecision{}
	}

	// Take-profit and stop-loss are exclusive (§4.5.6); check both, neither
	// interacts with the other once trailing hasn't armed.
	if ret >= p.ExitPolicy.TakeProfitPct {
		return ExitDecision{ShouldExit: true, Reason: "take_profit"}
	}
	if ret <= p.ExitPolicy.StopLossPct {
		return ExitDecision{ShouldExit: true, Reason: "stop_loss"}
	}

	current, _ := p.CurrentPrice.Float64()
	if math.Abs(current-liveForecastProb) < p.ExitPolicy.FairValueBandPct {
		return ExitDecision{ShouldExit: true, Reason: "fair_value_exit"}
	}

	return ExitDecision{}
}

// EvaluateTimeout closes a position once its market's target date has
// passed. It returns only the decision and applies no resolution default
// price: Core.sweepExits values a timeout exit at the position's last
// marked CurrentPrice.
func EvaluateTimeout(p *types.Position, targetDate, now time.Time) ExitDecision {
	if !p.IsOpen() || now.Before(targetDate) {
		return ExitDecision{}
	}
	return ExitDecision{ShouldExit: true, Reason: "timeout"}
}

// ResolvePnL computes the realized PnL for an exit at exitPrice (carried in
// the position's own side denomination, same as EntryPrice/CurrentPrice)
// as (exitPrice - EntryPrice) * Shares. No resolution default price is
// applied, for timeout exits or any other.
func ResolvePnL(p types.Position, exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(p.EntryPrice).Mul(p.Shares)
}
