package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

func noSidePosition(entry, current float64) types.Position {
	return types.Position{
		ID:           "pos-no-1",
		MarketID:     "mkt-no",
		Side:         types.No,
		Shares:       decimal.NewFromInt(100),
		EntryPrice:   decimal.NewFromFloat(entry),
		CurrentPrice: decimal.NewFromFloat(current),
		EntryTime:    time.Now(),
		ExitPolicy:   DefaultExitPolicy(),
	}
}

// TestNoSidePositionGainsWhenPriceRises mirrors the Yes-side convention: a
// No position's EntryPrice/CurrentPrice are always carried in No-side
// denomination, so a rising price is a real unrealized gain, not a loss.
func TestNoSidePositionGainsWhenPriceRises(t *testing.T) {
	t.Parallel()

	pos := noSidePosition(0.30, 0.40)

	pnl := pos.UnrealizedPnL()
	want := decimal.NewFromFloat(10) // (0.40-0.30)*100 shares
	if !pnl.Equal(want) {
		t.Fatalf("UnrealizedPnL = %v, want %v (a No position bought at 0.30 and now worth 0.40 is a gain)", pnl, want)
	}

	if got := returnPct(pos); got <= 0 {
		t.Fatalf("returnPct = %v, want positive return on a rising No-side price", got)
	}
}

func TestNoSidePositionLosesWhenPriceFalls(t *testing.T) {
	t.Parallel()

	pos := noSidePosition(0.30, 0.20)

	pnl := pos.UnrealizedPnL()
	want := decimal.NewFromFloat(-10)
	if !pnl.Equal(want) {
		t.Fatalf("UnrealizedPnL = %v, want %v", pnl, want)
	}
	if got := returnPct(pos); got >= 0 {
		t.Fatalf("returnPct = %v, want negative return on a falling No-side price", got)
	}
}

// TestNoSideTrailingStopArmsAndFiresOnPriceFall confirms the trailing stop
// mirrors the Yes-side logic exactly: it arms on a rising price, tracks the
// peak, and fires once the price falls back below the peak by the
// configured offset — not when it somehow rises further past the peak.
func TestNoSideTrailingStopArmsAndFiresOnPriceFall(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pos := noSidePosition(0.30, 0.30)
	pos.ExitPolicy.TrailingActivation = 0.05
	pos.ExitPolicy.TrailingOffset = 0.02

	// Price rises 10% over entry, past the 5% activation threshold: arms
	// the trailing stop and records the peak.
	pos.CurrentPrice = decimal.NewFromFloat(0.33)
	decision := EvaluateExit(&pos, 0.33, now)
	if decision.ShouldExit {
		t.Fatalf("did not expect an exit on arming, got %+v", decision)
	}
	if !pos.ExitPolicy.TrailingArmed {
		t.Fatalf("expected the trailing stop to be armed after a 10%% favorable move")
	}
	if !pos.ExitPolicy.PeakPrice.Equal(decimal.NewFromFloat(0.33)) {
		t.Fatalf("expected peak price 0.33, got %v", pos.ExitPolicy.PeakPrice)
	}

	// Price pulls back by more than the 2% offset off the peak: must exit.
	pos.CurrentPrice = decimal.NewFromFloat(0.32)
	decision = EvaluateExit(&pos, 0.32, now)
	if !decision.ShouldExit || decision.Reason != "trailing_stop" {
		t.Fatalf("expected a trailing_stop exit once price fell below peak*(1-offset)=0.3234, got %+v", decision)
	}
}

func TestNoSideTrailingStopDoesNotFireWhileStillNearPeak(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pos := noSidePosition(0.30, 0.33)
	pos.ExitPolicy.TrailingActivation = 0.05
	pos.ExitPolicy.TrailingOffset = 0.02
	pos.ExitPolicy.TrailingArmed = true
	pos.ExitPolicy.PeakPrice = decimal.NewFromFloat(0.33)

	// Price ticks up slightly, still above the trailing floor.
	pos.CurrentPrice = decimal.NewFromFloat(0.332)
	decision := EvaluateExit(&pos, 0.332, now)
	if decision.ShouldExit {
		t.Fatalf("did not expect an exit while price sits above the trailing floor, got %+v", decision)
	}
	if !pos.ExitPolicy.PeakPrice.Equal(decimal.NewFromFloat(0.332)) {
		t.Fatalf("expected the peak to update to the new high, got %v", pos.ExitPolicy.PeakPrice)
	}
}

func TestResolvePnLNoSide(t *testing.T) {
	t.Parallel()

	pos := noSidePosition(0.30, 0.30)
	pnl := ResolvePnL(pos, decimal.NewFromFloat(0.45))
	want := decimal.NewFromFloat(15) // (0.45-0.30)*100
	if !pnl.Equal(want) {
		t.Fatalf("ResolvePnL = %v, want %v", pnl, want)
	}
}

func TestEvaluateExitTakeProfitAndStopLossNoSide(t *testing.T) {
	t.Parallel()

	now := time.Now()

	tp := noSidePosition(0.30, 0.33) // +10%, above the 10% take-profit band
	tp.ExitPolicy.TrailingActivation = 0.20 // keep trailing from pre-empting this check
	decision := EvaluateExit(&tp, 0.33, now)
	if decision.Reason != "take_profit" {
		t.Fatalf("expected take_profit, got %+v", decision)
	}

	sl := noSidePosition(0.30, 0.25) // -16.7%, past the -15% stop-loss band
	decision = EvaluateExit(&sl, 0.25, now)
	if decision.Reason != "stop_loss" {
		t.Fatalf("expected stop_loss, got %+v", decision)
	}
}
