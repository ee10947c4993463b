package trading

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

func testTradingLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue is a scripted Venue double: BestBidAsk always returns the same
// quote, SubmitOrder records every call it receives.
type fakeVenue struct {
	quote     PriceSnapshot
	liquidity LiquidityContext
	orders    []fakeOrder
}

type fakeOrder struct {
	marketID   string
	side       types.Side
	size       decimal.Decimal
	priceLimit decimal.Decimal
}

func (f *fakeVenue) BestBidAsk(ctx context.Context, marketID string) (PriceSnapshot, LiquidityContext, error) {
	return f.quote, f.liquidity, nil
}

func (f *fakeVenue) SubmitOrder(ctx context.Context, marketID string, side types.Side, size, priceLimit decimal.Decimal) (ExecutionResult, error) {
	f.orders = append(f.orders, fakeOrder{marketID: marketID, side: side, size: size, priceLimit: priceLimit})
	return ExecutionResult{OrderID: "fake-1", FillPrice: priceLimit, FillSize: size}, nil
}

// TestRevalidateAndSubmitFlippedActionUsesNoSideDenomination exercises the
// case where ComputeEdge flipped the action to No: the live comparison and
// the submitted order must both be priced against NoPrice, not YesPrice.
func TestRevalidateAndSubmitFlippedActionUsesNoSideDenomination(t *testing.T) {
	t.Parallel()

	// signalEdge as ComputeEdge now produces it after a flip: ForecastProb
	// and Edge both carried in the winning (No) side's denomination.
	signalEdge := Edge{Action: types.No, ForecastProb: 0.70, Edge: 0.25, SignalStrength: 1.5}

	venue := &fakeVenue{
		quote: PriceSnapshot{
			YesPrice: decimal.NewFromFloat(0.54),
			NoPrice:  decimal.NewFromFloat(0.46),
		},
	}
	cm := NewCaptureManager(DefaultExecutionConfig(), venue, nil, testTradingLogger())

	sized := SizeResult{SizeUSD: decimal.NewFromFloat(100), Tranches: []decimal.Decimal{decimal.NewFromFloat(100)}}

	result, ok, err := cm.revalidateAndSubmit(context.Background(), "mkt-1", signalEdge, sized, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected order to be submitted, but it was dropped")
	}
	if len(venue.orders) != 1 {
		t.Fatalf("expected exactly one submitted order, got %d", len(venue.orders))
	}

	order := venue.orders[0]
	if order.side != types.No {
		t.Errorf("expected order side No, got %v", order.side)
	}
	// priceLimit is NoPrice(0.46) + increment(0.01) = 0.47, not anywhere near
	// a YesPrice-denominated value (0.54+x).
	want := decimal.NewFromFloat(0.47)
	if !order.priceLimit.Equal(want) {
		t.Errorf("priceLimit = %v, want %v (NoPrice + increment)", order.priceLimit, want)
	}
	if !result.FillPrice.Equal(want) {
		t.Errorf("FillPrice = %v, want %v", result.FillPrice, want)
	}
}

// TestEvaluateCapturesOnceThenBlocksUntilDrift exercises the at-most-one-
// capture guard end to end through Evaluate, including a flipped-action
// signal, and confirms re-entry stays blocked until the forecast drifts by
// at least 1 unit.
func TestEvaluateCapturesOnceThenBlocksUntilDrift(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	market := types.MarketState{
		MarketID:   "mkt-2",
		CityID:     "miami",
		Metric:     types.MetricPrecipitation,
		Threshold:  10,
		Comparison: types.Above,
		YesPrice:   decimal.NewFromFloat(0.80),
		NoPrice:    decimal.NewFromFloat(0.20),
		TargetDate: now.Add(48 * time.Hour),
	}
	// Forecast favors No strongly enough to flip action and clear the noise
	// floor (mirrors TestComputeEdgeFlipsActionWhenOppositeSideFavored).
	snapshot := types.ForecastSnapshot{CityID: "miami", Metric: types.MetricPrecipitation, Value: 0, ProducedAt: now}

	venue := &fakeVenue{
		quote: PriceSnapshot{YesPrice: decimal.NewFromFloat(0.80), NoPrice: decimal.NewFromFloat(0.20)},
	}
	cm := NewCaptureManager(DefaultExecutionConfig(), venue, nil, testTradingLogger())

	sizing := SizingParams{
		MaxPositionSizeUSD: 1000,
		MinPositionSizeUSD: 1,
		Caps:               HeatCaps{MaxTotalExposure: 1, MaxKellyHeat: 1, MinCashReserve: 0},
		Portfolio:          PortfolioState{PortfolioValueUSD: 10_000, CashUSD: 10_000, CityExposureUSD: map[string]float64{}, CityDateExposureUSD: map[string]float64{}},
		CityID:             "miami",
		CityDateKey:        "miami|2026-08-02",
	}

	_, ok, err := cm.Evaluate(context.Background(), snapshot, market, now, now, sizing)
	if err != nil {
		t.Fatalf("unexpected error on first evaluation: %v", err)
	}
	if !ok {
		t.Fatalf("expected the first evaluation to capture the opportunity")
	}
	if len(venue.orders) != 1 {
		t.Fatalf("expected exactly one order after the first capture, got %d", len(venue.orders))
	}

	// Re-evaluating the identical snapshot must be blocked by the capture
	// guard, not resubmitted.
	_, ok, err = cm.Evaluate(context.Background(), snapshot, market, now, now.Add(time.Second), sizing)
	if err != nil {
		t.Fatalf("unexpected error on repeat evaluation: %v", err)
	}
	if ok {
		t.Fatalf("expected repeat evaluation to be blocked by the capture guard")
	}
	if len(venue.orders) != 1 {
		t.Fatalf("capture guard must not allow a second order, got %d orders", len(venue.orders))
	}

	// A forecast value that has drifted by >=1 unit clears the guard.
	driftedSnapshot := snapshot
	driftedSnapshot.Value = 1.5
	_, ok, err = cm.Evaluate(context.Background(), driftedSnapshot, market, now, now.Add(2*time.Second), sizing)
	if err != nil {
		t.Fatalf("unexpected error on drifted evaluation: %v", err)
	}
	if !ok {
		t.Fatalf("expected drifted forecast to clear the capture guard and re-capture")
	}
	if len(venue.orders) != 2 {
		t.Fatalf("expected a second order after drift clears the guard, got %d", len(venue.orders))
	}
}
