package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

func TestComputeEdgeAboveMarket(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	market := types.MarketState{
		MarketID:   "wx-denver-temp-above-90",
		CityID:     "denver",
		Metric:     types.MetricTemperature,
		Threshold:  32.2, // ~90F in C
		Comparison: types.Above,
		YesPrice:   decimal.NewFromFloat(0.40),
		NoPrice:    decimal.NewFromFloat(0.60),
		TargetDate: now.Add(6 * time.Hour),
	}
	snapshot := types.ForecastSnapshot{
		CityID: "denver",
		Metric: types.MetricTemperature,
		Value:  36.0, // well above threshold
	}

	edge := ComputeEdge(snapshot, market, now)

	if edge.ForecastProb <= 0.5 {
		t.Fatalf("expected forecast to favor 'above' given value far past threshold, got ForecastProb=%v", edge.ForecastProb)
	}
	if edge.Action != types.Yes {
		t.Fatalf("expected action=Yes when forecast favors the stated comparison, got %v", edge.Action)
	}
	if edge.Edge <= 0 {
		t.Fatalf("expected positive edge magnitude, got %v", edge.Edge)
	}
	if edge.SignalStrength <= 0 {
		t.Fatalf("expected positive signal strength, got %v", edge.SignalStrength)
	}
}

func TestComputeEdgeFlipsActionWhenOppositeSideFavored(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	market := types.MarketState{
		CityID:     "miami",
		Metric:     types.MetricPrecipitation,
		Threshold:  10,
		Comparison: types.Above,
		YesPrice:   decimal.NewFromFloat(0.80), // market already leans "above"
		NoPrice:    decimal.NewFromFloat(0.20),
		TargetDate: now.Add(48 * time.Hour),
	}
	// Forecast strongly favors "below" instead — the stated side's edge goes
	// negative and the action must flip to No with positive magnitude.
	snapshot := types.ForecastSnapshot{CityID: "miami", Metric: types.MetricPrecipitation, Value: 0}

	edge := ComputeEdge(snapshot, market, now)

	if edge.Action != types.No {
		t.Fatalf("expected action to flip to No, got %v", edge.Action)
	}
	if edge.Edge <= 0 {
		t.Fatalf("expected edge magnitude to stay positive after flip, got %v", edge.Edge)
	}
}

func TestIsGuaranteedOutcome(t *testing.T) {
	t.Parallel()

	strong := Edge{SignalStrength: 3.0}
	if !strong.IsGuaranteedOutcome() {
		t.Fatalf("signal strength 3.0 should cross the guaranteed-outcome threshold (%v)", GuaranteedOutcomeK)
	}

	weak := Edge{SignalStrength: 1.0}
	if weak.IsGuaranteedOutcome() {
		t.Fatalf("signal strength 1.0 should not be treated as guaranteed")
	}
}

func TestKellyFractionBands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		edge Edge
		want float64
	}{
		{"below noise floor", Edge{SignalStrength: 0.4}, 0},
		{"lowest band", Edge{SignalStrength: 0.5}, 0.125},
		{"middle band", Edge{SignalStrength: 1.5}, 0.25},
		{"top band", Edge{SignalStrength: 2.5}, 0.50},
		{"guaranteed overrides band", Edge{SignalStrength: 10}, 0.75},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KellyFraction(tc.edge); got != tc.want {
				t.Errorf("KellyFraction(%+v) = %v, want %v", tc.edge, got, tc.want)
			}
		})
	}
}

func TestEdgeDecayFactorFloorsAtTwoMinutes(t *testing.T) {
	t.Parallel()

	if got := EdgeDecayFactor(0); got != 1 {
		t.Errorf("decay at age 0 = %v, want 1", got)
	}
	if got := EdgeDecayFactor(3 * time.Minute); got != 0.1 {
		t.Errorf("decay past 120s = %v, want floor 0.1", got)
	}
}
