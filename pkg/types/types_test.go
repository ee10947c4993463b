package types

import (
	"math"
	"testing"
	"time"
)

func TestModelTieBreakRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model ModelKind
		want  int
	}{
		{HRRR, 0},
		{RAP, 1},
		{ECMWF, 2},
		{GFS, 3},
	}

	for _, tt := range tests {
		if got := tt.model.TieBreakRank(); got != tt.want {
			t.Errorf("%s.TieBreakRank() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestModelCadenceHours(t *testing.T) {
	t.Parallel()

	if HRRR.CadenceHours() != 1 || RAP.CadenceHours() != 1 {
		t.Errorf("HRRR/RAP must cycle hourly")
	}
	if GFS.CadenceHours() != 6 || ECMWF.CadenceHours() != 6 {
		t.Errorf("GFS/ECMWF must cycle every 6h")
	}
}

func TestDetectionWindowValid(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	w := DetectionWindow{
		EarliestPollAt:  base,
		FallbackStartAt: base.Add(25 * time.Minute),
		LatestPollAt:    base.Add(30 * time.Minute),
	}
	if !w.Valid() {
		t.Errorf("expected window to be valid")
	}

	bad := w
	bad.FallbackStartAt = bad.LatestPollAt.Add(time.Second)
	if bad.Valid() {
		t.Errorf("expected window with fallbackStart > latestPoll to be invalid")
	}
}

func TestGridPointWindSpeedRoundTrip(t *testing.T) {
	t.Parallel()

	g := GridPoint{WindU: 3, WindV: 4}
	if got := g.WindSpeedMS(); math.Abs(got-5) > 1e-9 {
		t.Errorf("windSpeed^2 != u^2+v^2: got %f want 5", got)
	}
}

func TestWindDirectionNormalized(t *testing.T) {
	t.Parallel()

	g := GridPoint{WindU: 0, WindV: -1}
	dir := g.WindDirectionDeg()
	if dir < 0 || dir >= 360 {
		t.Errorf("wind direction %f out of [0,360)", dir)
	}
}

func TestCycleKeyString(t *testing.T) {
	t.Parallel()

	k := CycleKey{Model: HRRR, CycleDateUTC: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), CycleHour: 0}
	want := "HRRR/2026-02-01/00Z"
	if got := k.String(); got != want {
		t.Errorf("CycleKey.String() = %q, want %q", got, want)
	}
}

func TestPositionUnrealizedPnLClosedIsZero(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := Position{ClosedAt: &now}
	if !p.UnrealizedPnL().IsZero() {
		t.Errorf("closed position must report zero unrealized PnL")
	}
}

func TestTemperatureConversions(t *testing.T) {
	t.Parallel()

	if got := KelvinToCelsius(275.15); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("KelvinToCelsius(275.15) = %f, want 2.0", got)
	}
	if got := CelsiusToFahrenheit(2.0); math.Abs(got-35.6) > 1e-9 {
		t.Errorf("CelsiusToFahrenheit(2.0) = %f, want 35.6", got)
	}
}
