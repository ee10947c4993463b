package schedule

import (
	"testing"
	"time"

	"wxarb/pkg/types"
)

func TestExpectedFileRenders(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cycle := types.CycleKey{Model: types.HRRR, CycleDateUTC: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), CycleHour: 0}

	ef := ExpectedFile(cfg.Models[types.HRRR], cycle)
	want := "hrrr.20260201/conus/hrrr.t00z.wrfsfcf00.grib2"
	if ef.ObjectKey != want {
		t.Errorf("ObjectKey = %q, want %q", ef.ObjectKey, want)
	}
}

func TestExpectedFileParseRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	for _, model := range []types.ModelKind{types.HRRR, types.RAP, types.GFS} {
		mc := cfg.Models[model]
		cycle := types.CycleKey{Model: model, CycleDateUTC: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), CycleHour: 12}

		ef := ExpectedFile(mc, cycle)
		gotCycle, gotFH, ok := ParseExpectedFile(mc, model, ef.ObjectKey)
		if !ok {
			t.Fatalf("%s: parse failed for %q", model, ef.ObjectKey)
		}
		if gotCycle != cycle {
			t.Errorf("%s: parsed cycle = %+v, want %+v", model, gotCycle, cycle)
		}
		if gotFH != ef.ForecastHour {
			t.Errorf("%s: parsed forecast hour = %q, want %q", model, gotFH, ef.ForecastHour)
		}
	}
}

func TestDetectionWindowOrderingInvariant(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cycle := types.CycleKey{Model: types.HRRR, CycleDateUTC: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), CycleHour: 0}
	w := DetectionWindow(cfg.Models[types.HRRR], cycle)

	if !w.Valid() {
		t.Errorf("expected earliestPoll < fallbackStart <= latestPoll, got %+v", w)
	}
	if w.FallbackEndAt.Before(w.FallbackStartAt) {
		t.Errorf("fallbackEnd must not precede fallbackStart")
	}
}

func TestUpcomingRunsOrderedAndTieBroken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	runs := UpcomingRuns(cfg, from, 8)

	if len(runs) != 8 {
		t.Fatalf("expected 8 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartsAt.Before(runs[i-1].StartsAt) {
			t.Fatalf("runs not sorted by start time: %v before %v", runs[i].StartsAt, runs[i-1].StartsAt)
		}
		if runs[i].StartsAt.Equal(runs[i-1].StartsAt) &&
			runs[i].Model.TieBreakRank() < runs[i-1].Model.TieBreakRank() {
			t.Fatalf("tie-break order violated: %s before %s at %v", runs[i].Model, runs[i-1].Model, runs[i].StartsAt)
		}
	}

	// At 00:00 UTC, HRRR, RAP, GFS, and ECMWF cycles all start simultaneously.
	first := from
	var simultaneous []types.ModelKind
	for _, r := range runs {
		if r.StartsAt.Equal(first) {
			simultaneous = append(simultaneous, r.Model)
		}
	}
	for i := 1; i < len(simultaneous); i++ {
		if simultaneous[i].TieBreakRank() < simultaneous[i-1].TieBreakRank() {
			t.Errorf("simultaneous runs not tie-broken HRRR>RAP>ECMWF>GFS: got %v", simultaneous)
		}
	}
}
