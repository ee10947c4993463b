package s3poll

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/schedule"
	"wxarb/pkg/types"
)

func TestObjectURL(t *testing.T) {
	t.Parallel()
	file := types.ExpectedFile{Bucket: "noaa-hrrr-pds", ObjectKey: "hrrr.20260731/conus/hrrr.t00z.wrfsfcf00.grib2"}
	want := "https://noaa-hrrr-pds.s3.amazonaws.com/hrrr.20260731/conus/hrrr.t00z.wrfsfcf00.grib2"
	if got := objectURL(file); got != want {
		t.Errorf("objectURL = %q, want %q", got, want)
	}
}

func TestSnapshotsFromGridProducesThreeMetricsPerCity(t *testing.T) {
	t.Parallel()
	cycle := types.CycleKey{Model: types.HRRR, CycleDateUTC: time.Now().UTC(), CycleHour: 0}
	file := types.ExpectedFile{Cycle: cycle}
	points := map[string]types.GridPoint{
		"nyc": {TempK: 275.15, WindU: 3, WindV: 4, PrecipMm: 0.5},
	}
	snaps := snapshotsFromGrid(file, points)
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots (temp, wind, precip), got %d", len(snaps))
	}
	for _, s := range snaps {
		if s.Source != types.SourceFile || s.ConfirmationState != types.StateFileConfirmed {
			t.Errorf("snapshot %+v: expected file-confirmed source state", s)
		}
		if s.Cycle == nil || *s.Cycle != cycle {
			t.Errorf("snapshot %+v: expected cycle to be carried", s)
		}
	}
}

func TestBreakerIsPerBucketAndCached(t *testing.T) {
	t.Parallel()
	d := NewDetector(DefaultConfig(), bus.New(slog.Default()), slog.Default(), nil)
	a := d.breaker("noaa-hrrr-pds")
	b := d.breaker("noaa-hrrr-pds")
	if a != b {
		t.Errorf("expected the same breaker instance to be reused for the same bucket")
	}
	c := d.breaker("noaa-rap-pds")
	if a == c {
		t.Errorf("expected distinct breakers for distinct buckets")
	}
}

func TestArmRefusesDuplicateActiveJobForSameCycle(t *testing.T) {
	t.Parallel()
	// Directly exercise the at-most-one-job guard without running the full
	// poll loop: pre-populate active with a marker cancel and confirm arm
	// does not overwrite it with a second job.
	d := NewDetector(DefaultConfig(), bus.New(slog.Default()), slog.Default(), nil)
	cycle := types.CycleKey{Model: types.HRRR, CycleDateUTC: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), CycleHour: 0}
	key := cycle.String()
	calls := 0
	d.mu.Lock()
	d.active[key] = func() { calls++ }
	d.mu.Unlock()

	d.arm(context.Background(), schedule.DetectionWindowOpenEvent{
		Window: types.DetectionWindow{Cycle: cycle, LatestPollAt: time.Now().Add(time.Minute)},
		File:   types.ExpectedFile{Cycle: cycle},
	})

	d.mu.Lock()
	count := len(d.active)
	d.active[key]()
	d.mu.Unlock()
	if count != 1 || calls != 1 {
		t.Fatalf("expected arm to leave the one existing job in place, got %d active jobs", count)
	}
}
