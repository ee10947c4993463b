package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/internal/quota"
	"wxarb/pkg/types"
)

func testDayState(date string) DayState {
	return DayState{
		Date:    date,
		SavedAt: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		Markets: []types.MarketState{
			{MarketID: "mkt1", CityID: "NYC", Metric: types.MetricTemperature, Threshold: 90},
		},
		Positions: []types.Position{
			{ID: "mkt1#1", MarketID: "mkt1", Side: types.Yes, Shares: decimal.NewFromInt(10), EntryPrice: decimal.NewFromFloat(0.55)},
		},
		Quota: map[string]int64{"open-meteo": 12},
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := testDayState("2026-07-31")
	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("2026-07-31")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if len(loaded.Markets) != 1 || loaded.Markets[0].MarketID != "mkt1" {
		t.Errorf("Markets = %+v, want one market mkt1", loaded.Markets)
	}
	if len(loaded.Positions) != 1 || loaded.Positions[0].ID != "mkt1#1" {
		t.Errorf("Positions = %+v, want one position mkt1#1", loaded.Positions)
	}
	if loaded.Quota["open-meteo"] != 12 {
		t.Errorf("Quota[open-meteo] = %v, want 12", loaded.Quota["open-meteo"])
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load("2099-01-01")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing day, got %+v", loaded)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state1 := testDayState("2026-07-31")
	state2 := testDayState("2026-07-31")
	state2.Quota["open-meteo"] = 99

	_ = s.Save(state1)
	_ = s.Save(state2)

	loaded, err := s.Load("2026-07-31")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Quota["open-meteo"] != 99 {
		t.Errorf("Quota[open-meteo] = %v, want 99 (latest save)", loaded.Quota["open-meteo"])
	}
}

func TestBuildDayState(t *testing.T) {
	t.Parallel()
	tracker := quota.NewTracker(nil, nil, slog.Default())
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	state := BuildDayState(now, nil, nil, tracker)
	if state.Date != "2026-07-31" {
		t.Errorf("Date = %v, want 2026-07-31", state.Date)
	}
	if state.Quota == nil {
		t.Error("Quota map should be initialized, got nil")
	}
}
