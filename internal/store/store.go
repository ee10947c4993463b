// Package store provides warm-reboot persistence for a trading day's state.
//
// One file per UTC trading day holds every tracked market, open and closed
// position, and the day's per-provider call counters. Writes use atomic file
// replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. This is a best-effort convenience, not
// a durability guarantee: a crash between a trade and the next save loses
// that trade's record. Capture state (the at-most-one-capture guard) is
// held in memory only and is not part of the saved file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wxarb/internal/quota"
	"wxarb/pkg/types"
)

// DayState is the full snapshot persisted for one UTC trading day.
type DayState struct {
	Date      string                `json:"date"` // YYYY-MM-DD, UTC
	SavedAt   time.Time             `json:"saved_at"`
	Markets   []types.MarketState   `json:"markets"`
	Positions []types.Position      `json:"positions"`
	Quota     map[string]int64      `json:"quota"` // provider -> calls today
}

// Store persists one DayState file per UTC date in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
// Grounded on the teacher's write-tmp-then-rename Store, generalized from a
// single file per market to a single file per trading day.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) pathFor(date string) string {
	return filepath.Join(s.dir, "day_"+date+".json")
}

// Save atomically persists the given day's state, overwriting any prior save
// for the same date.
func (s *Store) Save(state DayState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal day state: %w", err)
	}

	path := s.pathFor(state.Date)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write day state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a day's state from disk. Returns nil, nil if no save exists
// for that date (fresh day, or first run).
func (s *Store) Load(date string) (*DayState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read day state: %w", err)
	}

	var state DayState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal day state: %w", err)
	}
	return &state, nil
}

// LoadToday is a convenience wrapper for Load(today's UTC date).
func (s *Store) LoadToday() (*DayState, error) {
	return s.Load(time.Now().UTC().Format("2006-01-02"))
}

// BuildDayState assembles a DayState from the live in-memory components,
// ready to be persisted by Save. Kept as a free function (not a Store
// method) so callers in internal/engine can build a snapshot on whatever
// cadence they choose without the store package depending on
// internal/trading or internal/quota's concrete tracker shape beyond
// CallsToday/Providers.
func BuildDayState(now time.Time, markets []types.MarketState, positions []types.Position, tracker *quota.Tracker) DayState {
	q := make(map[string]int64)
	for _, p := range tracker.Providers() {
		q[string(p)] = tracker.CallsToday(p)
	}
	return DayState{
		Date:      now.UTC().Format("2006-01-02"),
		SavedAt:   now,
		Markets:   markets,
		Positions: positions,
		Quota:     q,
	}
}
