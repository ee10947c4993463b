// Package schedule implements the Schedule Manager (C3, §4.3): per-model
// cycle timing, expected-file path templating, and the timer loop that
// opens detection windows on the Event Bus.
//
// Grounded on the teacher's internal/market.Scanner: a ticker-driven Run
// loop wrapping pure, independently-testable compute methods.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"wxarb/internal/bus"
	"wxarb/pkg/types"
)

// ModelConfig is the per-model timing and path-template configuration
// C3 needs to compute ExpectedFile and DetectionWindow (§4.3, §6).
type ModelConfig struct {
	Model               types.ModelKind
	Bucket              string
	PathTemplate        string        // e.g. "hrrr.{YYYYMMDD}/conus/hrrr.t{HH}z.wrfsfcf{FF}.grib2"
	FirstFileDelay      time.Duration // typical publish delay from cycle start
	EarlyStartBuffer    time.Duration // earliestPoll starts this much before FirstFileDelay
	MaxDetectionWindow  time.Duration // default 30m
	FallbackMaxDuration time.Duration // default 5m
}

// Config bundles every model's timing configuration.
type Config struct {
	Models map[types.ModelKind]ModelConfig
}

// DefaultConfig returns the path templates and timings specified verbatim
// in §6, with the §4.3 defaults (30 min detection window, 5 min fallback).
func DefaultConfig() Config {
	return Config{
		Models: map[types.ModelKind]ModelConfig{
			types.HRRR: {
				Model:               types.HRRR,
				Bucket:              "noaa-hrrr-pds",
				PathTemplate:        "hrrr.{YYYYMMDD}/conus/hrrr.t{HH}z.wrfsfcf{FF}.grib2",
				FirstFileDelay:      45 * time.Minute,
				EarlyStartBuffer:    25 * time.Minute,
				MaxDetectionWindow:  30 * time.Minute,
				FallbackMaxDuration: 5 * time.Minute,
			},
			types.RAP: {
				Model:               types.RAP,
				Bucket:              "noaa-rap-pds",
				PathTemplate:        "rap.{YYYYMMDD}/rap.t{HH}z.awp130f{FF}.grib2",
				FirstFileDelay:      45 * time.Minute,
				EarlyStartBuffer:    25 * time.Minute,
				MaxDetectionWindow:  30 * time.Minute,
				FallbackMaxDuration: 5 * time.Minute,
			},
			types.GFS: {
				Model:               types.GFS,
				Bucket:              "noaa-gfs-pds",
				PathTemplate:        "gfs.{YYYYMMDD}/{HH}/atmos/gfs.t{HH}z.pgrb2.0p25.f{FFF}",
				FirstFileDelay:      210 * time.Minute,
				EarlyStartBuffer:    2 * time.Minute,
				MaxDetectionWindow:  30 * time.Minute,
				FallbackMaxDuration: 5 * time.Minute,
			},
			types.ECMWF: {
				Model:               types.ECMWF,
				Bucket:              "noaa-ecmwf-pds",
				PathTemplate:        "ecmwf.{YYYYMMDD}/{HH}z/ecmwf.t{HH}z.f{FFF}",
				FirstFileDelay:      360 * time.Minute,
				EarlyStartBuffer:    5 * time.Minute,
				MaxDetectionWindow:  30 * time.Minute,
				FallbackMaxDuration: 5 * time.Minute,
			},
		},
	}
}

// ExpectedFile computes the pure, deterministic object location for a
// cycle (§3, §4.3): substitutes {YYYYMMDD}, {HH}, {FF}/{FFF} into the
// model's path template.
func ExpectedFile(cfg ModelConfig, cycle types.CycleKey) types.ExpectedFile {
	fh := cycle.Model.DetectionForecastHour()
	key := renderTemplate(cfg.PathTemplate, cycle, fh)
	return types.ExpectedFile{
		Cycle:        cycle,
		ForecastHour: fh,
		Bucket:       cfg.Bucket,
		ObjectKey:    key,
	}
}

func renderTemplate(tmpl string, cycle types.CycleKey, forecastHour string) string {
	r := strings.NewReplacer(
		"{YYYYMMDD}", cycle.CycleDateUTC.Format("20060102"),
		"{HH}", fmt.Sprintf("%02d", cycle.CycleHour),
		"{FF}", forecastHour,
		"{FFF}", forecastHour,
	)
	return r.Replace(tmpl)
}

// ParseExpectedFile inverts ExpectedFile for the round-trip law in §8:
// parse(render(cycleKey,fh)) = (cycleKey,fh). Returns ok=false if key does
// not match the model's template shape.
func ParseExpectedFile(cfg ModelConfig, model types.ModelKind, objectKey string) (types.CycleKey, string, bool) {
	// Build a matcher by locating the fixed literal segments around each
	// placeholder in the template, in order.
	tmpl := cfg.PathTemplate
	placeholders := []string{"{YYYYMMDD}", "{HH}", "{FF}", "{FFF}"}

	segments := []string{tmpl}
	order := []string{}
	for {
		earliestIdx := -1
		earliestPH := ""
		for _, ph := range placeholders {
			idx := strings.Index(segments[len(segments)-1], ph)
			if idx == -1 {
				continue
			}
			if earliestIdx == -1 || idx < earliestIdx {
				earliestIdx = idx
				earliestPH = ph
			}
		}
		if earliestIdx == -1 {
			break
		}
		last := segments[len(segments)-1]
		segments[len(segments)-1] = last[:earliestIdx]
		segments = append(segments, last[earliestIdx+len(earliestPH):])
		order = append(order, earliestPH)
	}

	rest := objectKey
	values := make(map[string]string, len(order))
	for i, lit := range segments {
		if !strings.HasPrefix(rest, lit) {
			return types.CycleKey{}, "", false
		}
		rest = rest[len(lit):]
		if i >= len(order) {
			break
		}
		ph := order[i]
		var val string
		if i+1 < len(segments) {
			nextLit := segments[i+1]
			if nextLit == "" {
				val = rest
			} else {
				idx := strings.Index(rest, nextLit)
				if idx == -1 {
					return types.CycleKey{}, "", false
				}
				val = rest[:idx]
			}
		} else {
			val = rest
		}
		values[ph] = val
		rest = rest[len(val):]
	}

	dateStr, hourStr := values["{YYYYMMDD}"], values["{HH}"]
	date, err := time.Parse("20060102", dateStr)
	if err != nil {
		return types.CycleKey{}, "", false
	}
	var hour int
	if _, err := fmt.Sscanf(hourStr, "%d", &hour); err != nil {
		return types.CycleKey{}, "", false
	}

	fh := values["{FF}"]
	if fh == "" {
		fh = values["{FFF}"]
	}

	return types.CycleKey{Model: model, CycleDateUTC: date, CycleHour: hour}, fh, true
}

// DetectionWindow computes the window C4 should poll within for cycle
// (§4.3):
//
//	earliestPoll  = cycleStart + (firstFileDelay - earlyStartBuffer)
//	latestPoll    = earliestPoll + maxDetectionDuration
//	fallbackStart = cycleStart + firstFileDelay
//	fallbackEnd   = fallbackStart + fallbackMaxDuration
//
// latestPoll is measured from earliestPoll rather than literally from
// cycleStart: anchoring it at cycleStart only holds the invariant
// earliestPoll < fallbackStart <= latestPoll while firstFileDelay stays
// smaller than maxDetectionDuration, which breaks for any model whose
// files typically publish later than that (§9's HRRR/RAP vs. GFS/ECMWF
// timing differences make this the common case, not the exception).
func DetectionWindow(cfg ModelConfig, cycle types.CycleKey) types.DetectionWindow {
	start := cycle.CycleStart()
	earliest := start.Add(cfg.FirstFileDelay - cfg.EarlyStartBuffer)
	return types.DetectionWindow{
		Cycle:           cycle,
		EarliestPollAt:  earliest,
		LatestPollAt:    earliest.Add(cfg.MaxDetectionWindow),
		FallbackStartAt: start.Add(cfg.FirstFileDelay),
		FallbackEndAt:   start.Add(cfg.FirstFileDelay).Add(cfg.FallbackMaxDuration),
	}
}

// Run is one (ModelKind, cycleHour) occurrence in the upcoming schedule.
type Run struct {
	Model     types.ModelKind
	CycleHour int
	CycleDate time.Time
	StartsAt  time.Time
}

// UpcomingRuns returns the next n runs across all configured models,
// ordered by start time, then by §4.3 tie-break rank when start times are
// equal.
func UpcomingRuns(cfg Config, from time.Time, n int) []Run {
	from = from.UTC()
	var runs []Run

	for _, mc := range cfg.Models {
		cadence := mc.Model.CadenceHours()
		if cadence <= 0 {
			continue
		}
		date := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		for h := 0; h < 24; h += cadence {
			start := date.Add(time.Duration(h) * time.Hour)
			if !start.Before(from) {
				runs = append(runs, Run{Model: mc.Model, CycleHour: h, CycleDate: date, StartsAt: start})
			}
			// tomorrow's occurrence, which covers a cycle hour already past today
			runs = append(runs, Run{Model: mc.Model, CycleHour: h, CycleDate: date.AddDate(0, 0, 1), StartsAt: start.Add(24 * time.Hour)})
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartsAt.Equal(runs[j].StartsAt) {
			return runs[i].StartsAt.Before(runs[j].StartsAt)
		}
		return runs[i].Model.TieBreakRank() < runs[j].Model.TieBreakRank()
	})

	// de-dup identical (model,hour,date) triples produced by the
	// two-occurrence padding above.
	seen := make(map[string]struct{}, len(runs))
	out := make([]Run, 0, n)
	for _, r := range runs {
		key := fmt.Sprintf("%s|%s|%d", r.Model, r.CycleDate.Format("20060102"), r.CycleHour)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if len(out) == n {
			break
		}
	}
	return out
}

// DetectionWindowOpenEvent is the payload published on
// bus.TagDetectionWindowOpen. It carries the full window so the API
// fallback poller (§4.4.2) can derive its own fallback-start timer from
// FallbackStartAt/FallbackEndAt without a separate bus tag.
type DetectionWindowOpenEvent struct {
	Window types.DetectionWindow
	File    types.ExpectedFile
}

// Manager runs the single timer loop that opens detection windows
// (§4.3). One instance per process; Start/Stop are idempotent pairs.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	fired   map[string]struct{} // guards against re-firing the same cycle
}

// NewManager constructs a schedule manager. It does not start polling
// until Start is called.
func NewManager(cfg Config, b *bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("component", "schedule"),
		fired:  make(map[string]struct{}),
	}
}

// Start begins the timer loop. Missed ticks during a pause (Stop then
// Start later) are not replayed (§4.3).
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(runCtx)
}

// Stop halts the timer loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now.UTC())
		}
	}
}

// tick checks every configured model's current cycle for a window that
// should open this second, in §4.3 tie-break order.
func (m *Manager) tick(now time.Time) {
	type candidate struct {
		model types.ModelKind
		cfg   ModelConfig
		cycle types.CycleKey
	}

	var candidates []candidate
	for model, mc := range m.cfg.Models {
		cadence := mc.Model.CadenceHours()
		if cadence <= 0 {
			continue
		}
		hour := (now.Hour() / cadence) * cadence
		cycle := types.CycleKey{
			Model:        model,
			CycleDateUTC: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
			CycleHour:    hour,
		}
		candidates = append(candidates, candidate{model: model, cfg: mc, cycle: cycle})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].model.TieBreakRank() < candidates[j].model.TieBreakRank()
	})

	for _, c := range candidates {
		window := DetectionWindow(c.cfg, c.cycle)
		if !withinSecond(now, window.EarliestPollAt) {
			continue
		}
		key := c.cycle.String()
		m.mu.Lock()
		_, already := m.fired[key]
		if !already {
			m.fired[key] = struct{}{}
		}
		m.mu.Unlock()
		if already {
			continue
		}

		file := ExpectedFile(c.cfg, c.cycle)
		m.logger.Info("detection window open", "cycle", key, "earliest_poll", window.EarliestPollAt)
		if err := m.bus.Publish(bus.TagDetectionWindowOpen, DetectionWindowOpenEvent{Window: window, File: file}); err != nil {
			m.logger.Error("publish failed", "error", err)
		}
	}
}

func withinSecond(now, target time.Time) bool {
	return !now.Before(target) && now.Before(target.Add(time.Second))
}
