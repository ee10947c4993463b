// Package types defines the shared data model used across all packages.
//
// This package is the common vocabulary for the trading core — NWP model
// identity, detection windows, forecast snapshots, market state, and
// position bookkeeping. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Model identity
// ————————————————————————————————————————————————————————————————————————

// ModelKind identifies a numerical weather prediction model.
type ModelKind string

const (
	HRRR  ModelKind = "HRRR"
	RAP   ModelKind = "RAP"
	GFS   ModelKind = "GFS"
	ECMWF ModelKind = "ECMWF"
)

// CadenceHours returns the number of hours between consecutive cycles.
func (m ModelKind) CadenceHours() int {
	switch m {
	case HRRR, RAP:
		return 1
	case GFS, ECMWF:
		return 6
	default:
		return 0
	}
}

// DetectionForecastHour returns the forecast-hour string used for the first
// (detection) file of a cycle: "00" for HRRR/RAP, "003" for GFS. ECMWF has
// no public-bucket detection file in this core (see config) and is only
// used for tie-break ordering and price-side context.
func (m ModelKind) DetectionForecastHour() string {
	switch m {
	case GFS:
		return "003"
	default:
		return "00"
	}
}

// TieBreakRank orders models for simultaneous detection-window emission:
// highest-resolution, most locally-relevant model first.
func (m ModelKind) TieBreakRank() int {
	switch m {
	case HRRR:
		return 0
	case RAP:
		return 1
	case ECMWF:
		return 2
	case GFS:
		return 3
	default:
		return 99
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cycle & file identity
// ————————————————————————————————————————————————————————————————————————

// CycleKey uniquely names a single run of an NWP model.
type CycleKey struct {
	Model        ModelKind
	CycleDateUTC time.Time // truncated to the UTC day
	CycleHour    int       // 0-23, must be a multiple of Model.CadenceHours()
}

// String renders a stable, loggable identifier, e.g. "HRRR/2026-02-01/00Z".
func (k CycleKey) String() string {
	return fmt.Sprintf("%s/%s/%02dZ", k.Model, k.CycleDateUTC.Format("2006-01-02"), k.CycleHour)
}

// CycleStart returns the UTC instant the cycle begins.
func (k CycleKey) CycleStart() time.Time {
	return time.Date(k.CycleDateUTC.Year(), k.CycleDateUTC.Month(), k.CycleDateUTC.Day(),
		k.CycleHour, 0, 0, 0, time.UTC)
}

// ExpectedFile is a pure function of a CycleKey and a per-model path
// template: the object-store location the detector should poll.
type ExpectedFile struct {
	Cycle        CycleKey
	ForecastHour string // "00", "003", zero-padded per model
	Bucket       string
	ObjectKey    string
}

// DetectionWindow bounds when C4 should be polling for a given cycle.
// Invariant: EarliestPollAt < FallbackStartAt <= LatestPollAt.
type DetectionWindow struct {
	Cycle           CycleKey
	EarliestPollAt  time.Time
	LatestPollAt    time.Time
	FallbackStartAt time.Time
	FallbackEndAt   time.Time
}

// Valid reports whether the window respects its ordering invariant.
func (w DetectionWindow) Valid() bool {
	return w.EarliestPollAt.Before(w.FallbackStartAt) && !w.FallbackStartAt.After(w.LatestPollAt)
}

// ————————————————————————————————————————————————————————————————————————
// Parsed grid output
// ————————————————————————————————————————————————————————————————————————

// GridPoint is the decoder's output for a single target city.
type GridPoint struct {
	Lat, Lon  float64
	TempK     float64
	WindU     float64 // m/s, eastward component
	WindV     float64 // m/s, northward component
	PrecipMm  float64
}

// WindSpeedMS returns sqrt(u^2+v^2).
func (g GridPoint) WindSpeedMS() float64 {
	return hypot(g.WindU, g.WindV)
}

// WindDirectionDeg returns the meteorological wind direction in [0,360),
// i.e. atan2(v,u) normalized, measured the way the decoder contract (§6)
// defines it: degrees the wind is blowing toward, not from.
func (g GridPoint) WindDirectionDeg() float64 {
	return normalizeDegrees(atan2Deg(g.WindV, g.WindU))
}

// ————————————————————————————————————————————————————————————————————————
// Forecast snapshots
// ————————————————————————————————————————————————————————————————————————

// MetricType enumerates the forecast quantities the core trades on.
type MetricType string

const (
	MetricTemperature   MetricType = "temperature"
	MetricWindSpeed     MetricType = "wind_speed"
	MetricPrecipitation MetricType = "precipitation"
)

// SnapshotSource identifies where a ForecastSnapshot's value came from.
type SnapshotSource string

const (
	SourceFile  SnapshotSource = "file"
	SourceAPI   SnapshotSource = "api"
	SourceVenue SnapshotSource = "venue" // webhook-ingested, §6
)

// ConfirmationState tracks a snapshot's provenance lifecycle. Within a
// single ProducedAt, the state only ever moves forward:
// PENDING -> UNCONFIRMED -> FILE_CONFIRMED, with API_UNCONFIRMED as the
// alternate first state when the API path arrives before the file path.
type ConfirmationState string

const (
	StatePending        ConfirmationState = "PENDING"
	StateUnconfirmed     ConfirmationState = "UNCONFIRMED"
	StateAPIUnconfirmed ConfirmationState = "API_UNCONFIRMED"
	StateFileConfirmed  ConfirmationState = "FILE_CONFIRMED"
)

// ForecastSnapshot is the confirmed (or provisional) value of one metric for
// one city, produced by C4 and consumed by C5. Carried by value across the
// Event Bus — the bus owns no data of its own.
type ForecastSnapshot struct {
	CityID            string
	Metric            MetricType
	Value             float64 // Celsius for temperature, internal canonical unit
	Unit              string  // "C", "mm", "m/s" — display-layer conversions happen at the boundary
	ValidTime         time.Time
	Source            SnapshotSource
	ConfirmationState ConfirmationState
	ProducedAt        time.Time
	Cycle             *CycleKey // nil for API/venue-sourced snapshots
}

// ————————————————————————————————————————————————————————————————————————
// Market state
// ————————————————————————————————————————————————————————————————————————

// Comparison is the direction a market's threshold question asks about.
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// PricePoint is one observed (yes,no) price pair at a point in time, kept
// in MarketState.PriceHistory for drift and liquidity context.
type PricePoint struct {
	YesPrice  decimal.Decimal
	NoPrice   decimal.Decimal
	Timestamp time.Time
}

// MarketState is the C5-owned view of one tradeable prediction-market
// question. Only C5 mutates it; other components see immutable snapshots.
type MarketState struct {
	MarketID     string
	Question     string
	CityID       string
	Metric       MetricType
	Threshold    float64
	Comparison   Comparison
	YesPrice     decimal.Decimal
	NoPrice      decimal.Decimal
	TargetDate   time.Time
	LastForecast *ForecastSnapshot
	PriceHistory []PricePoint // bounded ring, most recent last
}

// DaysToEvent returns max(0, (TargetDate-now)/24h), the `d` term in §4.5.2.
func (m MarketState) DaysToEvent(now time.Time) float64 {
	d := m.TargetDate.Sub(now).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Capture & positions
// ————————————————————————————————————————————————————————————————————————

// CapturedOpportunity blocks re-entry into a market until the forecast value
// drifts materially. See §4.5.5 — the single most important trade-
// duplication guard in the system.
type CapturedOpportunity struct {
	MarketID                string
	ForecastValueAtCapture  float64
	CapturedAt              time.Time
}

// Side is the direction of a taken position: yes or no.
type Side string

const (
	Yes Side = "yes"
	No  Side = "no"
)

// ExitPolicy bundles the per-position exit parameters computed at entry
// (§4.5.6); TrailingArmed/PeakPrice are mutated as the position is marked.
type ExitPolicy struct {
	TakeProfitPct      float64
	StopLossPct        float64 // negative, e.g. -0.15
	TrailingActivation float64
	TrailingOffset     float64
	FairValueBandPct   float64
	TrailingArmed      bool
	PeakPrice          decimal.Decimal
}

// Position is one open or closed directional stake taken by C5.
type Position struct {
	ID            string
	MarketID      string
	Side          Side
	Shares        decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	EntryTime     time.Time
	KellyFraction float64
	SigmaAtEntry  float64
	ExitPolicy    ExitPolicy
	ClosedAt      *time.Time
	ExitReason    string
	RealizedPnL   decimal.Decimal
}

// UnrealizedPnL is a derived view: (currentPrice-entryPrice)*shares.
// EntryPrice/CurrentPrice are always carried in the position's own side
// denomination (a No position's prices are No-side prices throughout), so
// the same formula holds for both sides without a sign flip.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.ClosedAt != nil {
		return decimal.Zero
	}
	delta := p.CurrentPrice.Sub(p.EntryPrice)
	return delta.Mul(p.Shares)
}

// IsOpen reports whether the position has not yet been exited.
func (p Position) IsOpen() bool {
	return p.ClosedAt == nil
}
