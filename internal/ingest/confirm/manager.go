// Package confirm implements the Confirmation Manager (§4.4.3): it holds
// the pending, per-(cycle,city,metric) snapshots produced by the file and
// API paths and reconciles them once both sides (or a deadline) have
// spoken, publishing the final forecast-changed event C5 consumes.
//
// Grounded on internal/risk.Manager's single-mutex, map-keyed-pending-state
// shape (positions map[string]*PositionReport), generalized here to
// forecast reconciliation. singleflight collapses duplicate concurrent
// confirmation attempts for the same key — sourced from golang.org/x/sync,
// already present in the retrieval pack's transitive dependency tree.
package confirm

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wxarb/internal/bus"
	"wxarb/pkg/types"
)

// Tolerances bounds how far a file- and API-sourced value for the same
// metric may disagree before the reconciliation is flagged as a conflict
// rather than a quiet agreement (§4.4.3, §6 defaults).
type Tolerances struct {
	TemperatureC float64 // default 0.5
	WindKmh      float64 // default 2.0
	PrecipMm     float64 // default 0.1
}

// DefaultTolerances returns §6's defaults.
func DefaultTolerances() Tolerances {
	return Tolerances{TemperatureC: 0.5, WindKmh: 2.0, PrecipMm: 0.1}
}

func (t Tolerances) forMetric(m types.MetricType) float64 {
	switch m {
	case types.MetricTemperature:
		return t.TemperatureC
	case types.MetricWindSpeed:
		return t.WindKmh / 3.6 // GridPoint wind speed is m/s; tolerance is specified in km/h
	case types.MetricPrecipitation:
		return t.PrecipMm
	default:
		return 0
	}
}

// ChangeThresholds bounds how far a value must move from a city's last
// published snapshot before a fresh forecast-changed event is emitted
// (§4.4.3 rule 3: "per-metric tolerances and change thresholds are config
// parameters"). The same shape backs both the smaller rule-1 threshold
// (file-confirmed values) and the larger rule-2 threshold (API-only,
// pre-confirmation, and cycle-less direct values).
type ChangeThresholds struct {
	TemperatureC float64
	WindKmh      float64
	PrecipMm     float64
}

// DefaultChangeThresholds returns §4.4.3 rule 1's defaults.
func DefaultChangeThresholds() ChangeThresholds {
	return ChangeThresholds{TemperatureC: 0.3, WindKmh: 1.0, PrecipMm: 0.05}
}

// DefaultTriggerThresholds returns §4.4.3 rule 2's (larger) defaults.
func DefaultTriggerThresholds() ChangeThresholds {
	return ChangeThresholds{TemperatureC: 0.6, WindKmh: 2.0, PrecipMm: 0.1}
}

func (t ChangeThresholds) forMetric(m types.MetricType) float64 {
	switch m {
	case types.MetricTemperature:
		return t.TemperatureC
	case types.MetricWindSpeed:
		return t.WindKmh / 3.6
	case types.MetricPrecipitation:
		return t.PrecipMm
	default:
		return 0
	}
}

// pendingKey identifies one (city, metric) slot within a cycle's
// reconciliation window.
type pendingKey struct {
	cityID string
	metric types.MetricType
}

// cycleState holds every pending snapshot seen so far for one cycle.
type cycleState struct {
	mu        sync.Mutex
	pending   map[pendingKey]types.ForecastSnapshot
	resolved  map[pendingKey]struct{}
	createdAt time.Time
}

// ForecastChangedEvent is the payload published on bus.TagForecastChanged:
// the reconciled, authoritative snapshot for one (cycle, city, metric).
type ForecastChangedEvent struct {
	Snapshot types.ForecastSnapshot
	Conflict bool // true if file and API values disagreed beyond tolerance
}

// Manager reconciles file- and API-sourced snapshots per §4.4.3's rule:
// file always wins when both arrive; API-only values stand on their own
// (marked API_UNCONFIRMED) until a file value arrives or the window closes.
type Manager struct {
	tolerances       Tolerances
	changeThresholds ChangeThresholds
	triggerThresholds ChangeThresholds
	bus              *bus.Bus
	logger           *slog.Logger

	mu     sync.Mutex
	cycles map[string]*cycleState

	valuesMu   sync.Mutex
	lastValues map[pendingKey]float64

	sf singleflight.Group
}

// NewManager constructs a confirmation manager with the given tolerances
// and per-metric change/trigger thresholds (§4.4.3 rule 3).
func NewManager(tolerances Tolerances, changeThresholds, triggerThresholds ChangeThresholds, b *bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		tolerances:        tolerances,
		changeThresholds:  changeThresholds,
		triggerThresholds: triggerThresholds,
		bus:               b,
		logger:            logger.With("component", "confirm"),
		cycles:            make(map[string]*cycleState),
		lastValues:        make(map[pendingKey]float64),
	}
}

// IngestFile records a file-sourced snapshot and reconciles it against any
// pending API value for the same (cycle, city, metric). File values are
// authoritative (§4.4.3): this always resolves the slot immediately.
func (m *Manager) IngestFile(snapshot types.ForecastSnapshot) {
	m.reconcile(snapshot, true)
}

// IngestAPI records an API-sourced snapshot. If a file value for the same
// slot has already arrived, the file value wins silently; otherwise the API
// value is published as a provisional (API_UNCONFIRMED) forecast-changed
// event, and reconciliation is deferred until a file value arrives or the
// cycle's fallback window closes.
func (m *Manager) IngestAPI(snapshot types.ForecastSnapshot) {
	m.reconcile(snapshot, false)
}

// IngestDirect reconciles a snapshot that carries no CycleKey: venue
// webhook pushes and the engine's own steady-state poll loop outside any
// detection window, neither of which races a file confirmation. It applies
// the same last-published-value gate as the API-only path (§4.4.3 rule 2),
// which is what keeps a 1Hz poll from republishing an unchanged value
// every tick.
func (m *Manager) IngestDirect(snapshot types.ForecastSnapshot) {
	key := pendingKey{cityID: snapshot.CityID, metric: snapshot.Metric}
	if !m.changed(key, snapshot.Value, m.triggerThresholds.forMetric(snapshot.Metric)) {
		return
	}
	m.publish(snapshot, false)
}

// changed reports whether value differs from (city,metric)'s last
// published value by more than threshold, recording value as the new last
// published value if so. The first observation for a key always counts as
// changed.
func (m *Manager) changed(key pendingKey, value, threshold float64) bool {
	m.valuesMu.Lock()
	defer m.valuesMu.Unlock()
	last, ok := m.lastValues[key]
	if ok && math.Abs(value-last) <= threshold {
		return false
	}
	m.lastValues[key] = value
	return true
}

func (m *Manager) reconcile(snapshot types.ForecastSnapshot, fromFile bool) {
	if snapshot.Cycle == nil {
		// Venue-ingested (webhook) snapshots carry no cycle; they are not
		// reconciled here; the caller hands them to IngestDirect instead.
		return
	}
	cycleKey := snapshot.Cycle.String()
	key := pendingKey{cityID: snapshot.CityID, metric: snapshot.Metric}

	m.mu.Lock()
	cs, ok := m.cycles[cycleKey]
	if !ok {
		cs = &cycleState{
			pending:   make(map[pendingKey]types.ForecastSnapshot),
			resolved:  make(map[pendingKey]struct{}),
			createdAt: time.Now(),
		}
		m.cycles[cycleKey] = cs
	}
	m.mu.Unlock()

	sfKey := fmt.Sprintf("%s|%s|%s", cycleKey, snapshot.CityID, snapshot.Metric)
	_, _, _ = m.sf.Do(sfKey, func() (interface{}, error) {
		m.reconcileLocked(cs, key, snapshot, fromFile)
		return nil, nil
	})
}

func (m *Manager) reconcileLocked(cs *cycleState, key pendingKey, snapshot types.ForecastSnapshot, fromFile bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, done := cs.resolved[key]; done && !fromFile {
		// Already file-confirmed; a late API value for the same slot never
		// overrides it (§4.4.3: file always wins, and a slot only resolves
		// forward).
		return
	}

	existing, hasExisting := cs.pending[key]

	if fromFile {
		conflict := hasExisting && existing.Source == types.SourceAPI && m.disagrees(existing, snapshot)
		snapshot.ConfirmationState = types.StateFileConfirmed
		cs.pending[key] = snapshot
		cs.resolved[key] = struct{}{}
		// Rule 1: emit only if the file value differs from the city's last
		// published snapshot by more than the (small) change threshold.
		if m.changed(key, snapshot.Value, m.changeThresholds.forMetric(snapshot.Metric)) {
			m.publish(snapshot, conflict)
		}
		return
	}

	// API-sourced: if a file value is already pending for this slot, it
	// already won and was published; do not re-publish a weaker state.
	if hasExisting && existing.ConfirmationState == types.StateFileConfirmed {
		return
	}
	snapshot.ConfirmationState = types.StateAPIUnconfirmed
	cs.pending[key] = snapshot
	// Rule 2: an unconfirmed API value only triggers forecast-changed when
	// the change is large (the trigger threshold), so the fallback
	// poller's 1Hz cadence doesn't republish noise every tick.
	if m.changed(key, snapshot.Value, m.triggerThresholds.forMetric(snapshot.Metric)) {
		m.publish(snapshot, false)
	}
}

func (m *Manager) disagrees(a, b types.ForecastSnapshot) bool {
	tol := m.tolerances.forMetric(a.Metric)
	return math.Abs(a.Value-b.Value) > tol
}

func (m *Manager) publish(snapshot types.ForecastSnapshot, conflict bool) {
	if conflict {
		m.logger.Warn("file/api values disagree beyond tolerance", "city", snapshot.CityID, "metric", snapshot.Metric)
	}
	if err := m.bus.Publish(bus.TagForecastChanged, ForecastChangedEvent{Snapshot: snapshot, Conflict: conflict}); err != nil {
		m.logger.Error("publish failed", "error", err)
	}
}

// SweepExpiredCycles discards reconciliation state for cycles older than
// maxAge, bounding memory growth across long-running processes. Should be
// called periodically (e.g. once a minute) by the owning component.
func (m *Manager) SweepExpiredCycles(maxAge time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cs := range m.cycles {
		if now.Sub(cs.createdAt) > maxAge {
			delete(m.cycles, key)
		}
	}
}
