package trading

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/pkg/types"
)

// DataStore is C5's exclusive view of every MarketState and Position (§3
// Ownership: "C5 exclusively mutates MarketState, CapturedOpportunity, and
// Position. [...] readers outside C5 [...] receive immutable snapshots.").
// Grounded on internal/risk.Manager's single-mutex map-of-structs shape,
// generalized from per-market price anchors to the full market/position
// model.
type DataStore struct {
	mu sync.RWMutex

	markets      map[string]*types.MarketState
	byCityMetric map[string][]string // "cityID|metric" -> marketIDs

	positions   map[string]*types.Position
	nextPosSeq  int
}

// NewDataStore constructs an empty store.
func NewDataStore() *DataStore {
	return &DataStore{
		markets:      make(map[string]*types.MarketState),
		byCityMetric: make(map[string][]string),
		positions:    make(map[string]*types.Position),
	}
}

func cityMetricKey(cityID string, metric types.MetricType) string {
	return cityID + "|" + string(metric)
}

// AddMarket registers (or replaces) a tracked market.
func (d *DataStore) AddMarket(m types.MarketState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.markets[m.MarketID]; !exists {
		key := cityMetricKey(m.CityID, m.Metric)
		d.byCityMetric[key] = append(d.byCityMetric[key], m.MarketID)
	}
	cp := m
	d.markets[m.MarketID] = &cp
}

// MarketsForSignal returns immutable copies of every market tracking
// (cityID, metric), the set a forecast-changed event must be evaluated
// against (§2 control flow).
func (d *DataStore) MarketsForSignal(cityID string, metric types.MetricType) []types.MarketState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.byCityMetric[cityMetricKey(cityID, metric)]
	out := make([]types.MarketState, 0, len(ids))
	for _, id := range ids {
		if m, ok := d.markets[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}

// Market returns an immutable copy of one market, if tracked.
func (d *DataStore) Market(marketID string) (types.MarketState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.markets[marketID]
	if !ok {
		return types.MarketState{}, false
	}
	return *m, true
}

// Markets returns immutable copies of every tracked market, for status
// reporting and persistence.
func (d *DataStore) Markets() []types.MarketState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.MarketState, 0, len(d.markets))
	for _, m := range d.markets {
		out = append(out, *m)
	}
	return out
}

// RecordForecast updates a market's LastForecast pointer after a
// forecast-changed event, the only mutation the ingestion side drives on
// MarketState.
func (d *DataStore) RecordForecast(marketID string, snapshot types.ForecastSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.markets[marketID]; ok {
		cp := snapshot
		m.LastForecast = &cp
	}
}

// UpdatePrice records a fresh (yes,no) price observation, maintaining the
// bounded PriceHistory ring (§3: "ring-buffer history").
func (d *DataStore) UpdatePrice(marketID string, yes, no decimal.Decimal, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.markets[marketID]
	if !ok {
		return
	}
	m.YesPrice = yes
	m.NoPrice = no
	m.PriceHistory = append(m.PriceHistory, types.PricePoint{YesPrice: yes, NoPrice: no, Timestamp: now})
	const maxHistory = 500
	if len(m.PriceHistory) > maxHistory {
		m.PriceHistory = m.PriceHistory[len(m.PriceHistory)-maxHistory:]
	}
}

// AddPosition stores a newly opened position, assigning it an ID if it
// doesn't already have one.
func (d *DataStore) AddPosition(p types.Position) types.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ID == "" {
		d.nextPosSeq++
		p.ID = positionID(p.MarketID, d.nextPosSeq)
	}
	cp := p
	d.positions[p.ID] = &cp
	return cp
}

func positionID(marketID string, seq int) string {
	return marketID + "#" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OpenPositions returns immutable copies of every position not yet closed.
func (d *DataStore) OpenPositions() []types.Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Position, 0, len(d.positions))
	for _, p := range d.positions {
		if p.IsOpen() {
			out = append(out, *p)
		}
	}
	return out
}

// AllPositions returns immutable copies of every known position, open or
// closed, for status reporting and persistence.
func (d *DataStore) AllPositions() []types.Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Position, 0, len(d.positions))
	for _, p := range d.positions {
		out = append(out, *p)
	}
	return out
}

// MarkPrice updates a position's current price in place (used while
// evaluating exit triggers against a freshly fetched quote).
func (d *DataStore) MarkPrice(positionID string, price decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.positions[positionID]; ok {
		p.CurrentPrice = price
	}
}

// MutatePosition runs fn against the live position under the store's lock,
// letting callers (the exit monitor) read-modify-write exit-policy state
// (TrailingArmed/PeakPrice) and close it atomically, returning the updated
// copy.
func (d *DataStore) MutatePosition(positionID string, fn func(*types.Position)) (types.Position, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.positions[positionID]
	if !ok {
		return types.Position{}, false
	}
	fn(p)
	return *p, true
}

// Exposure returns the summed entry stake (EntryPrice * Shares) and Kelly
// fraction of every open position, plus the entry stake per city and per
// "cityID|targetDate" bucket.
func (d *DataStore) Exposure() (totalExposureUSD, sumKelly float64, byCity, byCityDate map[string]float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byCity = make(map[string]float64)
	byCityDate = make(map[string]float64)
	for _, p := range d.positions {
		if !p.IsOpen() {
			continue
		}
		stakeUSD, _ := p.EntryPrice.Mul(p.Shares).Float64()
		totalExposureUSD += stakeUSD
		sumKelly += p.KellyFraction

		m, ok := d.markets[p.MarketID]
		if !ok {
			continue
		}
		byCity[m.CityID] += stakeUSD
		byCityDate[m.CityID+"|"+m.TargetDate.Format("2006-01-02")] += stakeUSD
	}
	return
}
