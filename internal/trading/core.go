package trading

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/ingest/confirm"
	"wxarb/pkg/types"
)

// CityTier is the minimal per-city configuration the Opportunity Core needs
// out of config.CityConfig: its predictability tier (SPEC_FULL.md
// supplemented feature 2). Kept as its own small type so this package does
// not import internal/config for a single field.
type CityTier string

const (
	TierA CityTier = "A"
	TierB CityTier = "B"
	TierC CityTier = "C"
	TierD CityTier = "D"
)

func tierMultiplier(t CityTier) float64 {
	switch t {
	case TierC:
		return 0.7
	default:
		return 1.0
	}
}

// agreementTracker maintains a rolling per-city file/API agreement score in
// [0.5, 1.0], folded into sizing confidence as a multiplier (SPEC_FULL.md
// supplemented feature 1). Grounded on the same single-mutex map shape as
// quota.Tracker's per-provider records.
type agreementTracker struct {
	mu     sync.Mutex
	scores map[string]float64
}

func newAgreementTracker() *agreementTracker {
	return &agreementTracker{scores: make(map[string]float64)}
}

// observe folds one reconciliation outcome into cityID's rolling score via an
// exponential moving average (weight 0.2 on the new observation) and returns
// the updated score.
func (a *agreementTracker) observe(cityID string, conflict bool) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.scores[cityID]
	if !ok {
		cur = 1.0
	}
	target := 1.0
	if conflict {
		target = 0.5
	}
	cur = cur*0.8 + target*0.2
	if cur < 0.5 {
		cur = 0.5
	}
	if cur > 1.0 {
		cur = 1.0
	}
	a.scores[cityID] = cur
	return cur
}

// proximityMultiplier implements SPEC_FULL.md supplemented feature 3:
// opportunities close to the market threshold (low signal strength, just
// past the SMin noise floor) score higher than deep tail bets, without
// excluding the latter (they still size via KellyFraction's guaranteed-
// outcome band).
func proximityMultiplier(signalStrength float64) float64 {
	m := 1.0 / (1.0 + 0.3*(signalStrength-SMin))
	if m < 0.3 {
		return 0.3
	}
	if m > 1.0 {
		return 1.0
	}
	return m
}

// OpportunityRecord is one evaluated forecast signal against one market,
// kept for status reporting whether or not it resulted in a trade
// (SPEC_FULL.md supplemented feature 4).
type OpportunityRecord struct {
	MarketID string
	CityID   string
	Metric   types.MetricType
	Edge     float64
	Score    float64
	Captured bool
	At       time.Time
}

const recentOpportunityCap = 200

// CityInfo is the per-city configuration the core consults when evaluating
// a forecast-changed event: which markets to look up (by CityID+Metric, via
// the DataStore's own index) and the city's predictability tier.
type CityInfo struct {
	Tier CityTier
}

// Core is the Opportunity Core (§4.5.2-§4.5.7): it owns the end-to-end path
// from a reconciled forecast-changed event to a sized, capture-guarded,
// execution-revalidated trade. Grounded on internal/strategy.Maker's
// per-signal owned-state pipeline, generalized to a directional edge/Kelly
// model instead of two-sided quoting.
type Core struct {
	store   *DataStore
	capture *CaptureManager
	kill    *KillSwitch

	minEdgeThreshold    float64
	maxPositionSizeUSD  float64
	minPositionSizeUSD  float64
	scaleInThresholdUSD float64
	caps                HeatCaps
	portfolioValueUSD   float64

	cities map[string]CityInfo

	agreement *agreementTracker

	b      *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	recent  []OpportunityRecord
}

// CoreConfig bundles Core's tunables, sourced from config.TradingConfig and
// config.RiskConfig at construction.
type CoreConfig struct {
	MinEdgeThreshold    float64
	MaxPositionSizeUSD  float64
	MinPositionSizeUSD  float64
	ScaleInThresholdUSD float64
	Caps                HeatCaps
	PortfolioValueUSD   float64
}

// NewCore constructs the Opportunity Core.
func NewCore(cfg CoreConfig, store *DataStore, capture *CaptureManager, kill *KillSwitch,
	cities map[string]CityInfo, b *bus.Bus, logger *slog.Logger) *Core {
	return &Core{
		store:               store,
		capture:             capture,
		kill:                kill,
		minEdgeThreshold:    cfg.MinEdgeThreshold,
		maxPositionSizeUSD:  cfg.MaxPositionSizeUSD,
		minPositionSizeUSD:  cfg.MinPositionSizeUSD,
		scaleInThresholdUSD: cfg.ScaleInThresholdUSD,
		caps:                cfg.Caps,
		portfolioValueUSD:   cfg.PortfolioValueUSD,
		cities:              cities,
		agreement:           newAgreementTracker(),
		b:                   b,
		logger:              logger.With("component", "opportunity-core"),
	}
}

// Run subscribes to bus.TagForecastChanged and evaluates every reconciled
// snapshot against the markets tracking its (cityID, metric) pair, until ctx
// is cancelled.
func (c *Core) Run(ctx context.Context) error {
	ch, sub, err := c.b.Subscribe(bus.TagForecastChanged, 0)
	if err != nil {
		return err
	}
	defer c.b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, ok := evt.Payload.(confirm.ForecastChangedEvent)
			if !ok {
				continue
			}
			c.handle(ctx, payload)
		}
	}
}

// handle runs one reconciled snapshot through tier exclusion, the
// supplemented scoring model, the min-edge gate, and (if it survives) the
// capture/sizing/execution pipeline, for every market tracking the
// snapshot's (cityID, metric).
func (c *Core) handle(ctx context.Context, evt confirm.ForecastChangedEvent) {
	snapshot := evt.Snapshot

	info, known := c.cities[snapshot.CityID]
	if known && info.Tier == TierD {
		// Hard-excluded: sigma blowup makes any edge here noise
		// (SPEC_FULL.md supplemented feature 2).
		return
	}

	agreementScore := c.agreement.observe(snapshot.CityID, evt.Conflict)

	markets := c.store.MarketsForSignal(snapshot.CityID, snapshot.Metric)
	now := time.Now()

	for _, market := range markets {
		c.store.RecordForecast(market.MarketID, snapshot)
		c.evaluateMarket(ctx, snapshot, market, info, agreementScore, now)
	}
}

func (c *Core) evaluateMarket(ctx context.Context, snapshot types.ForecastSnapshot, market types.MarketState,
	info CityInfo, agreementScore float64, now time.Time) {

	edge := ComputeEdge(snapshot, market, now)
	if edge.SignalStrength < SMin {
		return
	}

	confidence := tierMultiplier(info.Tier) * agreementScore
	score := edge.Edge * confidence * proximityMultiplier(edge.SignalStrength)

	captured := false
	defer func() {
		c.recordOpportunity(OpportunityRecord{
			MarketID: market.MarketID,
			CityID:   snapshot.CityID,
			Metric:   snapshot.Metric,
			Edge:     edge.Edge,
			Score:    score,
			Captured: captured,
			At:       now,
		})
	}()

	if edge.Edge < c.minEdgeThreshold {
		return
	}
	if c.kill.IsTriggered(now) {
		return
	}

	totalExposure, sumKelly, byCity, byCityDate := c.store.Exposure()
	portfolio := PortfolioState{
		PortfolioValueUSD:   c.portfolioValueUSD,
		CashUSD:             c.portfolioValueUSD - totalExposure,
		TotalExposureUSD:    totalExposure,
		SumKellyFractions:   sumKelly,
		CityExposureUSD:     byCity,
		CityDateExposureUSD: byCityDate,
	}

	sizing := SizingParams{
		MaxPositionSizeUSD:  c.maxPositionSizeUSD * confidence,
		MinPositionSizeUSD:  c.minPositionSizeUSD,
		Caps:                c.caps,
		Portfolio:           portfolio,
		CityID:              snapshot.CityID,
		CityDateKey:         snapshot.CityID + "|" + market.TargetDate.Format("2006-01-02"),
		ScaleInThresholdUSD: c.scaleInThresholdUSD,
	}

	exec, ok, err := c.capture.Evaluate(ctx, snapshot, market, snapshot.ProducedAt, now, sizing)
	if err != nil {
		c.logger.Error("opportunity evaluation failed", "market", market.MarketID, "error", err)
		return
	}
	if !ok {
		return
	}

	captured = true
	c.store.AddPosition(types.Position{
		MarketID:      market.MarketID,
		Side:          edge.Action,
		Shares:        exec.FillSize,
		EntryPrice:    exec.FillPrice,
		CurrentPrice:  exec.FillPrice,
		EntryTime:     now,
		KellyFraction: KellyFraction(edge),
		SigmaAtEntry:  edge.Sigma,
		ExitPolicy:    DefaultExitPolicy(),
	})
}

func (c *Core) recordOpportunity(rec OpportunityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, rec)
	if len(c.recent) > recentOpportunityCap {
		c.recent = c.recent[len(c.recent)-recentOpportunityCap:]
	}
}

// RecentOpportunities returns the last recentOpportunityCap evaluated
// opportunities, most recent last, for status reporting.
func (c *Core) RecentOpportunities() []OpportunityRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OpportunityRecord, len(c.recent))
	copy(out, c.recent)
	return out
}

// RunExitMonitor periodically re-evaluates every open position's exit
// triggers against a freshly fetched venue quote, closing positions that
// qualify and feeding realized PnL into the kill switch (§4.5.6-§4.5.7).
func (c *Core) RunExitMonitor(ctx context.Context, venue Venue, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExits(ctx, venue)
		}
	}
}

func (c *Core) sweepExits(ctx context.Context, venue Venue) {
	now := time.Now()
	for _, pos := range c.store.OpenPositions() {
		market, ok := c.store.Market(pos.MarketID)
		if !ok {
			continue
		}

		if timeout := EvaluateTimeout(&pos, market.TargetDate, now); timeout.ShouldExit {
			updated, ok := c.store.MutatePosition(pos.ID, func(live *types.Position) {
				closedAt := now
				live.ClosedAt = &closedAt
				live.ExitReason = timeout.Reason
				live.RealizedPnL = ResolvePnL(*live, live.CurrentPrice)
			})
			if ok {
				c.afterClose(updated)
			}
			continue
		}

		quote, _, err := venue.BestBidAsk(ctx, pos.MarketID)
		if err != nil {
			continue
		}
		price := quote.YesPrice
		if pos.Side == types.No {
			price = quote.NoPrice
		}

		var forecastProb float64
		if market.LastForecast != nil {
			forecastProb = ComputeEdge(*market.LastForecast, market, now).ForecastProb
		} else {
			forecastProb, _ = price.Float64()
		}

		updated, ok := c.store.MutatePosition(pos.ID, func(live *types.Position) {
			live.CurrentPrice = price
			decision := EvaluateExit(live, forecastProb, now)
			if decision.ShouldExit {
				closedAt := now
				live.ClosedAt = &closedAt
				live.ExitReason = decision.Reason
				live.RealizedPnL = ResolvePnL(*live, price)
			}
		})
		if ok && updated.ClosedAt != nil {
			c.afterClose(updated)
		}
	}
}

// afterClose feeds a just-closed position's realized PnL into the kill
// switch and publishes bus.TagPositionClosed for the dashboard.
func (c *Core) afterClose(pos types.Position) {
	realized, _ := pos.RealizedPnL.Float64()
	totalExposure, _, _, _ := c.store.Exposure()
	portfolioValue := c.portfolioValueUSD - totalExposure + realized
	c.kill.RecordTrade(realized, portfolioValue, time.Now())

	if err := c.b.Publish(bus.TagPositionClosed, PositionClosedEvent{Position: pos, At: time.Now()}); err != nil {
		c.logger.Error("publish failed", "error", err)
	}
}
