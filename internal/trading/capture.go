package trading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wxarb/internal/bus"
	"wxarb/pkg/types"
)

// PriceSnapshot is the venue's current top-of-book view of one market.
type PriceSnapshot struct {
	YesPrice decimal.Decimal
	NoPrice  decimal.Decimal
}

// Venue is the trading core's view of the external TradingVenue collaborator
// (§3): a price/book source and an order-submission sink. Implemented by
// internal/venue; kept as an interface here so the opportunity core never
// depends on a specific transport.
type Venue interface {
	// BestBidAsk returns the live yes/no top-of-book prices and, when a book
	// snapshot is available, the depth in USD on each side.
	BestBidAsk(ctx context.Context, marketID string) (PriceSnapshot, LiquidityContext, error)
	// SubmitOrder places a limit order for size shares of side at priceLimit
	// or better.
	SubmitOrder(ctx context.Context, marketID string, side types.Side, size, priceLimit decimal.Decimal) (ExecutionResult, error)
}

// ExecutionResult is the outcome of a venue order submission.
type ExecutionResult struct {
	OrderID   string
	FillPrice decimal.Decimal
	FillSize  decimal.Decimal
}

// ExecutionConfig bundles §4.5.4's re-validation thresholds.
type ExecutionConfig struct {
	MinExecutionEdge        float64 // default 0.02
	MaxPriceDrift           float64 // default 0.15
	EdgeDegradationTolerance float64 // default 0.05
}

// DefaultExecutionConfig returns §6's defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MinExecutionEdge:         0.02,
		MaxPriceDrift:            0.15,
		EdgeDegradationTolerance: 0.05,
	}
}

// TradeIntentEvent is the payload published on bus.TagTradeIntent once an
// order has been submitted to the venue.
type TradeIntentEvent struct {
	MarketID string
	Side     types.Side
	Size     decimal.Decimal
	Price    decimal.Decimal
	Edge     Edge
	At       time.Time
}

// PositionClosedEvent is the payload published on bus.TagPositionClosed once
// the exit monitor closes a position.
type PositionClosedEvent struct {
	Position types.Position
	At       time.Time
}

// marketLock serializes capture evaluation for one market, matching §5's
// ordering guarantee: forecast-changed events for a market are a totally
// ordered sequence inside C5.
type marketLock struct {
	mu sync.Mutex
}

// CaptureManager owns the at-most-one-capture guard (§4.5.5) and drives
// execution re-validation (§4.5.4) before submitting an order to the venue.
// Grounded on internal/strategy.Maker's per-market-owned-state shape and
// idempotent order bookkeeping, stripped of the Avellaneda-Stoikov quoting
// math this system has no use for (it takes one-sided directional
// positions, not two-sided markets).
type CaptureManager struct {
	execCfg ExecutionConfig
	venue   Venue
	bus     *bus.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	captures map[string]types.CapturedOpportunity
	locks    map[string]*marketLock
}

// NewCaptureManager constructs a capture manager.
func NewCaptureManager(execCfg ExecutionConfig, venue Venue, b *bus.Bus, logger *slog.Logger) *CaptureManager {
	return &CaptureManager{
		execCfg:  execCfg,
		venue:    venue,
		bus:      b,
		logger:   logger.With("component", "capture"),
		captures: make(map[string]types.CapturedOpportunity),
		locks:    make(map[string]*marketLock),
	}
}

func (c *CaptureManager) lockFor(marketID string) *marketLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[marketID]
	if !ok {
		l = &marketLock{}
		c.locks[marketID] = l
	}
	return l
}

// isBlocked reports whether marketID is currently captured and the new
// forecast value has not drifted far enough to clear it (§4.5.5: cleared
// once |F_new - F_captured| >= 1 unit).
func (c *CaptureManager) isBlocked(marketID string, newValue float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	captured, ok := c.captures[marketID]
	if !ok {
		return false
	}
	if absFloat(newValue-captured.ForecastValueAtCapture) >= 1.0 {
		delete(c.captures, marketID)
		return false
	}
	return true
}

func (c *CaptureManager) recordCapture(marketID string, value float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures[marketID] = types.CapturedOpportunity{
		MarketID:               marketID,
		ForecastValueAtCapture: value,
		CapturedAt:             now,
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SizingParams bundles the inputs Evaluate needs to size a signal that
// survives the capture guard and the noise floor, kept separate from
// CaptureManager's own fields so the manager stays free of portfolio state
// (owned by the caller, refreshed every evaluation).
type SizingParams struct {
	MaxPositionSizeUSD  float64
	MinPositionSizeUSD  float64
	Caps                HeatCaps
	Portfolio           PortfolioState
	CityID              string
	CityDateKey         string
	ScaleInThresholdUSD float64
}

// Evaluate runs one forecast snapshot through the full C5 opportunity
// pipeline: noise floor, capture guard, sizing, execution re-validation,
// and (on success) venue submission. signalAt is when the snapshot that
// produced edge was produced, used for edge-decay aging.
func (c *CaptureManager) Evaluate(ctx context.Context, snapshot types.ForecastSnapshot, market types.MarketState, signalAt, now time.Time, sizing SizingParams) (ExecutionResult, bool, error) {
	lock := c.lockFor(market.MarketID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	edge := ComputeEdge(snapshot, market, now)
	if edge.SignalStrength < SMin {
		return ExecutionResult{}, false, nil
	}
	captureValue := snapshot.Value
	if snapshot.Metric == types.MetricTemperature {
		// Capture drift is measured in DetectionMetricUnit: °F for temperature.
		captureValue = types.CelsiusToFahrenheit(captureValue)
	}
	if c.isBlocked(market.MarketID, captureValue) {
		return ExecutionResult{}, false, nil
	}

	age := now.Sub(signalAt)
	result := Size(edge, age, sizing.MaxPositionSizeUSD, sizing.MinPositionSizeUSD, sizing.Caps,
		sizing.Portfolio, c.liquidityFor(ctx, market), sizing.CityID, sizing.CityDateKey, sizing.ScaleInThresholdUSD)
	if result.Rejected {
		c.logger.Debug("opportunity rejected at sizing", "market", market.MarketID, "reason", result.RejectReason)
		return ExecutionResult{}, false, nil
	}

	exec, ok, err := c.revalidateAndSubmit(ctx, market.MarketID, edge, result, now)
	if err != nil || !ok {
		return ExecutionResult{}, false, err
	}

	c.recordCapture(market.MarketID, captureValue, now)
	c.publish(TradeIntentEvent{
		MarketID: market.MarketID,
		Side:     edge.Action,
		Size:     result.SizeUSD,
		Price:    exec.FillPrice,
		Edge:     edge,
		At:       now,
	})
	return exec, true, nil
}

func (c *CaptureManager) liquidityFor(ctx context.Context, market types.MarketState) LiquidityContext {
	_, liq, err := c.venue.BestBidAsk(ctx, market.MarketID)
	if err != nil {
		return LiquidityContext{}
	}
	return liq
}

// revalidateAndSubmit implements §4.5.4: re-fetch the live price, drop the
// order on excess drift or degraded edge, otherwise submit at
// livePrice+priceIncrement (capped at 0.99) in tranches per result.Tranches.
func (c *CaptureManager) revalidateAndSubmit(ctx context.Context, marketID string, signalEdge Edge, sized SizeResult, now time.Time) (ExecutionResult, bool, error) {
	live, _, err := c.venue.BestBidAsk(ctx, marketID)
	if err != nil {
		return ExecutionResult{}, false, fmt.Errorf("fetch live price: %w", err)
	}

	var signalPrice, livePrice float64
	if signalEdge.Action == types.Yes {
		livePrice, _ = live.YesPrice.Float64()
		signalPrice = signalEdge.ForecastProb - signalEdge.Edge
	} else {
		livePrice, _ = live.NoPrice.Float64()
		signalPrice = signalEdge.ForecastProb - signalEdge.Edge
	}

	drift := absFloat(livePrice - signalPrice)
	if drift > c.execCfg.MaxPriceDrift {
		c.logger.Info("order dropped: price drift exceeded", "market", marketID, "drift", drift)
		return ExecutionResult{}, false, nil
	}

	liveEdgeValue := signalEdge.ForecastProb - livePrice
	if liveEdgeValue < 0 {
		liveEdgeValue = -liveEdgeValue
	}
	if liveEdgeValue < c.execCfg.MinExecutionEdge {
		c.logger.Info("order dropped: execution edge below minimum", "market", marketID, "edge", liveEdgeValue)
		return ExecutionResult{}, false, nil
	}
	degradation := signalEdge.Edge - liveEdgeValue
	if degradation > c.execCfg.EdgeDegradationTolerance {
		c.logger.Info("order dropped: edge degraded beyond tolerance", "market", marketID, "degradation", degradation)
		return ExecutionResult{}, false, nil
	}

	increment := PriceIncrement(signalEdge)
	liveDec := live.NoPrice
	if signalEdge.Action == types.Yes {
		liveDec = live.YesPrice
	}
	priceLimit := liveDec.Add(increment)
	if maxLimit := decimal.NewFromFloat(0.99); priceLimit.GreaterThan(maxLimit) {
		priceLimit = maxLimit
	}

	var last ExecutionResult
	for i, tranche := range sized.Tranches {
		if i > 0 {
			// §4.5.3: subsequent tranches wait 2s before placing their
			// order, not after — the delay gives the market a chance to
			// move between tranches, which is the point of scaling in.
			time.Sleep(2 * time.Second)
		}
		tranchePrice := priceLimit
		if i > 0 {
			// 0.5% price improvement on each subsequent tranche means a
			// better price for the taker, i.e. lower for a buy: the first
			// tranche crosses the spread at priceLimit, later ones only
			// need to match whatever better price the market has moved to.
			tranchePrice = priceLimit.Mul(decimal.NewFromFloat(1 - 0.005*float64(i)))
			if tranchePrice.LessThan(decimal.NewFromFloat(0.01)) {
				tranchePrice = decimal.NewFromFloat(0.01)
			}
		}
		shares := tranche.Div(tranchePrice)
		res, err := c.venue.SubmitOrder(ctx, marketID, signalEdge.Action, shares, tranchePrice)
		if err != nil {
			return ExecutionResult{}, false, fmt.Errorf("submit order: %w", err)
		}
		last = res
	}
	return last, true, nil
}

func (c *CaptureManager) publish(evt TradeIntentEvent) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(bus.TagTradeIntent, evt); err != nil {
		c.logger.Error("publish failed", "error", err)
	}
}
