// Package venue adapts the abstract TradingVenue collaborator (§1, §3, §6)
// to a concrete REST+WebSocket client. The venue is an external system this
// core only consumes: it is not specified beyond "marketBook", "submitOrder",
// and a price-update stream, so this adapter is grounded on
// internal/exchange's CLOB client and WebSocket feed shape (resty REST
// client with retry/backoff, gorilla/websocket streaming feed with
// reconnect) with the on-chain order-signing machinery dropped — out of
// scope per §1's "TradingVenue is an external collaborator".
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"wxarb/internal/config"
	"wxarb/internal/trading"
	"wxarb/pkg/types"
)

// orderRequest is the REST payload for order submission.
type orderRequest struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	Price    string `json:"price"`
}

// orderResponseBody is the REST response for order submission.
type orderResponseBody struct {
	OrderID   string `json:"order_id"`
	FillPrice string `json:"fill_price"`
	FillSize  string `json:"fill_size"`
}

// bookResponseBody is the REST response for a book snapshot fetch.
type bookResponseBody struct {
	MarketID string       `json:"market_id"`
	YesBids  []PriceLevel `json:"yes_bids"`
	YesAsks  []PriceLevel `json:"yes_asks"`
	NoBids   []PriceLevel `json:"no_bids"`
	NoAsks   []PriceLevel `json:"no_asks"`
}

// Adapter implements trading.Venue against a REST+WebSocket TradingVenue.
// It prefers the WebSocket-maintained local book when fresh, falling back
// to a REST snapshot fetch when stale or never populated — the same
// staleness-aware book pattern internal/market.Book/internal/strategy.Maker
// use for quoting.
type Adapter struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger

	books *sync.Map // marketID -> *localBook
	feed  *wsFeed

	bookMaxAge time.Duration
}

var _ trading.Venue = (*Adapter)(nil)

// NewAdapter constructs a venue adapter. Call Run to start the background
// WebSocket feed; BestBidAsk and SubmitOrder are safe to call before Run
// returns (they fall back to REST when no WS data has arrived yet).
func NewAdapter(cfg config.VenueConfig, dryRun bool, logger *slog.Logger) *Adapter {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.ApiKey)

	books := &sync.Map{}
	a := &Adapter{
		http:       httpClient,
		dryRun:     dryRun,
		logger:     logger.With("component", "venue"),
		books:      books,
		bookMaxAge: 30 * time.Second,
	}
	a.feed = newWSFeed(cfg.WSURL, books, logger)
	return a
}

// Run drives the background WebSocket feed until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	a.feed.run(ctx)
}

// Watch subscribes the venue feed to a market's price updates.
func (a *Adapter) Watch(marketID string) {
	a.books.LoadOrStore(marketID, newLocalBook(marketID))
	a.feed.subscribe(marketID)
}

// BestBidAsk implements trading.Venue.
func (a *Adapter) BestBidAsk(ctx context.Context, marketID string) (trading.PriceSnapshot, trading.LiquidityContext, error) {
	if v, ok := a.books.Load(marketID); ok {
		lb := v.(*localBook)
		if !lb.isStale(a.bookMaxAge) {
			yes, no, ok := lb.bestPrices()
			if ok {
				return a.liquidityFromBook(marketID, yes, no, lb)
			}
		}
	}
	return a.fetchViaREST(ctx, marketID)
}

func (a *Adapter) liquidityFromBook(marketID string, yes, no decimal.Decimal, lb *localBook) (trading.PriceSnapshot, trading.LiquidityContext, error) {
	yesBid, yesAsk, okYes := lb.depthUSD(true)
	noBid, noAsk, okNo := lb.depthUSD(false)
	liq := trading.LiquidityContext{}
	if okYes && okNo {
		liq.HasBookSnapshot = true
		liq.BestBidDepthUSD = minFloat(yesBid, noBid)
		liq.BestAskDepthUSD = minFloat(yesAsk, noAsk)
	}
	return trading.PriceSnapshot{YesPrice: yes, NoPrice: no}, liq, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (a *Adapter) fetchViaREST(ctx context.Context, marketID string) (trading.PriceSnapshot, trading.LiquidityContext, error) {
	var body bookResponseBody
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("market_id", marketID).
		SetResult(&body).
		Get("/book")
	if err != nil {
		return trading.PriceSnapshot{}, trading.LiquidityContext{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return trading.PriceSnapshot{}, trading.LiquidityContext{}, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	lb := newLocalBook(marketID)
	lb.applySnapshot(body.YesBids, body.YesAsks, body.NoBids, body.NoAsks)
	a.books.Store(marketID, lb)

	yes, no, ok := lb.bestPrices()
	if !ok {
		return trading.PriceSnapshot{}, trading.LiquidityContext{}, fmt.Errorf("book empty for market %s", marketID)
	}
	return a.liquidityFromBook(marketID, yes, no, lb)
}

// SubmitOrder implements trading.Venue.
func (a *Adapter) SubmitOrder(ctx context.Context, marketID string, side types.Side, size, priceLimit decimal.Decimal) (trading.ExecutionResult, error) {
	if a.dryRun {
		a.logger.Info("DRY-RUN: would submit order", "market", marketID, "side", side, "size", size, "price", priceLimit)
		return trading.ExecutionResult{OrderID: "dry-run", FillPrice: priceLimit, FillSize: size}, nil
	}

	req := orderRequest{
		MarketID: marketID,
		Side:     string(side),
		Size:     size.String(),
		Price:    priceLimit.String(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return trading.ExecutionResult{}, fmt.Errorf("marshal order: %w", err)
	}

	var result orderResponseBody
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return trading.ExecutionResult{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return trading.ExecutionResult{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	fillPrice := parseDecimal(result.FillPrice)
	fillSize := parseDecimal(result.FillSize)
	a.logger.Info("order submitted", "market", marketID, "side", side, "order_id", result.OrderID)
	return trading.ExecutionResult{OrderID: result.OrderID, FillPrice: fillPrice, FillSize: fillSize}, nil
}
