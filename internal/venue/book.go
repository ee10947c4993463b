package venue

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one (price, size) rung of an order book side.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// localBook mirrors one market's yes/no top-of-book and aggregate depth.
// Grounded on internal/market.Book (teacher's local order-book mirror),
// generalized from YES-token-only quoting to both sides since this system
// trades either side directionally.
type localBook struct {
	mu        sync.RWMutex
	marketID  string
	yesBids   []PriceLevel
	yesAsks   []PriceLevel
	noBids    []PriceLevel
	noAsks    []PriceLevel
	updated   time.Time
}

func newLocalBook(marketID string) *localBook {
	return &localBook{marketID: marketID}
}

func (b *localBook) applySnapshot(yesBids, yesAsks, noBids, noAsks []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.yesBids, b.yesAsks, b.noBids, b.noAsks = yesBids, yesAsks, noBids, noAsks
	b.updated = time.Now()
}

// bestPrices returns the best yes/no bid-ask midpoints used as the venue's
// current price for each side, falling back to the bid/ask average.
func (b *localBook) bestPrices() (yes, no decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.yesBids) == 0 || len(b.yesAsks) == 0 || len(b.noBids) == 0 || len(b.noAsks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	yes = midOf(b.yesBids[0], b.yesAsks[0])
	no = midOf(b.noBids[0], b.noAsks[0])
	return yes, no, true
}

// depthUSD returns the best-bid and best-ask depth in USD for the given
// side, used by the sizing liquidity constraint.
func (b *localBook) depthUSD(yes bool) (bidDepth, askDepth float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bids, asks := b.noBids, b.noAsks
	if yes {
		bids, asks = b.yesBids, b.yesAsks
	}
	if len(bids) == 0 || len(asks) == 0 {
		return 0, 0, false
	}
	return levelUSD(bids[0]), levelUSD(asks[0]), true
}

func (b *localBook) isStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

func midOf(bid, ask PriceLevel) decimal.Decimal {
	b := parseDecimal(bid.Price)
	a := parseDecimal(ask.Price)
	return b.Add(a).Div(decimal.NewFromInt(2))
}

func levelUSD(l PriceLevel) float64 {
	price := parseFloat(l.Price)
	size := parseFloat(l.Size)
	return price * size
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
