package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// priceUpdateMsg is the wire shape of one book/price-update push from the
// venue's WebSocket channel.
type priceUpdateMsg struct {
	EventType string       `json:"event_type"`
	MarketID  string       `json:"market_id"`
	YesBids   []PriceLevel `json:"yes_bids"`
	YesAsks   []PriceLevel `json:"yes_asks"`
	NoBids    []PriceLevel `json:"no_bids"`
	NoAsks    []PriceLevel `json:"no_asks"`
}

// wsFeed maintains the single WebSocket connection carrying live price
// updates for every market this core is watching. Grounded on
// internal/exchange.WSFeed: same exponential-backoff reconnect (1s→30s),
// 50s ping / 90s read-deadline liveness check, and re-subscribe-on-reconnect
// shape, stripped of the user (fills/orders) channel this system doesn't
// need — positions are closed by C5's own exit policy, not venue fill
// events.
type wsFeed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	books   *sync.Map // marketID -> *localBook, shared with Adapter
}

func newWSFeed(url string, books *sync.Map, logger *slog.Logger) *wsFeed {
	return &wsFeed{
		url:        url,
		logger:     logger.With("component", "venue_ws"),
		subscribed: make(map[string]bool),
		books:      books,
	}
}

func (f *wsFeed) subscribe(marketID string) {
	f.subscribedMu.Lock()
	f.subscribed[marketID] = true
	f.subscribedMu.Unlock()
	_ = f.writeJSON(map[string]any{"operation": "subscribe", "market_id": marketID})
}

// run connects and maintains the WebSocket connection with auto-reconnect
// until ctx is cancelled.
func (f *wsFeed) run(ctx context.Context) {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("venue websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *wsFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	f.logger.Info("venue websocket connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *wsFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()
	for _, id := range ids {
		if err := f.writeJSON(map[string]any{"operation": "subscribe", "market_id": id}); err != nil {
			return err
		}
	}
	return nil
}

func (f *wsFeed) dispatch(data []byte) {
	var msg priceUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json venue ws message")
		return
	}
	if msg.EventType != "book" && msg.EventType != "price_change" {
		return
	}
	v, _ := f.books.LoadOrStore(msg.MarketID, newLocalBook(msg.MarketID))
	v.(*localBook).applySnapshot(msg.YesBids, msg.YesAsks, msg.NoBids, msg.NoAsks)
}

func (f *wsFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *wsFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("venue websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *wsFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("venue websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
