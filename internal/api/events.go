package api

import (
	"time"

	"wxarb/internal/quota"
	"wxarb/internal/trading"
)

// DashboardEvent is the wrapper for every event pushed to WebSocket clients.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "mode_transition", "burst", "trade_intent", "kill", "quota"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ModeTransitionPayload reports a Hybrid Mode Controller transition (§4.5.1).
type ModeTransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewModeTransitionEvent wraps a trading.ModeTransitionEvent.
func NewModeTransitionEvent(evt trading.ModeTransitionEvent) DashboardEvent {
	return DashboardEvent{
		Type:      "mode_transition",
		Timestamp: evt.At,
		Data:      ModeTransitionPayload{From: string(evt.From), To: string(evt.To)},
	}
}

// BurstPayload reports entry into or exit from ROUND_ROBIN_BURST.
type BurstPayload struct {
	Entered bool `json:"entered"`
}

// NewBurstEvent wraps a trading.BurstEvent.
func NewBurstEvent(evt trading.BurstEvent, entered bool) DashboardEvent {
	return DashboardEvent{
		Type:      "burst",
		Timestamp: evt.At,
		Data:      BurstPayload{Entered: entered},
	}
}

// TradeIntentPayload reports one captured opportunity (§4.5.5).
type TradeIntentPayload struct {
	MarketID string  `json:"market_id"`
	Side     string  `json:"side"`
	SizeUSD  float64 `json:"size_usd"`
	Price    float64 `json:"price"`
	Edge     float64 `json:"edge"`
}

// NewTradeIntentEvent wraps a trading.TradeIntentEvent.
func NewTradeIntentEvent(evt trading.TradeIntentEvent) DashboardEvent {
	sizeF, _ := evt.Size.Float64()
	priceF, _ := evt.Price.Float64()
	return DashboardEvent{
		Type:      "trade_intent",
		Timestamp: evt.At,
		Data: TradeIntentPayload{
			MarketID: evt.MarketID,
			Side:     string(evt.Side),
			SizeUSD:  sizeF,
			Price:    priceF,
			Edge:     evt.Edge.Edge,
		},
	}
}

// KillEventPayload reports a kill switch trip (§4.5.7).
type KillEventPayload struct {
	Reason       string    `json:"reason"`
	CooldownEnds time.Time `json:"cooldown_ends"`
}

// NewKillEvent builds a kill switch trip event.
func NewKillEvent(status trading.KillStatus) DashboardEvent {
	return DashboardEvent{
		Type:      "kill",
		Timestamp: status.TriggeredAt,
		Data:      KillEventPayload{Reason: status.Reason, CooldownEnds: status.CooldownEnds},
	}
}

// QuotaEventPayload reports a provider quota/rate-limit crossing (§4.2).
type QuotaEventPayload struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// NewQuotaExceededEvent wraps a quota.QuotaExceededEvent.
func NewQuotaExceededEvent(evt quota.QuotaExceededEvent) DashboardEvent {
	return DashboardEvent{
		Type:      "quota",
		Timestamp: evt.At,
		Data:      QuotaEventPayload{Provider: string(evt.Provider), Reason: "quota_exceeded"},
	}
}

// NewRateLimitedEvent wraps a quota.RateLimitedEvent.
func NewRateLimitedEvent(evt quota.RateLimitedEvent) DashboardEvent {
	return DashboardEvent{
		Type:      "quota",
		Timestamp: evt.At,
		Data:      QuotaEventPayload{Provider: string(evt.Provider), Reason: evt.Reason},
	}
}
