package api

import (
	"time"

	"wxarb/internal/config"
	"wxarb/internal/trading"
)

// StatusSnapshot is the complete point-in-time status of the trading core,
// served over /api/snapshot and pushed to WebSocket clients (§6).
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Mode    string `json:"mode"`
	Urgency string `json:"urgency"`

	KillSwitch KillSwitchStatus `json:"kill_switch"`

	Providers []ProviderStatus `json:"providers"`

	OpenPositions []PositionStatus `json:"open_positions"`

	Opportunities []OpportunityStatus `json:"opportunities"`

	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	Config ConfigSummary `json:"config"`
}

// OpportunityStatus is a dashboard-facing view of one evaluated forecast
// signal, surfaced even when it did not result in a trade (SPEC_FULL.md
// supplemented feature 4: opportunity scoring for observability).
type OpportunityStatus struct {
	MarketID string    `json:"market_id"`
	CityID   string    `json:"city_id"`
	Metric   string    `json:"metric"`
	Edge     float64   `json:"edge"`
	Score    float64   `json:"score"`
	Captured bool      `json:"captured"`
	At       time.Time `json:"at"`
}

// ProviderStatus reports one weather API's quota consumption (§4.2).
type ProviderStatus struct {
	Provider      string  `json:"provider"`
	CallsToday    int64   `json:"calls_today"`
	DailyLimit    int64   `json:"daily_limit"`
	UsagePercent  float64 `json:"usage_percent"`
	QuotaExceeded bool    `json:"quota_exceeded"`
	RateLimited   bool    `json:"rate_limited"`
}

// PositionStatus is a dashboard-facing view of one open position (§4.5.6).
type PositionStatus struct {
	MarketID      string    `json:"market_id"`
	Side          string    `json:"side"`
	Shares        float64   `json:"shares"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	EntryTime     time.Time `json:"entry_time"`
}

// KillSwitchStatus mirrors trading.KillStatus for JSON serialization.
type KillSwitchStatus struct {
	Triggered    bool      `json:"triggered"`
	Reason       string    `json:"reason,omitempty"`
	TriggeredAt  time.Time `json:"triggered_at,omitempty"`
	CooldownEnds time.Time `json:"cooldown_ends,omitempty"`
}

// NewKillSwitchStatus converts a trading.KillStatus.
func NewKillSwitchStatus(s trading.KillStatus) KillSwitchStatus {
	return KillSwitchStatus{
		Triggered:    s.Triggered,
		Reason:       s.Reason,
		TriggeredAt:  s.TriggeredAt,
		CooldownEnds: s.CooldownEnds,
	}
}

// ConfigSummary surfaces the trading parameters that matter to an operator
// watching the dashboard (§6).
type ConfigSummary struct {
	MinEdgeThreshold   float64 `json:"min_edge_threshold"`
	KellyFraction      float64 `json:"kelly_fraction"`
	MaxPositionSize    float64 `json:"max_position_size"`
	MinPositionSizeUSD float64 `json:"min_position_size_usd"`
	TakeProfit         float64 `json:"take_profit"`
	StopLoss           float64 `json:"stop_loss"`
	AutoModeEnabled    bool    `json:"auto_mode_enabled"`
	CitiesTracked      int     `json:"cities_tracked"`
	DryRun             bool    `json:"dry_run"`
}

// NewConfigSummary builds a ConfigSummary from the loaded configuration.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		MinEdgeThreshold:   cfg.Trading.MinEdgeThreshold,
		KellyFraction:      cfg.Trading.KellyFraction,
		MaxPositionSize:    cfg.Trading.MaxPositionSize,
		MinPositionSizeUSD: cfg.Trading.MinPositionSizeUSD,
		TakeProfit:         cfg.Trading.TakeProfit,
		StopLoss:           cfg.Trading.StopLoss,
		AutoModeEnabled:    cfg.Trading.AutoModeEnabled,
		CitiesTracked:      len(cfg.Cities),
		DryRun:             cfg.DryRun,
	}
}
