package trading

import (
	"log/slog"
	"sync"
	"time"

	"wxarb/internal/bus"
)

// KillSwitchConfig bundles the configured triggers (§4.5.7, §6 defaults).
type KillSwitchConfig struct {
	DailyLossLimit       float64       // fraction of daily-start capital, default 0.20
	MaxDrawdownLimit     float64       // fraction from peak capital, default 0.25
	ConsecutiveLossLimit int           // default 5
	CooldownPeriod       time.Duration // default 24h
	MinTradesBeforeKill  int           // gates triggering from tiny samples
}

// DefaultKillSwitchConfig returns §6's defaults.
func DefaultKillSwitchConfig() KillSwitchConfig {
	return KillSwitchConfig{
		DailyLossLimit:       0.20,
		MaxDrawdownLimit:     0.25,
		ConsecutiveLossLimit: 5,
		CooldownPeriod:       24 * time.Hour,
		MinTradesBeforeKill:  1,
	}
}

// KillStatus is the snapshot Status returns. The kill switch publishes no
// bus event of its own (the bus enumerates only the tags named in §4.2);
// callers observe the switch through IsTriggered/Status.
type KillStatus struct {
	Triggered    bool
	Reason       string
	TriggeredAt  time.Time
	CooldownEnds time.Time
}

// KillSwitch is the process-wide risk governor (§4.5.7). Grounded on
// internal/risk.Manager's single-mutex running-totals shape, generalized
// from per-market price-anchor tracking to whole-portfolio PnL tracking.
type KillSwitch struct {
	cfg    KillSwitchConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu sync.Mutex

	utcDay           string
	dailyStartCapital float64
	dailyRealizedPnL float64

	peakCapital      float64
	consecutiveLosses int
	tradeCount       int

	triggered    bool
	reason       string
	triggeredAt  time.Time
	cooldownEnds time.Time
}

// NewKillSwitch constructs a kill switch seeded with the starting portfolio
// value, used as both the first day's daily-start capital and the initial
// peak.
func NewKillSwitch(cfg KillSwitchConfig, startingCapital float64, now time.Time, b *bus.Bus, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		cfg:               cfg,
		bus:               b,
		logger:            logger.With("component", "killswitch"),
		utcDay:            utcDate(now),
		dailyStartCapital: startingCapital,
		peakCapital:       startingCapital,
	}
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordTrade reports one closed position's realized PnL against the
// current portfolio value and evaluates the triggers. now must be the
// close time; portfolioValueUSD the mark-to-market total after the close.
func (k *KillSwitch) RecordTrade(realizedPnL, portfolioValueUSD float64, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rolloverIfNeeded(now)

	k.dailyRealizedPnL += realizedPnL
	k.tradeCount++
	if realizedPnL < 0 {
		k.consecutiveLosses++
	} else {
		k.consecutiveLosses = 0
	}
	if portfolioValueUSD > k.peakCapital {
		k.peakCapital = portfolioValueUSD
	}

	k.clearExpiredCooldownLocked(now)
	if k.triggered {
		return
	}
	if k.tradeCount < k.cfg.MinTradesBeforeKill {
		return
	}

	if k.dailyStartCapital > 0 {
		dailyLossFrac := -k.dailyRealizedPnL / k.dailyStartCapital
		if dailyLossFrac >= k.cfg.DailyLossLimit {
			k.triggerLocked("daily loss limit exceeded", now)
			return
		}
	}
	if k.peakCapital > 0 {
		drawdownFrac := (k.peakCapital - portfolioValueUSD) / k.peakCapital
		if drawdownFrac >= k.cfg.MaxDrawdownLimit {
			k.triggerLocked("drawdown from peak exceeded", now)
			return
		}
	}
	if k.consecutiveLosses >= k.cfg.ConsecutiveLossLimit {
		k.triggerLocked("consecutive loss limit exceeded", now)
		return
	}
}

// rolloverIfNeeded resets the daily counters on a new UTC day. The
// triggered flag survives rollover (§4.5.7: "the triggered flag does not"
// reset on new day) — only the cooldown timer can clear it.
func (k *KillSwitch) rolloverIfNeeded(now time.Time) {
	day := utcDate(now)
	if day == k.utcDay {
		return
	}
	k.utcDay = day
	k.dailyStartCapital = k.peakCapital
	k.dailyRealizedPnL = 0
}

func (k *KillSwitch) triggerLocked(reason string, now time.Time) {
	k.triggered = true
	k.reason = reason
	k.triggeredAt = now
	k.cooldownEnds = now.Add(k.cfg.CooldownPeriod)
	k.logger.Warn("kill switch triggered", "reason", reason, "cooldownEnds", k.cooldownEnds)
}

// clearExpiredCooldownLocked automatically resets the switch once the
// cooldown has elapsed (§4.5.7: "cooldown reset is automatic once
// elapsed").
func (k *KillSwitch) clearExpiredCooldownLocked(now time.Time) {
	if k.triggered && !k.cooldownEnds.IsZero() && now.After(k.cooldownEnds) {
		k.logger.Info("kill switch cooldown elapsed, auto-reset")
		k.resetLocked()
	}
}

// Reset manually clears the triggered state (§4.5.7: "manual reset is
// explicit").
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger.Info("kill switch manually reset")
	k.resetLocked()
}

func (k *KillSwitch) resetLocked() {
	k.triggered = false
	k.reason = ""
	k.triggeredAt = time.Time{}
	k.cooldownEnds = time.Time{}
	k.consecutiveLosses = 0
}

// IsTriggered reports whether new-position admission is currently halted.
func (k *KillSwitch) IsTriggered(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearExpiredCooldownLocked(now)
	return k.triggered
}

// Status returns a snapshot of the kill switch's state for reporting.
func (k *KillSwitch) Status(now time.Time) KillStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearExpiredCooldownLocked(now)
	return KillStatus{
		Triggered:    k.triggered,
		Reason:       k.reason,
		TriggeredAt:  k.triggeredAt,
		CooldownEnds: k.cooldownEnds,
	}
}
