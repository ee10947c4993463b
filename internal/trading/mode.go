package trading

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/quota"
)

// Mode is one of the four mutually-exclusive operational modes (§4.5.1).
type Mode string

const (
	ModeOpenMeteoPolling  Mode = "OPEN_METEO_POLLING"
	ModeMeteosourcePolling Mode = "METEOSOURCE_POLLING"
	ModeWebSocketREST     Mode = "WEBSOCKET_REST"
	ModeRoundRobinBurst   Mode = "ROUND_ROBIN_BURST"
)

// Urgency is the UTC-time-of-day urgency band (§4.5.1).
type Urgency string

const (
	UrgencyHigh   Urgency = "HIGH"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyLow    Urgency = "LOW"
)

// urgencyWindow is a half-open [start,end) UTC time-of-day interval.
type urgencyWindow struct {
	startHour, startMin int
	endHour, endMin     int
}

func (w urgencyWindow) contains(t time.Time) bool {
	start := w.startHour*60 + w.startMin
	end := w.endHour*60 + w.endMin
	now := t.Hour()*60 + t.Minute()
	return now >= start && now < end
}

// UrgencyWindows are the fixed UTC windows from §4.5.1.
var highWindows = []urgencyWindow{
	{0, 30, 2, 30},
	{12, 30, 14, 30},
}

var mediumWindows = []urgencyWindow{
	{6, 30, 7, 30},
	{18, 30, 19, 30},
}

// CurrentUrgency classifies t (must be UTC) into HIGH/MEDIUM/LOW.
func CurrentUrgency(t time.Time) Urgency {
	for _, w := range highWindows {
		if w.contains(t) {
			return UrgencyHigh
		}
	}
	for _, w := range mediumWindows {
		if w.contains(t) {
			return UrgencyMedium
		}
	}
	return UrgencyLow
}

// modeForUrgency maps an urgency band to its associated polling mode
// (§4.5.1 table), used both on auto transition and on burst completion.
func modeForUrgency(u Urgency, webSocketOnly bool) Mode {
	if webSocketOnly {
		return ModeWebSocketREST
	}
	switch u {
	case UrgencyHigh:
		return ModeOpenMeteoPolling
	default:
		return ModeMeteosourcePolling
	}
}

// ModeTransitionEvent is the payload published on bus.TagModeTransition.
type ModeTransitionEvent struct {
	From Mode
	To   Mode
	At   time.Time
}

// BurstEvent is the payload published on bus.TagBurstEnter/TagBurstExit.
type BurstEvent struct {
	At time.Time
}

// Controller owns the single process-wide mode and drives its transitions
// (§4.5.1). Grounded on internal/risk.Manager's single-mutex owning-state
// shape plus a periodic-ticker Run loop.
type Controller struct {
	mu            sync.Mutex
	mode          Mode
	autoEnabled   bool
	webSocketOnly bool
	burstUntil    time.Time
	burstThreshold float64

	bus    *bus.Bus
	logger *slog.Logger
}

// NewController constructs a mode controller starting in the mode implied
// by the current urgency, with auto-mode enabled.
func NewController(now time.Time, webSocketOnly bool, burstThreshold float64, b *bus.Bus, logger *slog.Logger) *Controller {
	c := &Controller{
		autoEnabled:    true,
		webSocketOnly:  webSocketOnly,
		burstThreshold: burstThreshold,
		bus:            b,
		logger:         logger.With("component", "mode"),
	}
	c.mode = modeForUrgency(CurrentUrgency(now), webSocketOnly)
	return c
}

// Mode returns the currently active mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Run drives the 10s background urgency check until ctx is cancelled
// (§4.5.1).
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.checkUrgency(now.UTC())
		}
	}
}

// checkUrgency transitions to the urgency-appropriate mode if needed, and
// exits an expired burst window. Only runs while auto-mode is enabled.
func (c *Controller) checkUrgency(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeRoundRobinBurst {
		if now.After(c.burstUntil) {
			c.transitionLocked(modeForUrgency(CurrentUrgency(now), c.webSocketOnly))
			c.publish(bus.TagBurstExit, BurstEvent{At: now})
		}
		return
	}

	if !c.autoEnabled {
		return
	}

	target := modeForUrgency(CurrentUrgency(now), c.webSocketOnly)
	if target != c.mode {
		c.transitionLocked(target)
	}
}

// ForceMode manually pins the mode, disabling auto-mode until
// ReturnToNormal is called (§4.5.1).
func (c *Controller) ForceMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoEnabled = false
	c.transitionLocked(m)
}

// ReturnToNormal re-enables auto-mode and immediately re-evaluates urgency.
func (c *Controller) ReturnToNormal(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoEnabled = true
	c.transitionLocked(modeForUrgency(CurrentUrgency(now), c.webSocketOnly))
}

// TryEnterBurst enters ROUND_ROBIN_BURST if currently in LOW urgency's
// polling mode, the magnitude exceeds the configured threshold, and the
// change was WebSocket-sourced (§4.5.1). Returns whether burst was
// entered.
func (c *Controller) TryEnterBurst(now time.Time, webSocketSourced bool, magnitude float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !webSocketSourced || magnitude < c.burstThreshold {
		return false
	}
	if CurrentUrgency(now) != UrgencyLow {
		return false
	}
	if c.mode == ModeRoundRobinBurst {
		return false
	}

	c.burstUntil = now.Add(60 * time.Second)
	c.transitionLocked(ModeRoundRobinBurst)
	c.publish(bus.TagBurstEnter, BurstEvent{At: now})
	return true
}

// ActiveProviders returns the round-robin provider rotation for burst mode,
// filtered by tracker state (§4.5.1: "skipping any provider where
// isQuotaExceeded or isRateLimited").
func ActiveProviders(tracker *quota.Tracker) []quota.Provider {
	candidates := []quota.Provider{quota.ProviderOpenMeteo, quota.ProviderTomorrowIO, quota.ProviderOpenWeather}
	out := make([]quota.Provider, 0, len(candidates))
	for _, p := range candidates {
		if tracker.IsQuotaExceeded(p) || tracker.IsRateLimited(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Controller) transitionLocked(to Mode) {
	if to == c.mode {
		return
	}
	from := c.mode
	c.mode = to
	c.logger.Info("mode transition", "from", from, "to", to)
	c.publish(bus.TagModeTransition, ModeTransitionEvent{From: from, To: to, At: time.Now()})
}

func (c *Controller) publish(tag bus.Tag, payload any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(tag, payload); err != nil {
		c.logger.Error("publish failed", "tag", tag, "error", err)
	}
}
