// Package quota implements the per-provider API call tracker (§4.2): a
// process-wide record of daily call counts, rate-limit state, and hard-quota
// exclusion for each weather provider.
//
// Modeled as a plain struct with one mutex and a map, per the teacher's
// "Manager" idiom (internal/risk.Manager, internal/exchange.TokenBucket):
// a process-scoped value constructed once at startup and passed down
// explicitly, never a hidden package-level singleton (§9).
package quota

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"wxarb/internal/bus"
)

// Provider names a weather API this core calls.
type Provider string

const (
	ProviderOpenMeteo      Provider = "openmeteo"
	ProviderMeteosource    Provider = "meteosource"
	ProviderOpenWeather    Provider = "openweather"
	ProviderTomorrowIO     Provider = "tomorrow"
	ProviderWeatherAPI     Provider = "weatherapi"
	ProviderWeatherbit     Provider = "weatherbit"
	ProviderVisualCrossing Provider = "visualcrossing"
)

// Limits holds the static configuration for one provider: its hard daily
// quota and the warning threshold (as a fraction of the quota) at which a
// one-shot warning fires.
type Limits struct {
	DailyLimit       int64
	WarningThreshold float64 // fraction of DailyLimit, default 0.8
}

// DefaultLimits returns the hard daily quotas named in §6.
func DefaultLimits() map[Provider]Limits {
	return map[Provider]Limits{
		ProviderOpenMeteo:      {DailyLimit: 9500, WarningThreshold: 0.8},
		ProviderMeteosource:    {DailyLimit: 500, WarningThreshold: 0.8},
		ProviderOpenWeather:    {DailyLimit: 1000, WarningThreshold: 0.8},
		ProviderTomorrowIO:     {DailyLimit: 1000, WarningThreshold: 0.8},
		ProviderWeatherAPI:     {DailyLimit: 1_000_000, WarningThreshold: 0.8},
		ProviderWeatherbit:     {DailyLimit: 500, WarningThreshold: 0.8},
		ProviderVisualCrossing: {DailyLimit: 1000, WarningThreshold: 0.8},
	}
}

// record is the per-provider mutable state (§4.2).
type record struct {
	callCount        int64
	burstCount       int64
	lastCallAt       time.Time
	rateLimited      bool
	rateLimitResetAt time.Time
	quotaExceeded    bool
	warnedThreshold  bool
}

// ArchivedDay is the prior UTC day's totals for one provider, logged (not
// published to the bus — §4.1 enumerates a fixed tag set with no
// day-rollover event) when rolloverIfNeeded resets counters.
type ArchivedDay struct {
	Date      time.Time
	Provider  Provider
	CallCount int64
}

// QuotaExceededEvent is the payload published on bus.TagQuotaExceeded.
type QuotaExceededEvent struct {
	Provider Provider
	At       time.Time
}

// RateLimitedEvent is the payload published on bus.TagRateLimited, covering
// both the rate-limit transition and the warning-threshold crossing.
type RateLimitedEvent struct {
	Provider Provider
	Reason   string // "rate_limited" or "warning_threshold"
	At       time.Time
}

// Tracker is the process-wide API call tracker. Constructed once at
// startup and shared by every component that makes outbound weather-API
// calls (§9: explicit construction, not a hidden singleton).
type Tracker struct {
	mu      sync.Mutex
	limits  map[Provider]Limits
	records map[Provider]*record
	today   time.Time // UTC date of the currently-tracked day

	bus    *bus.Bus
	logger *slog.Logger

	burstMode bool
}

// NewTracker creates a tracker with the given per-provider limits.
func NewTracker(limits map[Provider]Limits, b *bus.Bus, logger *slog.Logger) *Tracker {
	records := make(map[Provider]*record, len(limits))
	for p := range limits {
		records[p] = &record{}
	}
	return &Tracker{
		limits:  limits,
		records: records,
		today:   utcDate(time.Now()),
		bus:     b,
		logger:  logger.With("component", "quota"),
	}
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Record increments counters for provider and evaluates thresholds.
// success is currently only used for logging context — the tracker counts
// every attempted call against quota regardless of outcome, since a failed
// call still consumed provider capacity.
func (t *Tracker) Record(provider Provider, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverIfNeeded(time.Now())

	rec, ok := t.records[provider]
	if !ok {
		rec = &record{}
		t.records[provider] = rec
	}

	rec.callCount++
	rec.lastCallAt = time.Now()
	if t.burstMode {
		rec.burstCount++
	}

	limit, hasLimit := t.limits[provider]
	if !hasLimit || limit.DailyLimit <= 0 {
		return
	}

	wasExceeded := rec.quotaExceeded
	if rec.callCount >= limit.DailyLimit {
		rec.quotaExceeded = true
	}
	if rec.quotaExceeded && !wasExceeded {
		t.logger.Warn("provider hard quota exceeded", "provider", provider, "calls", rec.callCount)
		t.publish(bus.TagQuotaExceeded, QuotaExceededEvent{Provider: provider, At: rec.lastCallAt})
	}

	threshold := limit.WarningThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	if !rec.warnedThreshold && float64(rec.callCount) >= threshold*float64(limit.DailyLimit) {
		rec.warnedThreshold = true
		t.logger.Warn("provider approaching daily quota", "provider", provider,
			"calls", rec.callCount, "limit", limit.DailyLimit)
		t.publish(bus.TagRateLimited, RateLimitedEvent{Provider: provider, Reason: "warning_threshold", At: rec.lastCallAt})
	}
}

// MarkRateLimited records a provider-reported 429/rate-limit response; the
// flag clears automatically once now passes resetAt.
func (t *Tracker) MarkRateLimited(provider Provider, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordFor(provider)
	rec.rateLimited = true
	rec.rateLimitResetAt = resetAt
	t.publish(bus.TagRateLimited, RateLimitedEvent{Provider: provider, Reason: "rate_limited", At: time.Now()})
}

func (t *Tracker) recordFor(provider Provider) *record {
	rec, ok := t.records[provider]
	if !ok {
		rec = &record{}
		t.records[provider] = rec
	}
	return rec
}

// IsQuotaExceeded reports whether provider has permanently exhausted its
// hard quota for the remainder of the UTC day (§4.2, §8 invariant 2).
func (t *Tracker) IsQuotaExceeded(provider Provider) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverIfNeeded(time.Now())
	rec, ok := t.records[provider]
	return ok && rec.quotaExceeded
}

// IsRateLimited reports whether provider is currently inside its rate-limit
// cooldown, clearing the flag automatically once the reset time has passed.
func (t *Tracker) IsRateLimited(provider Provider) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverIfNeeded(time.Now())
	rec, ok := t.records[provider]
	if !ok || !rec.rateLimited {
		return false
	}
	if time.Now().After(rec.rateLimitResetAt) {
		rec.rateLimited = false
		return false
	}
	return true
}

// RemainingQuota returns the hard-quota headroom left today, or -1 if the
// provider has no hard quota configured.
func (t *Tracker) RemainingQuota(provider Provider) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverIfNeeded(time.Now())
	limit, hasLimit := t.limits[provider]
	if !hasLimit || limit.DailyLimit <= 0 {
		return -1
	}
	rec := t.records[provider]
	remaining := limit.DailyLimit
	if rec != nil {
		remaining -= rec.callCount
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// UsagePercent returns the fraction of the daily limit consumed so far.
func (t *Tracker) UsagePercent(provider Provider) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, hasLimit := t.limits[provider]
	if !hasLimit || limit.DailyLimit <= 0 {
		return 0
	}
	rec := t.records[provider]
	if rec == nil {
		return 0
	}
	return float64(rec.callCount) / float64(limit.DailyLimit)
}

// CallsToday returns the number of calls recorded for provider since the
// last UTC rollover, for status reporting and warm-reboot persistence.
func (t *Tracker) CallsToday(provider Provider) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverIfNeeded(time.Now())
	rec, ok := t.records[provider]
	if !ok {
		return 0
	}
	return rec.callCount
}

// Providers returns every provider this tracker was configured with, in a
// deterministic order (sorted by name) so status reports and burst rotation
// never depend on Go's randomized map iteration (§9).
func (t *Tracker) Providers() []Provider {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Provider, 0, len(t.limits))
	for p := range t.limits {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnterBurstMode / ExitBurstMode toggle burst accounting (§4.2).
func (t *Tracker) EnterBurstMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.burstMode = true
}

func (t *Tracker) ExitBurstMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.burstMode = false
}

// rolloverIfNeeded resets all counters on the first operation of a new UTC
// date. Must be called with t.mu held. Running it twice for the same date
// is a no-op (§8 invariant 7, idempotent day rollover).
func (t *Tracker) rolloverIfNeeded(now time.Time) {
	today := utcDate(now)
	if !today.After(t.today) {
		return
	}

	for provider, rec := range t.records {
		archived := ArchivedDay{Date: t.today, Provider: provider, CallCount: rec.callCount}
		t.logger.Info("archiving daily provider counters",
			"date", archived.Date.Format("2006-01-02"), "provider", archived.Provider, "calls", archived.CallCount)
		*rec = record{}
	}
	t.today = today
	t.burstMode = false
}

func (t *Tracker) publish(tag bus.Tag, payload any) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(tag, payload); err != nil {
		t.logger.Error("publish failed", "tag", tag, "error", err)
	}
}
