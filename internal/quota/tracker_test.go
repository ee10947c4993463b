package quota

import (
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nilWriter{}, nil))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHardQuotaMonotonicity(t *testing.T) {
	t.Parallel()

	limits := map[Provider]Limits{ProviderMeteosource: {DailyLimit: 3, WarningThreshold: 0.8}}
	tr := NewTracker(limits, nil, testLogger())

	for i := 0; i < 3; i++ {
		tr.Record(ProviderMeteosource, true)
	}
	if !tr.IsQuotaExceeded(ProviderMeteosource) {
		t.Fatalf("expected quota exceeded after 3 calls against a limit of 3")
	}

	remainingBefore := tr.RemainingQuota(ProviderMeteosource)
	tr.Record(ProviderMeteosource, true) // one more call past the hard quota
	remainingAfter := tr.RemainingQuota(ProviderMeteosource)

	if remainingAfter > remainingBefore {
		t.Fatalf("remaining quota increased after exceeding hard quota: before=%d after=%d", remainingBefore, remainingAfter)
	}
	if !tr.IsQuotaExceeded(ProviderMeteosource) {
		t.Fatalf("quota-exceeded flag must remain true")
	}
}

func TestRemainingQuotaNeverNegative(t *testing.T) {
	t.Parallel()

	limits := map[Provider]Limits{ProviderOpenWeather: {DailyLimit: 1}}
	tr := NewTracker(limits, nil, testLogger())

	tr.Record(ProviderOpenWeather, true)
	tr.Record(ProviderOpenWeather, true)
	tr.Record(ProviderOpenWeather, true)

	if got := tr.RemainingQuota(ProviderOpenWeather); got != 0 {
		t.Errorf("RemainingQuota = %d, want 0", got)
	}
}

func TestNoHardQuotaReturnsNegativeOne(t *testing.T) {
	t.Parallel()

	tr := NewTracker(map[Provider]Limits{}, nil, testLogger())
	if got := tr.RemainingQuota(ProviderWeatherAPI); got != -1 {
		t.Errorf("RemainingQuota for unconfigured provider = %d, want -1", got)
	}
}

func TestBurstModeToggle(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultLimits(), nil, testLogger())
	tr.EnterBurstMode()
	tr.Record(ProviderOpenMeteo, true)
	if tr.records[ProviderOpenMeteo].burstCount != 1 {
		t.Errorf("expected burst count to increment while in burst mode")
	}
	tr.ExitBurstMode()
	tr.Record(ProviderOpenMeteo, true)
	if tr.records[ProviderOpenMeteo].burstCount != 1 {
		t.Errorf("expected burst count to stay flat outside burst mode")
	}
}

func TestIdempotentDayRollover(t *testing.T) {
	t.Parallel()

	tr := NewTracker(map[Provider]Limits{ProviderOpenMeteo: {DailyLimit: 100}}, nil, testLogger())
	tr.Record(ProviderOpenMeteo, true)
	tr.Record(ProviderOpenMeteo, true)

	future := tr.today.AddDate(0, 0, 1)
	tr.rolloverIfNeeded(future)
	countAfterFirstRollover := tr.records[ProviderOpenMeteo].callCount

	tr.rolloverIfNeeded(future) // same date again: must be a no-op
	countAfterSecondRollover := tr.records[ProviderOpenMeteo].callCount

	if countAfterFirstRollover != countAfterSecondRollover {
		t.Errorf("rollover is not idempotent: %d != %d", countAfterFirstRollover, countAfterSecondRollover)
	}
}
