package fallback

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/quota"
	"wxarb/pkg/types"
)

type fakeProvider struct {
	name  quota.Provider
	value float64
	err   error
}

func (f *fakeProvider) Name() quota.Provider { return f.name }
func (f *fakeProvider) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	return f.value, f.err
}

func newTestPoller(t *testing.T, p Provider) (*Poller, *bus.Bus) {
	t.Helper()
	b := bus.New(slog.Default())
	tracker := quota.NewTracker(quota.DefaultLimits(), b, slog.Default())
	cities := []CityQuery{{ID: "nyc", Lat: 40.7, Lon: -74.0}}
	return NewPoller(DefaultConfig(), p, tracker, b, slog.Default(), cities), b
}

func TestFetchOncePublishesAPIUnconfirmedSnapshots(t *testing.T) {
	t.Parallel()
	p, b := newTestPoller(t, &fakeProvider{name: quota.ProviderOpenMeteo, value: 21.0})

	ch, sub, err := b.Subscribe(bus.TagAPIData, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub)

	p.fetchOnce(context.Background(), types.CycleKey{Model: types.HRRR})

	select {
	case evt := <-ch:
		data := evt.Payload.(APIDataEvent)
		if len(data.Snapshots) != 3 {
			t.Fatalf("expected 3 snapshots (temp/wind/precip), got %d", len(data.Snapshots))
		}
		for _, s := range data.Snapshots {
			if s.ConfirmationState != types.StateAPIUnconfirmed || s.Source != types.SourceAPI {
				t.Errorf("snapshot %+v: expected API-unconfirmed source state", s)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected api-data event to be published")
	}
}

func TestFetchOnceSkippedWhenQuotaExceeded(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{name: quota.ProviderMeteosource, value: 10}
	p, b := newTestPoller(t, provider)

	for i := 0; i < 500; i++ {
		p.tracker.Record(quota.ProviderMeteosource, true)
	}
	if !p.tracker.IsQuotaExceeded(quota.ProviderMeteosource) {
		t.Fatalf("expected quota exhausted after hitting the daily limit")
	}

	ch, sub, _ := b.Subscribe(bus.TagAPIData, 1)
	defer b.Unsubscribe(sub)

	p.fetchOnce(context.Background(), types.CycleKey{Model: types.HRRR})

	select {
	case <-ch:
		t.Fatal("expected no api-data event once quota is exceeded")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestArmDisarmLifecycle(t *testing.T) {
	t.Parallel()
	p, _ := newTestPoller(t, &fakeProvider{name: quota.ProviderOpenMeteo, value: 1})

	key := "HRRR/2026-07-31/00Z"
	p.mu.Lock()
	p.active[key] = func() {}
	p.mu.Unlock()

	p.disarm(key)

	p.mu.Lock()
	_, stillActive := p.active[key]
	p.mu.Unlock()
	if stillActive {
		t.Errorf("expected disarm to remove the active job entry")
	}
}
