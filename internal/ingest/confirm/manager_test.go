package confirm

import (
	"log/slog"
	"testing"
	"time"

	"wxarb/internal/bus"
	"wxarb/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(slog.Default())
	return NewManager(DefaultTolerances(), DefaultChangeThresholds(), DefaultTriggerThresholds(), b, slog.Default()), b
}

func testCycle() *types.CycleKey {
	return &types.CycleKey{Model: types.HRRR, CycleDateUTC: time.Now().UTC(), CycleHour: 0}
}

func TestFileValueWinsOverPriorAPIValue(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	cycle := testCycle()

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 19.5, Cycle: cycle})
	m.IngestFile(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 20.0, Cycle: cycle})

	var last ForecastChangedEvent
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			last = evt.Payload.(ForecastChangedEvent)
		case <-time.After(time.Second):
			t.Fatalf("expected two forecast-changed events, got %d", i)
		}
	}
	if last.Snapshot.ConfirmationState != types.StateFileConfirmed {
		t.Errorf("expected the final published state to be file-confirmed, got %v", last.Snapshot.ConfirmationState)
	}
	if last.Snapshot.Value != 20.0 {
		t.Errorf("expected file value 20.0 to win, got %f", last.Snapshot.Value)
	}
}

func TestLateAPIValueDoesNotOverrideFileConfirmed(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	cycle := testCycle()

	m.IngestFile(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 20.0, Cycle: cycle})

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 99.0, Cycle: cycle})

	select {
	case evt := <-ch:
		t.Fatalf("expected no further event once file-confirmed, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisagreementBeyondToleranceFlaggedAsConflict(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	cycle := testCycle()

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 10.0, Cycle: cycle})
	<-ch
	m.IngestFile(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 15.0, Cycle: cycle})

	evt := <-ch
	payload := evt.Payload.(ForecastChangedEvent)
	if !payload.Conflict {
		t.Errorf("expected a 5C disagreement (tolerance 0.5C) to be flagged as conflict")
	}
}

func TestRepeatedAPIValueDoesNotReemit(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	cycle := testCycle()

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 1.56, Cycle: cycle})
	<-ch // first observation always emits

	// A 1Hz fallback poll repeating the same value should not cross the
	// trigger threshold and must not republish (§4.4.3 rule 2).
	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 1.60, Cycle: cycle})

	select {
	case evt := <-ch:
		t.Fatalf("expected no re-emission for a sub-threshold change, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAPIValueReemitsOnceChangeCrossesTriggerThreshold(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	cycle := testCycle()

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 1.56, Cycle: cycle})
	<-ch

	// A 0.74C move clears the 0.6C default API trigger threshold.
	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 2.3, Cycle: cycle})

	select {
	case evt := <-ch:
		payload := evt.Payload.(ForecastChangedEvent)
		if payload.Snapshot.Value != 2.3 {
			t.Errorf("expected the re-emitted snapshot to carry the new value, got %f", payload.Snapshot.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a forecast-changed event once the change crossed the trigger threshold")
	}
}

func TestIngestDirectGatesOnTriggerThreshold(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)

	ch, sub, _ := b.Subscribe(bus.TagForecastChanged, 4)
	defer b.Unsubscribe(sub)

	m.IngestDirect(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 20.0})
	<-ch // first observation always emits

	// Simulates a steady-state 1Hz poll returning the same value: must not
	// flood forecast-changed every tick.
	for i := 0; i < 3; i++ {
		m.IngestDirect(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 20.05})
	}

	select {
	case evt := <-ch:
		t.Fatalf("expected steady-state repeats of an unchanged value not to re-emit, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	m.IngestDirect(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 21.0})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a forecast-changed event once the direct value crossed the trigger threshold")
	}
}

func TestSweepExpiredCyclesRemovesOldState(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	cycle := testCycle()
	m.IngestAPI(types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 10.0, Cycle: cycle})

	m.SweepExpiredCycles(0, time.Now().Add(time.Hour))

	m.mu.Lock()
	n := len(m.cycles)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("expected expired cycle state to be swept, got %d remaining", n)
	}
}
