package bus

import (
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nilWriter{}, nil))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSubscribeUnknownTagErrors(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	if _, _, err := b.Subscribe(Tag("nonsense"), 4); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestPublishUnknownTagErrors(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	if err := b.Publish(Tag("nonsense"), nil); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	ch, _, err := b.Subscribe(TagFileDetected, 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Publish(TagFileDetected, i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if evt.Payload.(int) != i {
				t.Errorf("event %d payload = %v, want %d", i, evt.Payload, i)
			}
			if evt.Seq != uint64(i+1) {
				t.Errorf("event %d seq = %d, want %d", i, evt.Seq, i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishDropsOldestOnFullQueue(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	ch, _, err := b.Subscribe(TagRateLimited, 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = b.Publish(TagRateLimited, i)
	}

	// Queue holds 2; the two newest publishes (3,4) should survive.
	first := <-ch
	second := <-ch
	if first.Payload.(int) != 3 || second.Payload.(int) != 4 {
		t.Errorf("expected oldest events dropped, got %v then %v", first.Payload, second.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	ch, sub, err := b.Subscribe(TagModeTransition, 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Unsubscribe(sub)

	if err := b.Publish(TagModeTransition, "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Errorf("expected channel closed after unsubscribe")
	}
}

func TestSequenceNumbersArePerTag(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	chA, _, _ := b.Subscribe(TagFileDetected, 4)
	chB, _, _ := b.Subscribe(TagAPIData, 4)

	_ = b.Publish(TagFileDetected, 1)
	_ = b.Publish(TagAPIData, 2)
	_ = b.Publish(TagFileDetected, 3)

	evtA1 := <-chA
	evtB1 := <-chB
	evtA2 := <-chA

	if evtA1.Seq != 1 || evtA2.Seq != 2 {
		t.Errorf("expected TagFileDetected sequence 1,2 got %d,%d", evtA1.Seq, evtA2.Seq)
	}
	if evtB1.Seq != 1 {
		t.Errorf("expected TagAPIData sequence to start at 1 independently, got %d", evtB1.Seq)
	}
}
