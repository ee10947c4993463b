// Package bus implements the typed publish/subscribe event backbone that
// connects the schedule manager, ingestion pipeline, and trading core (§4.1).
//
// Tags are enumerated at package init; subscribing to an unknown tag is a
// programmer error caught at subscribe time, not a silent drop. Each
// subscriber gets its own bounded channel; a slow subscriber that falls
// behind has its oldest queued event dropped (with a warning log) rather
// than blocking the publisher — publishers must never stall on a handler.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Tag names one of the fixed set of event kinds the bus carries.
type Tag string

// The exhaustive set of tags the bus accepts (§4.1). No other tag may be
// published or subscribed to.
const (
	TagDetectionWindowOpen Tag = "detection-window-open"
	TagFileDetected        Tag = "file-detected"
	TagFileConfirmed       Tag = "file-confirmed"
	TagAPIData             Tag = "api-data"
	TagForecastChanged     Tag = "forecast-changed"
	TagQuotaExceeded       Tag = "quota-exceeded"
	TagRateLimited         Tag = "rate-limited"
	TagProviderFetch       Tag = "provider-fetch"
	TagModeTransition      Tag = "mode-transition"
	TagBurstEnter          Tag = "burst-enter"
	TagBurstExit           Tag = "burst-exit"
	TagTradeIntent         Tag = "trade-intent"
	TagPositionClosed      Tag = "position-closed"
)

var knownTags = map[Tag]struct{}{
	TagDetectionWindowOpen: {},
	TagFileDetected:        {},
	TagFileConfirmed:       {},
	TagAPIData:             {},
	TagForecastChanged:     {},
	TagQuotaExceeded:       {},
	TagRateLimited:         {},
	TagProviderFetch:       {},
	TagModeTransition:      {},
	TagBurstEnter:          {},
	TagBurstExit:           {},
	TagTradeIntent:         {},
	TagPositionClosed:      {},
}

// ErrUnknownTag is returned by Subscribe/Publish for a tag outside the
// enumerated set.
type ErrUnknownTag struct{ Tag Tag }

func (e ErrUnknownTag) Error() string {
	return fmt.Sprintf("bus: unknown tag %q", e.Tag)
}

// Event is the single tagged-variant envelope the bus dispatches (§9:
// "replace [untyped emitters] with a single tagged-variant Event type").
// Payload carries the tag-specific struct defined by the publishing
// component; subscribers type-assert based on the tag they subscribed to.
type Event struct {
	Tag         Tag
	Seq         uint64
	Payload     any
	PublishedAt time.Time
}

// DefaultSubscriberBuffer is the per-subscriber queue depth used when a
// caller does not specify one.
const DefaultSubscriberBuffer = 64

// subscriber is one registered channel for a tag.
type subscriber struct {
	id  uint64
	tag Tag
	ch  chan Event
}

// Bus is the concurrency-safe, in-process pub/sub backbone. It owns no
// domain data: events are forwarded by value (§3 "The Event Bus owns no
// data — it only forwards references by value").
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[Tag][]*subscriber
	nextID uint64

	seq map[Tag]*atomic.Uint64
}

// New creates a bus ready to accept subscriptions and publications.
func New(logger *slog.Logger) *Bus {
	seq := make(map[Tag]*atomic.Uint64, len(knownTags))
	for tag := range knownTags {
		seq[tag] = &atomic.Uint64{}
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[Tag][]*subscriber),
		seq:    seq,
	}
}

// Subscription is an opaque handle returned by Subscribe; pass it to
// Unsubscribe to stop delivery and release the channel.
type Subscription struct {
	id  uint64
	tag Tag
}

// Subscribe registers a new listener for tag and returns a receive-only
// channel plus a handle to unsubscribe later. bufSize <= 0 uses
// DefaultSubscriberBuffer.
func (b *Bus) Subscribe(tag Tag, bufSize int) (<-chan Event, Subscription, error) {
	if _, ok := knownTags[tag]; !ok {
		return nil, Subscription{}, ErrUnknownTag{Tag: tag}
	}
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, tag: tag, ch: make(chan Event, bufSize)}
	b.subs[tag] = append(b.subs[tag], sub)

	return sub.ch, Subscription{id: sub.id, tag: tag}, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once for the same handle.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.tag]
	for i, s := range list {
		if s.id == sub.id {
			close(s.ch)
			b.subs[sub.tag] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of tag, stamping a
// per-tag monotonic sequence number and the current time. Delivery is
// non-blocking: a subscriber whose queue is full has its oldest event
// dropped (and a warning logged) to make room for the new one, rather than
// stalling the publisher.
func (b *Bus) Publish(tag Tag, payload any) error {
	if _, ok := knownTags[tag]; !ok {
		return ErrUnknownTag{Tag: tag}
	}

	seq := b.seq[tag].Add(1)
	evt := Event{Tag: tag, Seq: seq, Payload: payload, PublishedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[tag] {
		b.deliver(sub, evt)
	}
	return nil
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Queue full: drop the oldest queued event to make room, then retry
	// once. If a concurrent receiver already made room, the retry send
	// still succeeds; if the channel is full again (a new concurrent
	// publish won the race), the event is dropped — slow subscribers are
	// never allowed to stall a publisher.
	select {
	case <-sub.ch:
		b.logger.Warn("subscriber queue full, dropping oldest event", "tag", sub.tag, "subscriber", sub.id)
	default:
	}

	select {
	case sub.ch <- evt:
	default:
		b.logger.Warn("subscriber queue full after drop, dropping new event", "tag", sub.tag, "subscriber", sub.id)
	}
}

// SubscriberCount returns the number of active subscribers for tag, mostly
// useful in tests and status reporting.
func (b *Bus) SubscriberCount(tag Tag) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tag])
}
