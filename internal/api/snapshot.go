package api

import (
	"time"

	"wxarb/internal/config"
)

// StatusProvider is the minimal surface the engine exposes to the
// dashboard: a point-in-time status snapshot and, optionally, an event
// stream for the WebSocket hub to rebroadcast.
type StatusProvider interface {
	Status() StatusSnapshot
}

// DashboardEventSource is implemented by providers that push live events
// (mode transitions, captures, kill trips) to the dashboard hub.
type DashboardEventSource interface {
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot wraps the provider's status with the request timestamp and
// static config summary, ready for JSON encoding.
func BuildSnapshot(provider StatusProvider, cfg config.Config) StatusSnapshot {
	snap := provider.Status()
	snap.Timestamp = time.Now()
	snap.Config = NewConfigSummary(cfg)
	return snap
}
