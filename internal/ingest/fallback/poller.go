// Package fallback implements the API Fallback Poller (§4.4.2): armed by
// every detection-window-open event, it polls a secondary weather API on a
// slower cadence than the S3 detector and stands down the moment the file
// path confirms the same cycle.
//
// Grounded on the teacher's internal/market.Scanner ticker-loop shape, the
// same template s3poll and schedule follow, generalized here to a
// per-cycle arm/disarm pair instead of one continuously running loop.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wxarb/internal/bus"
	"wxarb/internal/ingest/s3poll"
	"wxarb/internal/quota"
	"wxarb/internal/schedule"
	"wxarb/pkg/types"
)

// Provider is the minimal surface the fallback poller needs from a weather
// API client (internal/weatherapi implementations satisfy this).
type Provider interface {
	Name() quota.Provider
	Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error)
}

// CityQuery names one city the poller should fetch values for.
type CityQuery struct {
	ID  string
	Lat float64
	Lon float64
}

// Config tunes the fallback poller's cadence (§4.4.2, §6).
type Config struct {
	PollInterval time.Duration // default 1s
}

// DefaultConfig returns §6's default fallback poll interval.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second}
}

// APIDataEvent is the payload published on bus.TagAPIData.
type APIDataEvent struct {
	Snapshots []types.ForecastSnapshot
	At        time.Time
}

// Poller arms one fallback job per cycle on detection-window-open, and
// disarms it on file-confirmed for the same cycle (§4.4.2).
type Poller struct {
	cfg      Config
	provider Provider
	tracker  *quota.Tracker
	bus      *bus.Bus
	logger   *slog.Logger
	cities   []CityQuery

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPoller constructs a fallback poller using provider as its weather data
// source.
func NewPoller(cfg Config, provider Provider, tracker *quota.Tracker, b *bus.Bus, logger *slog.Logger, cities []CityQuery) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Poller{
		cfg:      cfg,
		provider: provider,
		tracker:  tracker,
		bus:      b,
		logger:   logger.With("component", "fallback"),
		cities:   cities,
		active:   make(map[string]context.CancelFunc),
	}
}

// Run subscribes to detection-window-open and file-confirmed and drives the
// arm/disarm lifecycle until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	openCh, openSub, err := p.bus.Subscribe(bus.TagDetectionWindowOpen, 0)
	if err != nil {
		return err
	}
	defer p.bus.Unsubscribe(openSub)

	confirmCh, confirmSub, err := p.bus.Subscribe(bus.TagFileConfirmed, 0)
	if err != nil {
		return err
	}
	defer p.bus.Unsubscribe(confirmSub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-openCh:
			if !ok {
				return nil
			}
			if payload, ok := evt.Payload.(schedule.DetectionWindowOpenEvent); ok {
				p.arm(ctx, payload)
			}
		case evt, ok := <-confirmCh:
			if !ok {
				return nil
			}
			if cycleKey, ok := cycleKeyOf(evt.Payload); ok {
				p.disarm(cycleKey)
			}
		}
	}
}

// cycleKeyOf extracts the cycle identity from a file-confirmed payload.
func cycleKeyOf(payload any) (string, bool) {
	evt, ok := payload.(s3poll.FileConfirmedEvent)
	if !ok {
		return "", false
	}
	return evt.File.Cycle.String(), true
}

// arm starts a fallback job for the cycle named in payload's window, unless
// one is already running.
func (p *Poller) arm(parent context.Context, payload schedule.DetectionWindowOpenEvent) {
	key := payload.Window.Cycle.String()

	p.mu.Lock()
	if _, exists := p.active[key]; exists {
		p.mu.Unlock()
		return
	}
	delay := time.Until(payload.Window.FallbackStartAt)
	deadline := payload.Window.FallbackEndAt
	jobCtx, cancel := context.WithDeadline(parent, deadline)
	p.active[key] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.active, key)
			p.mu.Unlock()
			cancel()
		}()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-jobCtx.Done():
				return
			case <-timer.C:
			}
		}
		p.poll(jobCtx, payload.Window.Cycle)
	}()
}

// disarm cancels the running fallback job for key, if any (§4.4.2: the file
// path winning stands the API poller down immediately).
func (p *Poller) disarm(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.active[key]; ok {
		cancel()
		delete(p.active, key)
	}
}

// poll runs the slower API-cadence loop for one cycle until its context is
// done (either disarmed by a file confirmation, or the fallback deadline
// passed).
func (p *Poller) poll(ctx context.Context, cycle types.CycleKey) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fetchOnce(ctx, cycle)
		}
	}
}

func (p *Poller) fetchOnce(ctx context.Context, cycle types.CycleKey) {
	if p.tracker.IsQuotaExceeded(p.provider.Name()) || p.tracker.IsRateLimited(p.provider.Name()) {
		return
	}

	snapshots := make([]types.ForecastSnapshot, 0, len(p.cities))
cities:
	for _, city := range p.cities {
		for _, metric := range []types.MetricType{types.MetricTemperature, types.MetricWindSpeed, types.MetricPrecipitation} {
			if p.tracker.IsQuotaExceeded(p.provider.Name()) || p.tracker.IsRateLimited(p.provider.Name()) {
				break cities
			}
			value, err := p.provider.Fetch(ctx, city.ID, city.Lat, city.Lon, metric)
			p.tracker.Record(p.provider.Name(), err == nil)
			if err != nil {
				p.logger.Warn("fallback fetch failed", "provider", p.provider.Name(), "city", city.ID, "metric", metric, "error", err)
				continue
			}
			now := time.Now()
			snapshots = append(snapshots, types.ForecastSnapshot{
				CityID: city.ID, Metric: metric, Value: value,
				ValidTime: now, Source: types.SourceAPI,
				ConfirmationState: types.StateAPIUnconfirmed,
				ProducedAt:        now,
				Cycle:             &cycle,
			})
		}
	}
	if len(snapshots) == 0 {
		return
	}
	if err := p.bus.Publish(bus.TagAPIData, APIDataEvent{Snapshots: snapshots, At: time.Now()}); err != nil {
		p.logger.Error("publish failed", "error", err)
	}
}
