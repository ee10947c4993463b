// Package engine is the central orchestrator of the weather-arbitrage
// trading core.
//
// It wires together all subsystems:
//
//  1. Schedule Manager opens detection windows for upcoming model cycles.
//  2. S3 Poll Detector and API Fallback Poller race to produce the first
//     value for each opened window; the Confirmation Manager reconciles
//     whichever arrives (or both) into a single forecast-changed event.
//  3. The Hybrid Mode Controller decides, from UTC urgency and recent
//     forecast volatility, which weather sources the engine's own
//     steady-state poll loop should consult outside detection windows.
//  4. The Opportunity Core turns every reconciled forecast into a sized,
//     capture-guarded, execution-revalidated trade against the venue.
//  5. The Kill Switch and the API Call Tracker bound the whole system's
//     risk and API usage.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wxarb/internal/api"
	"wxarb/internal/bus"
	"wxarb/internal/config"
	"wxarb/internal/ingest/confirm"
	"wxarb/internal/ingest/fallback"
	"wxarb/internal/ingest/s3poll"
	"wxarb/internal/ingress"
	"wxarb/internal/quota"
	"wxarb/internal/schedule"
	"wxarb/internal/store"
	"wxarb/internal/trading"
	"wxarb/internal/venue"
	"wxarb/internal/weatherapi"
	"wxarb/pkg/types"
)

// cycleSweepInterval bounds how often the Confirmation Manager discards
// reconciliation state for cycles that never resolved.
const cycleSweepInterval = time.Minute

// cycleMaxAge is how long a cycle's pending reconciliation state survives
// before SweepExpiredCycles discards it.
const cycleMaxAge = 2 * time.Hour

// daySaveInterval is how often the engine persists a warm-reboot snapshot.
const daySaveInterval = 30 * time.Second

// pollClient is the minimal surface the engine's steady-state poll loop and
// the fallback poller need from a weather API client.
type pollClient interface {
	Name() quota.Provider
	Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error)
}

// fallbackPriority orders candidate secondary providers for the cycle-bound
// API Fallback Poller; the first enabled one is used. The burst mode does
// not use this list: it rotates over trading.ActiveProviders instead.
var fallbackPriority = []quota.Provider{
	quota.ProviderOpenMeteo,
	quota.ProviderMeteosource,
	quota.ProviderTomorrowIO,
	quota.ProviderOpenWeather,
	quota.ProviderWeatherAPI,
	quota.ProviderWeatherbit,
	quota.ProviderVisualCrossing,
}

// Engine orchestrates every component of the weather-arbitrage trading
// core. It owns the lifecycle of all goroutines and is the single type the
// entrypoint and the dashboard API server depend on.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	b *bus.Bus

	tracker     *quota.Tracker
	scheduleMgr *schedule.Manager
	detector    *s3poll.Detector
	fallback    *fallback.Poller
	confirmMgr  *confirm.Manager

	dataStore *trading.DataStore
	capture   *trading.CaptureManager
	kill      *trading.KillSwitch
	core      *trading.Core
	mode      *trading.Controller

	venue *venue.Adapter

	providers map[quota.Provider]pollClient

	ingressSrv *ingress.Server
	dayStore   *store.Store

	cities map[string]config.CityConfig

	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollIdx int // round-robin cursor for ROUND_ROBIN_BURST polling
}

// New constructs and wires every engine component from cfg. It does not
// start any goroutines; call Start for that.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")
	b := bus.New(logger)

	tracker := quota.NewTracker(quota.DefaultLimits(), b, logger)

	scheduleCfg := schedule.DefaultConfig()
	applyEarlyStartOverrides(&scheduleCfg, cfg.Detection.EarlyStartMinutes)
	for model, mc := range scheduleCfg.Models {
		if cfg.Detection.MaxDetectionMinutes > 0 {
			mc.MaxDetectionWindow = time.Duration(cfg.Detection.MaxDetectionMinutes) * time.Minute
		}
		if cfg.Detection.FallbackMaxMinutes > 0 {
			mc.FallbackMaxDuration = time.Duration(cfg.Detection.FallbackMaxMinutes) * time.Minute
		}
		scheduleCfg.Models[model] = mc
	}
	scheduleMgr := schedule.NewManager(scheduleCfg, b, logger)

	cities := make(map[string]config.CityConfig, len(cfg.Cities))
	s3Cities := make([]s3poll.CityQuery, 0, len(cfg.Cities))
	fbCities := make([]fallback.CityQuery, 0, len(cfg.Cities))
	for _, c := range cfg.Cities {
		cities[c.ID] = c
		s3Cities = append(s3Cities, s3poll.CityQuery{ID: c.ID, Lat: c.Lat, Lon: c.Lon})
		fbCities = append(fbCities, fallback.CityQuery{ID: c.ID, Lat: c.Lat, Lon: c.Lon})
	}

	detCfg := s3poll.DefaultConfig()
	if cfg.Detection.DecoderPath != "" {
		detCfg.DecoderPath = cfg.Detection.DecoderPath
	}
	if cfg.Detection.DecoderTimeoutMs > 0 {
		detCfg.DecoderTimeout = time.Duration(cfg.Detection.DecoderTimeoutMs) * time.Millisecond
	}
	if cfg.Detection.PollIntervalMs > 0 {
		detCfg.PollInterval = time.Duration(cfg.Detection.PollIntervalMs) * time.Millisecond
	}
	if cfg.Detection.DownloadTimeoutMs > 0 {
		detCfg.DownloadTimeout = time.Duration(cfg.Detection.DownloadTimeoutMs) * time.Millisecond
	}
	detector := s3poll.NewDetector(detCfg, b, logger, s3Cities)

	providers := buildProviders(cfg.Providers, logger)

	var fbProvider fallback.Provider
	for _, p := range fallbackPriority {
		if c, ok := providers[p]; ok {
			fbProvider = c
			break
		}
	}
	if fbProvider == nil {
		return nil, fmt.Errorf("engine: no weather provider is enabled; at least one is required for the fallback poller")
	}

	fbCfg := fallback.DefaultConfig()
	if cfg.Detection.FallbackPollMs > 0 {
		fbCfg.PollInterval = time.Duration(cfg.Detection.FallbackPollMs) * time.Millisecond
	}
	fallbackPoller := fallback.NewPoller(fbCfg, fbProvider, tracker, b, logger, fbCities)

	tolerances := confirm.DefaultTolerances()
	if cfg.Detection.TemperatureToleranceC > 0 {
		tolerances.TemperatureC = cfg.Detection.TemperatureToleranceC
	}
	if cfg.Detection.WindToleranceKmh > 0 {
		tolerances.WindKmh = cfg.Detection.WindToleranceKmh
	}
	if cfg.Detection.PrecipToleranceMm > 0 {
		tolerances.PrecipMm = cfg.Detection.PrecipToleranceMm
	}

	changeThresholds := confirm.DefaultChangeThresholds()
	if cfg.Detection.ChangeThresholdTemperatureC > 0 {
		changeThresholds.TemperatureC = cfg.Detection.ChangeThresholdTemperatureC
	}
	if cfg.Detection.ChangeThresholdWindKmh > 0 {
		changeThresholds.WindKmh = cfg.Detection.ChangeThresholdWindKmh
	}
	if cfg.Detection.ChangeThresholdPrecipMm > 0 {
		changeThresholds.PrecipMm = cfg.Detection.ChangeThresholdPrecipMm
	}

	triggerThresholds := confirm.DefaultTriggerThresholds()
	if cfg.Detection.TriggerThresholdTemperatureC > 0 {
		triggerThresholds.TemperatureC = cfg.Detection.TriggerThresholdTemperatureC
	}
	if cfg.Detection.TriggerThresholdWindKmh > 0 {
		triggerThresholds.WindKmh = cfg.Detection.TriggerThresholdWindKmh
	}
	if cfg.Detection.TriggerThresholdPrecipMm > 0 {
		triggerThresholds.PrecipMm = cfg.Detection.TriggerThresholdPrecipMm
	}

	confirmMgr := confirm.NewManager(tolerances, changeThresholds, triggerThresholds, b, logger)

	dataStore := trading.NewDataStore()
	for _, mc := range cfg.Markets {
		ms, err := marketFromConfig(mc)
		if err != nil {
			return nil, fmt.Errorf("engine: invalid market %q: %w", mc.ID, err)
		}
		dataStore.AddMarket(ms)
	}

	venueAdapter := venue.NewAdapter(cfg.Venue, cfg.DryRun, logger)

	capture := trading.NewCaptureManager(trading.ExecutionConfig{
		MinExecutionEdge:         cfg.Trading.MinExecutionEdge,
		MaxPriceDrift:            cfg.Trading.MaxPriceDrift,
		EdgeDegradationTolerance: cfg.Trading.EdgeDegradationTolerance,
	}, venueAdapter, b, logger)

	kill := trading.NewKillSwitch(trading.KillSwitchConfig{
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
		MaxDrawdownLimit:     cfg.Risk.MaxDrawdownLimit,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
		CooldownPeriod:       time.Duration(cfg.Risk.CooldownHours) * time.Hour,
		MinTradesBeforeKill:  cfg.Risk.MinTradesBeforeKill,
	}, cfg.Risk.PortfolioValueUSD, time.Now(), b, logger)

	cityInfos := make(map[string]trading.CityInfo, len(cfg.Cities))
	for _, c := range cfg.Cities {
		cityInfos[c.ID] = trading.CityInfo{Tier: trading.CityTier(c.Tier)}
	}

	core := trading.NewCore(trading.CoreConfig{
		MinEdgeThreshold:    cfg.Trading.MinEdgeThreshold,
		MaxPositionSizeUSD:  cfg.Trading.MaxPositionSize,
		MinPositionSizeUSD:  cfg.Trading.MinPositionSizeUSD,
		ScaleInThresholdUSD: cfg.Trading.ScaleInThresholdUSD,
		Caps: trading.HeatCaps{
			MaxTotalExposure:   cfg.Risk.MaxTotalExposure,
			MaxKellyHeat:       cfg.Risk.MaxKellyHeat,
			MinCashReserve:     cfg.Risk.MinCashReserve,
			MaxCityExposureUSD: cfg.Risk.MaxCityExposureUSD,
		},
		PortfolioValueUSD: cfg.Risk.PortfolioValueUSD,
	}, dataStore, capture, kill, cityInfos, b, logger)

	modeCtrl := trading.NewController(time.Now(), !cfg.Trading.AutoModeEnabled, cfg.Trading.BurstChangeThreshold, b, logger)

	var ingressSrv *ingress.Server
	if cfg.Ingress.Enabled {
		ingressSrv = ingress.NewServer(cfg.Ingress, b, logger)
	}

	dayStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:             cfg,
		logger:          logger,
		b:               b,
		tracker:         tracker,
		scheduleMgr:     scheduleMgr,
		detector:        detector,
		fallback:        fallbackPoller,
		confirmMgr:      confirmMgr,
		dataStore:       dataStore,
		capture:         capture,
		kill:            kill,
		core:            core,
		mode:            modeCtrl,
		venue:           venueAdapter,
		providers:       providers,
		ingressSrv:      ingressSrv,
		dayStore:        dayStore,
		cities:          cities,
		dashboardEvents: make(chan api.DashboardEvent, 256),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// applyEarlyStartOverrides replaces each model's EarlyStartBuffer with the
// configured minutes when present, leaving §6 defaults otherwise.
func applyEarlyStartOverrides(cfg *schedule.Config, overrides map[string]int) {
	for model, mc := range cfg.Models {
		if minutes, ok := overrides[string(model)]; ok {
			mc.EarlyStartBuffer = time.Duration(minutes) * time.Minute
			cfg.Models[model] = mc
		}
	}
}

// buildProviders constructs one weatherapi client per enabled provider.
func buildProviders(cfg config.ProvidersConfig, logger *slog.Logger) map[quota.Provider]pollClient {
	out := make(map[quota.Provider]pollClient)
	if cfg.OpenMeteo.Enabled {
		out[quota.ProviderOpenMeteo] = weatherapi.NewOpenMeteoClient(cfg.OpenMeteo, logger)
	}
	if cfg.Meteosource.Enabled {
		out[quota.ProviderMeteosource] = weatherapi.NewMeteosourceClient(cfg.Meteosource, logger)
	}
	if cfg.OpenWeather.Enabled {
		out[quota.ProviderOpenWeather] = weatherapi.NewOpenWeatherClient(cfg.OpenWeather, logger)
	}
	if cfg.TomorrowIO.Enabled {
		out[quota.ProviderTomorrowIO] = weatherapi.NewTomorrowIOClient(cfg.TomorrowIO, logger)
	}
	if cfg.WeatherAPI.Enabled {
		out[quota.ProviderWeatherAPI] = weatherapi.NewWeatherAPIClient(cfg.WeatherAPI, logger)
	}
	if cfg.Weatherbit.Enabled {
		out[quota.ProviderWeatherbit] = weatherapi.NewWeatherbitClient(cfg.Weatherbit, logger)
	}
	if cfg.VisualCrossing.Enabled {
		out[quota.ProviderVisualCrossing] = weatherapi.NewVisualCrossingClient(cfg.VisualCrossing, logger)
	}
	return out
}

// marketFromConfig converts the static YAML market description into the
// DataStore's MarketState, parsing the one string-typed field (TargetDate)
// that the wire format carries but the domain model holds as a time.Time.
func marketFromConfig(mc config.MarketConfig) (types.MarketState, error) {
	targetDate, err := time.Parse("2006-01-02", mc.TargetDate)
	if err != nil {
		return types.MarketState{}, fmt.Errorf("target_date: %w", err)
	}
	var comparison types.Comparison
	switch mc.Comparison {
	case "above":
		comparison = types.Above
	case "below":
		comparison = types.Below
	default:
		return types.MarketState{}, fmt.Errorf("comparison must be \"above\" or \"below\", got %q", mc.Comparison)
	}
	return types.MarketState{
		MarketID:   mc.ID,
		Question:   mc.Question,
		CityID:     mc.CityID,
		Metric:     types.MetricType(mc.Metric),
		Threshold:  mc.Threshold,
		Comparison: comparison,
		TargetDate: targetDate,
	}, nil
}

// Start launches every background goroutine: the schedule manager, the
// detection and fallback pollers, the reconciliation bridge, the
// opportunity core and its exit monitor, the hybrid mode controller, the
// steady-state poll loop, the venue adapter's WebSocket feed, the ingress
// webhook server, and the warm-reboot persistence loop.
func (e *Engine) Start() error {
	e.restoreDayState()

	e.spawn(func(ctx context.Context) { e.venue.Run(ctx) })
	for _, m := range e.cfg.Markets {
		e.venue.Watch(m.ID)
	}

	e.spawn(func(ctx context.Context) { e.scheduleMgr.Start(ctx) })

	e.spawn(func(ctx context.Context) {
		if err := e.detector.Subscribe(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("detector stopped", "error", err)
		}
	})

	e.spawn(func(ctx context.Context) {
		if err := e.fallback.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("fallback poller stopped", "error", err)
		}
	})

	e.spawn(e.bridgeFileConfirmed)
	e.spawn(e.bridgeAPIData)
	e.spawn(e.sweepCycles)

	e.spawn(func(ctx context.Context) {
		if err := e.core.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("opportunity core stopped", "error", err)
		}
	})
	e.spawn(func(ctx context.Context) { e.core.RunExitMonitor(ctx, e.venue, 5*time.Second) })

	e.spawn(func(ctx context.Context) { e.mode.Run(ctx) })
	e.spawn(e.runSteadyStatePoll)

	e.spawn(e.bridgeDashboardEvents)

	if e.ingressSrv != nil {
		e.spawn(func(ctx context.Context) {
			if err := e.ingressSrv.Start(); err != nil {
				e.logger.Error("ingress server stopped", "error", err)
			}
		})
	}

	e.spawn(e.runDaySave)

	return nil
}

// spawn runs fn in a tracked goroutine bound to the engine's lifetime
// context.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// bridgeFileConfirmed feeds every file-confirmed snapshot into the
// Confirmation Manager. File-sourced snapshots always carry a Cycle, so
// IngestFile always reconciles them.
func (e *Engine) bridgeFileConfirmed(ctx context.Context) {
	ch, sub, err := e.b.Subscribe(bus.TagFileConfirmed, 64)
	if err != nil {
		e.logger.Error("subscribe file-confirmed failed", "error", err)
		return
	}
	defer e.b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, ok := evt.Payload.(s3poll.FileConfirmedEvent)
			if !ok {
				continue
			}
			for _, snap := range payload.Snapshots {
				e.confirmMgr.IngestFile(snap)
			}
		}
	}
}

// bridgeAPIData feeds every API-sourced snapshot into the Confirmation
// Manager. A snapshot with no Cycle (venue webhook ingestion, or the
// engine's own steady-state poll loop outside any detection window) has no
// file path to race against, so it goes through Manager.IngestDirect
// instead of the cycle-scoped IngestFile/IngestAPI path — but it is still
// gated on the per-metric trigger threshold (§4.4.3 rule 2), so the 1Hz
// steady-state poll does not republish an unchanged value every tick.
func (e *Engine) bridgeAPIData(ctx context.Context) {
	ch, sub, err := e.b.Subscribe(bus.TagAPIData, 64)
	if err != nil {
		e.logger.Error("subscribe api-data failed", "error", err)
		return
	}
	defer e.b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, ok := evt.Payload.(fallback.APIDataEvent)
			if !ok {
				continue
			}
			for _, snap := range payload.Snapshots {
				if snap.Cycle == nil {
					e.confirmMgr.IngestDirect(snap)
					continue
				}
				e.confirmMgr.IngestAPI(snap)
			}
		}
	}
}

// sweepCycles periodically discards Confirmation Manager state for cycles
// that never resolved, bounding memory growth.
func (e *Engine) sweepCycles(ctx context.Context) {
	ticker := time.NewTicker(cycleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.confirmMgr.SweepExpiredCycles(cycleMaxAge, time.Now())
		}
	}
}

// runSteadyStatePoll implements the polling side of the Hybrid Mode
// Controller's two steady-state modes and of ROUND_ROBIN_BURST (§4.5.1):
// once a second, it fetches a fresh value for every tracked city from
// whichever provider the current mode designates and publishes them as
// ordinary api-data events. WEBSOCKET_REST relies on the venue's WS feed
// plus the ingress webhook instead and is a no-op here.
//
// §4.5.1 describes the steady-state modes as a single batched request for
// all cities; none of the seven weatherapi clients expose a batch
// endpoint, so this loop approximates the same cadence and
// source-selection semantics with one Fetch per (city, metric) per tick
// instead of one combined request.
func (e *Engine) runSteadyStatePoll(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	metrics := []types.MetricType{types.MetricTemperature, types.MetricWindSpeed, types.MetricPrecipitation}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollTick(ctx, metrics)
		}
	}
}

func (e *Engine) pollTick(ctx context.Context, metrics []types.MetricType) {
	switch e.mode.Mode() {
	case trading.ModeOpenMeteoPolling:
		e.pollAllCities(ctx, quota.ProviderOpenMeteo, metrics)
	case trading.ModeMeteosourcePolling:
		e.pollAllCities(ctx, quota.ProviderMeteosource, metrics)
	case trading.ModeRoundRobinBurst:
		active := trading.ActiveProviders(e.tracker)
		if len(active) == 0 {
			return
		}
		e.pollIdx = (e.pollIdx + 1) % len(active)
		e.pollAllCities(ctx, active[e.pollIdx], metrics)
	case trading.ModeWebSocketREST:
		// Sourced from the venue feed and the ingress webhook; nothing to poll.
	}
}

func (e *Engine) pollAllCities(ctx context.Context, provider quota.Provider, metrics []types.MetricType) {
	client, ok := e.providers[provider]
	if !ok {
		return
	}
	if e.tracker.IsQuotaExceeded(provider) || e.tracker.IsRateLimited(provider) {
		return
	}

	now := time.Now()
	for _, c := range e.cities {
		for _, metric := range metrics {
			if e.tracker.IsQuotaExceeded(provider) || e.tracker.IsRateLimited(provider) {
				return
			}
			value, err := client.Fetch(ctx, c.ID, c.Lat, c.Lon, metric)
			e.tracker.Record(provider, err == nil)
			if err != nil {
				continue
			}
			snapshot := types.ForecastSnapshot{
				CityID:            c.ID,
				Metric:            metric,
				Value:             value,
				Unit:              metricUnit(metric),
				ValidTime:         now,
				Source:            types.SourceAPI,
				ConfirmationState: types.StateUnconfirmed,
				ProducedAt:        now,
			}
			if err := e.b.Publish(bus.TagAPIData, fallback.APIDataEvent{Snapshots: []types.ForecastSnapshot{snapshot}, At: now}); err != nil {
				e.logger.Error("publish failed", "error", err)
			}
		}
	}
}

// metricUnit names the canonical display unit for a forecast value (§4.1).
func metricUnit(m types.MetricType) string {
	switch m {
	case types.MetricTemperature:
		return "C"
	case types.MetricWindSpeed:
		return "m/s"
	case types.MetricPrecipitation:
		return "mm"
	default:
		return ""
	}
}

// dashSub binds one bus tag to the closure that converts its payload into a
// DashboardEvent.
type dashSub struct {
	tag     bus.Tag
	forward func(bus.Event)
}

// bridgeDashboardEvents rebroadcasts every bus event the dashboard cares
// about onto the engine's own DashboardEvents channel, wrapped per
// internal/api/events.go.
func (e *Engine) bridgeDashboardEvents(ctx context.Context) {
	subs := []dashSub{
		{bus.TagModeTransition, func(evt bus.Event) {
			if p, ok := evt.Payload.(trading.ModeTransitionEvent); ok {
				e.emit(api.NewModeTransitionEvent(p))
			}
		}},
		{bus.TagBurstEnter, func(evt bus.Event) {
			if p, ok := evt.Payload.(trading.BurstEvent); ok {
				e.emit(api.NewBurstEvent(p, true))
			}
		}},
		{bus.TagBurstExit, func(evt bus.Event) {
			if p, ok := evt.Payload.(trading.BurstEvent); ok {
				e.emit(api.NewBurstEvent(p, false))
			}
		}},
		{bus.TagTradeIntent, func(evt bus.Event) {
			if p, ok := evt.Payload.(trading.TradeIntentEvent); ok {
				e.emit(api.NewTradeIntentEvent(p))
			}
		}},
		{bus.TagQuotaExceeded, func(evt bus.Event) {
			if p, ok := evt.Payload.(quota.QuotaExceededEvent); ok {
				e.emit(api.NewQuotaExceededEvent(p))
			}
		}},
		{bus.TagRateLimited, func(evt bus.Event) {
			if p, ok := evt.Payload.(quota.RateLimitedEvent); ok {
				e.emit(api.NewRateLimitedEvent(p))
			}
		}},
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		ch, sub, err := e.b.Subscribe(s.tag, 32)
		if err != nil {
			e.logger.Error("subscribe failed", "tag", s.tag, "error", err)
			continue
		}
		wg.Add(1)
		go func(ch <-chan bus.Event, sub bus.Subscription, forward func(bus.Event)) {
			defer wg.Done()
			defer e.b.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-ch:
					if !ok {
						return
					}
					forward(evt)
				}
			}
		}(ch, sub, s.forward)
	}
	wg.Wait()
}

// emit pushes an event to the dashboard channel, dropping it if the
// dashboard isn't keeping up rather than blocking the engine.
func (e *Engine) emit(evt api.DashboardEvent) {
	select {
	case e.dashboardEvents <- evt:
	default:
		e.logger.Warn("dashboard event channel full, dropping event", "type", evt.Type)
	}
}

// DashboardEvents implements api.DashboardEventSource.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// restoreDayState loads the prior warm-reboot snapshot (if any) for today's
// UTC date and seeds the DataStore's open positions from it. Markets are
// always re-seeded from the static config above; only positions carry state
// the config doesn't already have.
func (e *Engine) restoreDayState() {
	state, err := e.dayStore.LoadToday()
	if err != nil {
		e.logger.Error("load day state failed", "error", err)
		return
	}
	if state == nil {
		return
	}
	for _, pos := range state.Positions {
		if pos.IsOpen() {
			e.dataStore.AddPosition(pos)
		}
	}
	e.logger.Info("restored warm-reboot state", "date", state.Date, "positions", len(state.Positions))
}

// runDaySave periodically persists the current trading day's markets and
// positions so a restart can warm-reboot from the last save (§1 Non-goals:
// durable cross-restart storage is explicitly out of scope, but losing at
// most daySaveInterval of state is an acceptable convenience per
// internal/store's documented best-effort contract).
func (e *Engine) runDaySave(ctx context.Context) {
	ticker := time.NewTicker(daySaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.saveDayState()
			return
		case <-ticker.C:
			e.saveDayState()
		}
	}
}

func (e *Engine) saveDayState() {
	state := store.BuildDayState(time.Now(), e.dataStore.Markets(), e.dataStore.AllPositions(), e.tracker)
	if err := e.dayStore.Save(state); err != nil {
		e.logger.Error("save day state failed", "error", err)
	}
}

// Stop gracefully shuts down every goroutine, persists final state, and
// stops the ingress server.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if e.ingressSrv != nil {
		if err := e.ingressSrv.Stop(); err != nil {
			e.logger.Error("failed to stop ingress server", "error", err)
		}
	}

	close(e.dashboardEvents)
	e.dayStore.Close()

	e.logger.Info("shutdown complete")
}

// Status implements api.StatusProvider, building a point-in-time snapshot
// of every dashboard-facing piece of state.
func (e *Engine) Status() api.StatusSnapshot {
	now := time.Now()

	providers := make([]api.ProviderStatus, 0, len(e.tracker.Providers()))
	for _, p := range e.tracker.Providers() {
		providers = append(providers, api.ProviderStatus{
			Provider:      string(p),
			CallsToday:    e.tracker.CallsToday(p),
			UsagePercent:  e.tracker.UsagePercent(p),
			QuotaExceeded: e.tracker.IsQuotaExceeded(p),
			RateLimited:   e.tracker.IsRateLimited(p),
		})
	}

	var positions []api.PositionStatus
	for _, pos := range e.dataStore.OpenPositions() {
		unrealized, _ := pos.UnrealizedPnL().Float64()
		entryPrice, _ := pos.EntryPrice.Float64()
		currentPrice, _ := pos.CurrentPrice.Float64()
		shares, _ := pos.Shares.Float64()
		positions = append(positions, api.PositionStatus{
			MarketID:      pos.MarketID,
			Side:          string(pos.Side),
			Shares:        shares,
			EntryPrice:    entryPrice,
			CurrentPrice:  currentPrice,
			UnrealizedPnL: unrealized,
			EntryTime:     pos.EntryTime,
		})
	}

	var totalRealized, totalUnrealized float64
	for _, pos := range e.dataStore.AllPositions() {
		if pos.ClosedAt != nil {
			realized, _ := pos.RealizedPnL.Float64()
			totalRealized += realized
		} else {
			unrealized, _ := pos.UnrealizedPnL().Float64()
			totalUnrealized += unrealized
		}
	}

	opportunities := make([]api.OpportunityStatus, 0)
	for _, rec := range e.core.RecentOpportunities() {
		opportunities = append(opportunities, api.OpportunityStatus{
			MarketID: rec.MarketID,
			CityID:   rec.CityID,
			Metric:   string(rec.Metric),
			Edge:     rec.Edge,
			Score:    rec.Score,
			Captured: rec.Captured,
			At:       rec.At,
		})
	}

	return api.StatusSnapshot{
		Timestamp:          now,
		Mode:               string(e.mode.Mode()),
		Urgency:            string(trading.CurrentUrgency(now)),
		KillSwitch:         api.NewKillSwitchStatus(e.kill.Status(now)),
		Providers:          providers,
		OpenPositions:      positions,
		Opportunities:      opportunities,
		TotalRealizedPnL:   totalRealized,
		TotalUnrealizedPnL: totalUnrealized,
	}
}
