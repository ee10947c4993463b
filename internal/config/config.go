// Package config defines all configuration for the weather-arbitrage
// trading core. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via WXARB_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Detection DetectionConfig `mapstructure:"detection"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Cities    []CityConfig    `mapstructure:"cities"`
	Markets   []MarketConfig  `mapstructure:"markets"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
}

// VenueConfig holds the prediction-market venue's API credentials. The
// venue itself is a collaborator (§1, §6 TradingVenue); this core only
// needs enough to authenticate its REST/WS adapter.
type VenueConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
}

// ProviderCredential holds one weather provider's API key and whether it's
// configured (enables provider-rotation logic to skip unconfigured ones).
type ProviderCredential struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// ProvidersConfig holds credentials for every WeatherProvider (§6).
type ProvidersConfig struct {
	OpenMeteo      ProviderCredential `mapstructure:"openmeteo"`
	Meteosource    ProviderCredential `mapstructure:"meteosource"`
	OpenWeather    ProviderCredential `mapstructure:"openweather"`
	TomorrowIO     ProviderCredential `mapstructure:"tomorrow"`
	WeatherAPI     ProviderCredential `mapstructure:"weatherapi"`
	Weatherbit     ProviderCredential `mapstructure:"weatherbit"`
	VisualCrossing ProviderCredential `mapstructure:"visualcrossing"`
}

// DetectionConfig tunes the file-ingestion pipeline (C4, §4.4, §6).
//
//   - PollIntervalMs: S3 HEAD poll cadence during a detection window (100-250ms, default 150).
//   - MaxDetectionMinutes: how long a detection job stays armed (default 30).
//   - DownloadTimeoutMs: GET timeout after a 200 on HEAD (default 5000).
//   - FallbackPollMs: API fallback poll cadence (default 1000).
//   - FallbackMaxMinutes: how long the fallback poller stays armed (default 5).
//   - EarlyStartMinutes: per-model earlyStartBuffer override.
//   - TemperatureToleranceC, WindToleranceKmh, PrecipToleranceMm: confirmation-manager
//     reconciliation tolerances (§4.4.3): 0.5°C, 2 km/h, 0.1mm by default.
//   - ChangeThreshold{TemperatureC,WindKmh,PrecipMm}: how far a file-confirmed
//     value must move from the city's last published snapshot before a fresh
//     forecast-changed is emitted (§4.4.3 rule 1).
//   - TriggerThreshold{TemperatureC,WindKmh,PrecipMm}: the larger bar an
//     API-only value (no file confirmation yet) or a direct, cycle-less value
//     must clear before it is emitted, so the 1Hz steady-state poll doesn't
//     republish noise (§4.4.3 rule 2).
type DetectionConfig struct {
	PollIntervalMs              int            `mapstructure:"poll_interval_ms"`
	MaxDetectionMinutes         int            `mapstructure:"max_detection_minutes"`
	DownloadTimeoutMs           int            `mapstructure:"download_timeout_ms"`
	FallbackPollMs              int            `mapstructure:"fallback_poll_ms"`
	FallbackMaxMinutes          int            `mapstructure:"fallback_max_minutes"`
	EarlyStartMinutes           map[string]int `mapstructure:"early_start_minutes"`
	TemperatureToleranceC       float64        `mapstructure:"temperature_tolerance_c"`
	WindToleranceKmh            float64        `mapstructure:"wind_tolerance_kmh"`
	PrecipToleranceMm           float64        `mapstructure:"precip_tolerance_mm"`
	ChangeThresholdTemperatureC float64        `mapstructure:"change_threshold_temperature_c"`
	ChangeThresholdWindKmh      float64        `mapstructure:"change_threshold_wind_kmh"`
	ChangeThresholdPrecipMm     float64        `mapstructure:"change_threshold_precip_mm"`
	TriggerThresholdTemperatureC float64       `mapstructure:"trigger_threshold_temperature_c"`
	TriggerThresholdWindKmh      float64       `mapstructure:"trigger_threshold_wind_kmh"`
	TriggerThresholdPrecipMm     float64       `mapstructure:"trigger_threshold_precip_mm"`
	DecoderPath            string         `mapstructure:"decoder_path"`
	DecoderTimeoutMs       int            `mapstructure:"decoder_timeout_ms"`
}

// TradingConfig tunes the Hybrid Mode Controller and Opportunity Core
// (C5, §4.5, §6).
type TradingConfig struct {
	MinEdgeThreshold         float64       `mapstructure:"min_edge_threshold"`
	MinSigmaForArb           float64       `mapstructure:"min_sigma_for_arb"`
	MinExecutionEdge         float64       `mapstructure:"min_execution_edge"`
	EdgeDegradationTolerance float64       `mapstructure:"edge_degradation_tolerance"`
	MaxPriceDrift            float64       `mapstructure:"max_price_drift"`
	TradeCooldownMs          int           `mapstructure:"trade_cooldown_ms"`
	MaxPositionSize          float64       `mapstructure:"max_position_size"`
	MinPositionSizeUSD       float64       `mapstructure:"min_position_size_usd"`
	KellyFraction            float64       `mapstructure:"kelly_fraction"`
	ScaleInThresholdUSD      float64       `mapstructure:"scale_in_threshold_usd"`
	TakeProfit               float64       `mapstructure:"take_profit"`
	StopLoss                 float64       `mapstructure:"stop_loss"`
	TrailingActivation       float64       `mapstructure:"trailing_activation"`
	TrailingOffset           float64       `mapstructure:"trailing_offset"`
	AutoModeEnabled          bool          `mapstructure:"auto_mode_enabled"`
	BurstChangeThreshold     float64       `mapstructure:"burst_change_threshold"`
	GracefulShutdown         time.Duration `mapstructure:"graceful_shutdown"`
}

// RiskConfig sets portfolio-level heat caps and the kill switch (§4.5.3,
// §4.5.7, §6).
type RiskConfig struct {
	MaxTotalExposure     float64       `mapstructure:"max_total_exposure"`
	MaxKellyHeat         float64       `mapstructure:"max_kelly_heat"`
	MinCashReserve       float64       `mapstructure:"min_cash_reserve"`
	MaxCityExposureUSD   float64       `mapstructure:"max_city_exposure_usd"`
	DailyLossLimit       float64       `mapstructure:"daily_loss_limit"`
	MaxDrawdownLimit     float64       `mapstructure:"max_drawdown_limit"`
	ConsecutiveLossLimit int           `mapstructure:"consecutive_loss_limit"`
	CooldownHours        int           `mapstructure:"cooldown_hours"`
	MinTradesBeforeKill  int           `mapstructure:"min_trades_before_kill"`
	PortfolioValueUSD    float64       `mapstructure:"portfolio_value_usd"`
}

// PredictabilityTier is the supplemented location-quality classification
// (SPEC_FULL.md § SUPPLEMENTED FEATURES item 2).
type PredictabilityTier string

const (
	TierA PredictabilityTier = "A"
	TierB PredictabilityTier = "B"
	TierC PredictabilityTier = "C"
	TierD PredictabilityTier = "D"
)

// CityConfig names one tracked city, its preferred model, and its grid
// coordinates (§4.4.4 city selection).
type CityConfig struct {
	ID         string              `mapstructure:"id"`
	Lat        float64             `mapstructure:"lat"`
	Lon        float64             `mapstructure:"lon"`
	Model      string              `mapstructure:"model"` // preferred ModelKind
	Tier       PredictabilityTier  `mapstructure:"tier"`
}

// MarketConfig names one venue market to track against a city/metric
// signal. Market discovery against the venue is out of scope (§1
// Non-goals: "a TradingVenue interface is assumed"); this static list is
// the seed the Opportunity Core's DataStore starts from, standing in for
// whatever market-discovery collaborator a deployment wires in front of it.
type MarketConfig struct {
	ID         string  `mapstructure:"id"`
	Question   string  `mapstructure:"question"`
	CityID     string  `mapstructure:"city_id"`
	Metric     string  `mapstructure:"metric"` // temperature|wind_speed|precipitation
	Threshold  float64 `mapstructure:"threshold"`
	Comparison string  `mapstructure:"comparison"` // above|below
	TargetDate string  `mapstructure:"target_date"` // YYYY-MM-DD
}

// StoreConfig sets where trading-day state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status/event HTTP+WS server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// IngressConfig controls the webhook ingress endpoint (§6).
type IngressConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Port          int    `mapstructure:"port"`
	HMACSecret    string `mapstructure:"hmac_secret"`
	SignatureHdr  string `mapstructure:"signature_header"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: WXARB_VENUE_API_KEY, WXARB_VENUE_SECRET,
// WXARB_INGRESS_HMAC_SECRET, and WXARB_<PROVIDER>_API_KEY per provider.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WXARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("WXARB_VENUE_API_KEY"); key != "" {
		cfg.Venue.ApiKey = key
	}
	if secret := os.Getenv("WXARB_VENUE_SECRET"); secret != "" {
		cfg.Venue.Secret = secret
	}
	if secret := os.Getenv("WXARB_INGRESS_HMAC_SECRET"); secret != "" {
		cfg.Ingress.HMACSecret = secret
	}
	if os.Getenv("WXARB_DRY_RUN") == "true" || os.Getenv("WXARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Trading.MinEdgeThreshold <= 0 {
		return fmt.Errorf("trading.min_edge_threshold must be > 0")
	}
	if c.Trading.KellyFraction <= 0 || c.Trading.KellyFraction > 1 {
		return fmt.Errorf("trading.kelly_fraction must be in (0,1]")
	}
	if c.Trading.MinPositionSizeUSD <= 0 {
		return fmt.Errorf("trading.min_position_size_usd must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in (0,1]")
	}
	if c.Risk.MaxKellyHeat <= 0 || c.Risk.MaxKellyHeat > 1 {
		return fmt.Errorf("risk.max_kelly_heat must be in (0,1]")
	}
	if c.Risk.PortfolioValueUSD <= 0 {
		return fmt.Errorf("risk.portfolio_value_usd must be > 0")
	}
	if len(c.Cities) == 0 {
		return fmt.Errorf("at least one city must be configured")
	}
	if c.Ingress.Enabled && c.Ingress.HMACSecret == "" {
		return fmt.Errorf("ingress.hmac_secret is required when ingress.enabled is true")
	}
	return nil
}

// DefaultConfig returns a Config populated with every §6 default value,
// suitable as a starting point for YAML overrides.
func DefaultConfig() Config {
	return Config{
		Detection: DetectionConfig{
			PollIntervalMs:       150,
			MaxDetectionMinutes:  30,
			DownloadTimeoutMs:    5000,
			FallbackPollMs:       1000,
			FallbackMaxMinutes:   5,
			EarlyStartMinutes:    map[string]int{"HRRR": 25, "RAP": 25, "GFS": 2, "ECMWF": 5},
			TemperatureToleranceC: 0.5,
			WindToleranceKmh:      2.0,
			PrecipToleranceMm:     0.1,
			ChangeThresholdTemperatureC:  0.3,
			ChangeThresholdWindKmh:       1.0,
			ChangeThresholdPrecipMm:      0.05,
			TriggerThresholdTemperatureC: 0.6,
			TriggerThresholdWindKmh:      2.0,
			TriggerThresholdPrecipMm:     0.1,
			DecoderTimeoutMs:      1000,
		},
		Trading: TradingConfig{
			MinEdgeThreshold:         0.08,
			MinSigmaForArb:           0.5,
			MinExecutionEdge:         0.02,
			EdgeDegradationTolerance: 0.05,
			MaxPriceDrift:            0.15,
			TradeCooldownMs:          30000,
			MaxPositionSize:          50,
			MinPositionSizeUSD:       5,
			KellyFraction:            0.25,
			ScaleInThresholdUSD:      100,
			TakeProfit:               0.10,
			StopLoss:                 -0.15,
			TrailingActivation:       0.05,
			TrailingOffset:           0.02,
			AutoModeEnabled:          true,
			BurstChangeThreshold:     1.0,
			GracefulShutdown:         3 * time.Second,
		},
		Risk: RiskConfig{
			MaxTotalExposure:     0.50,
			MaxKellyHeat:         0.30,
			MinCashReserve:       0.10,
			DailyLossLimit:       0.20,
			MaxDrawdownLimit:     0.25,
			ConsecutiveLossLimit: 5,
			CooldownHours:        24,
			MinTradesBeforeKill:  5,
		},
	}
}
