package weatherapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"wxarb/internal/config"
	"wxarb/internal/quota"
	"wxarb/pkg/types"
)

const weatherAPIComBaseURL = "https://api.weatherapi.com/v1"

type weatherAPIComResponse struct {
	Current struct {
		TempC     float64 `json:"temp_c"`
		WindKph   float64 `json:"wind_kph"`
		PrecipMm  float64 `json:"precip_mm"`
	} `json:"current"`
}

// WeatherAPIClient is WeatherAPI.com — the deepest quota in the rotation
// (1,000,000/day, §6), usable as the default high-frequency fallback when
// others are exhausted.
type WeatherAPIClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewWeatherAPIClient constructs a WeatherAPI.com client.
func NewWeatherAPIClient(cred config.ProviderCredential, logger *slog.Logger) *WeatherAPIClient {
	return &WeatherAPIClient{
		http:   newHTTPClient(weatherAPIComBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_weatherapicom"),
	}
}

// Name implements fallback.Provider.
func (c *WeatherAPIClient) Name() quota.Provider { return quota.ProviderWeatherAPI }

// Fetch implements fallback.Provider.
func (c *WeatherAPIClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result weatherAPIComResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("q", fmt.Sprintf("%f,%f", lat, lon)).
		SetQueryParam("key", c.apiKey).
		SetResult(&result).
		Get("/current.json")
	if err != nil {
		return 0, fmt.Errorf("weatherapi.com fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("weatherapi.com fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.Current.TempC, nil
	case types.MetricWindSpeed:
		return kmhToMS(result.Current.WindKph), nil
	case types.MetricPrecipitation:
		return result.Current.PrecipMm, nil
	default:
		return 0, errUnsupportedMetric("weatherapi.com", metric)
	}
}
