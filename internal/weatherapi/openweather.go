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

const openWeatherBaseURL = "https://api.openweathermap.org/data/2.5"

type openWeatherResponse struct {
	Main struct {
		Temp float64 `json:"temp"` // Celsius, units=metric
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"` // m/s, units=metric
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"` // mm
	} `json:"rain"`
}

// OpenWeatherClient is part of the ROUND_ROBIN_BURST provider rotation
// (§4.5.1, trading.ActiveProviders).
type OpenWeatherClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewOpenWeatherClient constructs an OpenWeather client.
func NewOpenWeatherClient(cred config.ProviderCredential, logger *slog.Logger) *OpenWeatherClient {
	return &OpenWeatherClient{
		http:   newHTTPClient(openWeatherBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_openweather"),
	}
}

// Name implements fallback.Provider.
func (c *OpenWeatherClient) Name() quota.Provider { return quota.ProviderOpenWeather }

// Fetch implements fallback.Provider.
func (c *OpenWeatherClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result openWeatherResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("lat", fmt.Sprintf("%f", lat)).
		SetQueryParam("lon", fmt.Sprintf("%f", lon)).
		SetQueryParam("units", "metric").
		SetQueryParam("appid", c.apiKey).
		SetResult(&result).
		Get("/weather")
	if err != nil {
		return 0, fmt.Errorf("openweather fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("openweather fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.Main.Temp, nil
	case types.MetricWindSpeed:
		return result.Wind.Speed, nil
	case types.MetricPrecipitation:
		return result.Rain.OneHour, nil
	default:
		return 0, errUnsupportedMetric("openweather", metric)
	}
}
