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

const weatherbitBaseURL = "https://api.weatherbit.io/v2.0"

type weatherbitResponse struct {
	Data []struct {
		Temp      float64 `json:"temp"`       // Celsius
		WindSpeed float64 `json:"wind_spd"`   // m/s
		Precip    float64 `json:"precip"`     // mm/h
	} `json:"data"`
}

// WeatherbitClient shares Meteosource's tight quota (500/day, §6).
type WeatherbitClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewWeatherbitClient constructs a Weatherbit client.
func NewWeatherbitClient(cred config.ProviderCredential, logger *slog.Logger) *WeatherbitClient {
	return &WeatherbitClient{
		http:   newHTTPClient(weatherbitBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_weatherbit"),
	}
}

// Name implements fallback.Provider.
func (c *WeatherbitClient) Name() quota.Provider { return quota.ProviderWeatherbit }

// Fetch implements fallback.Provider.
func (c *WeatherbitClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result weatherbitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("lat", fmt.Sprintf("%f", lat)).
		SetQueryParam("lon", fmt.Sprintf("%f", lon)).
		SetQueryParam("key", c.apiKey).
		SetResult(&result).
		Get("/current")
	if err != nil {
		return 0, fmt.Errorf("weatherbit fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("weatherbit fetch: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Data) == 0 {
		return 0, fmt.Errorf("weatherbit fetch: empty data for %s", cityID)
	}

	d := result.Data[0]
	switch metric {
	case types.MetricTemperature:
		return d.Temp, nil
	case types.MetricWindSpeed:
		return d.WindSpeed, nil
	case types.MetricPrecipitation:
		return d.Precip, nil
	default:
		return 0, errUnsupportedMetric("weatherbit", metric)
	}
}
