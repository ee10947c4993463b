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

const openMeteoBaseURL = "https://api.open-meteo.com/v1"

type openMeteoResponse struct {
	Current struct {
		Temperature2m  float64 `json:"temperature_2m"`
		WindSpeed10m   float64 `json:"wind_speed_10m"`
		Precipitation  float64 `json:"precipitation"`
	} `json:"current"`
}

// OpenMeteoClient is the HIGH-urgency primary polling provider (§4.5.1):
// free, keyless, and the highest per-day quota in the rotation.
type OpenMeteoClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewOpenMeteoClient constructs an Open-Meteo client. cred is accepted for
// symmetry with the other providers but unused — Open-Meteo's public
// forecast endpoint requires no API key.
func NewOpenMeteoClient(cred config.ProviderCredential, logger *slog.Logger) *OpenMeteoClient {
	return &OpenMeteoClient{
		http:   newHTTPClient(openMeteoBaseURL),
		logger: logger.With("component", "weatherapi_openmeteo"),
	}
}

// Name implements fallback.Provider.
func (c *OpenMeteoClient) Name() quota.Provider { return quota.ProviderOpenMeteo }

// Fetch implements fallback.Provider.
func (c *OpenMeteoClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	current, err := currentMetricParam(metric)
	if err != nil {
		return 0, errUnsupportedMetric("openmeteo", metric)
	}

	var result openMeteoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("latitude", fmt.Sprintf("%f", lat)).
		SetQueryParam("longitude", fmt.Sprintf("%f", lon)).
		SetQueryParam("current", current).
		SetResult(&result).
		Get("/forecast")
	if err != nil {
		return 0, fmt.Errorf("openmeteo fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("openmeteo fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.Current.Temperature2m, nil
	case types.MetricWindSpeed:
		// Open-Meteo's default wind_speed_10m unit is km/h; canonicalize to
		// m/s to match GridPoint's wind convention.
		return kmhToMS(result.Current.WindSpeed10m), nil
	case types.MetricPrecipitation:
		return result.Current.Precipitation, nil
	default:
		return 0, errUnsupportedMetric("openmeteo", metric)
	}
}

func currentMetricParam(metric types.MetricType) (string, error) {
	switch metric {
	case types.MetricTemperature:
		return "temperature_2m", nil
	case types.MetricWindSpeed:
		return "wind_speed_10m", nil
	case types.MetricPrecipitation:
		return "precipitation", nil
	default:
		return "", fmt.Errorf("unknown metric %s", metric)
	}
}
