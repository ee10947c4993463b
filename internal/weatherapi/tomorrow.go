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

const tomorrowBaseURL = "https://api.tomorrow.io/v4"

type tomorrowResponse struct {
	Data struct {
		Values struct {
			Temperature          float64 `json:"temperature"` // Celsius
			WindSpeed            float64 `json:"windSpeed"`    // m/s
			PrecipitationIntensity float64 `json:"precipitationIntensity"` // mm/h
		} `json:"values"`
	} `json:"data"`
}

// TomorrowIOClient is part of the ROUND_ROBIN_BURST provider rotation
// (§4.5.1).
type TomorrowIOClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewTomorrowIOClient constructs a Tomorrow.io client.
func NewTomorrowIOClient(cred config.ProviderCredential, logger *slog.Logger) *TomorrowIOClient {
	return &TomorrowIOClient{
		http:   newHTTPClient(tomorrowBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_tomorrow"),
	}
}

// Name implements fallback.Provider.
func (c *TomorrowIOClient) Name() quota.Provider { return quota.ProviderTomorrowIO }

// Fetch implements fallback.Provider.
func (c *TomorrowIOClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result tomorrowResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("location", fmt.Sprintf("%f,%f", lat, lon)).
		SetQueryParam("units", "metric").
		SetQueryParam("apikey", c.apiKey).
		SetResult(&result).
		Get("/weather/realtime")
	if err != nil {
		return 0, fmt.Errorf("tomorrow.io fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("tomorrow.io fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.Data.Values.Temperature, nil
	case types.MetricWindSpeed:
		return result.Data.Values.WindSpeed, nil
	case types.MetricPrecipitation:
		return result.Data.Values.PrecipitationIntensity, nil
	default:
		return 0, errUnsupportedMetric("tomorrow.io", metric)
	}
}
