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

const visualCrossingBaseURL = "https://weather.visualcrossing.com/VisualCrossingWebServices/rest/services/timeline"

type visualCrossingResponse struct {
	CurrentConditions struct {
		Temp    float64 `json:"temp"`    // Celsius, unitGroup=metric
		WindSpeed float64 `json:"windspeed"` // km/h
		Precip  float64 `json:"precip"`  // mm
	} `json:"currentConditions"`
}

// VisualCrossingClient is one of the fallback poller's candidate providers
// (§4.4.2, §6); it is not in the ROUND_ROBIN_BURST rotation.
type VisualCrossingClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewVisualCrossingClient constructs a Visual Crossing client.
func NewVisualCrossingClient(cred config.ProviderCredential, logger *slog.Logger) *VisualCrossingClient {
	return &VisualCrossingClient{
		http:   newHTTPClient(visualCrossingBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_visualcrossing"),
	}
}

// Name implements fallback.Provider.
func (c *VisualCrossingClient) Name() quota.Provider { return quota.ProviderVisualCrossing }

// Fetch implements fallback.Provider.
func (c *VisualCrossingClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result visualCrossingResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("unitGroup", "metric").
		SetQueryParam("include", "current").
		SetQueryParam("key", c.apiKey).
		SetQueryParam("contentType", "json").
		SetResult(&result).
		Get(fmt.Sprintf("/%f,%f", lat, lon))
	if err != nil {
		return 0, fmt.Errorf("visualcrossing fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("visualcrossing fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.CurrentConditions.Temp, nil
	case types.MetricWindSpeed:
		return kmhToMS(result.CurrentConditions.WindSpeed), nil
	case types.MetricPrecipitation:
		return result.CurrentConditions.Precip, nil
	default:
		return 0, errUnsupportedMetric("visualcrossing", metric)
	}
}
