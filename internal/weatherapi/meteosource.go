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

const meteosourceBaseURL = "https://www.meteosource.com/api/v1/free"

type meteosourceResponse struct {
	Current struct {
		Temperature float64 `json:"temperature"` // Celsius
		Wind        struct {
			Speed float64 `json:"speed"` // m/s
		} `json:"wind"`
		Precipitation struct {
			Total float64 `json:"total"` // mm/h
		} `json:"precipitation"`
	} `json:"current"`
}

// MeteosourceClient is the MEDIUM-urgency secondary polling provider
// (§4.5.1): its 500/day quota is the tightest in the rotation, so it's
// reserved for lower-frequency windows.
type MeteosourceClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewMeteosourceClient constructs a Meteosource client.
func NewMeteosourceClient(cred config.ProviderCredential, logger *slog.Logger) *MeteosourceClient {
	return &MeteosourceClient{
		http:   newHTTPClient(meteosourceBaseURL),
		apiKey: cred.APIKey,
		logger: logger.With("component", "weatherapi_meteosource"),
	}
}

// Name implements fallback.Provider.
func (c *MeteosourceClient) Name() quota.Provider { return quota.ProviderMeteosource }

// Fetch implements fallback.Provider.
func (c *MeteosourceClient) Fetch(ctx context.Context, cityID string, lat, lon float64, metric types.MetricType) (float64, error) {
	var result meteosourceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("lat", fmt.Sprintf("%f", lat)).
		SetQueryParam("lon", fmt.Sprintf("%f", lon)).
		SetQueryParam("sections", "current").
		SetQueryParam("units", "metric").
		SetQueryParam("key", c.apiKey).
		SetResult(&result).
		Get("/point")
	if err != nil {
		return 0, fmt.Errorf("meteosource fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("meteosource fetch: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch metric {
	case types.MetricTemperature:
		return result.Current.Temperature, nil
	case types.MetricWindSpeed:
		return result.Current.Wind.Speed, nil
	case types.MetricPrecipitation:
		return result.Current.Precipitation.Total, nil
	default:
		return 0, errUnsupportedMetric("meteosource", metric)
	}
}
