// Package weatherapi implements the seven WeatherProvider clients (§6) the
// API Fallback Poller and the Hybrid Mode Controller's polling modes
// consume. Each client is a thin resty wrapper satisfying
// internal/ingest/fallback.Provider, grounded on internal/exchange.Client's
// shape: a base-URL'd resty.Client with a fixed timeout and 5xx retry, no
// request signing (these are public/API-key-auth'd GET endpoints, not the
// venue's authenticated order API).
package weatherapi

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"wxarb/pkg/types"
)

const (
	requestTimeout   = 8 * time.Second
	retryCount       = 2
	retryWaitTime    = 250 * time.Millisecond
	retryMaxWaitTime = 2 * time.Second
)

func newHTTPClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryMaxWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
}

func fahrenheitToCelsius(f float64) float64 { return (f - 32) / 1.8 }

func mphToMS(mph float64) float64 { return mph * 0.44704 }

func kmhToMS(kmh float64) float64 { return kmh / 3.6 }

func inchesToMM(in float64) float64 { return in * 25.4 }

// errUnsupportedMetric is returned by providers that don't expose a metric
// this core trades on for the queried city.
func errUnsupportedMetric(provider string, metric types.MetricType) error {
	return fmt.Errorf("%s: unsupported metric %s", provider, metric)
}
