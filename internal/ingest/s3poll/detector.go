// Package s3poll implements the S3 File Detector (§4.4.1): on each
// detection-window-open event it arms a per-file polling job that HEADs
// the expected object on a tight interval until it appears, then downloads
// and decodes it.
//
// Grounded on internal/exchange.Client for the resty construction (base
// client, timeout, retry-on-5xx) and on internal/exchange.RateLimiter for
// the per-category-bucket idiom, generalized here to a circuit breaker
// (github.com/sony/gobreaker, sourced from the retrieval pack's
// jordigilh-kubernaut go.mod) since §4.4.1 specifies trip/half-open
// semantics rather than a token bucket.
package s3poll

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"wxarb/internal/bus"
	"wxarb/internal/ingest/grib"
	"wxarb/internal/schedule"
	"wxarb/pkg/types"
)

// Config tunes the detector's polling cadence and timeouts (§4.4.1, §6).
type Config struct {
	PollInterval    time.Duration // default 150ms, valid range 100-250ms
	DownloadTimeout time.Duration // default 5s
	DecoderPath     string
	DecoderTimeout  time.Duration // default 1s
}

// DefaultConfig returns §6's defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    150 * time.Millisecond,
		DownloadTimeout: 5 * time.Second,
		DecoderTimeout:  time.Second,
	}
}

// FileDetectedEvent is the payload published on bus.TagFileDetected when a
// HEAD request first reports the expected object exists.
type FileDetectedEvent struct {
	File      types.ExpectedFile
	LatencyMs int64
	At        time.Time
}

// FileConfirmedEvent is the payload published on bus.TagFileConfirmed once
// the object has been downloaded and decoded into per-city snapshots.
type FileConfirmedEvent struct {
	File      types.ExpectedFile
	Snapshots []types.ForecastSnapshot
	At        time.Time
}

// CityQuery names one city the detector should extract values for.
type CityQuery struct {
	ID  string
	Lat float64
	Lon float64
}

// Detector runs one polling job per armed ExpectedFile, enforcing at most
// one active job per file (§4.4.1: "no duplicate detection jobs for the
// same cycle").
type Detector struct {
	cfg     Config
	http    *resty.Client
	decoder *grib.Decoder
	bus     *bus.Bus
	logger  *slog.Logger
	cities  []CityQuery

	breakers sync.Map // bucket (string) -> *gobreaker.CircuitBreaker

	mu     sync.Mutex
	active map[string]context.CancelFunc // cycle key -> cancel
}

// NewDetector constructs a detector that polls over plain HTTPS HEAD/GET
// requests against the public NOAA/ECMWF buckets.
func NewDetector(cfg Config, b *bus.Bus, logger *slog.Logger, cities []CityQuery) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultConfig().DownloadTimeout
	}
	httpClient := resty.New().
		SetTimeout(cfg.DownloadTimeout).
		SetRetryCount(0) // the poll loop itself is the retry strategy; no resty-level retries

	return &Detector{
		cfg:     cfg,
		http:    httpClient,
		decoder: grib.NewDecoder(cfg.DecoderPath, cfg.DecoderTimeout),
		bus:     b,
		logger:  logger.With("component", "s3poll"),
		cities:  cities,
		active:  make(map[string]context.CancelFunc),
	}
}

// Subscribe arms the detector against bus.TagDetectionWindowOpen; call in a
// goroutine.
func (d *Detector) Subscribe(ctx context.Context) error {
	ch, sub, err := d.bus.Subscribe(bus.TagDetectionWindowOpen, 0)
	if err != nil {
		return err
	}
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, ok := evt.Payload.(schedule.DetectionWindowOpenEvent)
			if !ok {
				continue
			}
			d.arm(ctx, payload)
		}
	}
}

// arm starts a detection job for file if one is not already running for its
// cycle.
func (d *Detector) arm(parent context.Context, payload schedule.DetectionWindowOpenEvent) {
	key := payload.File.Cycle.String()

	d.mu.Lock()
	if _, exists := d.active[key]; exists {
		d.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithDeadline(parent, payload.Window.LatestPollAt)
	d.active[key] = cancel
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, key)
			d.mu.Unlock()
			cancel()
		}()
		d.poll(jobCtx, payload.File)
	}()
}

// poll runs the tight HEAD-polling loop until the object is found, the
// context deadline passes, or the parent context is cancelled.
func (d *Detector) poll(ctx context.Context, file types.ExpectedFile) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	cb := d.breaker(file.Bucket)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			found, latency, err := d.probe(ctx, cb, file)
			if err != nil {
				// Circuit open or request failed — keep polling; the
				// fallback poller covers this window independently.
				continue
			}
			if !found {
				continue
			}
			d.logger.Info("file detected", "file", file.ObjectKey, "latency_ms", latency.Milliseconds())
			d.publish(bus.TagFileDetected, FileDetectedEvent{File: file, LatencyMs: latency.Milliseconds(), At: time.Now()})

			d.downloadAndConfirm(ctx, file)
			return
		}
	}
}

// probe issues one HEAD request through the circuit breaker.
func (d *Detector) probe(ctx context.Context, cb *gobreaker.CircuitBreaker, file types.ExpectedFile) (bool, time.Duration, error) {
	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := d.http.R().SetContext(ctx).Head(objectURL(file))
		if err != nil {
			return false, err
		}
		if resp.StatusCode() == http.StatusNotFound {
			return false, nil
		}
		if resp.StatusCode() != http.StatusOK {
			return false, fmt.Errorf("s3poll: unexpected status %d", resp.StatusCode())
		}
		return true, nil
	})
	if err != nil {
		return false, time.Since(start), err
	}
	return result.(bool), time.Since(start), nil
}

// downloadAndConfirm fetches the object and decodes it. A failure here is
// silent by design (§4.4.1): no file-confirmed event is published, and the
// API fallback path, armed independently off the same detection window,
// takes over.
func (d *Detector) downloadAndConfirm(ctx context.Context, file types.ExpectedFile) {
	dlCtx, cancel := context.WithTimeout(ctx, d.cfg.DownloadTimeout)
	defer cancel()

	resp, err := d.http.R().SetContext(dlCtx).Get(objectURL(file))
	if err != nil || resp.StatusCode() != http.StatusOK {
		d.logger.Warn("file download failed, deferring to fallback poller", "file", file.ObjectKey, "error", err)
		return
	}

	tmpPath, cleanup, err := writeTemp(resp.Body())
	if err != nil {
		d.logger.Warn("failed to stage downloaded file", "error", err)
		return
	}
	defer cleanup()

	queries := make([]grib.CityQuery, 0, len(d.cities))
	for _, c := range d.cities {
		queries = append(queries, grib.CityQuery{ID: c.ID, Lat: c.Lat, Lon: c.Lon})
	}

	points, err := d.decoder.Decode(dlCtx, file.Cycle.Model, tmpPath, queries)
	if err != nil {
		d.logger.Warn("decode failed, deferring to fallback poller", "file", file.ObjectKey, "error", err)
		return
	}

	snapshots := snapshotsFromGrid(file, points)
	d.publish(bus.TagFileConfirmed, FileConfirmedEvent{File: file, Snapshots: snapshots, At: time.Now()})
}

func snapshotsFromGrid(file types.ExpectedFile, points map[string]types.GridPoint) []types.ForecastSnapshot {
	now := time.Now()
	cycle := file.Cycle
	snapshots := make([]types.ForecastSnapshot, 0, len(points)*3)
	for cityID, gp := range points {
		tempC := types.KelvinToCelsius(gp.TempK)
		snapshots = append(snapshots,
			types.ForecastSnapshot{
				CityID: cityID, Metric: types.MetricTemperature, Value: tempC, Unit: "C",
				ValidTime: now, Source: types.SourceFile, ConfirmationState: types.StateFileConfirmed,
				ProducedAt: now, Cycle: &cycle,
			},
			types.ForecastSnapshot{
				CityID: cityID, Metric: types.MetricWindSpeed, Value: gp.WindSpeedMS(), Unit: "m/s",
				ValidTime: now, Source: types.SourceFile, ConfirmationState: types.StateFileConfirmed,
				ProducedAt: now, Cycle: &cycle,
			},
			types.ForecastSnapshot{
				CityID: cityID, Metric: types.MetricPrecipitation, Value: gp.PrecipMm, Unit: "mm",
				ValidTime: now, Source: types.SourceFile, ConfirmationState: types.StateFileConfirmed,
				ProducedAt: now, Cycle: &cycle,
			},
		)
	}
	return snapshots
}

// breaker returns the circuit breaker for bucket, creating it on first use.
// Trip/recovery thresholds follow §4.4.1: 5 failures within 60s trips the
// circuit open for 60s, then up to 3 half-open probes before fully closing.
func (d *Detector) breaker(bucket string) *gobreaker.CircuitBreaker {
	if cb, ok := d.breakers.Load(bucket); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        bucket,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= 5
		},
	})
	actual, _ := d.breakers.LoadOrStore(bucket, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (d *Detector) publish(tag bus.Tag, payload any) {
	if err := d.bus.Publish(tag, payload); err != nil {
		d.logger.Error("publish failed", "tag", tag, "error", err)
	}
}

// objectURL builds the public HTTPS URL for an S3-hosted NOAA/ECMWF object.
// These buckets serve anonymous reads over plain HTTPS, not the S3 API.
func objectURL(file types.ExpectedFile) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", file.Bucket, file.ObjectKey)
}

func writeTemp(body []byte) (string, func(), error) {
	f, err := createTempFile()
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(f, bytes.NewReader(body)); err != nil {
		f.Close()
		return "", nil, err
	}
	path := f.Name()
	f.Close()
	return path, func() { removeFile(path) }, nil
}
