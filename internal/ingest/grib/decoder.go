// Package grib invokes the external GRIB2 decoder process (§6) and
// extracts per-city values from its output, applying the grid-bounds and
// city-selection rules of §4.4.4.
//
// GRIB2 decoding proper is explicitly out of scope (§1); this package only
// specifies the invocation contract, city extraction, and result shape,
// grounded structurally on the teacher's context-with-deadline worker
// pattern (internal/exchange.Client, internal/market.Scanner).
package grib

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"wxarb/pkg/types"
)

// FilterExpressions are the GRIB2 field filters the decoder must match,
// verbatim from §6.
var FilterExpressions = []string{
	"TMP:2 m above ground",
	"UGRD:10 m above ground",
	"VGRD:10 m above ground",
	"APCP:surface",
}

// CityQuery is one target city's coordinates, passed to the decoder so it
// can interpolate grid values to that point.
type CityQuery struct {
	ID  string
	Lat float64
	Lon float64
}

// Decoder invokes an external GRIB2-to-text decoder binary with a bounded
// timeout (§4.4.1 parse timeout 1s, configurable).
type Decoder struct {
	binaryPath string
	timeout    time.Duration
}

// NewDecoder constructs a decoder invoking binaryPath, timing out after
// timeout (default 1s per §4.4.1 if timeout <= 0).
func NewDecoder(binaryPath string, timeout time.Duration) *Decoder {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Decoder{binaryPath: binaryPath, timeout: timeout}
}

// Decode invokes the decoder against the downloaded file at filePath for
// the given cities, and returns one GridPoint per city that falls within
// the model's grid bounds (§4.4.4 — cities outside bounds are silently
// skipped, not an error).
//
// The decoder contract (§6): invoked with the temp file path and the
// filter expressions; it returns, for each city, "cityID tempK uWind vWind
// apcpMm" one line per city.
func (d *Decoder) Decode(ctx context.Context, model types.ModelKind, filePath string, cities []CityQuery) (map[string]types.GridPoint, error) {
	inBounds := make([]CityQuery, 0, len(cities))
	for _, c := range cities {
		if InGridBounds(model, c.Lat, c.Lon) {
			inBounds = append(inBounds, c)
		}
	}
	if len(inBounds) == 0 {
		return map[string]types.GridPoint{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := []string{filePath}
	args = append(args, FilterExpressions...)
	for _, c := range inBounds {
		args = append(args, fmt.Sprintf("%s:%f,%f", c.ID, c.Lat, c.Lon))
	}

	cmd := exec.CommandContext(ctx, d.binaryPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("grib decoder: %w", err)
	}

	points, err := parseDecoderOutput(&stdout, byID(inBounds))
	if err != nil {
		return nil, fmt.Errorf("grib decoder: parse output: %w", err)
	}
	return points, nil
}

func byID(cities []CityQuery) map[string]CityQuery {
	m := make(map[string]CityQuery, len(cities))
	for _, c := range cities {
		m[c.ID] = c
	}
	return m
}

// parseDecoderOutput parses "cityID tempK uWind vWind apcpMm" lines. The
// temperature stays in Kelvin (GridPoint.TempK); callers convert it to the
// internal Celsius canonical unit with types.KelvinToCelsius.
func parseDecoderOutput(r *bytes.Buffer, cities map[string]CityQuery) (map[string]types.GridPoint, error) {
	out := make(map[string]types.GridPoint, len(cities))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed decoder line: %q", line)
		}
		cityID := fields[0]
		tempK, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tempK in line %q: %w", line, err)
		}
		uWind, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed uWind in line %q: %w", line, err)
		}
		vWind, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vWind in line %q: %w", line, err)
		}
		apcpMm, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed apcpMm in line %q: %w", line, err)
		}

		city, ok := cities[cityID]
		if !ok {
			continue
		}
		out[cityID] = types.GridPoint{
			Lat:      city.Lat,
			Lon:      city.Lon,
			TempK:    tempK,
			WindU:    uWind,
			WindV:    vWind,
			PrecipMm: apcpMm,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
