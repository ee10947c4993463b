package grib

import (
	"bytes"
	"testing"
)

func TestParseDecoderOutput(t *testing.T) {
	t.Parallel()

	cities := map[string]CityQuery{
		"nyc": {ID: "nyc", Lat: 40.71, Lon: -74.0},
	}
	buf := bytes.NewBufferString("nyc 275.15 3.0 4.0 0.2\n")

	points, err := parseDecoderOutput(buf, cities)
	if err != nil {
		t.Fatalf("parseDecoderOutput: %v", err)
	}
	gp, ok := points["nyc"]
	if !ok {
		t.Fatalf("expected nyc in output")
	}
	if gp.TempK != 275.15 {
		t.Errorf("TempK = %f, want 275.15", gp.TempK)
	}
	if gp.WindSpeedMS() != 5 {
		t.Errorf("WindSpeedMS = %f, want 5", gp.WindSpeedMS())
	}
}

func TestParseDecoderOutputSkipsUnrequestedCities(t *testing.T) {
	t.Parallel()

	cities := map[string]CityQuery{"nyc": {ID: "nyc"}}
	buf := bytes.NewBufferString("chicago 270.0 1.0 1.0 0.0\n")

	points, err := parseDecoderOutput(buf, cities)
	if err != nil {
		t.Fatalf("parseDecoderOutput: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("expected no points for a city not in the query set, got %v", points)
	}
}

func TestParseDecoderOutputMalformedLine(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBufferString("nyc not-a-number 1 2 3\n")
	if _, err := parseDecoderOutput(buf, map[string]CityQuery{"nyc": {ID: "nyc"}}); err == nil {
		t.Fatalf("expected error for malformed temperature field")
	}
}
