package grib

import (
	"testing"

	"wxarb/pkg/types"
)

func TestHRRRBoundsIncludesNYC(t *testing.T) {
	t.Parallel()
	if !InGridBounds(types.HRRR, 40.71, -74.0) {
		t.Errorf("expected NYC to be within HRRR bounds")
	}
}

func TestHRRRBoundsExcludesHonolulu(t *testing.T) {
	t.Parallel()
	if InGridBounds(types.HRRR, 21.3, -157.8) {
		t.Errorf("expected Honolulu to be outside the CONUS HRRR envelope")
	}
}

func TestGlobalModelsAlwaysInBounds(t *testing.T) {
	t.Parallel()
	if !InGridBounds(types.GFS, 21.3, -157.8) {
		t.Errorf("GFS is global, expected all coordinates in bounds")
	}
	if !InGridBounds(types.ECMWF, -33.8, 151.2) {
		t.Errorf("ECMWF is global, expected all coordinates in bounds")
	}
}
