package grib

import "wxarb/pkg/types"

// InGridBounds reports whether (lat,lon) falls within model's domain.
//
// HRRR/RAP use a crude 35°x60° lat/lon envelope over the CONUS — per §9
// this is an explicit approximation ("the real HRRR grid is Lambert
// Conformal"; treated here as an optimization hint, not a correctness
// gate) rather than a true projected-grid containment test. GFS/ECMWF are
// global models and always report in bounds.
func InGridBounds(model types.ModelKind, lat, lon float64) bool {
	switch model {
	case types.HRRR, types.RAP:
		return lat >= 21 && lat <= 56 && lon >= -125 && lon <= -65 // ~35x60deg CONUS envelope
	case types.GFS, types.ECMWF:
		return true
	default:
		return false
	}
}
