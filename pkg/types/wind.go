package types

import "math"

// hypot wraps math.Hypot so GridPoint's wind-speed derivation (§6: "computes
// wind speed sqrt(u^2+v^2)") reads as a one-line domain method, not a raw
// math call scattered through callers.
func hypot(u, v float64) float64 {
	return math.Hypot(u, v)
}

// atan2Deg returns atan2(v,u) in degrees, unnormalized.
func atan2Deg(v, u float64) float64 {
	return math.Atan2(v, u) * 180 / math.Pi
}

// normalizeDegrees folds an angle into [0,360).
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// CelsiusToFahrenheit converts the internal canonical Celsius value to the
// display-layer Fahrenheit unit (§9: "display conversion is boundary-layer
// only").
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// KelvinToCelsius converts the decoder's raw Kelvin output to the internal
// canonical unit.
func KelvinToCelsius(k float64) float64 {
	return k - 273.15
}
