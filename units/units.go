// Package units converts speeds through a single canonical unit (meters per second)
// and normalizes headings.
package units

import (
	"math"
	"strconv"
	"strings"
)

// Unit is a speed unit tag as understood by the converter.
type Unit string

const (
	Kmh   Unit = "kmh"
	Mph   Unit = "mph"
	Knots Unit = "knots"
	Mps   Unit = "mps"
)

const (
	kmhPerMps   = 3.6
	mpsPerMph   = 0.44704
	mpsPerKnot  = 0.514444
	knotsPerMps = 1.943844
)

// ParseUnit maps a unit tag to a Unit. Matching is case-insensitive and accepts
// common synonyms. Empty or unknown tags yield fallback.
func ParseUnit(tag string, fallback Unit) Unit {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "kmh", "kph", "km/h":
		return Kmh
	case "mph", "mi/h":
		return Mph
	case "knots", "knot", "kt", "kts":
		return Knots
	case "m/s", "mps", "ms":
		return Mps
	}
	return fallback
}

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	switch u {
	case Kmh, Mph, Knots, Mps:
		return true
	}
	return false
}

// ToCanonical converts v expressed in u to meters per second.
// Unrecognized units are treated as km/h.
func ToCanonical(v float64, u Unit) float64 {
	switch u {
	case Mph:
		return v * mpsPerMph
	case Knots:
		return v * mpsPerKnot
	case Mps:
		return v
	default:
		return v / kmhPerMps
	}
}

// KmhFloor returns floor(mps * 3.6). Flooring never overstates speed downstream.
func KmhFloor(mps float64) int {
	return int(math.Floor(mps * kmhPerMps))
}

// ToKnots converts meters per second to knots.
func ToKnots(mps float64) float64 {
	return mps * knotsPerMps
}

// KnotsFloor1dp converts meters per second to knots floored to one decimal.
func KnotsFloor1dp(mps float64) float64 {
	return math.Floor(ToKnots(mps)*10) / 10
}

// NormalizeHeading rounds h half-to-even and wraps it into [0, 360).
// h is reduced modulo 360 first so any finite magnitude converts exactly;
// non-finite input yields 0.
func NormalizeHeading(h float64) int {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	d := int(math.RoundToEven(math.Mod(h, 360))) % 360
	if d < 0 {
		d += 360
	}
	return d
}

// Round rounds v to the given number of decimal places. Ties follow the exact
// binary value of v, the same way fixed-precision formatting does.
func Round(v float64, places int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	return r
}
