package telemetry

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"

	"github.com/lai/datagate/units"
)

// ErrMissingName is returned by Valid for records without an AssetDescription.
var ErrMissingName = errors.New("missing AssetDescription")

var folder = cases.Fold()

// NormalizeKey reduces an asset display name to the trimmed, case-folded form
// used for every map lookup.
func NormalizeKey(name string) string {
	return folder.String(strings.TrimSpace(name))
}

// Event is one AssetEvent record extracted from a Datagate document.
// Optional readings are nil when the source omits them or they do not parse.
type Event struct {
	AssetName string
	RXTime    string
	GMTTime   string
	GPSValid  bool

	Latitude   *float64
	Longitude  *float64
	Altitude   *float64
	Satellites *int

	SpeedRaw     *float64
	SpeedUnit    units.Unit
	SpeedUnitTag string

	HeadingDeg   *int
	BatteryLevel *int

	// Raw is the event element as received, kept for diagnostics only.
	Raw []byte
}

// Valid returns an error if the event cannot be processed at all.
func (e Event) Valid() error {
	if strings.TrimSpace(e.AssetName) == "" {
		return ErrMissingName
	}
	return nil
}

// Key returns the normalized cache/directory key for the asset.
func (e Event) Key() string {
	return NormalizeKey(e.AssetName)
}

// HasFix reports whether both coordinates are present.
func (e Event) HasFix() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// MessageTime prefers the receive time, then the device GMT time, then ingest.
func (e Event) MessageTime(ingest string) string {
	return firstNonEmpty(e.RXTime, e.GMTTime, ingest)
}

// GNSSTime is the device fix time, falling back to the receive time.
// It is empty when the record carries neither.
func (e Event) GNSSTime() string {
	return firstNonEmpty(e.GMTTime, e.RXTime)
}

// SpeedMPS returns the canonical speed in meters per second.
func (e Event) SpeedMPS() *float64 {
	if e.SpeedRaw == nil {
		return nil
	}
	v := units.ToCanonical(*e.SpeedRaw, e.SpeedUnit)
	return &v
}

// SpeedKmh returns the canonical speed as floored whole km/h.
func (e Event) SpeedKmh() *int {
	mps := e.SpeedMPS()
	if mps == nil {
		return nil
	}
	v := units.KmhFloor(*mps)
	return &v
}

// SpeedKnots returns the canonical speed in knots floored to one decimal.
func (e Event) SpeedKnots() *float64 {
	mps := e.SpeedMPS()
	if mps == nil {
		return nil
	}
	v := units.KnotsFloor1dp(*mps)
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
