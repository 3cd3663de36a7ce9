package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lai/datagate/db"
	"github.com/lai/datagate/telemetry"
)

// Diagnostics exposes the cached fix of an asset next to its last raw
// event record.
type Diagnostics struct {
	cache     *PositionCache
	snapshots db.SnapshotStore
}

// NewDiagnostics creates a Diagnostics; snapshots may be nil.
func NewDiagnostics(cache *PositionCache, snapshots db.SnapshotStore) *Diagnostics {
	return &Diagnostics{cache: cache, snapshots: snapshots}
}

// DebugView is the diagnostic document for one asset.
type DebugView struct {
	AssetName              string          `json:"asset_name"`
	RXTime                 string          `json:"rx_time"`
	SpeedKmhCached         *float64        `json:"speed_kmh_cached"`
	SpeedKnotsCached       *float64        `json:"speed_knots_cached"`
	HeadingDeg             *int            `json:"heading_deg"`
	GPSValid               bool            `json:"gps_valid"`
	RawSnapshotPath        *string         `json:"raw_snapshot_path"`
	InputSpeedFromSnapshot *SpeedInput     `json:"input_speed_from_snapshot"`
	CalcFromSnapshot       SnapshotCalc    `json:"calc_from_snapshot"`
	LocationFromSnapshot   *LocationRecord `json:"location_from_snapshot"`
	SnapshotError          string          `json:"error,omitempty"`
}

type SnapshotCalc struct {
	MPS           *float64 `json:"mps"`
	KmhFloor      *int     `json:"kmh_floor"`
	KnotsFloor1dp *float64 `json:"knots_floor_1dp"`
}

// Debug returns ErrNotFound when the asset has no cached fix. A snapshot that
// cannot be read is reported in the view rather than as an error.
func (d *Diagnostics) Debug(ctx context.Context, name string) (DebugView, error) {
	pos, ok := d.cache.Get(telemetry.NormalizeKey(name))
	if !ok {
		return DebugView{}, fmt.Errorf("no last position for asset %q: %w", name, ErrNotFound)
	}

	view := DebugView{
		AssetName:        pos.AssetName,
		RXTime:           pos.RXTime,
		SpeedKmhCached:   pos.SpeedKmh,
		SpeedKnotsCached: pos.SpeedKnots,
		HeadingDeg:       pos.HeadingDeg,
		GPSValid:         pos.GPSValid,
		RawSnapshotPath:  pos.RawSnapshotPath,
	}
	if pos.RawSnapshotPath == nil || d.snapshots == nil {
		return view, nil
	}

	data, err := d.snapshots.Get(ctx, *pos.RawSnapshotPath)
	if err != nil {
		if !errors.Is(err, db.ErrNotExist) {
			slog.Warn("failed to read snapshot", "asset", pos.AssetName, "error", err)
			view.SnapshotError = "failed to read snapshot"
		}
		return view, nil
	}

	var rec EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("failed to decode snapshot", "asset", pos.AssetName, "error", err)
		view.SnapshotError = "failed to read snapshot"
		return view, nil
	}

	view.InputSpeedFromSnapshot = &rec.Speed.Input
	view.CalcFromSnapshot = SnapshotCalc{
		MPS:           rec.Speed.MPS,
		KmhFloor:      rec.Speed.KmhFloor,
		KnotsFloor1dp: rec.Speed.KnotsFloor1dp,
	}
	view.LocationFromSnapshot = &rec.Location
	return view, nil
}
