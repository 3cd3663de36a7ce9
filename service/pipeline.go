package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lai/datagate/db"
	"github.com/lai/datagate/telemetry"
	"github.com/lai/datagate/units"
)

// PayloadDefaults controls what the outbound payload carries for absent
// optional location readings. Value fills the integer fields (satellites,
// speed, heading) truncated toward zero; config only admits whole numbers.
type PayloadDefaults struct {
	Fill  bool
	Value float64
}

// PipelineConfig wires the optional collaborators of a Pipeline.
// Events, Snapshots and Notifier may be nil. NotifyTimeout bounds each
// failure notification; zero means 30 seconds.
type PipelineConfig struct {
	FallbackUnit  units.Unit
	Defaults      PayloadDefaults
	Events        *EventLog
	Snapshots     db.SnapshotStore
	Notifier      Notifier
	NotifyTimeout time.Duration
}

// DeliveryFailure describes one event the downstream platform did not accept.
type DeliveryFailure struct {
	AssetName string `json:"asset_name"`
	DeviceID  string `json:"device_id"`
	Cause     string `json:"cause"`
}

// Result summarizes one ingested batch. Forwarded is the only success signal.
type Result struct {
	BatchID   string
	Events    int
	Skipped   int
	Forwarded int
	Failures  []DeliveryFailure
}

// Pipeline turns a Datagate document into cache updates and NGP deliveries.
type Pipeline struct {
	cache *PositionCache
	dir   *Directory
	ngp   Deliverer
	cfg   PipelineConfig
	now   func() time.Time

	notifying sync.WaitGroup
}

func NewPipeline(cache *PositionCache, dir *Directory, ngp Deliverer, cfg PipelineConfig) *Pipeline {
	if !cfg.FallbackUnit.Valid() {
		cfg.FallbackUnit = units.Kmh
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	return &Pipeline{
		cache: cache,
		dir:   dir,
		ngp:   ngp,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Ingest processes every event of the document in order. A malformed document
// returns an error wrapping telemetry.ErrMalformed and has no side effects.
// Per-event problems never fail the batch. Failure notifications are sent in
// the background and never delay the result.
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader) (Result, error) {
	events, err := telemetry.ParseBatch(r, p.cfg.FallbackUnit)
	if err != nil {
		return Result{}, err
	}

	res := Result{BatchID: uuid.NewString(), Events: len(events)}
	for _, ev := range events {
		p.process(ctx, &res, ev)
	}

	slog.Info("batch processed",
		"batch_id", res.BatchID,
		"events", res.Events,
		"skipped", res.Skipped,
		"forwarded", res.Forwarded,
		"failed", len(res.Failures),
	)

	if len(res.Failures) > 0 && p.cfg.Notifier != nil {
		p.notifying.Add(1)
		go p.notify(res)
	}
	return res, nil
}

func (p *Pipeline) notify(res Result) {
	defer p.notifying.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.NotifyTimeout)
	defer cancel()

	if err := p.cfg.Notifier.NotifyFailures(ctx, res); err != nil {
		slog.Error("failure notification failed", "batch_id", res.BatchID, "error", err)
	}
}

// Wait blocks until every pending failure notification has returned.
func (p *Pipeline) Wait() {
	p.notifying.Wait()
}

func (p *Pipeline) process(ctx context.Context, res *Result, ev telemetry.Event) {
	if err := ev.Valid(); err != nil {
		slog.Warn("skip event", "batch_id", res.BatchID, "reason", err)
		res.Skipped++
		return
	}

	ingest := isoTime(p.now())
	key := ev.Key()

	rec := newEventRecord(ev, res.BatchID, ingest)
	p.recordEvent(ctx, key, rec)
	snapshot := p.writeSnapshot(ctx, key, rec)

	if ev.HasFix() {
		p.cache.Upsert(ctx, key, newCachedPosition(ev, ingest, snapshot))
	}

	imei, ok := p.dir.Lookup(ev.AssetName)
	if !ok {
		slog.Warn("skip forward: no mapping", "batch_id", res.BatchID, "asset", ev.AssetName)
		res.Skipped++
		return
	}
	if !ev.HasFix() {
		slog.Warn("skip forward: missing lat/lon", "batch_id", res.BatchID, "asset", ev.AssetName)
		res.Skipped++
		return
	}

	if p.cfg.Events != nil {
		if err := p.cfg.Events.RecordDevice(ctx, key, ev.AssetName, imei); err != nil {
			slog.Warn("failed to write device update", "asset", ev.AssetName, "error", err)
		}
	}

	payload := BuildPayload(ev, imei, ingest, p.cfg.Defaults)
	if err := p.ngp.Deliver(ctx, payload); err != nil {
		slog.Error("forward failed",
			"batch_id", res.BatchID,
			"asset", ev.AssetName,
			"imei", imei,
			"src_unit", ev.SpeedUnit,
			"error", err,
		)
		res.Failures = append(res.Failures, DeliveryFailure{
			AssetName: ev.AssetName,
			DeviceID:  imei,
			Cause:     err.Error(),
		})
		return
	}

	slog.Info("forwarded",
		"batch_id", res.BatchID,
		"asset", ev.AssetName,
		"imei", imei,
		"src_unit", ev.SpeedUnit,
		"kmh", payload.Location.Speed,
	)
	res.Forwarded++
}

func (p *Pipeline) recordEvent(ctx context.Context, key string, rec EventRecord) {
	if p.cfg.Events == nil {
		return
	}
	if err := p.cfg.Events.Record(ctx, key, rec); err != nil {
		slog.Warn("failed to write event log", "asset", rec.AssetName, "error", err)
	}
}

// writeSnapshot returns the snapshot location, or nil when it was not written.
func (p *Pipeline) writeSnapshot(ctx context.Context, key string, rec EventRecord) *string {
	if p.cfg.Snapshots == nil {
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("failed to encode snapshot", "asset", rec.AssetName, "error", err)
		return nil
	}
	loc, err := p.cfg.Snapshots.Put(ctx, SnapshotName(key), data)
	if err != nil {
		slog.Warn("failed to write snapshot", "asset", rec.AssetName, "error", err)
		return nil
	}
	return &loc
}

var snapshotNameReplacer = strings.NewReplacer(" ", "_", "/", "_", `\`, "_")

// SnapshotName is the per-asset snapshot file name for a normalized key.
func SnapshotName(key string) string {
	return snapshotNameReplacer.Replace(key) + ".json"
}

func newEventRecord(ev telemetry.Event, batchID, ingest string) EventRecord {
	rec := EventRecord{
		TsIngest:  ingest,
		BatchID:   batchID,
		AssetName: ev.AssetName,
		GPSValid:  ev.GPSValid,
		Speed: SpeedRecord{
			Input:         SpeedInput{Value: ev.SpeedRaw, Units: ev.SpeedUnitTag},
			MPS:           ev.SpeedMPS(),
			KmhFloor:      ev.SpeedKmh(),
			KnotsFloor1dp: ev.SpeedKnots(),
		},
		Location: LocationRecord{
			Lat:     ev.Latitude,
			Lon:     ev.Longitude,
			Alt:     ev.Altitude,
			Sats:    ev.Satellites,
			Heading: ev.HeadingDeg,
		},
		Raw: string(ev.Raw),
	}
	if t := ev.MessageTime(""); t != "" {
		rec.MessageTime = &t
	}
	return rec
}

func newCachedPosition(ev telemetry.Event, ingest string, snapshot *string) CachedPosition {
	pos := CachedPosition{
		AssetName:       ev.AssetName,
		Lat:             *ev.Latitude,
		Lon:             *ev.Longitude,
		RXTime:          ev.MessageTime(ingest),
		GPSValid:        ev.GPSValid,
		SpeedKnots:      ev.SpeedKnots(),
		HeadingDeg:      ev.HeadingDeg,
		RawSnapshotPath: snapshot,
	}
	if kmh := ev.SpeedKmh(); kmh != nil {
		v := float64(*kmh)
		pos.SpeedKmh = &v
	}
	return pos
}

// BuildPayload maps an event with a fix to the NGP payload. Absent optional
// location readings are filled from d when d.Fill is set. The event must
// carry both coordinates.
func BuildPayload(ev telemetry.Event, deviceID, ingest string, d PayloadDefaults) NGPPayload {
	loc := NGPLocation{
		FixType:    FixTypeNoFix,
		Latitude:   *ev.Latitude,
		Longitude:  *ev.Longitude,
		Satellites: ev.Satellites,
		Altitude:   ev.Altitude,
		Speed:      ev.SpeedKmh(),
		Heading:    ev.HeadingDeg,
	}
	if ev.GPSValid {
		loc.FixType = FixTypeHasFix
	}
	if t := ev.GNSSTime(); t != "" {
		loc.GNSSTime = &t
	}

	if d.Fill {
		n := int(d.Value)
		if loc.Satellites == nil {
			loc.Satellites = &n
		}
		if loc.Altitude == nil {
			alt := d.Value
			loc.Altitude = &alt
		}
		if loc.Speed == nil {
			loc.Speed = &n
		}
		if loc.Heading == nil {
			loc.Heading = &n
		}
	}

	return NGPPayload{
		DeviceID:     deviceID,
		MessageTime:  ev.MessageTime(ingest),
		Location:     loc,
		BatteryLevel: ev.BatteryLevel,
	}
}
