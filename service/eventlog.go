package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventRecord is the diagnostic record written for every named event, both
// to the daily event log and as the asset's raw snapshot.
type EventRecord struct {
	TsIngest    string         `json:"ts_ingest"`
	BatchID     string         `json:"batch_id"`
	AssetName   string         `json:"asset_name"`
	IMEI        *string        `json:"imei"`
	MessageTime *string        `json:"message_time"`
	GPSValid    bool           `json:"gps_valid"`
	Speed       SpeedRecord    `json:"speed"`
	Location    LocationRecord `json:"location"`
	Raw         string         `json:"raw"`
}

type SpeedRecord struct {
	Input         SpeedInput `json:"input"`
	MPS           *float64   `json:"mps"`
	KmhFloor      *int       `json:"kmh_floor"`
	KnotsFloor1dp *float64   `json:"knots_floor_1dp"`
}

type SpeedInput struct {
	Value *float64 `json:"value"`
	Units string   `json:"units"`
}

type LocationRecord struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Alt     *float64 `json:"alt"`
	Sats    *int     `json:"sats"`
	Heading *int     `json:"heading"`
}

// deviceUpdate is appended once an event's device id has been resolved.
type deviceUpdate struct {
	Update    string `json:"_update"`
	AssetName string `json:"asset_name"`
	IMEI      string `json:"imei"`
	Ts        string `json:"ts"`
}

// EventPublisher mirrors event log lines to another sink.
type EventPublisher interface {
	Publish(ctx context.Context, key string, v any) error
	Close() error
}

// EventLog appends JSON lines to one file per UTC day and optionally mirrors
// them to a publisher. It has no transactional link to the position cache.
type EventLog struct {
	dir       string
	publisher EventPublisher
	now       func() time.Time
	mu        sync.Mutex
}

// NewEventLog writes into dir; publisher may be nil.
func NewEventLog(dir string, publisher EventPublisher) *EventLog {
	return &EventLog{dir: dir, publisher: publisher, now: time.Now}
}

// Record appends rec to today's file.
func (l *EventLog) Record(ctx context.Context, key string, rec EventRecord) error {
	return l.append(ctx, key, rec)
}

// RecordDevice appends the resolved device id for an asset.
func (l *EventLog) RecordDevice(ctx context.Context, key, assetName, imei string) error {
	return l.append(ctx, key, deviceUpdate{
		Update:    "imei",
		AssetName: assetName,
		IMEI:      imei,
		Ts:        isoTime(l.now()),
	})
}

func (l *EventLog) append(ctx context.Context, key string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, key, v); err != nil {
			slog.Warn("event publish failed", "error", err, "key", key)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, l.now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// isoTime formats t in UTC with microseconds and a Z suffix.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
