package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/lai/datagate/db"
	"github.com/lai/datagate/telemetry"
)

// Directory maps asset display names to NGP device ids (IMEIs).
// Lookups ignore case and surrounding whitespace.
type Directory struct {
	mu    sync.RWMutex
	doc   db.Document
	names map[string]string // display name -> device id
	index map[string]string // normalized key -> display name
}

// NewDirectory loads the directory from doc. When the document is missing or
// unreadable it is seeded with defaults and saved.
func NewDirectory(ctx context.Context, doc db.Document, defaults map[string]string) *Directory {
	d := &Directory{doc: doc}

	names, err := loadNames(ctx, doc)
	if err != nil {
		if !errors.Is(err, db.ErrNotExist) {
			slog.Warn("failed to load mappings", "error", err)
		}
		names = make(map[string]string, len(defaults))
		for k, v := range defaults {
			names[k] = v
		}
		d.names = names
		d.reindex()
		d.persist(ctx)
		return d
	}

	d.names = names
	d.reindex()
	return d
}

func loadNames(ctx context.Context, doc db.Document) (map[string]string, error) {
	data, err := doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	var names map[string]string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	if names == nil {
		return nil, errors.New("decode mappings: not an object")
	}
	return names, nil
}

// reindex rebuilds the normalized index. Display names are visited in sorted
// order so duplicates in a hand-edited document resolve deterministically.
func (d *Directory) reindex() {
	display := make([]string, 0, len(d.names))
	for name := range d.names {
		display = append(display, name)
	}
	sort.Strings(display)

	d.index = make(map[string]string, len(display))
	for _, name := range display {
		key := telemetry.NormalizeKey(name)
		if _, ok := d.index[key]; !ok {
			d.index[key] = name
		}
	}
}

// persist must be called with mu held.
func (d *Directory) persist(ctx context.Context) {
	data, err := json.MarshalIndent(d.names, "", "  ")
	if err != nil {
		slog.Warn("failed to encode mappings", "error", err)
		return
	}
	if err := d.doc.Save(ctx, data); err != nil {
		slog.Warn("failed to save mappings", "error", err)
	}
}

// Lookup returns the device id mapped to name. Blank ids count as unmapped.
func (d *Directory) Lookup(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	display, ok := d.index[telemetry.NormalizeKey(name)]
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(d.names[display])
	return id, id != ""
}

// List returns a copy of the mappings keyed by display name.
func (d *Directory) List() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.names))
	for k, v := range d.names {
		out[k] = v
	}
	return out
}

// Add creates a mapping. It fails with ErrExists when another display form of
// the same name is already mapped.
func (d *Directory) Add(ctx context.Context, name, deviceID string) error {
	name, deviceID = strings.TrimSpace(name), strings.TrimSpace(deviceID)
	if name == "" || deviceID == "" {
		return fmt.Errorf("%w: name and imei are required", ErrInvalid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.index[telemetry.NormalizeKey(name)]; ok {
		return fmt.Errorf("mapping %q: %w", existing, ErrExists)
	}
	d.names[name] = deviceID
	d.reindex()
	d.persist(ctx)
	return nil
}

// Edit replaces the device id of an existing mapping. A non-empty newName
// also renames the display form; renaming onto another mapped name fails
// with ErrExists.
func (d *Directory) Edit(ctx context.Context, name, newName, deviceID string) error {
	newName, deviceID = strings.TrimSpace(newName), strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: imei is required", ErrInvalid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := telemetry.NormalizeKey(name)
	display, ok := d.index[key]
	if !ok {
		return fmt.Errorf("mapping %q: %w", name, ErrNotFound)
	}
	if newName == "" {
		newName = display
	}
	if other, ok := d.index[telemetry.NormalizeKey(newName)]; ok && other != display {
		return fmt.Errorf("mapping %q: %w", other, ErrExists)
	}

	delete(d.names, display)
	d.names[newName] = deviceID
	d.reindex()
	d.persist(ctx)
	return nil
}

// Delete removes the mapping for name.
func (d *Directory) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	display, ok := d.index[telemetry.NormalizeKey(name)]
	if !ok {
		return fmt.Errorf("mapping %q: %w", name, ErrNotFound)
	}
	delete(d.names, display)
	d.reindex()
	d.persist(ctx)
	return nil
}
