// Package db holds the durable backends behind the position cache, the device
// directory and the raw snapshots. Every backend stores a document whole: a
// save replaces the previous contents in one step.
package db

import (
	"context"
	"errors"
	"sync"
)

// ErrNotExist is returned by Load when nothing has been saved yet.
var ErrNotExist = errors.New("document does not exist")

// Document is one named JSON document, rewritten in full on every save.
type Document interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// MemoryDocument keeps the document in memory. It backs tests and
// STORE_BACKEND=memory.
type MemoryDocument struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

// NewMemoryDocument returns a document holding data; nil means absent.
func NewMemoryDocument(data []byte) *MemoryDocument {
	return &MemoryDocument{data: data}
}

func (m *MemoryDocument) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotExist
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryDocument) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// FailSaves makes every later Save return err (nil restores normal behaviour).
func (m *MemoryDocument) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Saves reports how many saves succeeded.
func (m *MemoryDocument) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
