// File: internal/store/memory.go
package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/dakbox/dakbox-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Memory is a process-local KV. It also backs the file store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	hub  hub
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, values map[string][]byte) error {
	_, err := m.set(ctx, values)
	return err
}

func (m *Memory) set(_ context.Context, values map[string][]byte) ([]schemas.Change, error) {
	for k, v := range values {
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: key %s", ErrInvalidValue, k)
		}
	}

	m.mu.Lock()
	var changes []schemas.Change
	for k, v := range values {
		old, existed := m.data[k]
		if existed && bytes.Equal(old, v) {
			continue
		}
		m.data[k] = clone(v)
		changes = append(changes, schemas.Change{Key: k, OldValue: old, NewValue: clone(v)})
	}
	m.mu.Unlock()

	m.hub.publish(changes)
	return changes, nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	_, err := m.remove(ctx, keys...)
	return err
}

func (m *Memory) remove(_ context.Context, keys ...string) ([]schemas.Change, error) {
	m.mu.Lock()
	var changes []schemas.Change
	for _, k := range keys {
		if old, ok := m.data[k]; ok {
			delete(m.data, k)
			changes = append(changes, schemas.Change{Key: k, OldValue: old})
		}
	}
	m.mu.Unlock()

	m.hub.publish(changes)
	return changes, nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan schemas.Change, error) {
	return m.hub.subscribe(ctx), nil
}

func (m *Memory) Close() error {
	m.hub.closeAll()
	return nil
}

// snapshot returns a copy of every entry.
func (m *Memory) snapshot() map[string]jsoniter.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]jsoniter.RawMessage, len(m.data))
	for k, v := range m.data {
		out[k] = clone(v)
	}
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
