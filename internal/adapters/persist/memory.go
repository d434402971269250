// Package persist provides SnapshotStore implementations: in-memory for
// tests and single-node setups, sqlite for durable local storage, redis
// for shared storage, plus a retrying decorator.
package persist

import (
	"context"
	"sync"

	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/store"
)

// Memory keeps room dumps in a map. Zero value is not usable; call NewMemory.
type Memory struct {
	mu    sync.RWMutex
	dumps map[domain.RoomID]store.Dump
}

func NewMemory() *Memory {
	return &Memory{dumps: make(map[domain.RoomID]store.Dump)}
}

func (m *Memory) Save(_ context.Context, room domain.RoomID, d store.Dump) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumps[room] = d
	return nil
}

func (m *Memory) Load(_ context.Context, room domain.RoomID) (*store.Dump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dumps[room]
	if !ok {
		return nil, nil
	}
	return &d, nil
}
