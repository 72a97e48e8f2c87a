package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[lorawan.EUI64]device.Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[lorawan.EUI64]device.Session)}
}

func (m *MemoryStore) GetSession(_ context.Context, devEUI lorawan.EUI64) (*device.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *device.Session) error {
	if s == nil {
		return ErrInvalidData
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.DevEUI] = *s
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[devEUI]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, devEUI)
	return nil
}

// ListSessions returns all sessions ordered by DevEUI.
func (m *MemoryStore) ListSessions(_ context.Context) ([]*device.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*device.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DevEUI.String() < out[j].DevEUI.String()
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
