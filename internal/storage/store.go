// Package storage persists device sessions so frame counters and nonces
// survive a restart of the simulator.
package storage

import (
	"context"
	"errors"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// SessionStore defines the session storage interface
type SessionStore interface {
	GetSession(ctx context.Context, devEUI lorawan.EUI64) (*device.Session, error)
	SaveSession(ctx context.Context, s *device.Session) error
	DeleteSession(ctx context.Context, devEUI lorawan.EUI64) error
	ListSessions(ctx context.Context) ([]*device.Session, error)

	// Close the store
	Close() error
}
