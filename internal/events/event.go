// Package events publishes what the simulator does to outside observers.
// Publishers never report errors to the caller; they log them.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Type of an event.
type Type string

const (
	// Device events
	Uplink     Type = "uplink"
	Downlink   Type = "downlink"
	Join       Type = "join"
	JoinFailed Type = "join_failed"
	ACK        Type = "ack"
	Error      Type = "error"

	// Gateway events
	GatewayUp   Type = "gateway_up"
	GatewayDown Type = "gateway_down"
)

// Event is one observable simulator event. Data is the PHYPayload or the
// application payload, base64 encoded in JSON.
type Event struct {
	ID         uuid.UUID        `json:"id"`
	Type       Type             `json:"type"`
	DevEUI     *lorawan.EUI64   `json:"devEUI,omitempty"`
	DevAddr    *lorawan.DevAddr `json:"devAddr,omitempty"`
	GatewayEUI *lorawan.EUI64   `json:"gatewayEUI,omitempty"`
	FCnt       uint32           `json:"fCnt"`
	FPort      *uint8           `json:"fPort,omitempty"`
	Data       []byte           `json:"data,omitempty"`
	RSSI       float64          `json:"rssi,omitempty"`
	SNR        float64          `json:"snr,omitempty"`
	Error      string           `json:"error,omitempty"`
	Time       time.Time        `json:"time"`
}

// New returns an event of type t with a fresh ID.
func New(t Type) Event {
	return Event{ID: uuid.New(), Type: t, Time: time.Now().UTC()}
}

// ForDevice returns a device event.
func ForDevice(t Type, devEUI lorawan.EUI64, devAddr lorawan.DevAddr) Event {
	e := New(t)
	e.DevEUI = &devEUI
	e.DevAddr = &devAddr
	return e
}

// ForGateway returns a gateway event.
func ForGateway(t Type, eui lorawan.EUI64) Event {
	e := New(t)
	e.GatewayEUI = &eui
	return e
}

// Publisher receives events. Publish must return quickly.
type Publisher interface {
	Publish(e Event)
	Close() error
}

// Multi fans every event out to all publishers.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Close closes every publisher and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }
