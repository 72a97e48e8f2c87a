package events

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogPublisher writes events to the global logger. Errors and failed joins
// are logged at warn level, everything else at debug.
type LogPublisher struct{}

func (LogPublisher) Publish(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case Error, JoinFailed, GatewayDown:
		ev = log.Warn()
	default:
		ev = log.Debug()
	}

	ev = ev.Str("event", string(e.Type)).Str("id", e.ID.String())
	if e.DevEUI != nil {
		ev = ev.Str("dev_eui", e.DevEUI.String())
	}
	if e.DevAddr != nil {
		ev = ev.Str("dev_addr", e.DevAddr.String())
	}
	if e.GatewayEUI != nil {
		ev = ev.Str("gateway", e.GatewayEUI.String())
	}
	if e.FPort != nil {
		ev = ev.Uint8("fport", *e.FPort)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Uint32("fcnt", e.FCnt).Int("size", len(e.Data)).Msg("simulator event")
}

func (LogPublisher) Close() error { return nil }
