package lorawan

import "errors"

// Classified protocol errors. Callers wrap these with context and test for
// them with errors.Is.
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrIntegrityFailure   = errors.New("integrity failure")
	ErrReplayRejected     = errors.New("replay rejected")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrTransportTimeout   = errors.New("transport timeout")
	ErrJoinRejected       = errors.New("join rejected")
	ErrChannelDropped     = errors.New("channel dropped")
)

// Classify returns a short label for err, suitable as a metric label.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrIntegrityFailure):
		return "integrity_failure"
	case errors.Is(err, ErrReplayRejected):
		return "replay_rejected"
	case errors.Is(err, ErrUnsupportedCommand):
		return "unsupported_command"
	case errors.Is(err, ErrTransportTimeout):
		return "transport_timeout"
	case errors.Is(err, ErrJoinRejected):
		return "join_rejected"
	case errors.Is(err, ErrChannelDropped):
		return "channel_dropped"
	default:
		return "other"
	}
}
