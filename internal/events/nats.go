package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSPublisher publishes events as JSON on
// simulator.device.<deveui>.<type> or simulator.gateway.<eui>.<type>.
type NATSPublisher struct {
	nc *nats.Conn
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL               string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("lorawan-simulator"),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return &NATSPublisher{nc: nc}, nil
}

// Subject returns the NATS subject of e.
func Subject(e Event) string {
	if e.DevEUI != nil {
		return fmt.Sprintf("simulator.device.%s.%s", e.DevEUI, e.Type)
	}
	if e.GatewayEUI != nil {
		return fmt.Sprintf("simulator.gateway.%s.%s", e.GatewayEUI, e.Type)
	}
	return "simulator." + strings.ToLower(string(e.Type))
}

func (p *NATSPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("marshal event failed")
		return
	}

	subject := Subject(e)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("publish to NATS failed")
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
