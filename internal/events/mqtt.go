package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	mqttQueueSize      = 256
	mqttPublishTimeout = 5 * time.Second
)

// MQTTConfig configures the MQTT connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTPublisher publishes events as JSON on
// simulator/device/<deveui>/event/<type>. Events are queued and published
// by a single worker, so Publish never waits on the broker; when the queue
// is full the event is dropped.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte

	queue     chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("lorawan-simulator-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return NewMQTTPublisherWithClient(client, cfg.QoS), nil
}

// NewMQTTPublisherWithClient publishes through an existing client.
func NewMQTTPublisherWithClient(client mqtt.Client, qos byte) *MQTTPublisher {
	p := &MQTTPublisher{
		client: client,
		qos:    qos,
		queue:  make(chan Event, mqttQueueSize),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic returns the MQTT topic of e.
func Topic(e Event) string {
	switch {
	case e.DevEUI != nil:
		return fmt.Sprintf("simulator/device/%s/event/%s", e.DevEUI, e.Type)
	case e.GatewayEUI != nil:
		return fmt.Sprintf("simulator/gateway/%s/event/%s", e.GatewayEUI, e.Type)
	}
	return fmt.Sprintf("simulator/event/%s", e.Type)
}

func (p *MQTTPublisher) Publish(e Event) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.queue <- e:
	default:
		log.Warn().Str("type", string(e.Type)).Msg("MQTT event queue full, event dropped")
	}
}

func (p *MQTTPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		case <-p.done:
			return
		}
	}
}

func (p *MQTTPublisher) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("marshal event failed")
		return
	}

	topic := Topic(e)
	token := p.client.Publish(topic, p.qos, false, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

// Close stops the worker and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
	return nil
}
