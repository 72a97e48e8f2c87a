package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/internal/validation"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Config represents the simulator configuration
type Config struct {
	Log            LogConfig      `yaml:"log"`
	Gateway        GatewayConfig  `yaml:"gateway"`
	Band           string         `yaml:"band" validate:"required"`
	Channel        ChannelConfig  `yaml:"channel"`
	Join           JoinConfig     `yaml:"join"`
	Simulation     SimConfig      `yaml:"simulation"`
	DeviceDefaults DeviceConfig   `yaml:"device_defaults"`
	Devices        []DeviceConfig `yaml:"devices"`
	NATS           NATSConfig     `yaml:"nats"`
	MQTT           MQTTConfig     `yaml:"mqtt"`
	Database       DatabaseConfig `yaml:"database"`
	API            APIConfig      `yaml:"api"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// GatewayConfig describes the simulated packet forwarder and the server it
// talks to.
type GatewayConfig struct {
	EUI               string        `yaml:"eui" validate:"required,hexlen=16"`
	UDPIP             string        `yaml:"udp_ip" validate:"required"`
	UDPPort           int           `yaml:"udp_port" validate:"min=1,max=65535"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	StatInterval      time.Duration `yaml:"stat_interval"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	PushRetries       int           `yaml:"push_retries" validate:"min=0,max=10"`
	MaxFailures       int           `yaml:"max_failures" validate:"min=1"`
	Latitude          float64       `yaml:"latitude" validate:"min=-90,max=90"`
	Longitude         float64       `yaml:"longitude" validate:"min=-180,max=180"`
	Altitude          int           `yaml:"altitude"`
}

// ServerAddr returns the host:port of the network server side.
func (g GatewayConfig) ServerAddr() string {
	return net.JoinHostPort(g.UDPIP, strconv.Itoa(g.UDPPort))
}

// ChannelConfig tunes the radio channel impairments.
type ChannelConfig struct {
	LossProbability      float64       `yaml:"loss_probability" validate:"min=0,max=1"`
	DuplicateProbability float64       `yaml:"duplicate_probability" validate:"min=0,max=1"`
	DelayProbability     float64       `yaml:"delay_probability" validate:"min=0,max=1"`
	DelayMin             time.Duration `yaml:"delay_min"`
	DelayMax             time.Duration `yaml:"delay_max"`
	RSSIMean             float64       `yaml:"rssi_mean"`
	RSSISigma            float64       `yaml:"rssi_sigma" validate:"min=0"`
	SNRMean              float64       `yaml:"snr_mean"`
	SNRSigma             float64       `yaml:"snr_sigma" validate:"min=0"`
	Distance             float64       `yaml:"distance" validate:"min=0"`
	Environment          string        `yaml:"environment" validate:"oneof=urban suburban rural"`
	Seed                 uint64        `yaml:"seed"`
}

// JoinConfig bounds OTAA joins. A zero accept timeout means the region
// JoinAcceptDelay2 plus one second.
type JoinConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1"`
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	Backoff       time.Duration `yaml:"backoff"`
	RetryAfter    time.Duration `yaml:"retry_after"`
}

// SimConfig tunes the scheduler.
type SimConfig struct {
	Jitter          time.Duration `yaml:"jitter"`
	QueueSize       int           `yaml:"queue_size" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Seed            uint64        `yaml:"seed"`
}

// DeviceConfig describes one end device. Fields left empty in a devices[]
// entry are taken from device_defaults.
type DeviceConfig struct {
	Name         string        `yaml:"name"`
	Mode         string        `yaml:"mode" validate:"oneof=ABP OTAA"`
	DevEUI       string        `yaml:"dev_eui" validate:"hexlen=16"`
	JoinEUI      string        `yaml:"join_eui" validate:"hexlen=16"`
	AppKey       string        `yaml:"app_key" validate:"hexlen=32"`
	DevAddr      string        `yaml:"devaddr" validate:"hexlen=8"`
	NwkSKey      string        `yaml:"nwk_skey" validate:"hexlen=32"`
	AppSKey      string        `yaml:"app_skey" validate:"hexlen=32"`
	SendInterval int           `yaml:"send_interval" validate:"min=0"`
	FPort        uint8         `yaml:"fport" validate:"max=223"`
	Confirmed    bool          `yaml:"confirmed"`
	ADR          bool          `yaml:"adr"`
	DataRate     int           `yaml:"data_rate" validate:"min=0,max=15"`
	TXPower      int           `yaml:"tx_power" validate:"min=0,max=15"`
	NbTrans      int           `yaml:"nb_trans" validate:"min=0,max=15"`
	Battery      uint8         `yaml:"battery"`
	Payload      PayloadConfig `yaml:"payload"`

	// Counted in uplinks; zero disables.
	RejoinAfter        int `yaml:"rejoin_after" validate:"min=0"`
	LinkCheckInterval  int `yaml:"link_check_interval" validate:"min=0"`
	DeviceTimeInterval int `yaml:"device_time_interval" validate:"min=0"`
}

// PayloadConfig selects the uplink payload generator.
type PayloadConfig struct {
	Type string `yaml:"type" validate:"oneof=static counter random"`
	Hex  string `yaml:"hex"`
	Size int    `yaml:"size" validate:"min=0,max=242"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      uint8  `yaml:"qos" validate:"max=2"`
}

// DatabaseConfig represents database configuration. Sessions are kept in
// memory when the DSN is empty.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// APIConfig represents the status API configuration. The API is disabled
// when Bind is empty; authentication is disabled when JWTSecret is empty.
type APIConfig struct {
	Bind           string        `yaml:"bind"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Users          []UserConfig  `yaml:"users"`
}

// UserConfig is an API user with a bcrypt password hash.
type UserConfig struct {
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Gateway: GatewayConfig{
			EUI:               "0102030405060708",
			UDPIP:             "chirpstack-gateway-bridge",
			UDPPort:           1700,
			KeepaliveInterval: 10 * time.Second,
			StatInterval:      30 * time.Second,
			PushTimeout:       time.Second,
			PushRetries:       2,
			MaxFailures:       3,
		},
		Band: "EU868",
		Channel: ChannelConfig{
			RSSIMean:    -42,
			RSSISigma:   2,
			SNRMean:     5.5,
			SNRSigma:    1,
			Environment: "urban",
		},
		Join: JoinConfig{
			MaxAttempts: 5,
			Backoff:     2 * time.Second,
			RetryAfter:  time.Minute,
		},
		Simulation: SimConfig{
			Jitter:          time.Second,
			QueueSize:       16,
			ShutdownTimeout: 5 * time.Second,
		},
		DeviceDefaults: DeviceConfig{
			Mode:         "ABP",
			DevAddr:      "26011BDA",
			SendInterval: 10,
			FPort:        1,
			DataRate:     5,
			NbTrans:      1,
			Battery:      240,
			Payload:      PayloadConfig{Type: "static", Hex: "0164"},
		},
		NATS: NATSConfig{
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		MQTT: MQTTConfig{ClientID: "lorawan-simulator"},
		API: APIConfig{
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads the YAML file at filename on top of the defaults, applies the
// environment overrides, then the given overrides, and validates the
// result. An empty filename skips the file.
func Load(filename string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if eui := os.Getenv("GATEWAY_EUI"); eui != "" {
		c.Gateway.EUI = eui
	}

	if ip := os.Getenv("UDP_IP"); ip != "" {
		c.Gateway.UDPIP = ip
	}

	if port := os.Getenv("UDP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("UDP_PORT: %w", err)
		}
		c.Gateway.UDPPort = p
	}

	if devAddr := os.Getenv("DEVADDR"); devAddr != "" {
		c.DeviceDefaults.DevAddr = devAddr
	}

	if key := os.Getenv("NWK_SKEY"); key != "" {
		c.DeviceDefaults.NwkSKey = key
	}

	if key := os.Getenv("APP_SKEY"); key != "" {
		c.DeviceDefaults.AppSKey = key
	}

	if interval := os.Getenv("SEND_INTERVAL"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("SEND_INTERVAL: %w", err)
		}
		c.DeviceDefaults.SendInterval = i
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = strings.ToLower(logLevel)
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if bind := os.Getenv("API_BIND"); bind != "" {
		c.API.Bind = bind
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.API.JWTSecret = jwtSecret
	}

	return nil
}

// Validate checks the struct tags, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}

	if c.Channel.DelayMax < c.Channel.DelayMin {
		return fmt.Errorf("channel.delay_max %s is below channel.delay_min %s", c.Channel.DelayMax, c.Channel.DelayMin)
	}
	if c.API.JWTSecret != "" && len(c.API.Users) == 0 {
		log.Warn().Msg("api.jwt_secret is set but no api.users are configured; login will always fail")
	}

	devices, err := c.EffectiveDevices()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, d := range devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("device %d (%s): %w", i, d.Name, err)
		}
		eui := strings.ToLower(d.DevEUI)
		if seen[eui] {
			return fmt.Errorf("device %d (%s): duplicate dev_eui %s", i, d.Name, d.DevEUI)
		}
		seen[eui] = true
	}
	return nil
}

// EffectiveDevices returns the devices[] entries merged with
// device_defaults. Without entries a single device is built from the
// defaults alone.
func (c *Config) EffectiveDevices() ([]DeviceConfig, error) {
	if len(c.Devices) == 0 {
		d := c.DeviceDefaults
		if d.Name == "" {
			d.Name = "device-0"
		}
		if d.DevEUI == "" && d.DevAddr != "" {
			d.DevEUI = "00000000" + d.DevAddr
		}
		return []DeviceConfig{d}, nil
	}

	out := make([]DeviceConfig, 0, len(c.Devices))
	for i, d := range c.Devices {
		m := d.withDefaults(c.DeviceDefaults)
		if m.Name == "" {
			m.Name = fmt.Sprintf("device-%d", i)
		}
		out = append(out, m)
	}
	return out, nil
}

func (d DeviceConfig) withDefaults(def DeviceConfig) DeviceConfig {
	str := func(v *string, fallback string) {
		if *v == "" {
			*v = fallback
		}
	}
	num := func(v *int, fallback int) {
		if *v == 0 {
			*v = fallback
		}
	}

	str(&d.Mode, def.Mode)
	str(&d.JoinEUI, def.JoinEUI)
	str(&d.AppKey, def.AppKey)
	// DevAddr and session keys identify one ABP device and are not shared.
	num(&d.SendInterval, def.SendInterval)
	num(&d.DataRate, def.DataRate)
	num(&d.TXPower, def.TXPower)
	num(&d.NbTrans, def.NbTrans)
	num(&d.RejoinAfter, def.RejoinAfter)
	num(&d.LinkCheckInterval, def.LinkCheckInterval)
	num(&d.DeviceTimeInterval, def.DeviceTimeInterval)
	if d.FPort == 0 {
		d.FPort = def.FPort
	}
	if d.Battery == 0 {
		d.Battery = def.Battery
	}
	d.Confirmed = d.Confirmed || def.Confirmed
	d.ADR = d.ADR || def.ADR
	if d.Payload.Type == "" {
		d.Payload = def.Payload
	}
	return d
}

func (d DeviceConfig) validate() error {
	if d.DevEUI == "" {
		return fmt.Errorf("dev_eui is required")
	}
	if d.SendInterval <= 0 {
		return fmt.Errorf("send_interval must be positive")
	}
	switch strings.ToUpper(d.Mode) {
	case "ABP":
		if d.DevAddr == "" || d.NwkSKey == "" || d.AppSKey == "" {
			return fmt.Errorf("ABP requires devaddr, nwk_skey and app_skey")
		}
	case "OTAA":
		if d.AppKey == "" {
			return fmt.Errorf("OTAA requires app_key")
		}
	default:
		return fmt.Errorf("unknown mode %q", d.Mode)
	}
	if d.Payload.Type == "random" && d.Payload.Size <= 0 {
		return fmt.Errorf("random payload requires a positive size")
	}
	return nil
}

// PrintConfigSummary logs the effective configuration. Secrets are masked.
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("eui", c.Gateway.EUI).
		Str("server", c.Gateway.ServerAddr()).
		Dur("keepalive_interval", c.Gateway.KeepaliveInterval).
		Dur("stat_interval", c.Gateway.StatInterval).
		Dur("push_timeout", c.Gateway.PushTimeout).
		Int("push_retries", c.Gateway.PushRetries).
		Msg("gateway")

	log.Info().
		Str("band", c.Band).
		Float64("loss", c.Channel.LossProbability).
		Float64("duplicate", c.Channel.DuplicateProbability).
		Float64("delay", c.Channel.DelayProbability).
		Float64("distance", c.Channel.Distance).
		Str("environment", c.Channel.Environment).
		Msg("radio")

	devices, _ := c.EffectiveDevices()
	for _, d := range devices {
		log.Info().
			Str("name", d.Name).
			Str("mode", d.Mode).
			Str("dev_eui", d.DevEUI).
			Str("devaddr", d.DevAddr).
			Str("nwk_skey", mask(d.NwkSKey)).
			Str("app_skey", mask(d.AppSKey)).
			Str("app_key", mask(d.AppKey)).
			Int("send_interval", d.SendInterval).
			Bool("confirmed", d.Confirmed).
			Msg("device")
	}

	log.Info().
		Str("nats", maskURL(c.NATS.URL)).
		Str("mqtt", maskURL(c.MQTT.Broker)).
		Str("database", maskURL(c.Database.DSN)).
		Str("api", c.API.Bind).
		Bool("api_auth", c.API.JWTSecret != "").
		Msg("integrations")
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}

// maskURL hides the password of a URL style connection string.
func maskURL(s string) string {
	at := strings.LastIndex(s, "@")
	scheme := strings.Index(s, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return s
	}
	creds := s[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":****"
	}
	return s[:scheme+3] + creds + s[at:]
}

// DeviceConfigs converts the effective devices to device configurations.
func (c *Config) DeviceConfigs() ([]device.Config, error) {
	devices, err := c.EffectiveDevices()
	if err != nil {
		return nil, err
	}
	out := make([]device.Config, 0, len(devices))
	for _, d := range devices {
		dc, err := d.Build()
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		out = append(out, dc)
	}
	return out, nil
}

// Build parses the hex fields. Empty keys and addresses stay zero.
func (d DeviceConfig) Build() (device.Config, error) {
	out := device.Config{
		Name:      d.Name,
		Mode:      device.ActivationMode(strings.ToUpper(d.Mode)),
		FPort:     d.FPort,
		Confirmed: d.Confirmed,
		ADR:       d.ADR,
		DataRate:  d.DataRate,
		TXPower:   d.TXPower,
		NbTrans:   d.NbTrans,
		Battery:   d.Battery,
		Interval:  time.Duration(d.SendInterval) * time.Second,

		RejoinAfter:        d.RejoinAfter,
		LinkCheckInterval:  d.LinkCheckInterval,
		DeviceTimeInterval: d.DeviceTimeInterval,
	}

	var err error
	parse := func(s string, fn func(string) error) {
		if err == nil && s != "" {
			err = fn(s)
		}
	}
	parse(d.DevEUI, func(s string) (e error) { out.DevEUI, e = lorawan.ParseEUI64(s); return })
	parse(d.JoinEUI, func(s string) (e error) { out.JoinEUI, e = lorawan.ParseEUI64(s); return })
	parse(d.AppKey, func(s string) (e error) { out.AppKey, e = lorawan.ParseAES128Key(s); return })
	parse(d.DevAddr, func(s string) (e error) { out.DevAddr, e = lorawan.ParseDevAddr(s); return })
	parse(d.NwkSKey, func(s string) (e error) { out.NwkSKey, e = lorawan.ParseAES128Key(s); return })
	parse(d.AppSKey, func(s string) (e error) { out.AppSKey, e = lorawan.ParseAES128Key(s); return })
	if err != nil {
		return device.Config{}, err
	}

	out.Payload, err = device.NewPayloadGenerator(d.Payload.Type, d.Payload.Hex, d.Payload.Size)
	if err != nil {
		return device.Config{}, err
	}
	return out, nil
}
