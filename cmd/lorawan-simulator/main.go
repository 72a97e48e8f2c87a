package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-simulator/internal/api"
	"github.com/lorawan-server/lorawan-simulator/internal/channel"
	"github.com/lorawan-server/lorawan-simulator/internal/config"
	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/internal/events"
	"github.com/lorawan-server/lorawan-simulator/internal/gateway"
	"github.com/lorawan-server/lorawan-simulator/internal/simulator"
	"github.com/lorawan-server/lorawan-simulator/internal/storage"
	"github.com/lorawan-server/lorawan-simulator/pkg/crypto"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to the YAML configuration file, e.g. config/simulator.example.yml")
		validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
		showConfig   = flag.Bool("show-config", false, "print the effective configuration and exit")
		hashPassword = flag.String("hash-password", "", "print the bcrypt hash of a password for api.users and exit")

		gatewayEUI   = flag.String("gateway-eui", "", "gateway EUI (hex)")
		udpIP        = flag.String("udp-ip", "", "network server host")
		udpPort      = flag.Int("udp-port", 0, "network server UDP port")
		nwkSKey      = flag.String("nwk-skey", "", "ABP network session key (hex)")
		appSKey      = flag.String("app-skey", "", "ABP application session key (hex)")
		devAddr      = flag.String("devaddr", "", "ABP device address (hex)")
		sendInterval = flag.Int("send-interval", 0, "uplink interval in seconds")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("hash password")
		}
		fmt.Println(hash)
		return
	}

	// Command line flags win over the file and the environment.
	flagOverrides := func(cfg *config.Config) {
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "gateway-eui":
				cfg.Gateway.EUI = *gatewayEUI
			case "udp-ip":
				cfg.Gateway.UDPIP = *udpIP
			case "udp-port":
				cfg.Gateway.UDPPort = *udpPort
			case "nwk-skey":
				cfg.DeviceDefaults.NwkSKey = *nwkSKey
			case "app-skey":
				cfg.DeviceDefaults.AppSKey = *appSKey
			case "devaddr":
				cfg.DeviceDefaults.DevAddr = *devAddr
			case "send-interval":
				cfg.DeviceDefaults.SendInterval = *sendInterval
			}
		})
	}

	cfg, err := config.Load(*configPath, flagOverrides)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load config")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("configuration is valid")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("simulator stopped")
	}
	log.Info().Msg("simulator stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	region, err := lorawan.LoadRegion(cfg.Band)
	if err != nil {
		return err
	}

	devices, err := buildDevices(cfg, region)
	if err != nil {
		return err
	}

	radio, err := channel.New(channel.Config{
		LossProbability:      cfg.Channel.LossProbability,
		DuplicateProbability: cfg.Channel.DuplicateProbability,
		DelayProbability:     cfg.Channel.DelayProbability,
		DelayMin:             cfg.Channel.DelayMin,
		DelayMax:             cfg.Channel.DelayMax,
		RSSIMean:             cfg.Channel.RSSIMean,
		RSSISigma:            cfg.Channel.RSSISigma,
		SNRMean:              cfg.Channel.SNRMean,
		SNRSigma:             cfg.Channel.SNRSigma,
		Distance:             cfg.Channel.Distance,
		Environment:          channel.Environment(cfg.Channel.Environment),
		Seed:                 cfg.Channel.Seed,
	})
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher := openPublishers(cfg)
	defer publisher.Close()

	gwEUI, err := lorawan.ParseEUI64(cfg.Gateway.EUI)
	if err != nil {
		return fmt.Errorf("gateway eui: %w", err)
	}
	fwd, err := gateway.New(gateway.Config{
		EUI:               gwEUI,
		Server:            cfg.Gateway.ServerAddr(),
		KeepaliveInterval: cfg.Gateway.KeepaliveInterval,
		StatInterval:      cfg.Gateway.StatInterval,
		PushTimeout:       cfg.Gateway.PushTimeout,
		PushRetries:       cfg.Gateway.PushRetries,
		MaxFailures:       cfg.Gateway.MaxFailures,
		Latitude:          cfg.Gateway.Latitude,
		Longitude:         cfg.Gateway.Longitude,
		Altitude:          cfg.Gateway.Altitude,
	})
	if err != nil {
		return err
	}
	if err := fwd.Start(ctx); err != nil {
		return err
	}
	defer fwd.Close()

	sim, err := simulator.New(simulator.Config{
		Join: simulator.JoinConfig{
			MaxAttempts:   cfg.Join.MaxAttempts,
			AcceptTimeout: cfg.Join.AcceptTimeout,
			Backoff:       cfg.Join.Backoff,
			RetryAfter:    cfg.Join.RetryAfter,
		},
		Jitter:          cfg.Simulation.Jitter,
		QueueSize:       cfg.Simulation.QueueSize,
		ShutdownTimeout: cfg.Simulation.ShutdownTimeout,
		Seed:            cfg.Simulation.Seed,
	}, region, devices, simulator.Options{
		Transport: fwd,
		Channel:   radio,
		Store:     store,
		Publisher: publisher,
	})
	if err != nil {
		return err
	}

	if cfg.API.Bind != "" {
		srv := api.NewRESTServer(cfg.API, sim)
		go func() {
			if err := srv.ListenAndServe(cfg.API.Bind); err != nil {
				log.Error().Err(err).Msg("REST API server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("REST API shutdown")
			}
		}()
	}

	log.Info().
		Str("gateway", gwEUI.String()).
		Str("server", cfg.Gateway.ServerAddr()).
		Str("band", region.Name).
		Int("devices", len(devices)).
		Msg("simulator starting")

	return sim.Run(ctx)
}

func buildDevices(cfg *config.Config, region *lorawan.Region) ([]*device.Device, error) {
	dcs, err := cfg.DeviceConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]*device.Device, 0, len(dcs))
	for _, dc := range dcs {
		d, err := device.New(dc, region)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.SessionStore, error) {
	if cfg.DSN == "" {
		log.Info().Msg("sessions kept in memory")
		return storage.NewMemoryStore(), nil
	}

	pg, err := storage.NewPostgresStore(storage.PostgresConfig{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	log.Info().Msg("sessions persisted to PostgreSQL")
	return pg, nil
}

// openPublishers always logs events and fans out to NATS and MQTT when
// configured. A broker that cannot be reached is logged and skipped.
func openPublishers(cfg *config.Config) events.Publisher {
	pubs := events.Multi{events.LogPublisher{}}

	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(events.NATSConfig{
			URL:               cfg.NATS.URL,
			Username:          cfg.NATS.Username,
			Password:          cfg.NATS.Password,
			MaxReconnects:     cfg.NATS.MaxReconnects,
			ReconnectInterval: cfg.NATS.ReconnectInterval,
		})
		if err != nil {
			log.Error().Err(err).Msg("NATS publisher disabled")
		} else {
			pubs = append(pubs, p)
		}
	}

	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if suffix, err := crypto.GenerateRandomHex(4); err == nil {
			clientID += "-" + suffix
		}
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: clientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			log.Error().Err(err).Msg("MQTT publisher disabled")
		} else {
			pubs = append(pubs, p)
		}
	}

	log.Info().Int("publishers", len(pubs)).Msg("event publishers ready")
	return pubs
}
