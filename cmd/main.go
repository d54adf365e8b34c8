package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-fleet-dispatcher/config"
	"edge-fleet-dispatcher/discovery"
	"edge-fleet-dispatcher/dispatch"
	"edge-fleet-dispatcher/fleet"
	"edge-fleet-dispatcher/health"
	"edge-fleet-dispatcher/metrics"
	"edge-fleet-dispatcher/queues"
	qmqtt "edge-fleet-dispatcher/queues/mqtt"
	qpubsub "edge-fleet-dispatcher/queues/pubsub"
	"edge-fleet-dispatcher/store"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	configFile := pflag.String("config", "", "path to a YAML config file (overrides FLEET_CONFIG_FILE)")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	setLogger(os.Getenv("FLEET_LOG_LEVEL"))
	log.Info().Msgf("Starting fleetd version: %s", version)
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogger(cfg.LogLevel)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	var (
		cache     discovery.Cache
		responses store.ResponseStore
	)
	if len(cfg.EtcdEndpoints) > 0 {
		client, err := store.Dial(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
		if err != nil {
			log.Fatal().Err(err).Strs("endpoints", cfg.EtcdEndpoints).Msg("failed to connect to etcd")
		}
		defer client.Close()
		cache = store.NewEtcdCache(client, cfg.EtcdPrefix)
		responses = store.NewEtcdResponses(client, cfg.EtcdPrefix, cfg.ResponseTTL, clk)
		log.Info().Strs("endpoints", cfg.EtcdEndpoints).Str("prefix", cfg.EtcdPrefix).Msg("using etcd state store")
	} else {
		cache = store.NewMemoryCache(clk)
		responses = store.NewMemoryResponses(clk, cfg.ResponseTTL)
		log.Warn().Msg("no etcd endpoints configured; state is kept in process memory")
	}

	var publisher queues.Publisher
	switch cfg.Transport {
	case config.TransportMQTT:
		client, err := qmqtt.Connect(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword, 10*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer client.Disconnect(250)
		publisher = qmqtt.NewPublisher(client, qmqtt.DefaultPublishTimeout)
	default:
		p := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.CredentialsFile)
		defer p.Close()
		publisher = p
	}

	dispatcher := dispatch.New(publisher, dispatch.Options{
		Expiration:  cfg.MessageExpiration,
		Concurrency: cfg.DispatchConcurrency,
		Clock:       clk,
	})
	manager := discovery.NewManager(cache, dispatcher, discovery.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		GracePeriod:     cfg.CameraGracePeriod,
		CacheTTL:        cfg.DiscoveryCacheTTL,
		Concurrency:     cfg.DispatchConcurrency,
		Clock:           clk,
	})
	controller := fleet.NewController(manager, responses)
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.ReportSubscription, cfg.CredentialsFile)
	defer subscriber.Close()

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, subscriber.Running)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (ambient)")
	}

	go func() {
		log.Info().Str("subscription", cfg.ReportSubscription).Str("transport", cfg.Transport).Msg("starting report ingest loop")
		if err := subscriber.Start(ctx, controller.Handle); err != nil {
			// without ingest no answer ever reaches the response store
			log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
