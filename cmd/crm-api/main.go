package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/api"
	"github.com/ascendore/ascendore-crm/internal/auth"
	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/integration"
	"github.com/ascendore/ascendore-crm/internal/metrics"
	"github.com/ascendore/ascendore-crm/internal/ratelimit"
	"github.com/ascendore/ascendore-crm/internal/server"
	"github.com/ascendore/ascendore-crm/internal/service"
	"github.com/ascendore/ascendore-crm/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/crm-api.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level and format
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.Server.Name).Logger()
	}

	cfg.PrintConfigSummary()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	store, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Optional: login throttling backed by Redis
	var limiter *ratelimit.LoginLimiter
	if cfg.Redis.Addr != "" && cfg.RateLimit.Enabled {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Redis, login rate limiting disabled")
		} else {
			defer rdb.Close()
			limiter = ratelimit.NewLoginLimiter(rdb, cfg.RateLimit)
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Login rate limiting enabled")
		}
	}

	var wg sync.WaitGroup

	// Optional: activity events over NATS
	var events service.ActivityPublisher = server.LogPublisher{}
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.ClientName),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				event := log.Error().Err(err)
				if sub != nil {
					event = event.Str("subject", sub.Subject)
				}
				event.Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, activities will only be logged")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
			events = server.NewNATSPublisher(nc)

			if cfg.NATS.RecordActivities {
				subscriber := server.NewNATSSubscriber(nc, store)

				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("NATS subscriber stopped")
					}
				}()
			}

			forwarder := integration.NewForwarderService(nc, cfg.Integration)
			if forwarder.Enabled() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := forwarder.Start(ctx); err != nil {
						log.Error().Err(err).Msg("Integration forwarder stopped")
					}
				}()
			}
		}
	} else {
		log.Info().Msg("NATS not configured, activities will only be logged")
	}

	tokens := auth.NewTokenManager(&cfg.JWT)
	authService, err := service.NewAuthService(store, tokens, events, service.Options{
		BcryptCost:        cfg.Password.BcryptCost,
		MinPasswordLength: cfg.Password.MinLength,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auth service")
	}

	apiServer := api.NewRESTServer(cfg, authService,
		api.WithLoginLimiter(limiter),
		api.WithMetrics(metrics.New(cfg.Server.Name)),
		api.WithActivityPublisher(events),
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	wg.Wait()

	log.Info().Msg("CRM API stopped")
}
