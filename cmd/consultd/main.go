package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/api"
	"github.com/careline/consult/internal/appointments"
	"github.com/careline/consult/internal/config"
	"github.com/careline/consult/internal/consult"
	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/stats"
	"github.com/careline/consult/internal/store"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	appointmentURL string
	redisURL       string
	signingKey     string
	debug          bool
	allowedOrigins stringSliceFlag
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// a .env file is a development convenience, not a requirement
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("CONSULT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("CONSULT_DSN",
		"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&appointmentURL, "appointment-url", envOr("CONSULT_APPOINTMENT_URL", "http://localhost:8001"),
		"base URL of the appointment service")
	flag.StringVar(&redisURL, "redis-url", envOr("CONSULT_REDIS_URL", ""),
		"redis URL for shared presence and notifications, empty for in-memory")
	flag.StringVar(&signingKey, "signing-key", envOr("CONSULT_SIGNING_KEY", ""), "base64 encoded signing key")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "consultd").Logger()
	if debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := config.NewConfig(addr, dsn, appointmentURL, signingKey, redisURL, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	dbConn, err := database.NewPgConsultRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	var (
		presenceStore     store.PresenceStore
		notificationStore store.NotificationStore
	)
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer redisStore.Close()

		presenceStore = redisStore
		notificationStore = redisStore
		logger.Info().Msg("using redis-backed presence and notifications")
	} else {
		presenceStore = store.NewMemPresenceStore()
		notificationStore = store.NewMemNotificationStore()
	}

	statsProvider := stats.NewPromProvider("consultd")

	apptClient := appointments.NewClient(cfg.AppointmentSvcURL, cfg.AppointmentTimeout, logger)
	presence := consult.NewTracker(presenceStore, logger)

	consultServer, err := consult.NewConsultServer(logger, dbConn, apptClient, presence, notificationStore, statsProvider)
	if err != nil {
		logger.Fatal().Err(err).Msg("new consult server")
	}

	srv := api.NewConsultApp(logger, consultServer, dbConn, apptClient, notificationStore, presence, statsProvider.Handler(), cfg)

	go consultServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatal().Err(err).Msg("HTTP server shutdown")
	}

	if err := consultServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatal().Err(err).Msg("consult server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}
