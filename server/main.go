package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/telemetry"
)

var (
	listen           = flag.String("listen", ":8080", "Listen address")
	dbPath           = flag.String("db", "drover.db", "Database path")
	releaseDir       = flag.String("release-dir", "releases", "Directory holding published agent builds")
	reaperIntervalS  = flag.Int("reaper-interval-s", 30, "Seconds between reaper sweeps")
	reaperGraceS     = flag.Int("reaper-grace-s", 30, "Extra seconds past max_exec_secs before a claim counts as stuck")
	heartbeatWindowS = flag.Int("heartbeat-window-s", 300, "Device liveness window for reaper reclaim")
	Version          = "dev"
)

type reaperConfig struct {
	interval        time.Duration
	grace           time.Duration
	heartbeatWindow time.Duration
}

type Server struct {
	db            *gorm.DB
	logger        zerolog.Logger
	secretHasher  SecretHasher
	nonceStore    *NonceStore
	rateLimiter   *RateLimiter
	adminToken    string
	releaseDir    string
	reaper        reaperConfig
	reaperRunning atomic.Bool
}

func main() {
	flag.Parse()

	logger := configureServerLogger()
	logger.Info().Str("version", Version).Msg("Drover Server starting")

	adminToken := os.Getenv("DROVER_ADMIN_TOKEN")
	if adminToken == "" {
		logger.Fatal().Msg("DROVER_ADMIN_TOKEN must be set")
	}
	salt := os.Getenv("DROVER_SECRET_SALT")
	if salt == "" {
		logger.Fatal().Msg("DROVER_SECRET_SALT must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "drover-server",
		ServiceVersion: Version,
		Endpoint:       os.Getenv("DROVER_OTLP_ENDPOINT"),
		LogSpans:       os.Getenv("DROVER_TRACE_LOG_SPANS") == "true",
		SampleRatio:    1,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.AutoMigrate(
		&Group{}, &Device{}, &Task{}, &ScheduleEntry{},
		&ExecutionRecord{}, &AgentRelease{}, &DeviceNonce{},
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	srv := &Server{
		db:           db,
		logger:       logger,
		secretHasher: NewSecretHasher([]byte(salt)),
		nonceStore:   NewNonceStore(db, 5*time.Minute),
		rateLimiter:  NewRateLimiter(),
		adminToken:   adminToken,
		releaseDir:   *releaseDir,
		reaper: reaperConfig{
			interval:        time.Duration(*reaperIntervalS) * time.Second,
			grace:           time.Duration(*reaperGraceS) * time.Second,
			heartbeatWindow: time.Duration(*heartbeatWindowS) * time.Second,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))
	srv.registerRoutes(r)

	go srv.runReaper(ctx)

	httpServer := &http.Server{Addr: *listen, Handler: r}
	go func() {
		logger.Info().Str("listen", *listen).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})

	s.registerIdentityRoutes(r)
	s.registerDispatchRoutes(r)
	s.registerReleaseRoutes(r)
	s.registerAdminRoutes(r)
}

func configureServerLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("DROVER_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	var logger zerolog.Logger
	if strings.ToLower(os.Getenv("DROVER_LOG_FORMAT")) == "console" {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	logger = logger.Level(level)
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger
}
