package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/identity"
)

var (
	configPath   = flag.String("config", "/etc/drover/agent.yaml", "Config file path")
	serverURL    = flag.String("server", "", "Drover server URL (overrides config)")
	groupID      = flag.String("group", "", "Group ID for registration (overrides config)")
	enrollSecret = flag.String("enroll-secret", "", "Group enrollment secret (overrides config)")
	interval     = flag.Duration("interval", 0, "Poll interval (overrides config)")
	runOnce      = flag.Bool("once", false, "Run a single dispatch cycle and exit (scheduled variant)")
	Version      = "dev"
)

// Agent is the device-side process: it registers once, then pulls due work,
// executes it in the sandbox, and reports results. The persistent variant
// loops forever; the scheduled variant (-once) runs a single cycle under an
// external scheduler like cron.
type Agent struct {
	config   *config.AgentConfig
	identity *identity.Identity
	client   *apiClient
	retrier  *retrier
	update   *updateChecker
	inFlight atomic.Bool
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Drover agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *groupID != "" {
		cfg.Server.GroupID = *groupID
	}
	if *enrollSecret != "" {
		cfg.Server.EnrollSecret = *enrollSecret
	}
	if *interval > 0 {
		cfg.Polling.Interval = int(interval.Seconds())
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := &Agent{
		config:  cfg,
		retrier: newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries),
	}
	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	agent.client = newAPIClient(cfg.Server.URL, timeout, &identity.Identity{}, agent.retrier)

	if err := agent.loadOrRegister(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity")
	}
	agent.client = newAPIClient(cfg.Server.URL, timeout, agent.identity, agent.retrier)
	log.Info().
		Str("device_id", agent.identity.DeviceID).
		Str("server", cfg.Server.URL).
		Bool("signing", agent.identity.HasKeys()).
		Int("interval_s", cfg.Polling.Interval).
		Msg("Agent initialized")

	if status := health.Check(cfg.Server.URL, cfg.Identity.Path, cfg.Health.TimeDriftMaxS); !status.Healthy {
		log.Warn().Strs("issues", status.Issues).Msg("Preflight check reported issues")
	}

	// Announce liveness and the running version right away instead of waiting
	// for the first pull.
	agent.heartbeat(ctx)

	if cfg.Updates.SelfUpdate {
		checker, err := newUpdateChecker(agent.client, cfg.Updates.Variant, cfg.Updates.StagingDir, cfg.Updates.BackupDir, cfg.Updates.RestartCmd)
		if err != nil {
			log.Warn().Err(err).Msg("Self-update disabled")
		} else {
			agent.update = checker
		}
	}

	if *runOnce {
		agent.dispatchOnce(ctx)
		if agent.update != nil {
			agent.update.checkOnce(ctx)
		}
		return
	}

	agent.runPersistent(ctx)
	log.Info().Msg("Agent stopped")
}

// runPersistent drives the polling loop. Dispatch and update checks tick on
// independent timers so a wedged release endpoint cannot delay work, and vice
// versa.
func (a *Agent) runPersistent(ctx context.Context) {
	a.dispatchOnce(ctx)

	ticker := time.NewTicker(time.Duration(a.config.Polling.Interval) * time.Second)
	defer ticker.Stop()

	var updateCh <-chan time.Time
	if a.update != nil {
		updateTicker := time.NewTicker(time.Duration(a.config.Updates.Interval) * time.Second)
		defer updateTicker.Stop()
		updateCh = updateTicker.C
		a.update.checkOnce(ctx)
	}

	jitter := time.Duration(a.config.Polling.Jitter) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Jitter desynchronizes a fleet sharing one crontab-born start
			// time, so pulls do not arrive as a thundering herd.
			if jitter > 0 {
				sleepCtx, cancel := context.WithTimeout(ctx, time.Duration(rand.Int63n(int64(jitter))))
				<-sleepCtx.Done()
				cancel()
				if ctx.Err() != nil {
					return
				}
			}
			a.dispatchOnce(ctx)
		case <-updateCh:
			a.update.checkOnce(ctx)
		}
	}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("DROVER_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("DROVER_AGENT_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
