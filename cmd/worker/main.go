package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/aggregate"
	"github.com/HanTheDev/usage-watchdog/internal/alert"
	"github.com/HanTheDev/usage-watchdog/internal/config"
	"github.com/HanTheDev/usage-watchdog/internal/db"
	"github.com/HanTheDev/usage-watchdog/internal/metrics"
	"github.com/HanTheDev/usage-watchdog/internal/rules"
	"github.com/HanTheDev/usage-watchdog/internal/scheduler"
	"github.com/HanTheDev/usage-watchdog/internal/state"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)

	// Rules file with live reload (file watch + SIGHUP)
	rulesHolder, err := config.NewRulesHolder(cfg.RulesFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load rules file")
	}
	if err := rulesHolder.WatchFile(); err != nil {
		logger.Warn().Err(err).Msg("rules file watching unavailable")
	}
	rulesHolder.WatchSignals()
	defer rulesHolder.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store connections
	database, err := db.Open(ctx, cfg.LogDatabaseURL, cfg.AggDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	stateStore, err := state.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize redis")
	}
	defer stateStore.Close()

	if err := stateStore.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("redis ping failed")
	}

	collector := metrics.New()

	// Alert channel and dispatcher
	channel, err := alert.NewChannel(cfg.AlertChannel, cfg.AlertWebhookURL, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize alert channel")
	}
	if cfg.AlertWebhookURL == "" {
		logger.Warn().Msg("no alert webhook URL configured, alerts will be dropped")
	}
	dispatcher := alert.NewDispatcher(stateStore, channel, rulesHolder, logger, collector)

	// Engines
	aggEngine := aggregate.NewEngine(
		database, database, stateStore,
		cfg.AggregationHoursBack, cfg.RetentionDays,
		logger, collector,
	)
	ruleEngine := rules.NewEngine(database, rulesHolder, dispatcher, rules.Defaults{
		BurstWindowSec:          cfg.BurstWindowSec,
		BurstLimitPerToken:      cfg.BurstLimitPerToken,
		TokenMultiUserThreshold: cfg.TokenMultiUserThreshold,
		IPUsersThreshold:        cfg.IPUsersThreshold,
		BigRequestSigma:         cfg.BigRequestSigma,
	}, logger, collector)

	// Register jobs
	sched := scheduler.New(logger, collector)
	sched.Add("aggregation", cfg.AggregationInterval, aggEngine.Run)
	sched.Add("burst_check", cfg.BurstInterval, ruleEngine.CheckBurst)
	sched.Add("multi_user_token_check", cfg.SharedTokenInterval, ruleEngine.CheckSharedToken)
	sched.Add("ip_many_users_check", cfg.IPFanoutInterval, ruleEngine.CheckIPFanout)
	sched.Add("big_request_check", cfg.BigRequestInterval, ruleEngine.CheckBigRequest)
	sched.Add("cleanup", cfg.CleanupInterval, aggEngine.Cleanup)

	// Health and metrics listener
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", collector.Handler()).Methods("GET")

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("health listener started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health listener failed")
		}
	}()

	logger.Info().Msg("worker started")
	sched.Run(ctx)

	// In-flight jobs have drained; shut down the listener before the deferred
	// connection closes run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	logger.Info().Msg("worker stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}
