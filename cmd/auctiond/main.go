package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/api"
	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/bot"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/cooldown"
	"github.com/jensholdgaard/auction-engine/internal/health"
	"github.com/jensholdgaard/auction-engine/internal/leader"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auction-engine/internal/store/memory"
	_ "github.com/jensholdgaard/auction-engine/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (sqlx or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	// Cooldown guard. Redis shares throttling across replicas; when it is
	// unreachable bids are accepted unthrottled and readiness reports degraded.
	var guard cooldown.Guard = cooldown.NewLocal(clk)
	if cfg.Cooldown.Backend == "redis" {
		rg := cooldown.NewRedis(cfg.Cooldown.Redis)
		defer rg.Close()
		guard = rg
		checkers = append(checkers, health.Checker{Name: "redis", Check: rg.Ping, Optional: true})
	}

	// Event fan-out: journal first so the audit trail is written even when
	// a downstream sink fails.
	hub := notify.NewHub(logger)
	pub := notify.Fanout{notify.NewJournal(repos.Events), hub}

	if cfg.Kafka.Enabled {
		kp := notify.NewKafkaPublisher(cfg.Kafka)
		defer func() {
			if closeErr := kp.Close(); closeErr != nil {
				logger.Error("kafka writer close error", slog.Any("error", closeErr))
			}
		}()
		pub = append(pub, kp)
		logger.InfoContext(ctx, "publishing events to kafka", slog.String("topic", cfg.Kafka.Topic))
	}

	var discordBot *bot.Bot
	if cfg.Discord.Enabled {
		discordBot, err = bot.New(cfg.Discord, logger, tp.TracerProvider)
		if err != nil {
			return fmt.Errorf("creating bot: %w", err)
		}
		pub = append(pub, discordBot.Announcer())
	}

	engine, err := auction.NewEngine(repos, guard, pub, logger, tp.TracerProvider, tp.MeterProvider, clk,
		auction.WithMaxRetries(cfg.Engine.MaxCommitRetries),
	)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	sweeper, err := auction.NewSweeper(repos, pub, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating sweeper: %w", err)
	}

	healthHandler := health.NewHandler(clk, checkers...)

	// The API serves bids on every replica.
	router := api.NewRouter(api.Deps{
		Engine:  engine,
		Sweeper: sweeper,
		Hub:     hub,
		Health:  healthHandler,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	// leaderWork is the core work that only one replica should run: the
	// lifecycle sweeper and the Discord gateway.
	leaderWork := func(ctx context.Context) {
		if discordBot != nil {
			if botErr := discordBot.Start(ctx, engine); botErr != nil {
				logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
			} else {
				defer func() {
					if stopErr := discordBot.Stop(); stopErr != nil {
						logger.Error("bot shutdown error", slog.Any("error", stopErr))
					}
				}()
			}
		}

		sweeper.Run(ctx, cfg.Engine.SweepInterval)
	}

	leaderDone := make(chan error, 1)
	go func() {
		leaderDone <- leader.RunWhenLeader(ctx, cfg.LeaderElection, logger, leaderWork)
	}()

	// Wait for shutdown signal.
	var runErr error
	select {
	case <-ctx.Done():
	case leaderErr := <-leaderDone:
		if leaderErr != nil {
			runErr = fmt.Errorf("leader election: %w", leaderErr)
		}
	}
	logger.Info("shutting down...")
	cancel()

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return runErr
}
