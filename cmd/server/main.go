package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amerfu/llmbudget/internal/config"
	"github.com/amerfu/llmbudget/internal/handlers"
	"github.com/amerfu/llmbudget/internal/logger"
	"github.com/amerfu/llmbudget/internal/router"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
	"github.com/amerfu/llmbudget/internal/services/pricing"
	redisService "github.com/amerfu/llmbudget/internal/services/redis"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LLMBUDGET_CONFIG_DIR"))
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	table, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		return fmt.Errorf("failed to load pricing: %w", err)
	}

	loc, err := cfg.Budget.Location()
	if err != nil {
		return err
	}

	var events budget.EventSink
	if cfg.Events.Enabled && backend.redis != nil {
		events = redisService.NewEventPublisher(backend.redis, log.Named("events"), cfg.Events.Channel)
		log.Info("Budget events enabled", zap.String("channel", cfg.Events.Channel))
	}

	engine, err := budget.NewEngine(budget.Config{
		Store:               backend.store,
		Pricing:             table,
		Logger:              log.Named("budget"),
		Events:              events,
		DefaultDailyLimit:   &cfg.Budget.DefaultDailyLimit,
		DefaultMonthlyLimit: &cfg.Budget.DefaultMonthlyLimit,
		Location:            loc,
		StoreTimeout:        cfg.Budget.StoreTimeout,
		StatsWindow:         cfg.Budget.StatsWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create budget engine: %w", err)
	}

	identity, err := gate.NewChain(cfg.Identity, cfg.Auth)
	if err != nil {
		return err
	}

	stats := gate.NewRequestStats()
	g := gate.New(gate.Config{
		Engine:   engine,
		Identity: identity,
		Stats:    stats,
		Logger:   log.Named("gate"),
	})
	recorder := gate.NewRecorder(engine, stats, log.Named("recorder"))

	if cfg.Budget.MonthlyRollover.Enabled {
		rollover := budget.NewRolloverScheduler(engine, cfg.Budget.MonthlyRollover.Schedule, loc, log.Named("rollover"))
		if err := rollover.Start(ctx); err != nil {
			return err
		}
		defer rollover.Stop()
		if next := rollover.NextRun(); next != nil {
			log.Info("Next monthly rollover", zap.Time("at", *next))
		}
	}

	mainRouter := router.NewRouter(&router.RouterConfig{
		Config:       cfg,
		Logger:       log,
		Engine:       engine,
		Gate:         g,
		Recorder:     recorder,
		Stats:        stats,
		HealthChecks: map[string]handlers.Pinger{"budget_store": engine},
	})

	servers := []*http.Server{{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mainRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}}
	if cfg.Monitoring.EnableMetrics && cfg.Server.MetricsPort != 0 {
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      router.NewMetricsRouter(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		eg.Go(func() error {
			log.Info("Server starting", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info("Shutting down servers...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Server forced to shutdown", zap.String("address", srv.Addr), zap.Error(err))
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	log.Info("llmbudget started",
		zap.Int("api_port", cfg.Server.Port),
		zap.String("store", cfg.Database.Driver),
		zap.String("timezone", loc.String()))

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info("Servers shutdown complete")
	return nil
}
