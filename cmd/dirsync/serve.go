package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/config"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/executor"
	"vn.io.arda/dirsync/internal/infrastructure/postgres"
	kafkaconsumer "vn.io.arda/dirsync/internal/kafka"
	transporthttp "vn.io.arda/dirsync/internal/transport/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service with HTTP API, scheduler, and Kafka triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log.Info().Str("env", cfg.Server.Env).Str("port", cfg.Server.Port).Msg("starting dirsync")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")

	repo := postgres.New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// ── Directory client & desired source ─────────────────────────────────────
	client, err := newGraphClient(cfg)
	if err != nil {
		return err
	}
	src, err := newDesiredSource(cfg, client, "")
	if err != nil {
		return err
	}

	// ── Application Service & SSE Hub ─────────────────────────────────────────
	hub := transporthttp.NewHub()
	exec := executor.New(client, executor.Config{
		Workers:  cfg.Sync.Workers,
		Attempts: cfg.Sync.Retries,
	})
	svc := application.NewService(client, src, repo, exec, hub)

	// ── HTTP Server ───────────────────────────────────────────────────────────
	handler := transporthttp.NewHandler(svc, hub, cfg.Sync.AppID)
	router := transporthttp.NewRouter(handler, cfg.Graph.TenantID)

	// ── Kafka Consumer ────────────────────────────────────────────────────────
	if cfg.Kafka.Enabled {
		consumer, err := kafkaconsumer.New(
			cfg.Kafka.Brokers,
			cfg.Kafka.ConsumerGroupID,
			cfg.Kafka.Topics,
			svc,
			cfg.Sync.AppID,
		)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		go consumer.Start(ctx)
		log.Info().Strs("topics", cfg.Kafka.Topics).Msg("kafka consumer started")
	}

	// ── Auto-Sync Scheduler ───────────────────────────────────────────────────
	scheduler := cron.New()
	if cfg.Sync.Mode == "auto" {
		spec := fmt.Sprintf("@every %s", cfg.Sync.Interval)
		_, err := scheduler.AddFunc(spec, func() {
			_, err := svc.Sync(ctx, domain.SyncRequest{
				AppID:       cfg.Sync.AppID,
				Mode:        domain.ModeAuto,
				TriggeredBy: "scheduler",
			})
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrRunInProgress):
				log.Debug().Msg("scheduled sync skipped, run already in progress")
			default:
				log.Error().Err(err).Msg("scheduled sync failed")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule auto sync: %w", err)
		}
		log.Info().Dur("interval", cfg.Sync.Interval).Msg("auto sync scheduled")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// ── TTL Purge Job (every 24h) ─────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				svc.PurgeTTL(context.Background(), cfg.TTL.RetentionDays)
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Start HTTP Server ─────────────────────────────────────────────────────
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := router.Start(":" + cfg.Server.Port); err != nil {
			log.Info().Msg("HTTP server stopped")
		}
	}()

	// ── Graceful Shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("dirsync stopped")
	return nil
}
