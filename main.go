package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RubachokBoss/practicum-enrichment/internal/app"
	"github.com/RubachokBoss/practicum-enrichment/internal/config"
	"github.com/RubachokBoss/practicum-enrichment/internal/database"
	"github.com/RubachokBoss/practicum-enrichment/pkg/logger"
)

func main() {
	mode := app.ModeServe

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
			direction := migrateCmd.String("direction", "up", "migration command (up/down/version/force)")
			version := migrateCmd.Int("version", -1, "version to record with force")
			migrateCmd.Parse(os.Args[2:])
			if migrateCmd.NArg() > 0 {
				*direction = migrateCmd.Arg(0)
			}
			runMigrations(*direction, *version)
			return
		case "worker":
			mode = app.ModeWorker
		case "serve":
		default:
			log := logger.New()
			log.Fatal().Str("command", os.Args[1]).Msg("Unknown command. Use serve, worker or migrate")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.NewWithConfig(cfg.Logging.Level, cfg.Logging.Pretty, cfg.Logging.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	application, err := app.New(ctx, cfg, log, mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	go func() {
		if err := application.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run application")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown gracefully")
	}

	log.Info().Msg("Enrichment service stopped")
}

func runMigrations(direction string, version int) {
	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, cfg.Database.MigrationsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrator")
	}
	defer migrator.Close()

	switch direction {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied successfully")
	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("Failed to rollback migrations")
		}
		log.Info().Msg("Migrations rolled back successfully")
	case "version":
		v, dirty, err := migrator.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration version")
		}
		log.Info().Uint("version", v).Bool("dirty", dirty).Msg("Current migration version")
	case "force":
		if version < 0 {
			log.Fatal().Msg("force requires -version")
		}
		if err := migrator.Force(version); err != nil {
			log.Fatal().Err(err).Msg("Failed to force migration version")
		}
		log.Info().Int("version", version).Msg("Migration version forced")
	default:
		log.Fatal().Msg("Invalid migration command. Use up, down, version or force")
	}
}
