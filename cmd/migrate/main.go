// Package main provides a CLI tool for running database migrations and
// seeding spender labels.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/allowance-scanner/internal/config"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/storage"
	"github.com/spf13/pflag"
)

func main() {
	var (
		action     = pflag.String("action", "up", "Migration action: up, down, version, seed-labels")
		dbType     = pflag.String("db", "postgres", "Database type: postgres, clickhouse")
		steps      = pflag.Int("steps", 1, "Number of migrations to roll back with --action=down")
		labelsPath = pflag.String("labels", "seeds/spender_labels.yaml", "Spender label seed file for --action=seed-labels")
		dir        = pflag.String("dir", "migrations", "Root directory of the migration files")
	)
	pflag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	if *action == "seed-labels" {
		if err := seedLabels(cfg, *labelsPath); err != nil {
			logging.Fatalf("Label seeding failed: %v", err)
		}
		return
	}

	switch *dbType {
	case "postgres":
		if err := runPostgresMigrations(cfg, *action, *dir+"/postgres", *steps); err != nil {
			logging.Fatalf("Postgres migration failed: %v", err)
		}
	case "clickhouse":
		if err := runClickHouseMigrations(cfg, *action, *dir+"/clickhouse"); err != nil {
			logging.Fatalf("ClickHouse migration failed: %v", err)
		}
	default:
		logging.Fatalf("Unknown database type: %s", *dbType)
	}
}

func runPostgresMigrations(cfg *config.Config, action, migrationsPath string, steps int) error {
	mg, err := storage.NewMigrator(cfg.Database.Postgres.URL(), migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logging.GetGlobalLogger().WithError(err).Warn("Error closing migrator")
		}
	}()

	switch action {
	case "up":
		logging.Info("Running Postgres migrations...")
		if err := mg.Up(); err != nil {
			return err
		}
		logging.Info("Postgres migrations completed successfully")

	case "down":
		logging.Infof("Rolling back %d Postgres migration(s)...", steps)
		if err := mg.Down(steps); err != nil {
			return err
		}
		logging.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := mg.Version()
		if err != nil {
			return err
		}
		logging.Infof("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, action, migrationsPath string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.GetGlobalLogger().WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logging.Info("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}
	logging.Info("ClickHouse migrations completed successfully")
	return nil
}

func seedLabels(cfg *config.Config, path string) error {
	labels, err := storage.LoadSpenderLabels(path)
	if err != nil {
		return err
	}

	db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := storage.NewAllowanceRepository(db).UpsertSpenderLabels(ctx, labels); err != nil {
		return err
	}
	logging.Infof("Seeded %d spender labels from %s", len(labels), path)
	return nil
}
