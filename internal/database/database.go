package database

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/sentinelfleet/sentinel/internal/db"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/env"
)

// Connect establishes the database connection using connection settings
// from the environment.
func Connect() (*db.DB, error) {
	cfg := db.Config{
		Host:     env.GetOrDefault("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 5432),
		User:     env.GetOrDefault("DB_USER", "sentinel"),
		Password: env.GetOrDefault("DB_PASSWORD", "sentinel"),
		DBName:   env.GetOrDefault("DB_NAME", "sentinel"),
		SSLMode:  env.GetOrDefault("DB_SSL_MODE", "disable"),
	}

	debug.Info("Connecting to database %s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.DBName)

	database, err := db.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return database, nil
}

// RunMigrations applies any pending schema migrations.
func RunMigrations(database *db.DB) error {
	driver, err := postgres.WithInstance(database.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrationsPath := env.GetOrDefault("DB_MIGRATIONS_PATH", "db/migrations")

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	debug.Info("Database schema at version %d (dirty=%v)", version, dirty)

	return nil
}
