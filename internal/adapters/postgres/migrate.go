package postgres

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending embedded migration
func Migrate(cfg config.PostgresConfig, log *logger.Logger) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		return errors.Wrap(err, "create migrate instance")
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations to apply, database is up to date")
			return nil
		}
		return errors.Wrap(err, "apply migrations")
	}

	version, dirty, _ := m.Version()
	log.Infow("Database migrated", "version", version, "dirty", dirty)
	return nil
}
