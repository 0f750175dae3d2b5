package commands

import (
	"database/sql"

	"github.com/teranos/quire/am"
	"github.com/teranos/quire/db"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
)

// loadConfig loads and validates the merged configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path),
			"set database.path in quire.toml or QUIRE_DATABASE_PATH")
	}
	return database, nil
}
