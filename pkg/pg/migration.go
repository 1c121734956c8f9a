package pg

import (
	_ "github.com/lib/pq"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/pressly/goose/v3"
)

func dialect(cfg Config) string {
	if cfg.Driver == DriverSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// Migrate applies every pending goose migration found in dir.
func Migrate(cfg Config, dir string) error {
	dialect := dialect(cfg)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("running migrations", "dir", dir, "dialect", dialect)
	return goose.Up(db, dir)
}

// MigrationStatus prints the applied/pending state of every migration.
func MigrationStatus(cfg Config, dir string) error {
	if err := goose.SetDialect(dialect(cfg)); err != nil {
		return err
	}
	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.Status(db, dir)
}
