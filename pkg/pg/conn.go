package pg

import (
	"database/sql"
	"fmt"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver   string `env:"DRIVER"`
	User     string `env:"USER"`
	Host     string `env:"HOST"`
	Port     string `env:"PORT"`
	Password string `env:"PASSWORD"`
	Database string `env:"DBNAME"`
	// Path is the database file when Driver is sqlite.
	Path string `env:"PATH"`
}

func (c Config) dsn() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable", c.Host, c.User, c.Password, c.Database, c.Port)
}

func (c Config) sqlDriverName() string {
	if c.Driver == DriverSQLite {
		return "sqlite3"
	}
	return "postgres"
}

func newSqlConnection(config Config) (*sql.DB, error) {
	return sql.Open(config.sqlDriverName(), config.dsn())
}
