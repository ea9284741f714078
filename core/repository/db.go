package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	// Database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the state database. Queries use $N placeholders, which both drivers accept.
type DB struct {
	*sql.DB
	Driver string
}

// NewDB opens the database named by dsn and creates the schema.
// postgres:// and postgresql:// URLs select PostgreSQL, anything else is a SQLite path.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	driver, source := parseDSN(dsn)

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases shared and serializes writers
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, Driver: driver}
	if err := db.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Debug().Str("driver", driver).Msg("state database ready")
	return db, nil
}

func parseDSN(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://")
	case dsn == "":
		return DriverSQLite, ":memory:"
	default:
		return DriverSQLite, dsn
	}
}

func (db *DB) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.Driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			bucket TEXT NOT NULL,
			region TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			doc TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			type_id TEXT NOT NULL,
			zone TEXT NOT NULL DEFAULT '',
			market TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			address TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			launch_time TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_project ON instances (project)`,
		`CREATE TABLE IF NOT EXISTS instance_events (
			id ` + serial + `,
			instance_id TEXT NOT NULL,
			project TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			from_state TEXT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			meta_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_events_project ON instance_events (project, at)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
