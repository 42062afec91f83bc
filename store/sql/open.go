package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	entitlementmigrations "github.com/goliatone/go-entitlements/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// PersistenceConfig satisfies the configuration contract of
// go-persistence-bun.
type PersistenceConfig struct {
	Driver          string        `koanf:"driver" json:"driver"`
	DSN             string        `koanf:"dsn" json:"-"`
	Debug           bool          `koanf:"debug" json:"debug"`
	PingTimeout     time.Duration `koanf:"ping_timeout" json:"ping_timeout"`
	OtelIdentifier  string        `koanf:"otel_identifier" json:"otel_identifier"`
	MaxOpenConns    int           `koanf:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"conn_max_lifetime"`
}

func (c PersistenceConfig) GetDebug() bool {
	return c.Debug
}

func (c PersistenceConfig) GetDriver() string {
	return c.Driver
}

func (c PersistenceConfig) GetServer() string {
	return c.DSN
}

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) == "" {
		return "go-entitlements"
	}
	return c.OtelIdentifier
}

// Open returns a bun DB for the configured driver: lib/pq with the Postgres
// dialect, or go-sqlite3 with the SQLite dialect.
func Open(cfg PersistenceConfig) (*bun.DB, error) {
	sqlDB, dialect, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}
	return bun.NewDB(sqlDB, dialect), nil
}

func OpenPostgres(dsn string) (*bun.DB, error) {
	return Open(PersistenceConfig{Driver: DriverPostgres, DSN: dsn})
}

func OpenSQLite(dsn string) (*bun.DB, error) {
	return Open(PersistenceConfig{Driver: DriverSQLite, DSN: dsn})
}

// NewPersistenceClient opens the database, registers the embedded
// migrations for its dialect and applies them.
func NewPersistenceClient(ctx context.Context, cfg PersistenceConfig) (*persistence.Client, error) {
	sqlDB, dialect, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if err := Migrate(ctx, client, cfg.Driver); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Migrate registers the migration tree matching driver on client and runs it.
func Migrate(ctx context.Context, client *persistence.Client, driver string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	target, ok := entitlementmigrations.DialectFor(driver)
	if !ok {
		return fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	_, err := entitlementmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != target {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, entitlementmigrations.WithValidationTargets(target))
	if err != nil {
		return err
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func openSQL(cfg PersistenceConfig) (*sql.DB, schema.Dialect, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil, fmt.Errorf("sqlstore: dsn is required")
	}
	var (
		driver  string
		dialect schema.Dialect
	)
	switch target, _ := entitlementmigrations.DialectFor(cfg.Driver); target {
	case entitlementmigrations.DialectPostgres:
		driver, dialect = DriverPostgres, pgdialect.New()
	case entitlementmigrations.DialectSQLite:
		driver, dialect = DriverSQLite, sqlitedialect.New()
	default:
		return nil, nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite has a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return sqlDB, dialect, nil
}
