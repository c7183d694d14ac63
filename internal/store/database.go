// Package store implements the crypto engine's persistence contract: a
// transactional blob store for Olm accounts, Olm sessions keyed by
// remote identity key, and Megolm inbound sessions keyed by (room,
// sender_key, session_id), backed by Postgres.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Database wraps the SQL connection and the typed stores built on top
// of it.
type Database struct {
	db *sql.DB

	Accounts        *AccountStore
	OlmSessions     *OlmSessionStore
	MegolmInbound   *MegolmInboundStore
	MegolmOutbound  *MegolmOutboundStore
}

// New opens the database connection and wires the typed stores. It does
// not run migrations; call RunMigrations explicitly so the caller
// controls when schema changes apply.
func New(driverName, dataSourceName string, maxOpen, maxIdle int) (*Database, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &Database{db: db}
	d.Accounts = &AccountStore{db: db}
	d.OlmSessions = &OlmSessionStore{db: db}
	d.MegolmInbound = &MegolmInboundStore{db: db}
	d.MegolmOutbound = &MegolmOutboundStore{db: db}

	return d, nil
}

// RunMigrations executes all pending database migrations.
func (d *Database) RunMigrations(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage (transactions
// spanning more than one store).
func (d *Database) DB() *sql.DB {
	return d.db
}
