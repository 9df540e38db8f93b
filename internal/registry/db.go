// Package registry provides a queryable SQLite cache of bundle metadata
// and a best-effort persistence aid for NAT/DHCP lease state, per
// SPEC_FULL.md §3.1. Uses pure-Go SQLite (modernc.org/sqlite) — no cgo
// required, exactly as the teacher's own internal/registry.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for the registry's three tables.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath and runs
// migrations. Grounded on the teacher's registry.Open: WAL mode,
// CREATE TABLE IF NOT EXISTS migrations run unconditionally on open.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: sqlDB}
	if err := rdb.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			path         TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			guest_os     TEXT NOT NULL DEFAULT '',
			installed    INTEGER NOT NULL DEFAULT 0,
			is_suspended INTEGER NOT NULL DEFAULT 0,
			cpus         INTEGER NOT NULL DEFAULT 0,
			memory_bytes INTEGER NOT NULL DEFAULT 0,
			disk_bytes   INTEGER NOT NULL DEFAULT 0,
			modified_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS nat_leases (
			proto       TEXT NOT NULL,
			src_ip      TEXT NOT NULL,
			src_port    INTEGER NOT NULL,
			dst_ip      TEXT NOT NULL,
			dst_port    INTEGER NOT NULL,
			mapped_port INTEGER NOT NULL,
			state       TEXT NOT NULL DEFAULT '',
			last_seen   TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (proto, src_ip, src_port, dst_ip, dst_port)
		)`,
		`CREATE TABLE IF NOT EXISTS dhcp_leases (
			mac                    TEXT PRIMARY KEY,
			ip                     TEXT NOT NULL,
			hostname               TEXT NOT NULL DEFAULT '',
			lease_start            TEXT NOT NULL,
			lease_duration_seconds INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
