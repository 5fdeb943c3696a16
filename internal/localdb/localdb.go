// Package localdb is the concrete sqlite-backed implementation of the
// local-database surface spec.md §6 lists under "Database (consumed)".
// spec.md scopes the DB's schema out of the core and specifies it only
// via that query/mutation surface; this package is the expansion that
// makes the engine runnable end to end.
//
// Grounded on gentoomaniac-backup-tool/pkg/db/sqlite.go: a thin struct
// wrapping *sql.DB, hand-written CREATE TABLE/INSERT/SELECT strings (no
// ORM), github.com/mattn/go-sqlite3 as the driver, and
// github.com/rs/zerolog for query-level logging.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
	"github.com/vaultkeep/repair/internal/xlog"
)

// DB is the sqlite-backed implementation of repair.DB.
type DB struct {
	raw *sql.DB
	log *xlog.Logger
}

// Open opens (creating if needed) the sqlite database at path and
// ensures its schema exists.
func Open(path string, log *xlog.Logger) (*DB, error) {
	raw, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db := &DB{raw: raw, log: log}
	if err := db.init(); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) exec(query string, args ...interface{}) (sql.Result, error) {
	res, err := db.raw.Exec(query, args...)
	if err != nil {
		db.log.Debug("localdb: exec failed %q: %v", query, err)
	}
	return res, err
}

func (db *DB) init() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS remote_volumes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			kind INTEGER NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			hash TEXT NOT NULL DEFAULT '',
			state INTEGER NOT NULL,
			compression TEXT NOT NULL DEFAULT '',
			encryption TEXT NOT NULL DEFAULT '',
			time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS filesets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time INTEGER NOT NULL,
			is_full INTEGER NOT NULL DEFAULT 0,
			remote_volume_id INTEGER REFERENCES remote_volumes(id)
		)`,
		`CREATE TABLE IF NOT EXISTS file_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fileset_id INTEGER NOT NULL REFERENCES filesets(id),
			path TEXT NOT NULL,
			size INTEGER NOT NULL,
			mode INTEGER NOT NULL DEFAULT 0,
			modtime INTEGER NOT NULL DEFAULT 0,
			block_hash TEXT NOT NULL DEFAULT '',
			block_size INTEGER NOT NULL DEFAULT 0,
			is_blocklist INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			volume_id INTEGER NOT NULL REFERENCES remote_volumes(id),
			PRIMARY KEY (hash, size)
		)`,
		`CREATE TABLE IF NOT EXISTS block_sources (
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			offset INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blocklist_entries (
			list_hash TEXT NOT NULL,
			list_size INTEGER NOT NULL,
			volume_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_block_links (
			index_volume_id INTEGER NOT NULL REFERENCES remote_volumes(id),
			data_volume_id INTEGER NOT NULL REFERENCES remote_volumes(id)
		)`,
		`CREATE TABLE IF NOT EXISTS flags (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_entries_fileset ON file_entries(fileset_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_volume ON blocks(volume_id)`,
		`CREATE INDEX IF NOT EXISTS idx_block_sources_hash ON block_sources(hash, size)`,
	}
	for _, s := range stmts {
		if _, err := db.raw.Exec(s); err != nil {
			return fmt.Errorf("localdb: schema init: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error { return db.raw.Close() }

///////////////////////////////////////////////////////////////////////////
// flags

func (db *DB) flag(ctx context.Context, key string) (bool, error) {
	var v int
	err := db.raw.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (db *DB) setFlag(ctx context.Context, key string, v bool) error {
	iv := 0
	if v {
		iv = 1
	}
	_, err := db.raw.ExecContext(ctx,
		`INSERT INTO flags(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, iv)
	return err
}

func (db *DB) PartiallyRecreated(ctx context.Context) (bool, error) { return db.flag(ctx, "PartiallyRecreated") }
func (db *DB) RepairInProgress(ctx context.Context) (bool, error)   { return db.flag(ctx, "RepairInProgress") }
func (db *DB) SetRepairInProgress(ctx context.Context, v bool) error {
	return db.setFlag(ctx, "RepairInProgress", v)
}
func (db *DB) TerminatedWithActiveUploads(ctx context.Context) (bool, error) {
	return db.flag(ctx, "TerminatedWithActiveUploads")
}
func (db *DB) SetTerminatedWithActiveUploads(ctx context.Context, v bool) error {
	return db.setFlag(ctx, "TerminatedWithActiveUploads", v)
}

///////////////////////////////////////////////////////////////////////////
// transactions

// sqlTx adapts *sql.Tx to repair.Tx.
type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (db *DB) BeginTransaction(ctx context.Context) (repair.Tx, error) {
	tx, err := db.raw.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// execer returns either tx's underlying *sql.Tx or db.raw, so every
// mutation method can optionally participate in the caller's reusable
// transaction (per spec.md's "Reusable transactions" design note) or
// run standalone.
func (db *DB) execer(tx repair.Tx) interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
} {
	if tx == nil {
		return db.raw
	}
	return tx.(*sqlTx).tx
}

func kindToInt(k volume.Kind) int64   { return int64(k) }
func intToKind(i int64) volume.Kind   { return volume.Kind(i) }
func stateToInt(s volume.State) int64 { return int64(s) }
func intToState(i int64) volume.State { return volume.State(i) }

func timeToUnix(t time.Time) int64 { return t.UTC().UnixMilli() }
func unixToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
