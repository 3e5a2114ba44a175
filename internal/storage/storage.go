// Package storage is the durable keyed storage collaborator: a SQLite-backed
// key/value store partitioned into named logical databases. Values are JSON.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Logical database names used by the engine.
const (
	DatabasePrebooru = "prebooru"
	DatabaseLocal    = "local"
)

// DB wraps a SQLite database used as a partitioned key/value store.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
	  database TEXT NOT NULL,
	  key TEXT NOT NULL,
	  value TEXT NOT NULL,
	  PRIMARY KEY (database, key)
	);
	`)
	return err
}

// Get returns the raw JSON value for key, or nil when absent.
func (d *DB) Get(ctx context.Context, database, key string) (json.RawMessage, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT value FROM kv WHERE database=? AND key=?`, database, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(v), nil
}

// BatchGet fetches every key in one query. Absent keys are missing from the
// returned map.
func (d *DB) BatchGet(ctx context.Context, database string, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT key, value FROM kv WHERE database=? AND key IN (`+placeholders(len(keys))+`)`, batchArgs(database, keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// Save upserts one key with the JSON encoding of value.
func (d *DB) Save(ctx context.Context, database, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `INSERT INTO kv(database, key, value) VALUES(?,?,?)
		ON CONFLICT(database, key) DO UPDATE SET value=excluded.value`, database, key, string(b))
	return err
}

// BatchSave upserts every entry inside one transaction.
func (d *DB) BatchSave(ctx context.Context, database string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv(database, key, value) VALUES(?,?,?)
		ON CONFLICT(database, key) DO UPDATE SET value=excluded.value`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode %s: %w", k, err)
		}
		if _, err := stmt.ExecContext(ctx, database, k, string(b)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Remove deletes one key. Deleting an absent key is not an error.
func (d *DB) Remove(ctx context.Context, database, key string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM kv WHERE database=? AND key=?`, database, key)
	return err
}

// BatchRemove deletes every key in one statement.
func (d *DB) BatchRemove(ctx context.Context, database string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := d.sql.ExecContext(ctx, `DELETE FROM kv WHERE database=? AND key IN (`+placeholders(len(keys))+`)`, batchArgs(database, keys)...)
	return err
}

// Check reports whether key exists without decoding its value.
func (d *DB) Check(ctx context.Context, database, key string) (bool, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE database=? AND key=?`, database, key)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BatchCheck reports existence per key. Every requested key has an entry.
func (d *DB) BatchCheck(ctx context.Context, database string, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = false
	}
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT key FROM kv WHERE database=? AND key IN (`+placeholders(len(keys))+`)`, batchArgs(database, keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = true
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func batchArgs(database string, keys []string) []any {
	args := make([]any, 0, len(keys)+1)
	args = append(args, database)
	for _, k := range keys {
		args = append(args, k)
	}
	return args
}
