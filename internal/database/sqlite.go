package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"sqlite-sync-service/internal/logger"
)

// Database wraps a single SQLite database file.
type Database struct {
	DB   *sql.DB
	Path string
}

// NewDatabase opens (creating if necessary) the SQLite database at path.
func NewDatabase(path string) (*Database, error) {
	return open(path, "rwc")
}

// OpenExisting opens the SQLite database at path and fails if the file
// does not exist. Used for slave databases, where silently creating an
// empty replica would mask an unreachable slave.
func OpenExisting(path string) (*Database, error) {
	return open(path, "rw")
}

// OpenReadOnly opens an existing database without write access. Used by
// the integrity checker, which must never mutate.
func OpenReadOnly(path string) (*Database, error) {
	return open(path, "ro")
}

func open(path, mode string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path must not be empty")
	}
	if mode == "rwc" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?mode=%s&_busy_timeout=5000&_foreign_keys=on", path, mode)
	if mode != "ro" {
		// Switching journal mode writes to the file; skip it read-only.
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	// SQLite serializes writers anyway; a small pool avoids lock churn.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Debug("Opened database", zap.String("path", path))

	return &Database{DB: db, Path: path}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes fn within a transaction, rolling back on error.
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Tables returns all user tables, excluding SQLite internals and the
// replication capture tables.
func (d *Database) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name NOT LIKE '\_sync\_%' ESCAPE '\'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *Database) TableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := d.DB.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TableSchema returns the CREATE statement for a table, or "" if the
// table does not exist.
func (d *Database) TableSchema(ctx context.Context, table string) (string, error) {
	var schema sql.NullString
	err := d.DB.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&schema)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return schema.String, nil
}

// TableColumns returns column names in declaration order.
func (d *Database) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// PrimaryKeyColumn returns the single-column primary key of a table.
// Tables without a primary key, or with a composite one, return ok=false.
func (d *Database) PrimaryKeyColumn(ctx context.Context, table string) (string, bool, error) {
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(table)))
	if err != nil {
		return "", false, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var pkCols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return "", false, err
		}
		if pk > 0 {
			pkCols = append(pkCols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	if len(pkCols) != 1 {
		return "", false, nil
	}
	return pkCols[0], true, nil
}

func (d *Database) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := d.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, QuoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return n, nil
}

// Optimize reclaims space and refreshes planner statistics.
func (d *Database) Optimize(ctx context.Context) error {
	if _, err := d.DB.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	if _, err := d.DB.ExecContext(ctx, `VACUUM`); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// QuoteIdent quotes an identifier for safe interpolation into SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsLocked reports whether err is SQLite's busy/locked condition, i.e.
// another connection holds a conflicting lock.
func IsLocked(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsUnreachable reports whether err means the database file cannot be
// opened at all.
func IsUnreachable(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCantOpen || se.Code == sqlite3.ErrNotADB
	}
	return false
}
