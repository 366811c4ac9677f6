package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sqlite-sync-service/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS slaves (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	db_path TEXT NOT NULL UNIQUE,
	server_address TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	ignored_tables TEXT NOT NULL DEFAULT '',
	last_sync TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	slave_id INTEGER PRIMARY KEY REFERENCES slaves(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slave_id INTEGER NOT NULL,
	slave_name TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	changes_count INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_logs_slave ON sync_logs(slave_id, created_at);
`

type SQLiteStore struct {
	db *database.Database
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := database.NewDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if _, err := db.DB.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSlave(ctx context.Context, slave *Slave) error {
	now := time.Now().UTC()
	if slave.Status == "" {
		slave.Status = StatusActive
	}
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO slaves (name, db_path, server_address, status, ignored_tables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		slave.Name, slave.DBPath, slave.ServerAddress, slave.Status,
		joinTables(slave.IgnoredTables), now, now)
	if err != nil {
		return fmt.Errorf("failed to create slave: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	slave.ID = id
	slave.CreatedAt = now
	slave.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetSlave(ctx context.Context, id int64) (*Slave, error) {
	row := s.db.DB.QueryRowContext(ctx, `
		SELECT id, name, db_path, server_address, status, ignored_tables, last_sync, created_at, updated_at
		FROM slaves WHERE id = ?`, id)
	slave, err := scanSlave(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlaveNotFound
	}
	return slave, err
}

func (s *SQLiteStore) ListSlaves(ctx context.Context) ([]*Slave, error) {
	return s.listSlaves(ctx, `
		SELECT id, name, db_path, server_address, status, ignored_tables, last_sync, created_at, updated_at
		FROM slaves ORDER BY id`)
}

func (s *SQLiteStore) ListActiveSlaves(ctx context.Context) ([]*Slave, error) {
	return s.listSlaves(ctx, `
		SELECT id, name, db_path, server_address, status, ignored_tables, last_sync, created_at, updated_at
		FROM slaves WHERE status != 'inactive' ORDER BY id`)
}

func (s *SQLiteStore) listSlaves(ctx context.Context, query string) ([]*Slave, error) {
	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list slaves: %w", err)
	}
	defer rows.Close()

	var slaves []*Slave
	for rows.Next() {
		slave, err := scanSlave(rows)
		if err != nil {
			return nil, err
		}
		slaves = append(slaves, slave)
	}
	return slaves, rows.Err()
}

func (s *SQLiteStore) UpdateSlaveStatus(ctx context.Context, id int64, status string, lastSync *time.Time) error {
	var res sql.Result
	var err error
	if lastSync != nil {
		res, err = s.db.DB.ExecContext(ctx,
			`UPDATE slaves SET status = ?, last_sync = ?, updated_at = ? WHERE id = ?`,
			status, lastSync.UTC(), time.Now().UTC(), id)
	} else {
		res, err = s.db.DB.ExecContext(ctx,
			`UPDATE slaves SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update slave status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlaveNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSlave(ctx context.Context, id int64) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM slaves WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete slave: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlaveNotFound
	}
	return nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, slaveID int64) (int64, bool, error) {
	var seq int64
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT seq FROM sync_cursors WHERE slave_id = ?`, slaveID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cursor for slave %d: %w", slaveID, err)
	}
	return seq, true, nil
}

// SetCursor records the last applied change sequence. Cursors never move
// backwards; a stale write is silently ignored.
func (s *SQLiteStore) SetCursor(ctx context.Context, slaveID, seq int64) error {
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (slave_id, seq) VALUES (?, ?)
		ON CONFLICT(slave_id) DO UPDATE SET seq = excluded.seq WHERE excluded.seq > seq`,
		slaveID, seq)
	if err != nil {
		return fmt.Errorf("failed to set cursor for slave %d: %w", slaveID, err)
	}
	return nil
}

func (s *SQLiteStore) AddSyncLog(ctx context.Context, entry *SyncLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO sync_logs (slave_id, slave_name, status, message, changes_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SlaveID, entry.SlaveName, entry.Status, entry.Message,
		entry.ChangesCount, entry.Duration.Milliseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add sync log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (s *SQLiteStore) ListSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLogEntry, int64, error) {
	var conds []string
	var args []any

	if filter.SlaveID != nil {
		conds = append(conds, "slave_id = ?")
		args = append(args, *filter.SlaveID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sync logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT id, slave_id, slave_name, status, message, changes_count, duration_ms, created_at
		FROM sync_logs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.SlaveID, &e.SlaveName, &e.Status, &e.Message,
			&e.ChangesCount, &durationMS, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (s *SQLiteStore) ClearSyncLogs(ctx context.Context) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM sync_logs`)
	if err != nil {
		return fmt.Errorf("failed to clear sync logs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlave(r rowScanner) (*Slave, error) {
	var s Slave
	var ignored string
	if err := r.Scan(&s.ID, &s.Name, &s.DBPath, &s.ServerAddress, &s.Status,
		&ignored, &s.LastSync, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.IgnoredTables = splitTables(ignored)
	return &s, nil
}

func joinTables(tables []string) string {
	var kept []string
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, ",")
}

func splitTables(s string) []string {
	if s == "" {
		return nil
	}
	var tables []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}
