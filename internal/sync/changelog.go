package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sqlite-sync-service/internal/database"
)

// changeLogTable lives inside the master database so that trigger-based
// capture appends in the same transaction as the mutation it records.
const changeLogTable = "_sync_log"

// ChangeLog is the append-only, globally ordered record of master
// mutations. AUTOINCREMENT guarantees sequence numbers are strictly
// increasing and never reused, across all tables.
type ChangeLog struct {
	db *database.Database
}

func NewChangeLog(db *database.Database) *ChangeLog {
	return &ChangeLog{db: db}
}

func (l *ChangeLog) Init(ctx context.Context) error {
	_, err := l.db.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+changeLogTable+` (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			pk TEXT NOT NULL,
			op TEXT NOT NULL,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to create change log: %w", err)
	}
	return nil
}

// Append records a change directly, outside of trigger capture. Used
// by callers that mutate the master through their own connection.
func (l *ChangeLog) Append(ctx context.Context, table, pk string, op Operation) (int64, error) {
	res, err := l.db.DB.ExecContext(ctx,
		`INSERT INTO `+changeLogTable+` (table_name, pk, op) VALUES (?, ?, ?)`,
		table, pk, string(op))
	if err != nil {
		return 0, fmt.Errorf("failed to append change: %w", err)
	}
	return res.LastInsertId()
}

// Head returns the highest assigned sequence number, or 0 when the log
// is empty.
func (l *ChangeLog) Head(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	err := l.db.DB.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM `+changeLogTable).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read change log head: %w", err)
	}
	return head.Int64, nil
}

// ReadFrom returns up to limit entries with seq > after, in sequence
// order. Re-reading from the same position yields the same entries
// until pruning.
func (l *ChangeLog) ReadFrom(ctx context.Context, after int64, limit int) ([]ChangeEntry, error) {
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT seq, table_name, pk, op, ts FROM `+changeLogTable+`
		WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	defer rows.Close()

	var entries []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var op string
		if err := rows.Scan(&e.Seq, &e.Table, &e.PK, &op, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Op = Operation(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneBefore deletes entries with seq <= upTo. Callers must only pass
// a sequence every slave cursor has already moved past.
func (l *ChangeLog) PruneBefore(ctx context.Context, upTo int64) (int64, error) {
	res, err := l.db.DB.ExecContext(ctx,
		`DELETE FROM `+changeLogTable+` WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	return res.RowsAffected()
}
