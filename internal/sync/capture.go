package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/logger"
)

// Capture installs per-table triggers on the master so that every
// committed insert/update/delete appends a change log entry in the same
// transaction as the mutation. Rolled-back mutations leave no entry.
type Capture struct {
	db      *database.Database
	log     *ChangeLog
	ignored map[string]struct{}
}

func NewCapture(db *database.Database, log *ChangeLog, ignoredTables []string) *Capture {
	ignored := make(map[string]struct{}, len(ignoredTables))
	for _, t := range ignoredTables {
		ignored[t] = struct{}{}
	}
	return &Capture{db: db, log: log, ignored: ignored}
}

// Ignored reports whether a table is globally excluded from capture.
func (c *Capture) Ignored(table string) bool {
	_, ok := c.ignored[table]
	return ok
}

// Setup creates the change log and instruments every eligible table.
// Tables without a stable primary key are skipped with a warning; they
// fall back to full reconciliation.
func (c *Capture) Setup(ctx context.Context) error {
	if err := c.log.Init(ctx); err != nil {
		return err
	}

	tables, err := c.db.Tables(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate master tables: %w", err)
	}

	for _, table := range tables {
		if c.Ignored(table) {
			continue
		}
		if err := c.EnableCapture(ctx, table); err != nil {
			var setupErr *CaptureSetupError
			if errors.As(err, &setupErr) {
				logger.Log.Warn("Table not eligible for change capture, full reconciliation only",
					zap.String("table", table),
					zap.String("reason", setupErr.Reason),
				)
				continue
			}
			return err
		}
	}
	return nil
}

// EnableCapture installs insert/update/delete triggers for one table.
// Globally ignored tables are never instrumented.
func (c *Capture) EnableCapture(ctx context.Context, table string) error {
	if c.Ignored(table) {
		return nil
	}

	pk, ok, err := c.db.PrimaryKeyColumn(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	if !ok {
		return &CaptureSetupError{Table: table, Reason: "no single-column primary key"}
	}

	tableLit := quoteString(table)
	quotedTable := database.QuoteIdent(table)
	quotedPK := database.QuoteIdent(pk)

	stmts := []string{
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
			BEGIN
				INSERT INTO %s (table_name, pk, op) VALUES (%s, CAST(NEW.%s AS TEXT), 'INSERT');
			END`,
			triggerName(table, "insert"), quotedTable, changeLogTable, tableLit, quotedPK),
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s
			BEGIN
				INSERT INTO %s (table_name, pk, op) VALUES (%s, CAST(NEW.%s AS TEXT), 'UPDATE');
			END`,
			triggerName(table, "update"), quotedTable, changeLogTable, tableLit, quotedPK),
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s
			BEGIN
				INSERT INTO %s (table_name, pk, op) VALUES (%s, CAST(OLD.%s AS TEXT), 'DELETE');
			END`,
			triggerName(table, "delete"), quotedTable, changeLogTable, tableLit, quotedPK),
	}

	for _, stmt := range stmts {
		if _, err := c.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install capture trigger on %s: %w", table, err)
		}
	}

	logger.Log.Debug("Change capture enabled", zap.String("table", table), zap.String("pk", pk))
	return nil
}

// DisableCapture removes the capture triggers for a table. Idempotent;
// used when a table enters the exclusion list at runtime.
func (c *Capture) DisableCapture(ctx context.Context, table string) error {
	for _, op := range []string{"insert", "update", "delete"} {
		stmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, triggerName(table, op))
		if _, err := c.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop capture trigger on %s: %w", table, err)
		}
	}
	logger.Log.Debug("Change capture disabled", zap.String("table", table))
	return nil
}

func triggerName(table, op string) string {
	return database.QuoteIdent(fmt.Sprintf("_sync_trg_%s_%s", table, op))
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
