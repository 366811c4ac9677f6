package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/logger"
	"sqlite-sync-service/internal/store"
)

// tableRow is one row keyed for set comparison during full
// reconciliation.
type tableRow struct {
	vals []any
	hash string
}

// applyFull reconciles every non-excluded table by primary-key and
// content set difference: missing rows are inserted, divergent rows are
// rewritten, rows absent from the master are deleted. Each table runs
// in its own transaction so one table's failure does not block its
// siblings; the outcome is recorded per table.
func (p *WorkerPool) applyFull(ctx context.Context, slave *store.Slave) (*jobResult, error) {
	// Snapshot the log head first. Changes committed after this point
	// will be replayed incrementally; replay is idempotent, so overlap
	// with the copy below is harmless.
	headBefore, err := p.log.Head(ctx)
	if err != nil {
		return nil, err
	}

	slaveDB, err := database.OpenExisting(slave.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlaveUnreachable, err)
	}
	defer slaveDB.Close()

	tables, err := p.master.Tables(ctx)
	if err != nil {
		return nil, err
	}

	globallyIgnored := make(map[string]struct{}, len(p.cfg.IgnoredTables))
	for _, t := range p.cfg.IgnoredTables {
		globallyIgnored[t] = struct{}{}
	}

	var changes int64
	var warnings []string
	for _, table := range tables {
		if _, ok := globallyIgnored[table]; ok {
			continue
		}
		if slave.IgnoresTable(table) {
			continue
		}

		n, err := p.reconcileTable(ctx, slaveDB, table)
		changes += n
		if err != nil {
			err = classify(err)
			var schemaErr *SchemaMismatchError
			if errors.As(err, &schemaErr) {
				warnings = append(warnings, schemaErr.Error())
				continue
			}
			if retryable(err) {
				// Lock or timeout on the slave affects every remaining
				// table; surface for a job-level retry.
				return &jobResult{ChangesCount: changes}, err
			}
			warnings = append(warnings, fmt.Sprintf("table %s failed: %v", table, err))
			continue
		}
	}

	// A full pass leaves the slave consistent with the snapshot head;
	// it becomes the new replication position.
	if err := p.registry.SetCursor(ctx, slave.ID, headBefore); err != nil {
		return nil, err
	}

	res := &jobResult{
		Status:       store.LogSuccess,
		Message:      fmt.Sprintf("full sync reconciled %d rows across %d tables", changes, len(tables)),
		ChangesCount: changes,
	}
	if len(warnings) > 0 {
		res.Status = store.LogWarning
		res.Message += "; " + strings.Join(warnings, "; ")
	}
	return res, nil
}

// reconcileTable diffs one table between master and slave and applies
// the difference in a single slave transaction.
func (p *WorkerPool) reconcileTable(ctx context.Context, slaveDB *database.Database, table string) (int64, error) {
	exists, err := slaveDB.TableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		// Create the table from the master's schema before copying.
		schema, err := p.master.TableSchema(ctx, table)
		if err != nil {
			return 0, err
		}
		if schema == "" {
			return 0, &SchemaMismatchError{Table: table, Reason: "missing on slave and master schema unavailable"}
		}
		if _, err := slaveDB.DB.ExecContext(ctx, schema); err != nil {
			return 0, &SchemaMismatchError{Table: table, Reason: fmt.Sprintf("missing on slave, create failed: %v", err)}
		}
		logger.Log.Info("Created missing slave table", zap.String("table", table))
	}

	masterCols, err := p.master.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	slaveCols, err := slaveDB.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if !sameColumns(masterCols, slaveCols) {
		return 0, &SchemaMismatchError{Table: table, Reason: "column sets differ"}
	}

	keyCol, ok, err := p.master.PrimaryKeyColumn(ctx, table)
	if err != nil {
		return 0, err
	}
	if !ok {
		// No stable primary key: diff by rowid, as close to row identity
		// as SQLite offers for such tables.
		keyCol = "rowid"
	}

	masterRows, insertCols, err := loadTable(ctx, p.master.DB, table, keyCol, masterCols)
	if err != nil {
		return 0, err
	}
	slaveRows, _, err := loadTable(ctx, slaveDB.DB, table, keyCol, masterCols)
	if err != nil {
		return 0, err
	}

	var changes int64
	err = slaveDB.ExecTx(ctx, func(tx *sql.Tx) error {
		for key, mrow := range masterRows {
			srow, ok := slaveRows[key]
			if ok && srow.hash == mrow.hash {
				continue
			}
			if err := upsertRow(ctx, tx, table, insertCols, mrow.vals); err != nil {
				return fmt.Errorf("upsert %s key=%s: %w", table, key, err)
			}
			changes++
		}
		for key := range slaveRows {
			if _, ok := masterRows[key]; ok {
				continue
			}
			// Present on the slave, absent on the master: drift to remove.
			if err := deleteRow(ctx, tx, table, keyCol, key); err != nil {
				return fmt.Errorf("delete %s key=%s: %w", table, key, err)
			}
			changes++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if changes > 0 {
		logger.Log.Info("Reconciled table",
			zap.String("table", table),
			zap.Int64("changes", changes),
		)
	}
	return changes, nil
}

// loadTable reads a table keyed by keyCol. When keyCol is the implicit
// rowid it is selected explicitly and included in insertCols so copied
// rows keep their identity.
func loadTable(ctx context.Context, db *sql.DB, table, keyCol string, cols []string) (map[string]tableRow, []string, error) {
	selectCols := make([]string, 0, len(cols)+1)
	insertCols := make([]string, 0, len(cols)+1)
	if keyCol == "rowid" {
		selectCols = append(selectCols, "rowid")
		insertCols = append(insertCols, "rowid")
	}
	for _, c := range cols {
		selectCols = append(selectCols, database.QuoteIdent(c))
		insertCols = append(insertCols, c)
	}

	keyIdx := 0
	if keyCol != "rowid" {
		keyIdx = -1
		for i, c := range cols {
			if c == keyCol {
				keyIdx = i
				break
			}
		}
		if keyIdx < 0 {
			return nil, nil, fmt.Errorf("key column %s not found in table %s", keyCol, table)
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(selectCols, ","), database.QuoteIdent(table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make(map[string]tableRow)
	for rows.Next() {
		vals, err := rowValues(rows, len(selectCols))
		if err != nil {
			return nil, nil, err
		}
		out[keyText(vals[keyIdx])] = tableRow{vals: vals, hash: rowHash(vals)}
	}
	return out, insertCols, rows.Err()
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
