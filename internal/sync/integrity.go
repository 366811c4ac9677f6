package sync

import (
	"context"
	"fmt"
	"time"

	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/store"
)

// TableReport compares one table between master and slave.
type TableReport struct {
	MasterCount    int64  `json:"master_count"`
	SlaveCount     int64  `json:"slave_count"`
	Difference     int64  `json:"difference"`
	HashMismatches int64  `json:"hash_mismatches,omitempty"`
	Error          string `json:"error,omitempty"`
}

// IntegrityReport is the outcome of a read-only audit. It is a pure
// function of current database state and is not persisted.
type IntegrityReport struct {
	SlaveID              int64                  `json:"slave_id"`
	Status               string                 `json:"status"`
	Tables               map[string]TableReport `json:"tables"`
	TotalInconsistencies int64                  `json:"total_inconsistencies"`
	CheckedAt            time.Time              `json:"checked_at"`
}

// Checker audits master/slave consistency without mutating either side
// and without touching replication cursors. With compareContent set it
// hashes full row content per primary key, catching divergence that
// equal row counts can hide.
type Checker struct {
	master         *database.Database
	ignoredTables  []string
	compareContent bool
}

func NewChecker(master *database.Database, ignoredTables []string, compareContent bool) *Checker {
	return &Checker{
		master:         master,
		ignoredTables:  ignoredTables,
		compareContent: compareContent,
	}
}

func (c *Checker) Check(ctx context.Context, slave *store.Slave) (*IntegrityReport, error) {
	slaveDB, err := database.OpenReadOnly(slave.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlaveUnreachable, err)
	}
	defer slaveDB.Close()

	tables, err := c.master.Tables(ctx)
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]struct{}, len(c.ignoredTables))
	for _, t := range c.ignoredTables {
		ignored[t] = struct{}{}
	}

	report := &IntegrityReport{
		SlaveID:   slave.ID,
		Tables:    make(map[string]TableReport),
		CheckedAt: time.Now().UTC(),
	}

	for _, table := range tables {
		if _, ok := ignored[table]; ok {
			continue
		}
		if slave.IgnoresTable(table) {
			continue
		}
		report.Tables[table] = c.checkTable(ctx, slaveDB, table)
	}

	for _, tr := range report.Tables {
		if tr.Difference < 0 {
			report.TotalInconsistencies += -tr.Difference
		} else {
			report.TotalInconsistencies += tr.Difference
		}
		report.TotalInconsistencies += tr.HashMismatches
	}

	report.Status = "ok"
	if report.TotalInconsistencies > 0 {
		report.Status = "mismatch"
	}
	return report, nil
}

func (c *Checker) checkTable(ctx context.Context, slaveDB *database.Database, table string) TableReport {
	var tr TableReport

	masterCount, err := c.master.Count(ctx, table)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.MasterCount = masterCount

	exists, err := slaveDB.TableExists(ctx, table)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	if !exists {
		tr.Difference = masterCount
		tr.Error = "table missing on slave"
		return tr
	}

	slaveCount, err := slaveDB.Count(ctx, table)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.SlaveCount = slaveCount
	tr.Difference = masterCount - slaveCount

	if !c.compareContent {
		return tr
	}

	mismatches, err := c.compareHashes(ctx, slaveDB, table)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.HashMismatches = mismatches
	return tr
}

// compareHashes counts rows whose content differs between master and
// slave, keyed by primary key (or rowid). Rows counted by Difference
// are not double-counted here.
func (c *Checker) compareHashes(ctx context.Context, slaveDB *database.Database, table string) (int64, error) {
	cols, err := c.master.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}

	keyCol, ok, err := c.master.PrimaryKeyColumn(ctx, table)
	if err != nil {
		return 0, err
	}
	if !ok {
		keyCol = "rowid"
	}

	masterRows, _, err := loadTable(ctx, c.master.DB, table, keyCol, cols)
	if err != nil {
		return 0, err
	}
	slaveRows, _, err := loadTable(ctx, slaveDB.DB, table, keyCol, cols)
	if err != nil {
		return 0, err
	}

	var mismatches int64
	for key, mrow := range masterRows {
		if srow, ok := slaveRows[key]; ok && srow.hash != mrow.hash {
			mismatches++
		}
	}
	return mismatches, nil
}
