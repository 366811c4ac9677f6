package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrityCheckMatchingDatabases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	_, err := h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	require.NoError(t, err)

	checker := NewChecker(h.master, nil, false)
	report, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)

	assert.Equal(t, "ok", report.Status)
	assert.Zero(t, report.TotalInconsistencies)
	require.Contains(t, report.Tables, "users")
	assert.EqualValues(t, 1, report.Tables["users"].MasterCount)
	assert.EqualValues(t, 1, report.Tables["users"].SlaveCount)
}

func TestIntegrityCheckCountDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'a@x'), (2, 'bob', 'b@x'), (3, 'eve', 'e@x')`)
	_, err := h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (1, 'ada', 'a@x')`)
	require.NoError(t, err)

	checker := NewChecker(h.master, nil, false)
	report, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)

	assert.Equal(t, "mismatch", report.Status)
	assert.EqualValues(t, 2, report.TotalInconsistencies)
	assert.EqualValues(t, 2, report.Tables["users"].Difference)
}

func TestIntegrityCheckContentDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'a@x')`)
	_, err := h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (1, 'ADA', 'a@x')`)
	require.NoError(t, err)

	// Counts alone see nothing.
	counts := NewChecker(h.master, nil, false)
	report, err := counts.Check(ctx, h.slave)
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)

	// Content comparison catches the divergent row.
	content := NewChecker(h.master, nil, true)
	report, err = content.Check(ctx, h.slave)
	require.NoError(t, err)
	assert.Equal(t, "mismatch", report.Status)
	assert.EqualValues(t, 1, report.Tables["users"].HashMismatches)
}

func TestIntegrityCheckIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'a@x'), (2, 'bob', 'b@x')`)

	checker := NewChecker(h.master, nil, true)
	first, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)
	second, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.TotalInconsistencies, second.TotalInconsistencies)
	assert.Equal(t, first.Tables, second.Tables)

	// Auditing never advances the slave's replication cursor.
	_, ok, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegrityCheckSkipsIgnoredTables(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `CREATE TABLE audit_log (id INTEGER PRIMARY KEY, what TEXT)`)
	h.masterExec(t, `INSERT INTO audit_log (id, what) VALUES (1, 'local only')`)

	checker := NewChecker(h.master, []string{"audit_log"}, false)
	report, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)

	assert.NotContains(t, report.Tables, "audit_log")
	assert.Equal(t, "ok", report.Status)
}

func TestIntegrityCheckMissingSlaveTable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT)`)
	h.masterExec(t, `INSERT INTO tags (id, label) VALUES (1, 'urgent'), (2, 'later')`)

	checker := NewChecker(h.master, nil, false)
	report, err := checker.Check(ctx, h.slave)
	require.NoError(t, err)

	assert.Equal(t, "mismatch", report.Status)
	require.Contains(t, report.Tables, "tags")
	assert.EqualValues(t, 2, report.Tables["tags"].Difference)
	assert.NotEmpty(t, report.Tables["tags"].Error)
}
