package sync

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlite-sync-service/internal/config"
	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/store"
)

const usersSchema = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`

type harness struct {
	master   *database.Database
	log      *ChangeLog
	registry *store.SQLiteStore
	queue    *Queue
	pool     *WorkerPool
	slave    *store.Slave
	slaveDB  *database.Database
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	master, err := database.NewDatabase(filepath.Join(dir, "master.db"))
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	_, err = master.DB.Exec(usersSchema)
	require.NoError(t, err)

	log := NewChangeLog(master)
	capture := NewCapture(master, log, nil)
	require.NoError(t, capture.Setup(ctx))

	slaveDB, err := database.NewDatabase(filepath.Join(dir, "slave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { slaveDB.Close() })
	_, err = slaveDB.DB.Exec(usersSchema)
	require.NoError(t, err)

	registry, err := store.NewSQLiteStore(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	slave := &store.Slave{Name: "replica-1", DBPath: slaveDB.Path}
	require.NoError(t, registry.CreateSlave(ctx, slave))

	cfg := config.SyncConfig{
		Workers:      1,
		BatchSize:    100,
		QueueSize:    8,
		MaxRetries:   0,
		ApplyTimeout: "5s",
	}
	queue := NewQueue(cfg.QueueSize)
	pool := NewWorkerPool(cfg, master, registry, log, queue, nil)

	return &harness{
		master:   master,
		log:      log,
		registry: registry,
		queue:    queue,
		pool:     pool,
		slave:    slave,
		slaveDB:  slaveDB,
	}
}

func (h *harness) masterExec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := h.master.DB.Exec(query, args...)
	require.NoError(t, err)
}

func (h *harness) pending(t *testing.T) []ChangeEntry {
	t.Helper()
	entries, err := h.log.ReadFrom(context.Background(), 0, 100)
	require.NoError(t, err)
	return entries
}

func (h *harness) slaveNames(t *testing.T) map[int64]string {
	t.Helper()
	rows, err := h.slaveDB.DB.Query(`SELECT id, name FROM users ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

func TestApplyIncrementalConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (2, 'bob', 'bob@x')`)
	h.masterExec(t, `UPDATE users SET name = 'robert' WHERE id = 2`)

	entries := h.pending(t)
	require.Len(t, entries, 3)

	res, err := h.pool.applyIncremental(ctx, h.slave, entries)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)
	assert.EqualValues(t, 3, res.ChangesCount)

	assert.Equal(t, map[int64]string{1: "ada", 2: "robert"}, h.slaveNames(t))

	seq, ok, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries[2].Seq, seq)

	// Replaying the same batch is a no-op for state and cursor.
	res, err = h.pool.applyIncremental(ctx, h.slave, entries)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)
	assert.Equal(t, map[int64]string{1: "ada", 2: "robert"}, h.slaveNames(t))

	seqAfter, _, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	assert.Equal(t, seq, seqAfter)
}

func TestApplyIncrementalDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	h.masterExec(t, `DELETE FROM users WHERE id = 1`)

	res, err := h.pool.applyIncremental(ctx, h.slave, h.pending(t))
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)
	assert.Empty(t, h.slaveNames(t))
}

func TestApplyIncrementalRowVanishedFromMaster(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	entries := h.pending(t)
	require.Len(t, entries, 1)

	// The row is gone before the insert entry is applied; replay must not
	// resurrect it on the slave.
	h.masterExec(t, `DELETE FROM users WHERE id = 1`)

	res, err := h.pool.applyIncremental(ctx, h.slave, entries[:1])
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)
	assert.Empty(t, h.slaveNames(t))
}

func TestApplyIncrementalMissingSlaveTableWarns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `CREATE TABLE extras (id INTEGER PRIMARY KEY, v TEXT)`)
	capture := NewCapture(h.master, h.log, nil)
	require.NoError(t, capture.EnableCapture(ctx, "extras"))

	h.masterExec(t, `INSERT INTO extras (id, v) VALUES (1, 'x')`)
	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)

	res, err := h.pool.applyIncremental(ctx, h.slave, h.pending(t))
	require.NoError(t, err)
	assert.Equal(t, store.LogWarning, res.Status)
	assert.Contains(t, res.Message, "extras")

	// The reachable table still synced.
	assert.Equal(t, map[int64]string{1: "ada"}, h.slaveNames(t))
}

func TestApplyIncrementalUnreachableSlave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)

	gone := *h.slave
	gone.DBPath = filepath.Join(t.TempDir(), "nope.db")

	_, err := h.pool.applyIncremental(ctx, &gone, h.pending(t))
	require.Error(t, err)
	assert.ErrorIs(t, classify(err), ErrSlaveUnreachable)
	assert.True(t, retryable(classify(err)))
}

func TestApplyFullReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (2, 'bob', 'bob@x')`)
	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (3, 'eve', 'eve@x')`)

	// Slave has drifted: stale content for 2, local-only row 99.
	_, err := h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	require.NoError(t, err)
	_, err = h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (2, 'stale', 'bob@x')`)
	require.NoError(t, err)
	_, err = h.slaveDB.DB.Exec(`INSERT INTO users (id, name, email) VALUES (99, 'drift', 'x@x')`)
	require.NoError(t, err)

	res, err := h.pool.applyFull(ctx, h.slave)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)

	assert.Equal(t, map[int64]string{1: "ada", 2: "bob", 3: "eve"}, h.slaveNames(t))

	// The cursor lands on the log head captured before the copy.
	head, err := h.log.Head(ctx)
	require.NoError(t, err)
	seq, ok, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, head, seq)
}

func TestApplyFullCreatesMissingTable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT)`)
	h.masterExec(t, `INSERT INTO tags (id, label) VALUES (1, 'urgent')`)

	res, err := h.pool.applyFull(ctx, h.slave)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)

	exists, err := h.slaveDB.TableExists(ctx, "tags")
	require.NoError(t, err)
	require.True(t, exists)

	n, err := h.slaveDB.Count(ctx, "tags")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestApplyFullKeylessTableByRowid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `CREATE TABLE notes (body TEXT)`)
	h.masterExec(t, `INSERT INTO notes (body) VALUES ('first'), ('second')`)

	res, err := h.pool.applyFull(ctx, h.slave)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)

	n, err := h.slaveDB.Count(ctx, "notes")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Idempotent: a second pass changes nothing.
	res, err = h.pool.applyFull(ctx, h.slave)
	require.NoError(t, err)
	assert.Zero(t, res.ChangesCount)
}

func TestWorkerPoolExecutesJobEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)

	job := &SyncJob{
		ID:      "e2e",
		SlaveID: h.slave.ID,
		Mode:    ModeIncremental,
		Entries: h.pending(t),
	}
	require.NoError(t, h.queue.Enqueue(job))

	h.pool.Start()
	defer h.pool.Stop()

	require.Eventually(t, func() bool {
		_, total, err := h.registry.ListSyncLogs(ctx, store.LogFilter{})
		return err == nil && total == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, _, err := h.registry.ListSyncLogs(ctx, store.LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.LogSuccess, entries[0].Status)
	assert.EqualValues(t, 1, entries[0].ChangesCount)

	slave, err := h.registry.GetSlave(ctx, h.slave.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, slave.Status)
	assert.True(t, slave.LastSync.Valid)
}

func TestWorkerPoolRecordsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)

	// Point the slave at a file that does not exist.
	broken := &store.Slave{Name: "broken", DBPath: filepath.Join(t.TempDir(), "gone.db")}
	require.NoError(t, h.registry.CreateSlave(ctx, broken))

	job := &SyncJob{
		ID:      "fail",
		SlaveID: broken.ID,
		Mode:    ModeIncremental,
		Entries: h.pending(t),
	}
	require.NoError(t, h.queue.Enqueue(job))

	h.pool.Start()
	defer h.pool.Stop()

	require.Eventually(t, func() bool {
		_, total, err := h.registry.ListSyncLogs(ctx, store.LogFilter{})
		return err == nil && total == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, _, err := h.registry.ListSyncLogs(ctx, store.LogFilter{Status: store.LogError})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "unreachable")

	slave, err := h.registry.GetSlave(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, slave.Status)
}

func TestPruneChangeLogWaitsForAllCursors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	second := &store.Slave{Name: "replica-2", DBPath: filepath.Join(t.TempDir(), "slave2.db")}
	require.NoError(t, h.registry.CreateSlave(ctx, second))

	for i := 0; i < 4; i++ {
		h.masterExec(t, fmt.Sprintf(`INSERT INTO users (id, name, email) VALUES (%d, 'u', 'u@x')`, i+1))
	}

	require.NoError(t, h.registry.SetCursor(ctx, h.slave.ID, 4))

	// replica-2 has no cursor yet: nothing may be pruned.
	h.pool.pruneChangeLog(ctx)
	assert.Len(t, h.pending(t), 4)

	require.NoError(t, h.registry.SetCursor(ctx, second.ID, 2))
	h.pool.pruneChangeLog(ctx)

	remaining := h.pending(t)
	require.Len(t, remaining, 2)
	assert.EqualValues(t, 3, remaining[0].Seq)
}

func TestLockedSlaveConflictThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.masterExec(t, `INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@x')`)
	entries := h.pending(t)
	require.Len(t, entries, 1)

	// Another process holds the slave's write lock.
	locker, err := sql.Open("sqlite3", "file:"+h.slaveDB.Path+"?_busy_timeout=100")
	require.NoError(t, err)
	defer locker.Close()
	lockConn, err := locker.Conn(ctx)
	require.NoError(t, err)
	defer lockConn.Close()
	_, err = lockConn.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	_, err = h.pool.applyIncremental(ctx, h.slave, entries)
	require.Error(t, err)
	classified := classify(err)
	assert.ErrorIs(t, classified, ErrTransactionConflict)
	assert.True(t, retryable(classified))

	// Nothing applied, cursor untouched: the identical batch retries.
	_, ok, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = lockConn.ExecContext(ctx, `COMMIT`)
	require.NoError(t, err)

	res, err := h.pool.applyIncremental(ctx, h.slave, entries)
	require.NoError(t, err)
	assert.Equal(t, store.LogSuccess, res.Status)
	assert.Equal(t, map[int64]string{1: "ada"}, h.slaveNames(t))

	seq, ok, err := h.registry.GetCursor(ctx, h.slave.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries[0].Seq, seq)
}

func TestBackoffDelayCaps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffDelay(0))
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 30*time.Second, backoffDelay(10))
	assert.Equal(t, 30*time.Second, backoffDelay(63))
}
