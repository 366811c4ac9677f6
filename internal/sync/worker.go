package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sqlite-sync-service/internal/config"
	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/logger"
	"sqlite-sync-service/internal/store"
)

// WorkerPool drains the sync queue with bounded parallelism. The queue
// guarantees at most one job per slave is in flight, so each worker has
// exclusive ownership of its slave's database file and cursor for the
// duration of the job.
type WorkerPool struct {
	cfg      config.SyncConfig
	master   *database.Database
	registry store.Store
	log      *ChangeLog
	queue    *Queue
	checker  *Checker

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewWorkerPool(cfg config.SyncConfig, master *database.Database, registry store.Store, log *ChangeLog, queue *Queue, checker *Checker) *WorkerPool {
	return &WorkerPool{
		cfg:      cfg,
		master:   master,
		registry: registry,
		log:      log,
		queue:    queue,
		checker:  checker,
		stop:     make(chan struct{}),
	}
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting sync worker pool", zap.Int("workers", p.cfg.Workers))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop closes the queue and waits for in-flight jobs to reach
// commit-or-rollback. Queued jobs still in the channel are drained and
// executed; parked jobs are surrendered through the queue's drop path.
// A stop never abandons a job mid-transaction.
func (p *WorkerPool) Stop() {
	close(p.stop)
	p.queue.Close()
	p.wg.Wait()
	logger.Log.Info("Stopped sync worker pool")
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()

	for job := range p.queue.Jobs() {
		p.execute(id, job)
	}
}

func (p *WorkerPool) execute(workerID int, job *SyncJob) {
	p.queue.Acquire(job)
	defer p.queue.Release(job.SlaveID)

	ctx := context.Background()

	slave, err := p.registry.GetSlave(ctx, job.SlaveID)
	if err != nil {
		logger.Log.Error("Dropping job for unknown slave",
			zap.Int64("slaveID", job.SlaveID),
			zap.Error(err),
		)
		return
	}
	if slave.Status == store.StatusInactive {
		logger.Log.Debug("Skipping job for inactive slave", zap.Int64("slaveID", slave.ID))
		return
	}

	logger.Log.Info("Starting sync job",
		zap.Int("workerID", workerID),
		zap.Int64("slaveID", slave.ID),
		zap.String("mode", string(job.Mode)),
		zap.Int("entries", len(job.Entries)),
	)

	if err := p.registry.UpdateSlaveStatus(ctx, slave.ID, store.StatusSyncing, nil); err != nil {
		logger.Log.Warn("Failed to mark slave syncing", zap.Int64("slaveID", slave.ID), zap.Error(err))
	}

	start := time.Now()
	res, err := p.applyWithRetry(job, slave)
	duration := time.Since(start)

	entry := &store.SyncLogEntry{
		SlaveID:   slave.ID,
		SlaveName: slave.Name,
		Duration:  duration,
	}

	if err != nil {
		entry.Status = store.LogError
		entry.Message = err.Error()
		if res != nil {
			entry.ChangesCount = res.ChangesCount
		}
		if uerr := p.registry.UpdateSlaveStatus(ctx, slave.ID, store.StatusError, nil); uerr != nil {
			logger.Log.Warn("Failed to mark slave errored", zap.Int64("slaveID", slave.ID), zap.Error(uerr))
		}
		logger.Log.Error("Sync job failed",
			zap.Int64("slaveID", slave.ID),
			zap.String("mode", string(job.Mode)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		entry.Status = res.Status
		entry.Message = res.Message
		entry.ChangesCount = res.ChangesCount

		if p.checker != nil {
			entry.Message += "; " + p.validate(ctx, slave)
		}

		now := time.Now().UTC()
		if uerr := p.registry.UpdateSlaveStatus(ctx, slave.ID, store.StatusActive, &now); uerr != nil {
			logger.Log.Warn("Failed to mark slave active", zap.Int64("slaveID", slave.ID), zap.Error(uerr))
		}
		logger.Log.Info("Sync job completed",
			zap.Int64("slaveID", slave.ID),
			zap.String("mode", string(job.Mode)),
			zap.String("status", res.Status),
			zap.Int64("changes", res.ChangesCount),
			zap.Duration("duration", duration),
		)

		p.pruneChangeLog(ctx)
	}

	// Exactly one terminal log entry per job, success or failure.
	if lerr := p.registry.AddSyncLog(ctx, entry); lerr != nil {
		logger.Log.Error("Failed to record sync log entry", zap.Int64("slaveID", slave.ID), zap.Error(lerr))
	}
}

// applyWithRetry runs the job, retrying retryable failures with bounded
// exponential backoff until cfg.MaxRetries is exhausted.
func (p *WorkerPool) applyWithRetry(job *SyncJob, slave *store.Slave) (*jobResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := p.apply(job, slave)
		if err == nil {
			return res, nil
		}

		err = classify(err)
		if !retryable(err) || attempt >= p.cfg.MaxRetries {
			return res, err
		}

		delay := backoffDelay(attempt)
		logger.Log.Warn("Retrying sync job",
			zap.Int64("slaveID", slave.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-p.stop:
			return res, fmt.Errorf("shutdown during retry: %w", err)
		}
	}
}

func (p *WorkerPool) apply(job *SyncJob, slave *store.Slave) (*jobResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GetApplyTimeout())
	defer cancel()

	switch job.Mode {
	case ModeFull:
		return p.applyFull(ctx, slave)
	default:
		return p.applyIncremental(ctx, slave, job.Entries)
	}
}

// applyIncremental replays a change batch against the slave in one
// transaction, in sequence order. Any row failure rolls back the whole
// batch and leaves the cursor untouched, so the same range is retried.
// Entries for tables the slave lacks are skipped as schema warnings
// without failing the batch.
func (p *WorkerPool) applyIncremental(ctx context.Context, slave *store.Slave, entries []ChangeEntry) (*jobResult, error) {
	if len(entries) == 0 {
		return &jobResult{Status: store.LogSuccess, Message: "no changes to apply"}, nil
	}

	slaveDB, err := database.OpenExisting(slave.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlaveUnreachable, err)
	}
	defer slaveDB.Close()

	// Resolve skips and key columns once per table, outside the apply
	// transaction.
	skip := make(map[string]bool)
	keyCols := make(map[string]string)
	var warnings []string
	for _, e := range entries {
		if _, seen := skip[e.Table]; seen {
			continue
		}
		if slave.IgnoresTable(e.Table) {
			skip[e.Table] = true
			continue
		}
		exists, err := slaveDB.TableExists(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		if !exists {
			skip[e.Table] = true
			warnings = append(warnings, (&SchemaMismatchError{Table: e.Table, Reason: "missing on slave"}).Error())
			continue
		}
		pk, ok, err := p.master.PrimaryKeyColumn(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		if !ok {
			skip[e.Table] = true
			warnings = append(warnings, (&SchemaMismatchError{Table: e.Table, Reason: "no single-column primary key"}).Error())
			continue
		}
		skip[e.Table] = false
		keyCols[e.Table] = pk
	}

	var applied int64
	err = slaveDB.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if skip[e.Table] {
				continue
			}
			keyCol := keyCols[e.Table]

			switch e.Op {
			case OpDelete:
				if err := deleteRow(ctx, tx, e.Table, keyCol, e.PK); err != nil {
					return fmt.Errorf("delete %s pk=%s: %w", e.Table, e.PK, err)
				}
			default:
				cols, vals, found, err := fetchRow(ctx, p.master.DB, e.Table, keyCol, e.PK)
				if err != nil {
					return fmt.Errorf("read master %s pk=%s: %w", e.Table, e.PK, err)
				}
				if !found {
					// Row vanished from the master after this entry was
					// written; the delete entry will follow, but removing
					// now keeps replay idempotent.
					if err := deleteRow(ctx, tx, e.Table, keyCol, e.PK); err != nil {
						return fmt.Errorf("delete %s pk=%s: %w", e.Table, e.PK, err)
					}
				} else if err := upsertRow(ctx, tx, e.Table, cols, vals); err != nil {
					return fmt.Errorf("upsert %s pk=%s: %w", e.Table, e.PK, err)
				}
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor advances only after the batch committed durably.
	last := entries[len(entries)-1].Seq
	if err := p.registry.SetCursor(ctx, slave.ID, last); err != nil {
		return nil, err
	}

	res := &jobResult{
		Status:       store.LogSuccess,
		Message:      fmt.Sprintf("incremental sync applied %d changes through seq %d", applied, last),
		ChangesCount: applied,
	}
	if len(warnings) > 0 {
		res.Status = store.LogWarning
		res.Message += "; " + strings.Join(warnings, "; ")
	}
	return res, nil
}

// validate runs a post-sync integrity pass and summarizes it for the
// sync log entry.
func (p *WorkerPool) validate(ctx context.Context, slave *store.Slave) string {
	report, err := p.checker.Check(ctx, slave)
	if err != nil {
		return fmt.Sprintf("validation failed: %v", err)
	}
	if report.TotalInconsistencies == 0 {
		return "validation passed"
	}
	return fmt.Sprintf("validation found %d inconsistencies", report.TotalInconsistencies)
}

// pruneChangeLog reclaims change log entries every slave has applied.
// If any active slave has no cursor yet, pruning is skipped entirely:
// it must never lose data a slave still needs.
func (p *WorkerPool) pruneChangeLog(ctx context.Context) {
	slaves, err := p.registry.ListActiveSlaves(ctx)
	if err != nil || len(slaves) == 0 {
		return
	}

	min := int64(-1)
	for _, s := range slaves {
		seq, ok, err := p.registry.GetCursor(ctx, s.ID)
		if err != nil || !ok {
			return
		}
		if min < 0 || seq < min {
			min = seq
		}
	}
	if min <= 0 {
		return
	}

	pruned, err := p.log.PruneBefore(ctx, min)
	if err != nil {
		logger.Log.Warn("Change log prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		logger.Log.Debug("Pruned change log", zap.Int64("entries", pruned), zap.Int64("throughSeq", min))
	}
}
