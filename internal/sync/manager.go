package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlite-sync-service/internal/config"
	"sqlite-sync-service/internal/database"
	"sqlite-sync-service/internal/logger"
	"sqlite-sync-service/internal/store"
)

// Manager owns the replication engine: change capture on the master,
// the change log, the sync queue, the worker pool and both producers.
// It exposes the command/query surface the HTTP layer consumes.
type Manager struct {
	cfg        *config.Config
	master     *database.Database
	registry   store.Store
	changeLog  *ChangeLog
	capture    *Capture
	queue      *Queue
	pool       *WorkerPool
	dispatcher *Dispatcher
	scheduler  *Scheduler
	checker    *Checker

	mu      sync.Mutex
	started bool
}

func NewManager(cfg *config.Config, registry store.Store) (*Manager, error) {
	master, err := database.NewDatabase(cfg.Master.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open master database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changeLog := NewChangeLog(master)
	capture := NewCapture(master, changeLog, cfg.Sync.IgnoredTables)

	if cfg.Sync.EnableChangeDetection {
		if err := capture.Setup(ctx); err != nil {
			master.Close()
			return nil, fmt.Errorf("failed to set up change capture: %w", err)
		}
	} else if err := changeLog.Init(ctx); err != nil {
		master.Close()
		return nil, err
	}

	queue := NewQueue(cfg.Sync.QueueSize)
	checker := NewChecker(master, cfg.Sync.IgnoredTables, cfg.Sync.CompareContent)

	var validator *Checker
	if cfg.Sync.ValidateAfterSync {
		validator = checker
	}

	m := &Manager{
		cfg:        cfg,
		master:     master,
		registry:   registry,
		changeLog:  changeLog,
		capture:    capture,
		queue:      queue,
		checker:    checker,
		pool:       NewWorkerPool(cfg.Sync, master, registry, changeLog, queue, validator),
		dispatcher: NewDispatcher(changeLog, registry, queue, cfg.Sync.GetDispatchInterval(), cfg.Sync.BatchSize),
	}
	m.scheduler = NewScheduler(cfg.Scheduler, registry, queue)
	queue.OnDrop(m.jobDropped)
	return m, nil
}

// jobDropped records a terminal error entry for forced jobs the queue
// accepted but could not deliver. Dispatched and scheduled work is
// re-produced on the next cycle and needs no record.
func (m *Manager) jobDropped(job *SyncJob) {
	if !job.Forced {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &store.SyncLogEntry{
		SlaveID: job.SlaveID,
		Status:  store.LogError,
		Message: "sync request dropped before execution",
	}
	if slave, err := m.registry.GetSlave(ctx, job.SlaveID); err == nil {
		entry.SlaveName = slave.Name
	}
	if err := m.registry.AddSyncLog(ctx, entry); err != nil {
		logger.Log.Error("Failed to record dropped sync job",
			zap.Int64("slaveID", job.SlaveID),
			zap.Error(err),
		)
	}
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}

	logger.Log.Info("Starting sync manager")
	m.pool.Start()
	m.scheduler.Start()
	if m.cfg.Sync.EnableChangeDetection {
		m.dispatcher.Start()
	}
	m.started = true
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}

	logger.Log.Info("Stopping sync manager")
	m.scheduler.Stop()
	m.dispatcher.Stop()
	m.pool.Stop()
	m.started = false
}

func (m *Manager) Close() {
	m.Stop()
	m.master.Close()
}

// SetRealtimeMode toggles continuous change dispatch and returns the
// previous state. Turning it off stops new incremental jobs from being
// enqueued; in-flight jobs run to completion.
func (m *Manager) SetRealtimeMode(on bool) bool {
	prev := m.dispatcher.Active()
	if on {
		m.dispatcher.Start()
	} else {
		m.dispatcher.Stop()
	}
	return prev
}

// RealtimeStatus reports whether the dispatcher is active and how much
// work is waiting.
func (m *Manager) RealtimeStatus() (active bool, queueSize int) {
	return m.dispatcher.Active(), m.queue.Size()
}

// Trigger outcomes.
const (
	TriggerAccepted      = "accepted"
	TriggerAlreadyQueued = "already-queued"
)

// TriggerSync forces a sync for one slave, bypassing the schedule but
// still subject to the one-job-per-slave constraint. An incremental
// trigger for a slave without a cursor is promoted to a full sync.
func (m *Manager) TriggerSync(ctx context.Context, slaveID int64, mode Mode) (string, error) {
	slave, err := m.registry.GetSlave(ctx, slaveID)
	if err != nil {
		return "", err
	}

	job := &SyncJob{
		ID:         uuid.New().String(),
		SlaveID:    slave.ID,
		Mode:       mode,
		Forced:     true,
		EnqueuedAt: time.Now(),
	}

	if mode == ModeIncremental {
		cursor, ok, err := m.registry.GetCursor(ctx, slave.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			job.Mode = ModeFull
		} else {
			entries, err := m.changeLog.ReadFrom(ctx, cursor, m.cfg.Sync.BatchSize)
			if err != nil {
				return "", err
			}
			job.Entries = entries
		}
	}

	switch err := m.queue.Enqueue(job); {
	case err == nil:
		logger.Log.Info("Accepted manual sync trigger",
			zap.Int64("slaveID", slave.ID),
			zap.String("mode", string(job.Mode)),
		)
		return TriggerAccepted, nil
	case errors.Is(err, ErrAlreadyQueued):
		return TriggerAlreadyQueued, nil
	default:
		return "", err
	}
}

// RunIntegrityCheck audits one slave against the master. Read-only; a
// reported discrepancy never triggers a repair by itself.
func (m *Manager) RunIntegrityCheck(ctx context.Context, slaveID int64) (*IntegrityReport, error) {
	slave, err := m.registry.GetSlave(ctx, slaveID)
	if err != nil {
		return nil, err
	}
	return m.checker.Check(ctx, slave)
}

func (m *Manager) ListSyncLogs(ctx context.Context, filter store.LogFilter) ([]*store.SyncLogEntry, int64, error) {
	return m.registry.ListSyncLogs(ctx, filter)
}

func (m *Manager) ClearSyncLogs(ctx context.Context) error {
	return m.registry.ClearSyncLogs(ctx)
}

// EnableCapture installs change capture for a table at runtime.
func (m *Manager) EnableCapture(ctx context.Context, table string) error {
	return m.capture.EnableCapture(ctx, table)
}

// DisableCapture removes change capture for a table at runtime, used
// when it enters the exclusion list.
func (m *Manager) DisableCapture(ctx context.Context, table string) error {
	return m.capture.DisableCapture(ctx, table)
}

// OptimizeDatabases vacuums the master and every reachable slave.
// Unreachable slaves are reported, not fatal.
func (m *Manager) OptimizeDatabases(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if err := m.master.Optimize(ctx); err != nil {
		results["master"] = err.Error()
	} else {
		results["master"] = "ok"
	}

	slaves, err := m.registry.ListSlaves(ctx)
	if err != nil {
		results["slaves"] = err.Error()
		return results
	}

	for _, slave := range slaves {
		key := fmt.Sprintf("slave:%d", slave.ID)
		db, err := database.OpenExisting(slave.DBPath)
		if err != nil {
			results[key] = err.Error()
			continue
		}
		if err := db.Optimize(ctx); err != nil {
			results[key] = err.Error()
		} else {
			results[key] = "ok"
		}
		db.Close()
	}
	return results
}
