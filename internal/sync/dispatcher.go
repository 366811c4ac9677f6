package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlite-sync-service/internal/logger"
	"sqlite-sync-service/internal/store"
)

// Dispatcher watches the change log tail and enqueues incremental jobs
// for every slave whose cursor lags the head. It performs no slave I/O
// itself and never blocks on workers: a slave that already has a job
// queued is skipped, coalescing its backlog into the next batch.
type Dispatcher struct {
	log      *ChangeLog
	registry store.Store
	queue    *Queue
	interval time.Duration
	batch    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(log *ChangeLog, registry store.Store, queue *Queue, interval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		log:      log,
		registry: registry,
		queue:    queue,
		interval: interval,
		batch:    batchSize,
	}
}

// Start begins dispatching. Returns false if already running.
func (d *Dispatcher) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(ctx)

	logger.Log.Info("Change log dispatcher started", zap.Duration("interval", d.interval))
	return true
}

// Stop halts dispatching of new jobs. In-flight jobs are unaffected;
// they run to commit-or-rollback in the worker pool.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return false
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	logger.Log.Info("Change log dispatcher stopped")
	return true
}

func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.Error("Dispatch cycle failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context) error {
	head, err := d.log.Head(ctx)
	if err != nil {
		return err
	}
	if head == 0 {
		return nil
	}

	slaves, err := d.registry.ListActiveSlaves(ctx)
	if err != nil {
		return err
	}

	for _, slave := range slaves {
		cursor, ok, err := d.registry.GetCursor(ctx, slave.ID)
		if err != nil {
			logger.Log.Error("Failed to read cursor", zap.Int64("slaveID", slave.ID), zap.Error(err))
			continue
		}

		if !ok {
			// No valid position: first contact needs a full reconciliation.
			d.enqueue(&SyncJob{
				ID:         uuid.New().String(),
				SlaveID:    slave.ID,
				Mode:       ModeFull,
				EnqueuedAt: time.Now(),
			})
			continue
		}

		if cursor >= head {
			continue
		}

		entries, err := d.log.ReadFrom(ctx, cursor, d.batch)
		if err != nil {
			logger.Log.Error("Failed to read change log", zap.Int64("slaveID", slave.ID), zap.Error(err))
			continue
		}
		if len(entries) == 0 {
			continue
		}

		d.enqueue(&SyncJob{
			ID:         uuid.New().String(),
			SlaveID:    slave.ID,
			Mode:       ModeIncremental,
			Entries:    entries,
			EnqueuedAt: time.Now(),
		})
	}
	return nil
}

func (d *Dispatcher) enqueue(job *SyncJob) {
	switch err := d.queue.Enqueue(job); {
	case err == nil:
		logger.Log.Debug("Enqueued sync job",
			zap.Int64("slaveID", job.SlaveID),
			zap.String("mode", string(job.Mode)),
			zap.Int("entries", len(job.Entries)),
		)
	case errors.Is(err, ErrAlreadyQueued):
		// Coalesced into the slave's next batch.
	case errors.Is(err, ErrQueueFull):
		logger.Log.Warn("Sync queue full, skipping slave this cycle", zap.Int64("slaveID", job.SlaveID))
	}
}
