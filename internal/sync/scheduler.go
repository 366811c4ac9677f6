package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sqlite-sync-service/internal/config"
	"sqlite-sync-service/internal/logger"
	"sqlite-sync-service/internal/store"
)

// Scheduler drives the fixed-interval bulk reconciliation sweep: a
// full sync job for every active slave. The queue's dedup keeps a
// still-running slave from being queued twice.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry store.Store
	queue    *Queue
	cron     *cron.Cron
	entryID  cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, registry store.Store, queue *Queue) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		cron:     cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Bulk sync scheduler is disabled")
		return
	}

	logger.Log.Info("Starting bulk sync scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.sweep)
	if err != nil {
		logger.Log.Error("Failed to schedule bulk sync sweep", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped bulk sync scheduler")
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slaves, err := s.registry.ListActiveSlaves(ctx)
	if err != nil {
		logger.Log.Error("Bulk sweep failed to list slaves", zap.Error(err))
		return
	}

	enqueued := 0
	for _, slave := range slaves {
		job := &SyncJob{
			ID:         uuid.New().String(),
			SlaveID:    slave.ID,
			Mode:       ModeFull,
			EnqueuedAt: time.Now(),
		}
		switch err := s.queue.Enqueue(job); {
		case err == nil:
			enqueued++
		case errors.Is(err, ErrAlreadyQueued):
			logger.Log.Debug("Slave already queued, skipping sweep enqueue", zap.Int64("slaveID", slave.ID))
		case errors.Is(err, ErrQueueFull):
			logger.Log.Warn("Sync queue full during bulk sweep", zap.Int64("slaveID", slave.ID))
		}
	}

	logger.Log.Info("Bulk sync sweep completed",
		zap.Int("slaves", len(slaves)),
		zap.Int("enqueued", enqueued),
	)
}
