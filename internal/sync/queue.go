package sync

import (
	"sync"

	"go.uber.org/zap"

	"sqlite-sync-service/internal/logger"
)

type jobKey struct {
	slaveID int64
	mode    Mode
}

// Queue is the bounded ready queue between producers (dispatcher,
// scheduler, manual triggers) and the worker pool. Enqueue is
// idempotent per (slave, mode); that dedup is the primary backpressure
// mechanism, so a slow slave never accumulates more than one pending
// job per mode. At most one job per slave is ever handed to a worker:
// while a slave has an accepted job in the ready channel or executing,
// later jobs for it are parked and released one at a time as jobs
// complete, regardless of mode.
type Queue struct {
	mu     sync.Mutex
	queued map[jobKey]struct{}
	// active marks slaves with a job in the ready channel or executing.
	active map[int64]bool
	parked map[int64][]*SyncJob
	jobs   chan *SyncJob
	onDrop func(*SyncJob)
	closed bool
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		queued: make(map[jobKey]struct{}),
		active: make(map[int64]bool),
		parked: make(map[int64][]*SyncJob),
		jobs:   make(chan *SyncJob, size),
	}
}

// OnDrop registers a callback invoked for jobs the queue accepted but
// can no longer deliver (promotion into a full channel, or parked work
// discarded at Close). The callback runs outside the queue lock and
// must not call back into the queue.
func (q *Queue) OnDrop(fn func(*SyncJob)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue accepts a job unless an identical (slave, mode) job is
// already pending or the ready channel is full. A slave with a job in
// flight, whatever its mode, has the new job parked behind it. Never
// blocks.
func (q *Queue) Enqueue(job *SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueFull
	}

	key := jobKey{slaveID: job.SlaveID, mode: job.Mode}
	if _, ok := q.queued[key]; ok {
		return ErrAlreadyQueued
	}

	if q.active[job.SlaveID] {
		// Queued behind the slave's current job, not injected
		// concurrently.
		q.queued[key] = struct{}{}
		q.parked[job.SlaveID] = append(q.parked[job.SlaveID], job)
		return nil
	}

	select {
	case q.jobs <- job:
		q.queued[key] = struct{}{}
		q.active[job.SlaveID] = true
		return nil
	default:
		return ErrQueueFull
	}
}

// Jobs is the channel workers receive from.
func (q *Queue) Jobs() <-chan *SyncJob {
	return q.jobs
}

// Acquire marks the job as executing. The slave was already active from
// the moment the job entered the ready channel; clearing the dedup key
// here lets a repeat trigger park behind the now-running job. The
// worker must call Release when the job reaches a terminal state.
func (q *Queue) Acquire(job *SyncJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[job.SlaveID] = true
	delete(q.queued, jobKey{slaveID: job.SlaveID, mode: job.Mode})
}

// Release finishes the slave's current job and promotes the oldest
// parked one, if any. The slave stays active across the promotion, so
// no two of its jobs can ever be in flight together.
func (q *Queue) Release(slaveID int64) {
	q.mu.Lock()
	var dropped []*SyncJob

	waiting := q.parked[slaveID]
	if len(waiting) == 0 || q.closed {
		delete(q.parked, slaveID)
		delete(q.active, slaveID)
		for _, j := range waiting {
			delete(q.queued, jobKey{slaveID: j.SlaveID, mode: j.Mode})
			dropped = append(dropped, j)
		}
		q.mu.Unlock()
		q.notifyDropped(dropped)
		return
	}

	next := waiting[0]
	rest := waiting[1:]
	if len(rest) == 0 {
		delete(q.parked, slaveID)
	} else {
		q.parked[slaveID] = rest
	}

	select {
	case q.jobs <- next:
	default:
		// No room to promote. The slave is freed and everything it had
		// parked is surrendered; producers re-enqueue on their next
		// cycle, forced jobs are reported through OnDrop.
		delete(q.parked, slaveID)
		delete(q.active, slaveID)
		for _, j := range append([]*SyncJob{next}, rest...) {
			delete(q.queued, jobKey{slaveID: j.SlaveID, mode: j.Mode})
			dropped = append(dropped, j)
		}
	}
	q.mu.Unlock()
	q.notifyDropped(dropped)
}

// Size counts jobs waiting to run, including parked ones.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	for _, w := range q.parked {
		n += len(w)
	}
	return n
}

// Close stops accepting new jobs and closes the ready channel once it
// is safe for workers to drain. Parked jobs cannot run anymore and are
// reported through OnDrop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	var dropped []*SyncJob
	for slaveID, waiting := range q.parked {
		for _, j := range waiting {
			delete(q.queued, jobKey{slaveID: j.SlaveID, mode: j.Mode})
			dropped = append(dropped, j)
		}
		delete(q.parked, slaveID)
	}

	close(q.jobs)
	q.mu.Unlock()
	q.notifyDropped(dropped)
}

func (q *Queue) notifyDropped(jobs []*SyncJob) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	fn := q.onDrop
	q.mu.Unlock()

	for _, j := range jobs {
		logger.Log.Warn("Dropped queued sync job",
			zap.Int64("slaveID", j.SlaveID),
			zap.String("mode", string(j.Mode)),
			zap.Bool("forced", j.Forced),
		)
		if fn != nil {
			fn(j)
		}
	}
}
