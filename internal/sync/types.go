package sync

import (
	"fmt"
	"time"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEntry is one captured row mutation on the master. Entries are
// immutable once written; Seq is globally ordered across all tables.
type ChangeEntry struct {
	Seq       int64     `json:"seq"`
	Table     string    `json:"table"`
	PK        string    `json:"pk"`
	Op        Operation `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ChangeEntry) String() string {
	return fmt.Sprintf("#%d [%s] %s pk=%s", e.Seq, e.Op, e.Table, e.PK)
}

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// SyncJob is the unit of work handed to the worker pool. Incremental
// jobs carry the change batch to replay; full jobs reconcile whole
// tables by set difference.
type SyncJob struct {
	ID         string
	SlaveID    int64
	Mode       Mode
	Entries    []ChangeEntry
	Forced     bool
	Attempts   int
	EnqueuedAt time.Time
}

func (j *SyncJob) String() string {
	return fmt.Sprintf("job %s slave=%d mode=%s entries=%d", j.ID, j.SlaveID, j.Mode, len(j.Entries))
}

// jobResult is the terminal outcome of a job, recorded as exactly one
// sync log entry.
type jobResult struct {
	Status       string
	Message      string
	ChangesCount int64
}
