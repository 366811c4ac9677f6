package store

import (
	"context"
	"errors"
	"time"
)

// ErrSlaveNotFound is returned when a slave id has no registry entry.
var ErrSlaveNotFound = errors.New("slave not found")

type Store interface {
	// Slave registry
	CreateSlave(ctx context.Context, slave *Slave) error
	GetSlave(ctx context.Context, id int64) (*Slave, error)
	ListSlaves(ctx context.Context) ([]*Slave, error)
	ListActiveSlaves(ctx context.Context) ([]*Slave, error)
	UpdateSlaveStatus(ctx context.Context, id int64, status string, lastSync *time.Time) error
	DeleteSlave(ctx context.Context, id int64) error

	// Per-slave replication cursors
	GetCursor(ctx context.Context, slaveID int64) (seq int64, ok bool, err error)
	SetCursor(ctx context.Context, slaveID, seq int64) error

	// Sync audit log
	AddSyncLog(ctx context.Context, entry *SyncLogEntry) error
	ListSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLogEntry, int64, error)
	ClearSyncLogs(ctx context.Context) error

	Close() error
}
