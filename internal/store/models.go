package store

import (
	"database/sql"
	"time"
)

// Slave statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusSyncing  = "syncing"
	StatusError    = "error"
)

// Sync log outcomes.
const (
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

type Slave struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	DBPath        string         `db:"db_path"`
	ServerAddress sql.NullString `db:"server_address"`
	Status        string         `db:"status"`
	IgnoredTables []string       `db:"ignored_tables"`
	LastSync      sql.NullTime   `db:"last_sync"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// IgnoresTable reports whether the slave excludes the given table.
func (s *Slave) IgnoresTable(table string) bool {
	for _, t := range s.IgnoredTables {
		if t == table {
			return true
		}
	}
	return false
}

type SyncLogEntry struct {
	ID           int64         `db:"id"`
	SlaveID      int64         `db:"slave_id"`
	SlaveName    string        `db:"slave_name"`
	Status       string        `db:"status"`
	Message      string        `db:"message"`
	ChangesCount int64         `db:"changes_count"`
	Duration     time.Duration `db:"duration_ms"`
	CreatedAt    time.Time     `db:"created_at"`
}

// LogFilter narrows and pages ListSyncLogs. Zero values mean "no filter";
// Page is 1-based and Limit defaults to 50.
type LogFilter struct {
	SlaveID *int64
	Status  string
	From    time.Time
	To      time.Time
	Page    int
	Limit   int
}
