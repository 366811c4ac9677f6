package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sqlite-sync-service/internal/database"
)

var (
	// ErrSlaveUnreachable means the slave database file is missing or
	// cannot be opened. Retryable.
	ErrSlaveUnreachable = errors.New("slave unreachable")

	// ErrTransactionConflict means the slave database is locked by
	// another process. Retryable.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTransactionTimeout means an apply transaction exceeded its
	// configured deadline and was rolled back. Retryable.
	ErrTransactionTimeout = errors.New("transaction timeout")

	// ErrAlreadyQueued is returned when a sync for the slave is already
	// queued or running.
	ErrAlreadyQueued = errors.New("sync already queued for slave")

	// ErrQueueFull is returned when the ready queue cannot accept more
	// work; the producer is expected to retry on its next cycle.
	ErrQueueFull = errors.New("sync queue full")
)

// CaptureSetupError means change capture cannot be installed for a
// table, typically because it lacks a stable single-column primary key.
// Such tables are served by full reconciliation only.
type CaptureSetupError struct {
	Table  string
	Reason string
}

func (e *CaptureSetupError) Error() string {
	return fmt.Sprintf("cannot capture changes on table %s: %s", e.Table, e.Reason)
}

// SchemaMismatchError means the slave is missing a tracked table or its
// columns diverge from the master. Non-retryable for the affected table;
// sibling tables are unaffected.
type SchemaMismatchError struct {
	Table  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on table %s: %s", e.Table, e.Reason)
}

// classify maps raw database errors onto the engine's failure taxonomy.
// Errors already in the taxonomy pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var capture *CaptureSetupError
	var schema *SchemaMismatchError
	switch {
	case errors.Is(err, ErrSlaveUnreachable),
		errors.Is(err, ErrTransactionConflict),
		errors.Is(err, ErrTransactionTimeout),
		errors.As(err, &capture),
		errors.As(err, &schema):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTransactionTimeout, err)
	case database.IsUnreachable(err):
		return fmt.Errorf("%w: %v", ErrSlaveUnreachable, err)
	case database.IsLocked(err):
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	default:
		return err
	}
}

// retryable reports whether a failed job should be re-attempted with
// backoff.
func retryable(err error) bool {
	return errors.Is(err, ErrSlaveUnreachable) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrTransactionTimeout)
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// backoffDelay returns the exponential delay before retry attempt n
// (0-based), capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d <= 0 || d > backoffCap {
		return backoffCap
	}
	return d
}
