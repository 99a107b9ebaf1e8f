// Package errs defines the error taxonomy shared by the local store, the
// transaction manager and the sync reconciler.
//
// Two codes propagate to the ingestion caller and must be surfaced to the
// user: StoreBusy and BatchInsertFailed. The remaining codes are swallowed at
// their own layer and only show up in logs and metrics.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the class of a failure.
type Code string

const (
	// StoreBusy means the writer lock was not acquired within the busy
	// timeout (after bounded retries). Retryable by the caller.
	StoreBusy Code = "STORE_BUSY"

	// BatchInsertFailed means one row of a batch failed and the whole batch
	// was rolled back.
	BatchInsertFailed Code = "BATCH_INSERT_FAILED"

	// DerivedStatFailed means recomputing an aggregate (streak) failed. The
	// previous aggregate is retained.
	DerivedStatFailed Code = "DERIVED_STAT_FAILED"

	// SyncUnavailable means the remote authority could not be reached.
	SyncUnavailable Code = "SYNC_UNAVAILABLE"

	// SyncConflictResolved is informational: pull kept a local row over an
	// older or equally old remote one.
	SyncConflictResolved Code = "SYNC_CONFLICT_RESOLVED"
)

// Error carries a Code plus the operation and, for batch failures, the batch
// identifier and the index of the failing record.
type Error struct {
	Code      Code
	Op        string
	BatchID   string
	Index     int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Op, e.Code)
	if e.Code == BatchInsertFailed {
		msg += fmt.Sprintf(" batch=%s index=%d", e.BatchID, e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Busy returns a StoreBusy error for op.
func Busy(op string, cause error) *Error {
	return &Error{Code: StoreBusy, Op: op, Retryable: true, Err: cause}
}

// BatchFailed returns a BatchInsertFailed error for the record at index.
func BatchFailed(op, batchID string, index int, cause error) *Error {
	return &Error{Code: BatchInsertFailed, Op: op, BatchID: batchID, Index: index, Err: cause}
}

// DerivedStat returns a DerivedStatFailed error.
func DerivedStat(op string, cause error) *Error {
	return &Error{Code: DerivedStatFailed, Op: op, Err: cause}
}

// Unavailable returns a SyncUnavailable error.
func Unavailable(op string, cause error) *Error {
	return &Error{Code: SyncUnavailable, Op: op, Retryable: true, Err: cause}
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the first Code found in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
