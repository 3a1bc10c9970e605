package archive

// ============================================================================
// Archive error definitions
// Purpose: classify transfer failures so the director can decide whether a
// condition halts the owning job or is retried on the next sweep.
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound indicates the archive record for a source path does
	// not exist. Records are seeded by the collector before a job reaches
	// Running, so a missing record is an upstream fault, not initial state.
	ErrRecordNotFound = errors.New("archive: record not found")
)

// TransferError is an unrecoverable per-file failure: checksum mismatch,
// missing source file, or a missing archive record. The source file is never
// deleted when a TransferError is raised, and the owning job stops processing
// further files until an operator restarts it.
type TransferError struct {
	Path string // the source file being transferred
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("transfer %s: %s", e.Path, e.Msg)
}

func (e *TransferError) Unwrap() error { return e.Err }
