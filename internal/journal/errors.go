package journal

// ============================================================================
// Journal Error Definitions
// Purpose: every failure the journal and its stores can report
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrInvalidPayload indicates a payload is missing a required field
	ErrInvalidPayload = errors.New("journal: invalid payload")

	// ErrTerminal indicates an append was attempted after RUN_COMPLETED or RUN_FAILED
	ErrTerminal = errors.New("journal: run is terminal")

	// ErrWriterLocked indicates another writer already holds the run
	ErrWriterLocked = errors.New("journal: run is locked by another writer")

	// ErrConcurrentWriter indicates a position was claimed by someone else between read and write
	ErrConcurrentWriter = errors.New("journal: concurrent writer detected")

	// ErrRunNotFound indicates the run has no journal
	ErrRunNotFound = errors.New("journal: run not found")

	// ErrRunExists indicates the run already has a journal
	ErrRunExists = errors.New("journal: run already exists")

	// ErrBlobNotFound indicates a reference has no stored blob
	ErrBlobNotFound = errors.New("journal: blob not found")

	// ErrInvalidRef indicates a reference is not of the form sha256:<hex>
	ErrInvalidRef = errors.New("journal: invalid blob reference")

	// ErrReadOnly indicates a write through a reader-only store
	ErrReadOnly = errors.New("journal: store opened read-only")

	// ErrClosed indicates the store is closed, cannot perform operation
	ErrClosed = errors.New("journal: store closed")
)

// ChecksumError represents a checksum mismatch with detailed information
type ChecksumError struct {
	Seq      uint64 // Position of failed event
	Expected string // Recomputed checksum
	Actual   string // Stored checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=%s, got=%s)", e.Seq, e.Expected, e.Actual)
}

// CorruptionError represents an unreadable or malformed record
type CorruptionError struct {
	Seq   uint64 // Position of failed event (0 if unknown)
	Name  string // File or row identifier, if any
	Cause error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("journal: corrupted record seq=%d (%s): %v", e.Seq, e.Name, e.Cause)
	}
	return fmt.Sprintf("journal: corrupted record seq=%d: %v", e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// IntegrityError reports a journal whose records are individually valid but whose
// sequence breaks a structural rule (ordering, pairing, terminal exclusivity).
type IntegrityError struct {
	Seq    uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Seq == 0 {
		return "journal: integrity violation: " + e.Reason
	}
	return fmt.Sprintf("journal: integrity violation at seq=%d: %s", e.Seq, e.Reason)
}

// IsIntegrity reports whether err means the stored journal cannot be trusted.
func IsIntegrity(err error) bool {
	var (
		ce *ChecksumError
		co *CorruptionError
		ie *IntegrityError
	)
	return errors.As(err, &ce) || errors.As(err, &co) || errors.As(err, &ie)
}
