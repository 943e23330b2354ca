package journal

import (
	"context"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// Store is the durable, append-only record of one run.
//
// A Store returned by Backend.Open is the run's single writer until Close.
type Store interface {
	BlobStore

	// Append durably writes ev and returns its 1-based position.
	// It returns only after the event survives a crash.
	Append(ctx context.Context, ev Event) (uint64, error)

	// ReadAll returns every record in position order, verifying each checksum.
	// Positions must be contiguous from 1.
	ReadAll(ctx context.Context) ([]Record, error)

	// AppendAudit records an event outside the ordered journal. Used for outcomes that
	// arrive after the run reached a terminal state.
	AppendAudit(ctx context.Context, ev Event) error

	// ReadAudit returns the audit side-log in write order.
	ReadAudit(ctx context.Context) ([]Event, error)

	Close() error
}

// BlobStore holds the content-addressed payloads that *Ref fields point to.
type BlobStore interface {
	// PutBlob stores data and returns its reference. Storing the same bytes twice is a no-op.
	PutBlob(ctx context.Context, data []byte) (string, error)

	// GetBlob loads the blob and verifies it against its reference.
	GetBlob(ctx context.Context, ref string) ([]byte, error)
}

// Backend opens per-run stores.
type Backend interface {
	// Create initializes an empty journal for a new run. It fails with ErrRunExists.
	Create(ctx context.Context, runID types.RunID) (Store, error)

	// Open takes the single-writer role for an existing run. It fails with ErrRunNotFound
	// or ErrWriterLocked.
	Open(ctx context.Context, runID types.RunID) (Store, error)

	// OpenReader opens a run for reading without taking the writer role.
	// Writes through the returned store fail with ErrReadOnly.
	OpenReader(ctx context.Context, runID types.RunID) (Store, error)

	// List returns the known runs.
	List(ctx context.Context) ([]types.RunID, error)

	Close() error
}

