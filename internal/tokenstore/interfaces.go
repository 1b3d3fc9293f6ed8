package tokenstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record exists for the requested service.
var ErrNotFound = errors.New("token not found")

// ErrReadOnly is returned by stores that cannot persist records.
var ErrReadOnly = errors.New("token store is read-only")

// StoreError wraps a storage backend failure with the operation and record
// it occurred on.
type StoreError struct {
	Op      string // "save", "load", "load_all", "delete"
	Service string // empty for store-wide operations
	Path    string // backend location, if applicable
	Err     error
}

func (e *StoreError) Error() string {
	msg := e.Op + " token"
	if e.Service != "" {
		msg += " for " + e.Service
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store reads and writes token records to persistent storage, one record per
// service name. Interactive credential acquisition requires writable storage.
type Store interface {
	// Save persists the record, replacing any existing record for the same
	// service. Concurrent readers observe either the old or the new record,
	// never a partial one.
	Save(ctx context.Context, record *TokenRecord) error

	// Load returns the stored record for the service. Returns ErrNotFound
	// if no record exists.
	Load(ctx context.Context, serviceName string) (*TokenRecord, error)

	// LoadAll returns every readable record in the store. Individual corrupt
	// records are skipped, not fatal.
	LoadAll(ctx context.Context) ([]*TokenRecord, error)

	// Delete removes the record for the service. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, serviceName string) error

	// ReadOnly reports whether Save and Delete are unsupported. Callers that
	// must persist a record afterwards check this before acquiring it.
	ReadOnly() bool
}
