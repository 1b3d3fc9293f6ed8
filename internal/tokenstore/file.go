package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// tokenFileExt is the suffix of per-service record files under the root
// directory. File identity is derived from the service name.
const tokenFileExt = ".token"

// FileStore keeps one JSON record file per service under a root directory.
// Writes use temp file + rename in the same directory for crash safety, so a
// concurrent reader never observes a torn record.
type FileStore struct {
	root string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it with 0700
// permissions if it doesn't exist.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &StoreError{Op: "create", Path: dir, Err: err}
	}

	return &FileStore{
		root: dir,
	}, nil
}

// Root returns the directory records are stored under.
func (f *FileStore) Root() string {
	return f.root
}

// ReadOnly reports whether the store rejects writes. File stores are writable.
func (f *FileStore) ReadOnly() bool {
	return false
}

func (f *FileStore) pathFor(serviceName string) string {
	// Service names come from validated configuration, but never trust them
	// as path components.
	return filepath.Join(f.root, filepath.Base(serviceName)+tokenFileExt)
}

// Save atomically persists the record, replacing any previous record for the
// same service. Record files are created with 0600 permissions.
func (f *FileStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Err: err}
	}

	path := f.pathFor(record.ServiceName)

	data, err := json.Marshal(record)
	if err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}

	// Create temp file in the same directory so the rename is atomic
	tempFile, err := os.CreateTemp(f.root, "*.tmp")
	if err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if err := tempFile.Chmod(0600); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}
	if _, err := tempFile.Write(data); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}
	if err := tempFile.Close(); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, path); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Path: path, Err: err}
	}

	record.PathOnDisk = path
	return nil
}

// Load reads the record for the service. Returns ErrNotFound if no record
// file exists.
func (f *FileStore) Load(ctx context.Context, serviceName string) (*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.pathFor(serviceName)
	record, err := f.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for service %s", ErrNotFound, serviceName)
		}
		return nil, &StoreError{Op: "load", Service: serviceName, Path: path, Err: err}
	}
	return record, nil
}

// LoadAll scans the root directory for record files. Corrupt or unreadable
// files are logged and skipped; the scan itself only fails if the directory
// cannot be read.
func (f *FileStore) LoadAll(ctx context.Context) ([]*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "load_all", Path: f.root, Err: err}
	}

	var records []*TokenRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tokenFileExt) {
			continue
		}
		path := filepath.Join(f.root, entry.Name())
		record, err := f.readRecord(path)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable token file", "path", path, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete removes the record file for the service. Missing files are ignored.
func (f *FileStore) Delete(ctx context.Context, serviceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := f.pathFor(serviceName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", Service: serviceName, Path: path, Err: err}
	}
	return nil
}

func (f *FileStore) readRecord(path string) (*TokenRecord, error) {
	// Check file permissions before reading
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	record := &TokenRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	record.PathOnDisk = path
	return record, nil
}
