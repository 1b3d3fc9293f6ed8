package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EnvStore provides read-only access to token records stored in environment
// variables, one JSON-encoded record per <prefix><SERVICE> variable. Suitable
// for CI and other externally-managed deployments; interactive flows require
// a writable store.
type EnvStore struct {
	prefix string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore reading variables with the given prefix,
// e.g. prefix "SRCNET_TOKEN_" maps service "data-api" to SRCNET_TOKEN_DATA_API.
func NewEnvStore(prefix string) (*EnvStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}

	return &EnvStore{
		prefix: prefix,
	}, nil
}

// ReadOnly reports that environment variables cannot be written back.
func (e *EnvStore) ReadOnly() bool {
	return true
}

func (e *EnvStore) keyFor(serviceName string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(serviceName))
	return e.prefix + normalized
}

// Save is not supported for environment variables (they are read-only).
func (e *EnvStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable storage: %w", ErrReadOnly)
}

// Load returns the record decoded from the service's environment variable.
func (e *EnvStore) Load(ctx context.Context, serviceName string) (*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := e.keyFor(serviceName)
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return nil, fmt.Errorf("%w for service %s", ErrNotFound, serviceName)
	}
	return e.decode(key, serviceName, value)
}

// LoadAll scans the environment for variables carrying the store prefix.
// The service name is taken from the record itself, not reconstructed from
// the variable name.
func (e *EnvStore) LoadAll(ctx context.Context) ([]*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*TokenRecord
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, e.prefix) || value == "" {
			continue
		}
		record, err := e.decode(key, "", value)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete is not supported for environment variables (they are read-only).
func (e *EnvStore) Delete(ctx context.Context, serviceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable storage: %w", ErrReadOnly)
}

func (e *EnvStore) decode(key, serviceName, value string) (*TokenRecord, error) {
	record := &TokenRecord{}
	if err := json.Unmarshal([]byte(value), record); err != nil {
		return nil, &StoreError{Op: "load", Service: serviceName, Path: "$" + key, Err: err}
	}
	if err := record.Validate(); err != nil {
		return nil, &StoreError{Op: "load", Service: serviceName, Path: "$" + key, Err: err}
	}
	record.PathOnDisk = "$" + key
	return record, nil
}
