package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"
)

// keyringIndexKey is the keyring user under which the list of stored service
// names is kept. Keyrings cannot enumerate entries, so the store maintains
// its own index.
const keyringIndexKey = "__index"

// KeyringStore keeps one JSON record per service in OS-native credential
// storage (macOS Keychain, Windows Credential Manager, Linux Secret Service),
// namespaced by a keyring service string and user identifier.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore scoped to the given keyring service
// and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("keyring service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("keyring user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// ReadOnly reports whether the store rejects writes. Keyring stores are
// writable.
func (k *KeyringStore) ReadOnly() bool {
	return false
}

func (k *KeyringStore) keyFor(name string) string {
	return k.user + "/" + name
}

// Save persists the record to the system keyring, overwriting any existing
// value, and adds the service to the enumeration index.
func (k *KeyringStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Err: err}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Err: err}
	}
	if err := keyring.Set(k.service, k.keyFor(record.ServiceName), string(data)); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Err: err}
	}

	if err := k.updateIndex(record.ServiceName, true); err != nil {
		return &StoreError{Op: "save", Service: record.ServiceName, Err: err}
	}

	record.PathOnDisk = "keyring:" + k.service + "/" + k.keyFor(record.ServiceName)
	return nil
}

// Load returns the record for the service from the system keyring.
func (k *KeyringStore) Load(ctx context.Context, serviceName string) (*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := keyring.Get(k.service, k.keyFor(serviceName))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w for service %s", ErrNotFound, serviceName)
		}
		return nil, &StoreError{Op: "load", Service: serviceName, Err: err}
	}

	record := &TokenRecord{}
	if err := json.Unmarshal([]byte(data), record); err != nil {
		return nil, &StoreError{Op: "load", Service: serviceName, Err: err}
	}
	if err := record.Validate(); err != nil {
		return nil, &StoreError{Op: "load", Service: serviceName, Err: err}
	}

	record.PathOnDisk = "keyring:" + k.service + "/" + k.keyFor(serviceName)
	return record, nil
}

// LoadAll returns every record named by the enumeration index. Entries that
// have gone missing or unreadable are logged and skipped.
func (k *KeyringStore) LoadAll(ctx context.Context) ([]*TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names, err := k.readIndex()
	if err != nil {
		return nil, &StoreError{Op: "load_all", Err: err}
	}

	var records []*TokenRecord
	for _, name := range names {
		record, err := k.Load(ctx, name)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable keyring token", "service", name, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete removes the record and its index entry. Missing records are ignored.
func (k *KeyringStore) Delete(ctx context.Context, serviceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.keyFor(serviceName)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &StoreError{Op: "delete", Service: serviceName, Err: err}
	}
	if err := k.updateIndex(serviceName, false); err != nil {
		return &StoreError{Op: "delete", Service: serviceName, Err: err}
	}
	return nil
}

func (k *KeyringStore) readIndex() ([]string, error) {
	data, err := keyring.Get(k.service, k.keyFor(keyringIndexKey))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	return names, nil
}

func (k *KeyringStore) updateIndex(serviceName string, present bool) error {
	names, err := k.readIndex()
	if err != nil {
		return err
	}

	contained := slices.Contains(names, serviceName)
	switch {
	case present && !contained:
		names = append(names, serviceName)
		slices.Sort(names)
	case !present && contained:
		names = slices.DeleteFunc(names, func(n string) bool { return n == serviceName })
	default:
		return nil
	}

	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, k.keyFor(keyringIndexKey), string(data))
}
