// Package cache provides the on-device durable key-value store.
//
// The cache holds JSON-serializable collections that must survive process
// restarts. It is pure storage: one reserved key per entity collection, one
// for the sync queue and one for the identity map. Values are JSON arrays
// (or objects, for the identity map).
//
// Two implementations exist:
//
//   - DB: an embedded SQLite file (WAL mode) used by the CLI and daemon
//   - Memory: a process-local map used by tests and throwaway sessions
//
// Writers must use Update (or UpdateList) for read-modify-write cycles. It
// serializes writers within one process so that two overlapping operations
// on the same collection cannot lose each other's changes. There is no
// cross-process locking.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved keys.
const (
	// QueueKey holds the sync queue.
	QueueKey = "sync_queue"

	// IdentityKey holds the client-id to remote-id map.
	IdentityKey = "identity_map"

	// CollectionPrefix prefixes the key of every entity collection.
	CollectionPrefix = "collection:"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// Cache is the local durable key-value store.
type Cache interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	// The write is durable when Put returns.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key in lexical order.
	Keys(ctx context.Context) ([]string, error)

	// Update atomically replaces the value of key with fn(old).
	// old is nil when the key does not exist. If fn returns an error
	// nothing is written.
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error

	// Close releases the underlying resources.
	Close() error
}

// CollectionKey returns the reserved key of an entity collection.
func CollectionKey(kind string) string {
	return CollectionPrefix + kind
}

// LoadList decodes the JSON array stored under key.
// A missing key yields an empty slice and no error.
func LoadList[T any](ctx context.Context, c Cache, key string) ([]T, error) {
	data, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeList[T](key, data)
}

// SaveList encodes items as a JSON array and stores it under key.
func SaveList[T any](ctx context.Context, c Cache, key string, items []T) error {
	data, err := encodeList(key, items)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, data)
}

// UpdateList loads the list under key, applies fn and stores the result,
// all within one Update.
func UpdateList[T any](ctx context.Context, c Cache, key string, fn func(items []T) ([]T, error)) error {
	return c.Update(ctx, key, func(old []byte) ([]byte, error) {
		items := []T{}
		if old != nil {
			decoded, err := decodeList[T](key, old)
			if err != nil {
				return nil, err
			}
			items = decoded
		}
		next, err := fn(items)
		if err != nil {
			return nil, err
		}
		return encodeList(key, next)
	})
}

func decodeList[T any](key string, data []byte) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func encodeList[T any](key string, items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return data, nil
}
