// Package identity reconciles client-minted record ids with remote ids and
// derives the normalized natural keys used for upsert deduplication.
//
// A record created on the device gets a client id ("local-<uuid>"). Its first
// successful remote write assigns a UUID, which becomes canonical. The client
// id stays resolvable for the life of the record in two ways: the remote row
// carries it as metadata.legacy_id, and the Resolver keeps a persisted map
// from client id to remote id.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mschirtzinger/lifesync/internal/cache"
)

// ClientIDPrefix marks ids minted on the device.
const ClientIDPrefix = "local-"

// NormalizeKey trims, lowercases and collapses internal whitespace.
//
// " Jane  Doe " and "jane doe" normalize to the same key.
func NormalizeKey(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// NewClientID mints an id for a record created on this device.
func NewClientID() string {
	return ClientIDPrefix + uuid.NewString()
}

// IsRemoteID reports whether id has the shape of a remote-assigned id.
func IsRemoteID(id string) bool {
	if strings.HasPrefix(id, ClientIDPrefix) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Finder looks up a remote record by the client id stored in its metadata.
type Finder interface {
	FindByLegacyID(ctx context.Context, table, userID, legacyID string) (string, bool, error)
}

// Resolver maps client ids to remote ids.
type Resolver struct {
	cache  cache.Cache
	finder Finder
	logger *log.Logger

	mu     sync.Mutex
	ids    map[string]string
	loaded bool
	dirty  bool
}

// NewResolver creates a Resolver persisting its map in c.
// finder may be nil, in which case only the local map is consulted.
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(c cache.Cache, finder Finder, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	return &Resolver{
		cache:  c,
		finder: finder,
		logger: logger,
		ids:    make(map[string]string),
	}
}

func mapKey(table, clientID string) string {
	return table + ":" + clientID
}

// Load hydrates the map from the cache. A corrupt map is logged and
// treated as empty.
func (r *Resolver) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *Resolver) loadLocked(ctx context.Context) error {
	stored, err := r.readStored(ctx)
	if err != nil {
		return err
	}
	for k, v := range stored {
		if _, ok := r.ids[k]; !ok {
			r.ids[k] = v
		}
	}
	r.loaded = true
	return nil
}

func (r *Resolver) readStored(ctx context.Context) (map[string]string, error) {
	data, err := r.cache.Get(ctx, cache.IdentityKey)
	if errors.Is(err, cache.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity map: %w", err)
	}
	stored := map[string]string{}
	if err := json.Unmarshal(data, &stored); err != nil {
		r.logger.Printf("WARNING: identity map is corrupt, starting empty: %v", err)
		return map[string]string{}, nil
	}
	return stored, nil
}

// Lookup consults the local map only.
func (r *Resolver) Lookup(ctx context.Context, table, clientID string) (string, bool) {
	if IsRemoteID(clientID) {
		return clientID, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		if err := r.loadLocked(ctx); err != nil {
			r.logger.Printf("WARNING: %v", err)
		}
	}
	id, ok := r.ids[mapKey(table, clientID)]
	return id, ok
}

// ResolveRecordID returns the remote id of clientID.
//
// Remote-shaped ids are returned unchanged. Otherwise the local map is
// consulted, then the remote by legacy id scoped to userID. found is false
// when the record has not been synced yet.
func (r *Resolver) ResolveRecordID(ctx context.Context, table, clientID, userID string) (remoteID string, found bool, err error) {
	if id, ok := r.Lookup(ctx, table, clientID); ok {
		return id, true, nil
	}
	if r.finder == nil || userID == "" {
		return "", false, nil
	}

	id, ok, err := r.finder.FindByLegacyID(ctx, table, userID, clientID)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s/%s: %w", table, clientID, err)
	}
	if !ok {
		return "", false, nil
	}
	r.Remember(ctx, table, clientID, id)
	return id, true, nil
}

// Remember records that clientID in table is known remotely as remoteID.
//
// The mapping is persisted immediately. A failed write is logged and retried
// by Flush.
func (r *Resolver) Remember(ctx context.Context, table, clientID, remoteID string) {
	if clientID == "" || remoteID == "" || clientID == remoteID {
		return
	}
	k := mapKey(table, clientID)

	r.mu.Lock()
	if r.ids[k] == remoteID {
		r.mu.Unlock()
		return
	}
	r.ids[k] = remoteID
	r.dirty = true
	r.mu.Unlock()

	if err := r.Flush(ctx); err != nil {
		r.logger.Printf("WARNING: failed to persist id mapping %s -> %s: %v", k, remoteID, err)
	}
}

// Flush persists unsaved mappings, merging with whatever is stored.
func (r *Resolver) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty {
		return nil
	}
	err := r.cache.Update(ctx, cache.IdentityKey, func(old []byte) ([]byte, error) {
		merged := map[string]string{}
		if old != nil {
			if err := json.Unmarshal(old, &merged); err != nil {
				r.logger.Printf("WARNING: overwriting corrupt identity map: %v", err)
				merged = map[string]string{}
			}
		}
		for k, v := range r.ids {
			merged[k] = v
		}
		return json.Marshal(merged)
	})
	if err != nil {
		return fmt.Errorf("failed to write identity map: %w", err)
	}
	r.dirty = false
	return nil
}

// Len returns the number of known mappings.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
