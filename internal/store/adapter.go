package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// ColumnClientKey is the remote column holding a record's client key.
const ColumnClientKey = "client_key"

// DefaultConflictKeys dedupe kinds without a natural key by the id the
// client minted for the record.
var DefaultConflictKeys = []string{remote.ColumnUserID, ColumnClientKey}

// ErrNotFound is returned in an Outcome when the record does not exist
// locally.
var ErrNotFound = errors.New("record not found")

// Definition parameterizes an Adapter for one entity kind.
type Definition[T any] struct {
	// Kind names the collection, e.g. "goals".
	Kind string

	// Table is the remote table.
	Table string

	// CacheKey is the local collection key (default: cache.CollectionKey(Kind)).
	CacheKey string

	// ConflictKeys is the natural-key tuple for remote upserts
	// (default: DefaultConflictKeys).
	ConflictKeys []string

	// KeyFields returns the derived natural-key columns of a record, e.g.
	// {"normalized_title": "get fit"}. Records with equal key fields are the
	// same logical record. Nil for kinds keyed by client key.
	KeyFields func(*T) map[string]any

	// Filter holds constant columns written on every row and used to filter
	// lists, e.g. {"type": "person"} for kinds sharing a table.
	Filter map[string]any

	// Recency returns the sort time of a record (default: UpdatedAt, then
	// CreatedAt).
	Recency func(*T) time.Time
}

// Adapter is the local-first store of one entity kind.
//
// Every write lands in the local cache first. When a session is authorized
// the write is mirrored remotely; a transient remote failure is queued for
// the drainer. Remote failures never reach the caller; they are reported in
// the returned Outcome and to the engine's observers.
type Adapter[T any, PT interface {
	*T
	Record
}] struct {
	def    Definition[T]
	eng    *engine.Engine
	logger *log.Logger
}

var _ engine.Collection = (*Adapter[struct{ Base }, *struct{ Base }])(nil)

// New creates an adapter and registers it with eng for sweeps and id
// reconciliation.
func New[T any, PT interface {
	*T
	Record
}](eng *engine.Engine, def Definition[T]) *Adapter[T, PT] {
	if def.Table == "" {
		def.Table = def.Kind
	}
	if def.CacheKey == "" {
		def.CacheKey = cache.CollectionKey(def.Kind)
	}
	if len(def.ConflictKeys) == 0 {
		def.ConflictKeys = DefaultConflictKeys
	}
	a := &Adapter[T, PT]{def: def, eng: eng, logger: eng.Logger()}
	eng.Register(a)
	return a
}

// Kind implements engine.Collection.
func (a *Adapter[T, PT]) Kind() string { return a.def.Kind }

// Table implements engine.Collection.
func (a *Adapter[T, PT]) Table() string { return a.def.Table }

// CacheKey returns the local collection key.
func (a *Adapter[T, PT]) CacheKey() string { return a.def.CacheKey }

func base[T any, PT interface {
	*T
	Record
}](rec *T) *Base {
	return PT(rec).Record()
}

// load reads the local collection. A read failure is logged and yields an
// empty collection.
func (a *Adapter[T, PT]) load(ctx context.Context) []T {
	items, err := cache.LoadList[T](ctx, a.eng.Cache(), a.def.CacheKey)
	if err != nil {
		a.logger.Printf("WARNING: %s: %v", a.def.Kind, syncerr.LocalStorage(err))
		return []T{}
	}
	return items
}

// mutate runs fn over the local collection in one cache update.
func (a *Adapter[T, PT]) mutate(ctx context.Context, fn func([]T) ([]T, error)) error {
	if err := cache.UpdateList(ctx, a.eng.Cache(), a.def.CacheKey, fn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return syncerr.LocalStorage(fmt.Errorf("failed to write %s: %w", a.def.Kind, err))
	}
	return nil
}

func (a *Adapter[T, PT]) find(items []T, id string) int {
	for i := range items {
		if base[T, PT](&items[i]).Matches(id) {
			return i
		}
	}
	return -1
}

func (a *Adapter[T, PT]) sameKey(x, y *T) bool {
	if a.def.KeyFields == nil {
		return false
	}
	kx, ky := a.def.KeyFields(x), a.def.KeyFields(y)
	if len(kx) == 0 || len(kx) != len(ky) {
		return false
	}
	for k, v := range kx {
		if fmt.Sprint(v) != fmt.Sprint(ky[k]) {
			return false
		}
	}
	return true
}

// remoteKnown returns the remote id of a record, consulting only local state.
func (a *Adapter[T, PT]) remoteKnown(ctx context.Context, b *Base) (string, bool) {
	if identity.IsRemoteID(b.ID) {
		return b.ID, true
	}
	return a.eng.Resolver().Lookup(ctx, a.def.Table, b.ID)
}

// owns matches queued operations on this collection's table that carry the
// record: by match id, client key or legacy id.
func (a *Adapter[T, PT]) owns(b *Base) func(queue.Operation) bool {
	ids := make(map[string]bool, 3)
	for _, id := range []string{b.ID, b.ClientKey, b.Metadata.LegacyID} {
		if id != "" {
			ids[id] = true
		}
	}
	return func(op queue.Operation) bool {
		if op.Table != a.def.Table {
			return false
		}
		if ids[op.MatchID] {
			return true
		}
		key, _ := op.Payload[ColumnClientKey].(string)
		return ids[key] || ids[op.Payload.LegacyID()]
	}
}

// pending returns the queued operations on this collection's table. A
// queue read failure is logged and yields none.
func (a *Adapter[T, PT]) pending(ctx context.Context) []queue.Operation {
	ops, err := a.eng.Queue().Find(ctx, func(op queue.Operation) bool {
		return op.Table == a.def.Table
	})
	if err != nil {
		a.logger.Printf("WARNING: %s: %v", a.def.Kind, err)
		return nil
	}
	return ops
}

// row converts rec to the remote row shape.
func (a *Adapter[T, PT]) row(rec *T, userID string) (remote.Row, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("failed to encode %s: %w", a.def.Kind, err))
	}
	var row remote.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("failed to encode %s: %w", a.def.Kind, err))
	}

	b := base[T, PT](rec)
	delete(row, remote.ColumnID)
	delete(row, remote.ColumnUserID)
	if userID != "" {
		row[remote.ColumnUserID] = userID
	}

	clientKey := b.ClientKey
	if clientKey == "" {
		clientKey = b.ID
	}
	row[ColumnClientKey] = clientKey

	legacy := b.Metadata.LegacyID
	if legacy == "" && !identity.IsRemoteID(b.ID) {
		legacy = b.ID
	}
	md := map[string]any{}
	if legacy != "" {
		md[remote.LegacyIDField] = legacy
	}
	row[remote.ColumnMetadata] = md

	if a.def.KeyFields != nil {
		for k, v := range a.def.KeyFields(rec) {
			row[k] = v
		}
	}
	for k, v := range a.def.Filter {
		row[k] = v
	}
	return row, nil
}

// fromRow converts a remote row to a record.
func (a *Adapter[T, PT]) fromRow(row remote.Row) (T, error) {
	var rec T
	data, err := json.Marshal(row)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode %s row %s: %w", a.def.Kind, row.ID(), err)
	}
	return rec, nil
}

func (a *Adapter[T, PT]) recency(rec *T) time.Time {
	if a.def.Recency != nil {
		return a.def.Recency(rec)
	}
	b := base[T, PT](rec)
	if !b.UpdatedAt.IsZero() {
		return b.UpdatedAt
	}
	return b.CreatedAt
}

// sortRecords orders by recency, newest first, then by id. Local and remote
// lists use the same order.
func (a *Adapter[T, PT]) sortRecords(items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := a.recency(&items[i]), a.recency(&items[j])
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return base[T, PT](&items[i]).ID < base[T, PT](&items[j]).ID
	})
}

// authorize resolves the gate. The returned context is cancelled on sign-out.
func (a *Adapter[T, PT]) authorize(ctx context.Context) (session.Resolution, context.Context, context.CancelFunc) {
	who := a.eng.Resolve(ctx)
	if !who.Authorized() {
		return who, ctx, func() {}
	}
	bound, cancel := a.eng.Gate().Bind(ctx)
	return who, bound, cancel
}

// List returns the collection.
//
// With an authorized session the remote rows are authoritative, merged with
// local records that have not been mirrored yet, and written back to the
// cache. Records with queued changes keep their local state until the queue
// replays them. An empty remote result with a non-empty local cache returns
// the local cache: the device holds data that has not been synced yet.
// Without a session, or when the remote query fails, the local cache is
// returned.
func (a *Adapter[T, PT]) List(ctx context.Context) ([]T, Outcome) {
	local := a.load(ctx)

	who, bound, cancel := a.authorize(ctx)
	defer cancel()
	if !who.Authorized() {
		a.sortRecords(local)
		return local, outcome(PathLocalOnly, syncerr.ErrSessionUnavailable)
	}

	res := a.selectRemote(bound, who.UserID)
	if !res.OK() {
		a.eng.Fallback(a.def.Kind, "list", res.Err)
		a.sortRecords(local)
		return local, Outcome{Path: PathLocalOnly, Kind: res.Kind, Err: res.Err}
	}
	rows := res.Value
	if len(rows) == 0 && len(local) > 0 {
		a.sortRecords(local)
		return local, Outcome{Path: PathLocalOnly}
	}

	remoteRecs := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := a.fromRow(row)
		if err != nil {
			a.logger.Printf("WARNING: skipping %v", err)
			continue
		}
		remoteRecs = append(remoteRecs, rec)
	}

	// Resolved outside the cache write: the resolver and the queue read the
	// same cache.
	known := make(map[string]bool, len(local))
	for i := range local {
		b := base[T, PT](&local[i])
		if _, ok := a.remoteKnown(ctx, b); ok {
			known[b.ID] = true
		}
	}
	ops := a.pending(ctx)

	// Merge against the collection as it is at write time so local writes
	// made during the remote call survive.
	var merged []T
	err := a.mutate(ctx, func(items []T) ([]T, error) {
		merged = a.merge(remoteRecs, items, known, ops)
		return merged, nil
	})
	if err != nil {
		a.logger.Printf("WARNING: %s: %v", a.def.Kind, err)
		if merged == nil {
			merged = a.merge(remoteRecs, local, known, ops)
		}
	}
	return merged, Outcome{Path: PathRemote}
}

// merge combines remote records with the local collection.
//
// A remote record is replaced by its local copy while an operation for it is
// queued, and dropped while its delete is queued. Local records missing
// remotely are kept when they were never mirrored and dropped when they
// were (deleted on another device).
func (a *Adapter[T, PT]) merge(remoteRecs, items []T, known map[string]bool, ops []queue.Operation) []T {
	merged := make([]T, 0, len(remoteRecs)+len(items))
	seen := make(map[string]bool, len(remoteRecs)*2)

	queued := func(b *Base) (queue.Operation, bool) {
		owns := a.owns(b)
		var last queue.Operation
		found := false
		for _, op := range ops {
			if owns(op) {
				last, found = op, true
			}
		}
		return last, found
	}

	for i := range remoteRecs {
		rec := remoteRecs[i]
		b := base[T, PT](&rec)
		seen[b.ID] = true
		if b.Metadata.LegacyID != "" {
			seen[b.Metadata.LegacyID] = true
		}
		op, ok := queued(b)
		if !ok {
			merged = append(merged, rec)
			continue
		}
		if op.Op == queue.OpDelete {
			continue
		}
		if j := a.find(items, b.ID); j >= 0 {
			rec = items[j]
		} else if j := a.find(items, b.Metadata.LegacyID); j >= 0 {
			rec = items[j]
		}
		merged = append(merged, rec)
	}
	for i := range items {
		b := base[T, PT](&items[i])
		if seen[b.ID] || (b.Metadata.LegacyID != "" && seen[b.Metadata.LegacyID]) {
			continue
		}
		// Only records the remote query could have seen are judged by it.
		if known[b.ID] {
			if _, ok := queued(b); !ok {
				continue
			}
		}
		merged = append(merged, items[i])
	}
	a.sortRecords(merged)
	return merged
}

func (a *Adapter[T, PT]) selectRemote(ctx context.Context, userID string) syncerr.Result[[]remote.Row] {
	rows, err := a.eng.Remote().Select(ctx, a.def.Table, remote.Query{UserID: userID, Eq: a.def.Filter})
	if err != nil {
		return syncerr.Fail[[]remote.Row](err)
	}
	return syncerr.OK(rows)
}

// Get returns the local record named by id, which may be its remote id or
// the client id it was created with.
func (a *Adapter[T, PT]) Get(ctx context.Context, id string) (T, bool) {
	items := a.load(ctx)
	if i := a.find(items, id); i >= 0 {
		return items[i], true
	}
	var zero T
	return zero, false
}

// ResolveID returns the remote id of the record named by id. found is false
// when the record has not been synced yet.
func (a *Adapter[T, PT]) ResolveID(ctx context.Context, id string) (string, bool, error) {
	if rec, ok := a.Get(ctx, id); ok {
		if rid, known := a.remoteKnown(ctx, base[T, PT](&rec)); known {
			return rid, true, nil
		}
		id = base[T, PT](&rec).ID
	}
	who := a.eng.Resolve(ctx)
	userID := ""
	if who.Authorized() {
		userID = who.UserID
	}
	return a.eng.Resolver().ResolveRecordID(ctx, a.def.Table, id, userID)
}

// Add writes rec locally and mirrors it remotely when possible.
//
// A local record with the same natural key is updated in place instead of
// duplicated. The returned record carries its remote id when the mirror
// succeeded.
func (a *Adapter[T, PT]) Add(ctx context.Context, rec T) (T, Outcome) {
	now := a.eng.Now()
	b := base[T, PT](&rec)
	if b.ID == "" {
		b.ID = identity.NewClientID()
	}
	if b.ClientKey == "" {
		b.ClientKey = b.ID
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	err := a.mutate(ctx, func(items []T) ([]T, error) {
		for i := range items {
			if !a.sameKey(&items[i], &rec) && !base[T, PT](&items[i]).Matches(b.ID) {
				continue
			}
			old := base[T, PT](&items[i])
			b.ID, b.UserID, b.ClientKey, b.CreatedAt, b.Metadata = old.ID, old.UserID, old.ClientKey, old.CreatedAt, old.Metadata
			items[i] = rec
			return items, nil
		}
		return append(items, rec), nil
	})
	if err != nil {
		a.logger.Printf("ERROR: %s add: %v", a.def.Kind, err)
		return rec, outcome(PathNoop, err)
	}

	who, bound, cancel := a.authorize(ctx)
	defer cancel()
	if !who.Authorized() {
		a.eng.Fallback(a.def.Kind, "add", syncerr.ErrSessionUnavailable)
		return rec, outcome(PathLocalOnly, syncerr.ErrSessionUnavailable)
	}

	res := a.upsert(bound, &rec, who.UserID)
	if res.OK() {
		return a.adopt(ctx, rec, res.Value, who.UserID), Outcome{Path: PathRemote}
	}
	return rec, a.degrade(ctx, "add", res.Err, res.Kind, func() (queue.Pending, error) {
		row, err := a.row(&rec, who.UserID)
		return queue.Pending{
			Table:        a.def.Table,
			Op:           queue.OpUpsert,
			Payload:      row,
			ConflictKeys: a.def.ConflictKeys,
		}, err
	})
}

func (a *Adapter[T, PT]) upsert(ctx context.Context, rec *T, userID string) syncerr.Result[remote.Row] {
	row, err := a.row(rec, userID)
	if err != nil {
		return syncerr.Fail[remote.Row](err)
	}
	stored, err := a.eng.Remote().Upsert(ctx, a.def.Table, row, a.def.ConflictKeys)
	if err != nil {
		return syncerr.Fail[remote.Row](err)
	}
	return syncerr.OK(stored)
}

// adopt records the remote identity of a mirrored record locally and
// teaches the engine the id mapping.
func (a *Adapter[T, PT]) adopt(ctx context.Context, rec T, stored remote.Row, userID string) T {
	b := base[T, PT](&rec)
	clientID, remoteID := b.ID, stored.ID()
	if remoteID == "" {
		return rec
	}
	if clientID != remoteID && b.Metadata.LegacyID == "" {
		b.Metadata.LegacyID = clientID
	}
	b.ID = remoteID
	b.UserID = userID

	err := a.mutate(ctx, func(items []T) ([]T, error) {
		if i := a.find(items, clientID); i >= 0 {
			items[i] = rec
		}
		return items, nil
	})
	if err != nil {
		a.logger.Printf("WARNING: %s: failed to record remote id %s: %v", a.def.Kind, remoteID, err)
	}
	a.eng.Learn(ctx, a.def.Table, stored)
	return rec
}

// degrade handles a failed remote write: transient failures are queued,
// anything else leaves the write local only. A write interrupted by sign-out
// is treated like an offline one: adds wait for the next sweep, updates and
// removes of remote-known records are queued.
func (a *Adapter[T, PT]) degrade(ctx context.Context, op string, err error, kind syncerr.Kind, pending func() (queue.Pending, error)) Outcome {
	if a.eng.Gate().Revoked() || session.IsRevoked(ctx, err) || kind == syncerr.KindSessionUnavailable {
		a.eng.Fallback(a.def.Kind, op, syncerr.ErrSessionUnavailable)
		if op == "add" {
			return outcome(PathLocalOnly, syncerr.ErrSessionUnavailable)
		}
		return a.enqueue(ctx, syncerr.ErrSessionUnavailable, syncerr.KindSessionUnavailable, pending)
	}
	a.eng.Fallback(a.def.Kind, op, err)
	if kind != syncerr.KindTransient {
		return Outcome{Path: PathLocalOnly, Kind: kind, Err: err}
	}
	return a.enqueue(ctx, err, kind, pending)
}

func (a *Adapter[T, PT]) enqueue(ctx context.Context, cause error, kind syncerr.Kind, pending func() (queue.Pending, error)) Outcome {
	p, err := pending()
	if err == nil {
		_, err = a.eng.Enqueue(context.WithoutCancel(ctx), p)
	}
	if err != nil {
		a.logger.Printf("ERROR: %s: failed to queue retry: %v", a.def.Kind, err)
		return outcome(PathLocalOnly, err)
	}
	return Outcome{Path: PathQueued, Kind: kind, Err: cause}
}

// Update applies fn to the local record named by id and mirrors the result.
//
// Remote-known records are updated remotely, or queued when that fails
// transiently or no session is available. Records that were never mirrored
// stay local; the next sweep mirrors their latest state, and a queued add of
// the record is rewritten to carry it.
func (a *Adapter[T, PT]) Update(ctx context.Context, id string, fn func(*T)) (T, Outcome) {
	var rec T
	err := a.mutate(ctx, func(items []T) ([]T, error) {
		i := a.find(items, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		old := *base[T, PT](&items[i])
		fn(&items[i])
		b := base[T, PT](&items[i])
		b.ID, b.UserID, b.ClientKey, b.CreatedAt, b.Metadata = old.ID, old.UserID, old.ClientKey, old.CreatedAt, old.Metadata
		b.UpdatedAt = a.eng.Now()
		rec = items[i]
		return items, nil
	})
	if errors.Is(err, ErrNotFound) {
		return rec, Outcome{Path: PathNoop, Err: fmt.Errorf("%s %s: %w", a.def.Kind, id, ErrNotFound)}
	}
	if err != nil {
		a.logger.Printf("ERROR: %s update: %v", a.def.Kind, err)
		return rec, outcome(PathNoop, err)
	}

	remoteID, known := a.remoteKnown(ctx, base[T, PT](&rec))
	if !known {
		return rec, a.amendQueuedAdd(ctx, &rec)
	}

	who, bound, cancel := a.authorize(ctx)
	defer cancel()
	pending := func() (queue.Pending, error) {
		row, err := a.row(&rec, who.UserID)
		return queue.Pending{Table: a.def.Table, Op: queue.OpUpdate, Payload: row, MatchID: remoteID}, err
	}
	if !who.Authorized() {
		a.eng.Fallback(a.def.Kind, "update", syncerr.ErrSessionUnavailable)
		return rec, a.enqueue(ctx, syncerr.ErrSessionUnavailable, syncerr.KindSessionUnavailable, pending)
	}

	row, err := a.row(&rec, who.UserID)
	if err == nil {
		err = a.eng.Remote().Update(bound, a.def.Table, row, remoteID)
	}
	if err == nil {
		return rec, Outcome{Path: PathRemote}
	}
	return rec, a.degrade(ctx, "update", err, syncerr.Classify(err), pending)
}

// amendQueuedAdd rewrites a queued add of a never-mirrored record so its
// replay carries the latest local state.
func (a *Adapter[T, PT]) amendQueuedAdd(ctx context.Context, rec *T) Outcome {
	row, err := a.row(rec, "")
	if err != nil {
		return outcome(PathLocalOnly, err)
	}
	n, err := a.eng.Amend(ctx, a.owns(base[T, PT](rec)), func(op *queue.Operation) bool {
		if op.Op != queue.OpUpsert && op.Op != queue.OpInsert {
			return false
		}
		next := row.Clone()
		if userID, ok := op.Payload[remote.ColumnUserID]; ok {
			next[remote.ColumnUserID] = userID
		}
		op.Payload = next
		return true
	})
	if err != nil {
		return outcome(PathLocalOnly, err)
	}
	if n > 0 {
		return Outcome{Path: PathQueued}
	}
	return Outcome{Path: PathLocalOnly}
}

// Remove deletes the record named by id locally and, when it is
// remote-known, remotely. A failed or deferred remote delete is queued. A
// queued add of a never-mirrored record is discarded.
func (a *Adapter[T, PT]) Remove(ctx context.Context, id string) Outcome {
	var removed T
	err := a.mutate(ctx, func(items []T) ([]T, error) {
		i := a.find(items, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		removed = items[i]
		return append(items[:i], items[i+1:]...), nil
	})
	if errors.Is(err, ErrNotFound) {
		return Outcome{Path: PathNoop, Err: fmt.Errorf("%s %s: %w", a.def.Kind, id, ErrNotFound)}
	}
	if err != nil {
		a.logger.Printf("ERROR: %s remove: %v", a.def.Kind, err)
		return outcome(PathNoop, err)
	}

	b := base[T, PT](&removed)
	remoteID, known := a.remoteKnown(ctx, b)
	if !known {
		n, err := a.eng.Discard(ctx, a.owns(b))
		if err != nil {
			return outcome(PathLocalOnly, err)
		}
		// A drain may have mirrored the record meanwhile.
		if remoteID, known = a.remoteKnown(ctx, b); !known {
			if n == 0 || !a.eng.Draining() {
				return Outcome{Path: PathLocalOnly}
			}
			// The running drain may be replaying the discarded add right
			// now. Delete by client id after it; a record that was never
			// mirrored makes the delete a no-op.
			return a.enqueue(ctx, nil, syncerr.KindNone, func() (queue.Pending, error) {
				return queue.Pending{Table: a.def.Table, Op: queue.OpDelete, MatchID: b.ID}, nil
			})
		}
	}

	pending := func() (queue.Pending, error) {
		return queue.Pending{Table: a.def.Table, Op: queue.OpDelete, MatchID: remoteID}, nil
	}
	who, bound, cancel := a.authorize(ctx)
	defer cancel()
	if !who.Authorized() {
		a.eng.Fallback(a.def.Kind, "remove", syncerr.ErrSessionUnavailable)
		return a.enqueue(ctx, syncerr.ErrSessionUnavailable, syncerr.KindSessionUnavailable, pending)
	}
	if err := a.eng.Remote().Delete(bound, a.def.Table, remoteID); err != nil {
		return a.degrade(ctx, "remove", err, syncerr.Classify(err), pending)
	}
	return Outcome{Path: PathRemote}
}

// SweepLocalOnly implements engine.Collection. It upserts every record that
// has no remote id yet, oldest first, and stops at the first failure that is
// not a permanent rejection.
func (a *Adapter[T, PT]) SweepLocalOnly(ctx context.Context) (int, error) {
	who, bound, cancel := a.authorize(ctx)
	defer cancel()
	if !who.Authorized() {
		return 0, nil
	}

	items := a.load(ctx)
	sort.SliceStable(items, func(i, j int) bool {
		return base[T, PT](&items[i]).CreatedAt.Before(base[T, PT](&items[j]).CreatedAt)
	})

	swept := 0
	for i := range items {
		rec := items[i]
		if _, known := a.remoteKnown(ctx, base[T, PT](&rec)); known {
			continue
		}
		if bound.Err() != nil {
			return swept, context.Cause(bound)
		}
		res := a.upsert(bound, &rec, who.UserID)
		if res.OK() {
			a.adopt(ctx, rec, res.Value, who.UserID)
			swept++
			continue
		}
		if res.Kind == syncerr.KindPermanent {
			a.eng.Fallback(a.def.Kind, "sweep", res.Err)
			continue
		}
		return swept, res.Err
	}
	return swept, nil
}

// Reconcile implements engine.Collection.
func (a *Adapter[T, PT]) Reconcile(ctx context.Context, clientID, remoteID string) error {
	err := a.mutate(ctx, func(items []T) ([]T, error) {
		found := false
		for i := range items {
			b := base[T, PT](&items[i])
			if b.ID != clientID {
				continue
			}
			found = true
			b.ID = remoteID
			if b.Metadata.LegacyID == "" {
				b.Metadata.LegacyID = clientID
			}
		}
		if !found {
			return nil, ErrNotFound
		}
		return items, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
