// Package queue is the durable, ordered log of remote mutations waiting to
// be retried.
//
// The log lives in the local cache under cache.QueueKey as one JSON array.
// Enqueue persists before it returns, so a returned Operation is a durable
// promise to retry. Operations are ordered FIFO by CreatedAt; the queue keeps
// CreatedAt strictly increasing so the order is total even when the clock
// stalls.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Op is the remote call an operation replays.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	// OpUpsert replays an add idempotently against its natural key.
	OpUpsert Op = "upsert"
)

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpUpsert:
		return true
	}
	return false
}

// Operation is one queued remote mutation.
type Operation struct {
	ID           string     `json:"id"`
	Table        string     `json:"table"`
	Op           Op         `json:"operation"`
	Payload      remote.Row `json:"payload,omitempty"`
	MatchID      string     `json:"match_id,omitempty"`
	ConflictKeys []string   `json:"conflict_keys,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`

	// Revision counts Amend rewrites. Settle keeps an operation that was
	// amended while a drain had it in flight.
	Revision int `json:"revision,omitempty"`
}

// Dispatch returns the call to make for o. An insert that names conflict
// keys is replayed as an upsert so a repeated attempt cannot duplicate.
func (o Operation) Dispatch() Op {
	if o.Op == OpInsert && len(o.ConflictKeys) > 0 {
		return OpUpsert
	}
	return o.Op
}

// Pending is an operation before it is queued.
type Pending struct {
	Table        string
	Op           Op
	Payload      remote.Row
	MatchID      string
	ConflictKeys []string
}

func (p Pending) validate() error {
	if p.Table == "" {
		return errors.New("table is required")
	}
	if !p.Op.Valid() {
		return fmt.Errorf("unknown operation %q", p.Op)
	}
	if (p.Op == OpUpdate || p.Op == OpDelete) && p.MatchID == "" {
		return fmt.Errorf("%s requires a match id", p.Op)
	}
	if p.Op == OpUpsert && len(p.ConflictKeys) == 0 {
		return errors.New("upsert requires conflict keys")
	}
	return nil
}

// Config configures a Queue.
type Config struct {
	// Clock stamps CreatedAt. If nil, uses the system clock.
	Clock Clock

	// Logger for queue events. If nil, uses default logger.
	Logger *log.Logger
}

// Queue is the durable retry log.
type Queue struct {
	cache  cache.Cache
	clock  Clock
	logger *log.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates a Queue stored in c.
func New(c cache.Cache, cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{cache: c, clock: cfg.Clock, logger: cfg.Logger}
}

// stamp returns a timestamp strictly after every earlier stamp and after
// floor.
func (q *Queue) stamp(floor time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	if floor.After(q.last) {
		q.last = floor
	}
	now := q.clock.Now().UTC()
	if !now.After(q.last) {
		now = q.last.Add(time.Nanosecond)
	}
	q.last = now
	return now
}

// Enqueue appends p and persists the queue before returning.
func (q *Queue) Enqueue(ctx context.Context, p Pending) (Operation, error) {
	if err := p.validate(); err != nil {
		return Operation{}, fmt.Errorf("failed to enqueue: %w", err)
	}

	op := Operation{
		ID:           uuid.NewString(),
		Table:        p.Table,
		Op:           p.Op,
		Payload:      p.Payload,
		MatchID:      p.MatchID,
		ConflictKeys: p.ConflictKeys,
	}

	err := q.cache.Update(ctx, cache.QueueKey, func(old []byte) ([]byte, error) {
		ops := q.decode(old)
		var newest time.Time
		for _, o := range ops {
			if o.CreatedAt.After(newest) {
				newest = o.CreatedAt
			}
		}
		// Stamp inside the write so order on disk matches CreatedAt order.
		op.CreatedAt = q.stamp(newest)
		ops = append(ops, op)
		return json.Marshal(ops)
	})
	if err != nil {
		return Operation{}, syncerr.LocalStorage(fmt.Errorf("failed to enqueue %s on %s: %w", op.Op, op.Table, err))
	}

	q.logger.Printf("Queued %s on %s (op %s)", op.Op, op.Table, op.ID)
	return op, nil
}

// decode parses a stored queue. A corrupt payload is logged and treated as
// empty.
func (q *Queue) decode(data []byte) []Operation {
	if len(data) == 0 {
		return []Operation{}
	}
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		q.logger.Printf("WARNING: sync queue is corrupt, treating as empty: %v", err)
		return []Operation{}
	}
	return ops
}

// Load returns every queued operation in FIFO order.
func (q *Queue) Load(ctx context.Context) ([]Operation, error) {
	data, err := q.cache.Get(ctx, cache.QueueKey)
	if errors.Is(err, cache.ErrNotFound) {
		return []Operation{}, nil
	}
	if err != nil {
		return []Operation{}, syncerr.LocalStorage(fmt.Errorf("failed to load sync queue: %w", err))
	}
	ops := q.decode(data)
	sortFIFO(ops)
	return ops, nil
}

func sortFIFO(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// Find returns the queued operations for which match reports true, in FIFO
// order.
func (q *Queue) Find(ctx context.Context, match func(Operation) bool) ([]Operation, error) {
	ops, err := q.Load(ctx)
	if err != nil {
		return nil, err
	}
	found := ops[:0]
	for _, op := range ops {
		if match(op) {
			found = append(found, op)
		}
	}
	return found, nil
}

// Amend rewrites every queued operation for which match reports true. fn
// returns false to leave an operation unchanged. It returns the number of
// operations rewritten.
func (q *Queue) Amend(ctx context.Context, match func(Operation) bool, fn func(*Operation) bool) (int, error) {
	n := 0
	err := q.cache.Update(ctx, cache.QueueKey, func(old []byte) ([]byte, error) {
		n = 0
		ops := q.decode(old)
		for i := range ops {
			if !match(ops[i]) || !fn(&ops[i]) {
				continue
			}
			ops[i].Revision++
			n++
		}
		return json.Marshal(ops)
	})
	if err != nil {
		return 0, syncerr.LocalStorage(fmt.Errorf("failed to amend sync queue: %w", err))
	}
	if n > 0 {
		q.logger.Printf("Amended %d queued operations", n)
	}
	return n, nil
}

// Discard removes every queued operation for which match reports true and
// returns how many were removed.
func (q *Queue) Discard(ctx context.Context, match func(Operation) bool) (int, error) {
	n := 0
	err := q.cache.Update(ctx, cache.QueueKey, func(old []byte) ([]byte, error) {
		n = 0
		ops := q.decode(old)
		next := make([]Operation, 0, len(ops))
		for _, op := range ops {
			if match(op) {
				n++
				continue
			}
			next = append(next, op)
		}
		return json.Marshal(next)
	})
	if err != nil {
		return 0, syncerr.LocalStorage(fmt.Errorf("failed to discard from sync queue: %w", err))
	}
	if n > 0 {
		q.logger.Printf("Discarded %d queued operations", n)
	}
	return n, nil
}

// Settle records the outcome of a drain in one write.
//
// Every operation of drained is removed unless it appears (by id) in keep,
// in which case the kept version replaces it. Operations enqueued after the
// drain loaded its snapshot are left untouched, and so are operations
// amended since: their new payload has not been sent yet. Operations
// discarded during the drain stay discarded.
func (q *Queue) Settle(ctx context.Context, drained, keep []Operation) error {
	inDrain := make(map[string]int, len(drained))
	for _, op := range drained {
		inDrain[op.ID] = op.Revision
	}
	kept := make(map[string]Operation, len(keep))
	for _, op := range keep {
		kept[op.ID] = op
	}

	err := q.cache.Update(ctx, cache.QueueKey, func(old []byte) ([]byte, error) {
		current := q.decode(old)
		next := make([]Operation, 0, len(current))
		for _, op := range current {
			rev, drainedOp := inDrain[op.ID]
			if !drainedOp {
				next = append(next, op)
				continue
			}
			if op.Revision != rev {
				if k, ok := kept[op.ID]; ok {
					op.RetryCount, op.LastError = k.RetryCount, k.LastError
				}
				next = append(next, op)
				continue
			}
			if k, ok := kept[op.ID]; ok {
				next = append(next, k)
			}
		}
		sortFIFO(next)
		return json.Marshal(next)
	})
	if err != nil {
		return syncerr.LocalStorage(fmt.Errorf("failed to persist sync queue: %w", err))
	}
	return nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.Load(ctx)
	return len(ops), err
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.cache.Put(ctx, cache.QueueKey, []byte("[]")); err != nil {
		return syncerr.LocalStorage(fmt.Errorf("failed to clear sync queue: %w", err))
	}
	return nil
}
