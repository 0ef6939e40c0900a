package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/metrics"
	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// DefaultMaxRetries is the retry ceiling for transient failures.
const DefaultMaxRetries = 3

// Config holds engine policy.
type Config struct {
	// MaxRetries is how many transient failures an operation survives
	// (default: 3).
	MaxRetries int

	// Clock stamps records and queued operations. If nil, uses the system
	// clock.
	Clock queue.Clock

	// Logger for engine events. If nil, uses default logger.
	Logger *log.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		Clock:      queue.SystemClock{},
	}
}

// Deps are the collaborators the engine composes.
type Deps struct {
	Cache   cache.Cache
	Gate    *session.Gate
	Remote  remote.Store
	Metrics *metrics.Metrics
}

// Collection is an entity collection registered with the engine.
type Collection interface {
	// Kind names the collection, e.g. "goals".
	Kind() string

	// Table is the remote table the collection mirrors into.
	Table() string

	// SweepLocalOnly mirrors every record that has no remote id yet and
	// returns how many were mirrored.
	SweepLocalOnly(ctx context.Context) (int, error)

	// Reconcile replaces clientID with remoteID in the local collection.
	// It is a no-op when the collection holds no such record.
	Reconcile(ctx context.Context, clientID, remoteID string) error
}

// Engine is the sync engine context object.
type Engine struct {
	cfg      Config
	cache    cache.Cache
	gate     *session.Gate
	remote   remote.Store
	queue    *queue.Queue
	resolver *identity.Resolver
	metrics  *metrics.Metrics
	logger   *log.Logger
	obs      *observers

	drainMu sync.Mutex
	machine *fsm.FSM

	mu          sync.Mutex
	collections []Collection
	lastDrain   *DrainResult
	lastDrainAt time.Time
}

// New creates an Engine. Call Open before use.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Cache == nil {
		return nil, errors.New("engine requires a cache")
	}
	if deps.Gate == nil {
		return nil, errors.New("engine requires a session gate")
	}
	if deps.Remote == nil {
		return nil, errors.New("engine requires a remote store")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = queue.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	e := &Engine{
		cfg:      cfg,
		cache:    deps.Cache,
		gate:     deps.Gate,
		remote:   deps.Remote,
		queue:    queue.New(deps.Cache, queue.Config{Clock: cfg.Clock, Logger: cfg.Logger}),
		resolver: identity.NewResolver(deps.Cache, deps.Remote, cfg.Logger),
		metrics:  deps.Metrics,
		logger:   cfg.Logger,
		obs:      &observers{},
		machine:  newDrainMachine(),
	}
	return e, nil
}

// Open hydrates state from the cache.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.resolver.Load(ctx); err != nil {
		return fmt.Errorf("failed to load identity map: %w", err)
	}
	n, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Printf("WARNING: %v", err)
	}
	e.metrics.SetQueueDepth(n)
	e.logger.Printf("Engine opened: %d queued operations, %d known ids", n, e.resolver.Len())
	return nil
}

// Close flushes pending state and closes the cache.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.resolver.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush identity map: %w", err))
	}
	if err := e.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Register adds a collection to sweeps and id reconciliation.
func (e *Engine) Register(c Collection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections = append(e.collections, c)
}

// AddObserver subscribes obs to sync-status events.
func (e *Engine) AddObserver(obs Observer) {
	e.obs.add(obs)
}

func (e *Engine) registered() []Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Collection(nil), e.collections...)
}

// Cache returns the local cache.
func (e *Engine) Cache() cache.Cache { return e.cache }

// Remote returns the remote store.
func (e *Engine) Remote() remote.Store { return e.remote }

// Queue returns the sync queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Resolver returns the identity resolver.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// Gate returns the session gate.
func (e *Engine) Gate() *session.Gate { return e.gate }

// Logger returns the engine logger.
func (e *Engine) Logger() *log.Logger { return e.logger }

// Now returns the engine clock's time in UTC.
func (e *Engine) Now() time.Time { return e.cfg.Clock.Now().UTC() }

// MaxRetries returns the retry ceiling.
func (e *Engine) MaxRetries() int { return e.cfg.MaxRetries }

// Resolve asks the session gate for the current identity.
func (e *Engine) Resolve(ctx context.Context) session.Resolution {
	return e.gate.Resolve(ctx)
}

// Enqueue records a promise to retry p.
func (e *Engine) Enqueue(ctx context.Context, p queue.Pending) (queue.Operation, error) {
	op, err := e.queue.Enqueue(ctx, p)
	if err != nil {
		e.logger.Printf("ERROR: %v", err)
		return op, err
	}
	e.metrics.ObserveEnqueued(op.Table, string(op.Op))
	e.publishDepth(ctx)
	return op, nil
}

// Amend rewrites queued operations in place. See queue.Queue.Amend.
func (e *Engine) Amend(ctx context.Context, match func(queue.Operation) bool, fn func(*queue.Operation) bool) (int, error) {
	n, err := e.queue.Amend(ctx, match, fn)
	if err != nil {
		e.logger.Printf("ERROR: %v", err)
	}
	return n, err
}

// Discard drops queued operations that no longer need replaying.
func (e *Engine) Discard(ctx context.Context, match func(queue.Operation) bool) (int, error) {
	n, err := e.queue.Discard(ctx, match)
	if err != nil {
		e.logger.Printf("ERROR: %v", err)
		return n, err
	}
	if n > 0 {
		e.publishDepth(ctx)
	}
	return n, nil
}

// Fallback records that an entity store call degraded to local-only.
func (e *Engine) Fallback(kind, op string, err error) {
	k := syncerr.Classify(err)
	if k == syncerr.KindSessionUnavailable {
		e.logger.Printf("%s %s: no session, kept local only", kind, op)
	} else {
		e.logger.Printf("WARNING: %s %s fell back to local (%s): %v", kind, op, k, err)
	}
	e.metrics.ObserveFallback(kind, op, k.String())
	e.obs.Fallback(kind, op, k, err)
}

func (e *Engine) publishDepth(ctx context.Context) int {
	n, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Printf("WARNING: %v", err)
		return n
	}
	e.metrics.SetQueueDepth(n)
	e.obs.QueueChanged(n)
	return n
}

// Sweep mirrors local-only records of every registered collection.
// Without an authorized session it does nothing.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if !e.gate.Resolve(ctx).Authorized() {
		return 0, nil
	}
	bound, cancel := e.gate.Bind(ctx)
	defer cancel()

	total := 0
	var errs []error
	for _, c := range e.registered() {
		n, err := c.SweepLocalOnly(bound)
		total += n
		e.metrics.ObserveSwept(c.Kind(), n)
		if err != nil {
			e.logger.Printf("WARNING: sweep of %s stopped after %d records: %v", c.Kind(), n, err)
			errs = append(errs, fmt.Errorf("failed to sweep %s: %w", c.Kind(), err))
		}
		if bound.Err() != nil {
			break
		}
	}
	if total > 0 {
		e.logger.Printf("Sweep mirrored %d local-only records", total)
	}
	return total, errors.Join(errs...)
}

// SyncReport is the outcome of a session-establishment sync.
type SyncReport struct {
	Swept int
	Drain DrainResult
}

// OnSessionEstablished runs after a successful sign-in: it starts a new
// revocation generation, sweeps local-only records, then drains the queue.
func (e *Engine) OnSessionEstablished(ctx context.Context) (SyncReport, error) {
	e.gate.Establish()

	var report SyncReport
	swept, sweepErr := e.Sweep(ctx)
	report.Swept = swept

	res, err := e.Drain(ctx)
	report.Drain = res
	return report, errors.Join(sweepErr, err)
}

// OnForeground drains the queue if a session is authorized.
func (e *Engine) OnForeground(ctx context.Context) (DrainResult, error) {
	return e.Drain(ctx)
}

// OnSignOut revokes the session. An in-flight drain aborts.
func (e *Engine) OnSignOut(reason string) {
	e.gate.Revoke(reason)
}

// Status is a point-in-time view of the engine.
type Status struct {
	QueueDepth   int          `json:"queue_depth"`
	Draining     bool         `json:"draining"`
	SessionState string       `json:"session_state"`
	UserID       string       `json:"user_id,omitempty"`
	Authorized   bool         `json:"authorized"`
	KnownIDs     int          `json:"known_ids"`
	LastDrain    *DrainResult `json:"last_drain,omitempty"`
	LastDrainAt  *time.Time   `json:"last_drain_at,omitempty"`
	Collections  []string     `json:"collections"`
}

// Status reports queue depth, session state and the last drain.
func (e *Engine) Status(ctx context.Context) Status {
	n, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Printf("WARNING: %v", err)
	}
	r := e.gate.Resolve(ctx)

	s := Status{
		QueueDepth:   n,
		Draining:     e.Draining(),
		SessionState: r.State.String(),
		UserID:       r.UserID,
		Authorized:   r.Authorized(),
		KnownIDs:     e.resolver.Len(),
	}
	for _, c := range e.registered() {
		s.Collections = append(s.Collections, c.Kind())
	}

	e.mu.Lock()
	if e.lastDrain != nil {
		last := *e.lastDrain
		at := e.lastDrainAt
		s.LastDrain = &last
		s.LastDrainAt = &at
	}
	e.mu.Unlock()
	return s
}
