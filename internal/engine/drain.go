package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/metrics"
	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Drainer states and events.
const (
	StateIdle     = "idle"
	StateDraining = "draining"

	eventStart  = "start"
	eventFinish = "finish"
)

func newDrainMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateDraining},
			{Name: eventFinish, Src: []string{StateDraining}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// DrainResult is the outcome of one Drain.
type DrainResult struct {
	// Processed operations were applied remotely.
	Processed int `json:"processed"`

	// Failed operations were dropped: Rejected + Exhausted.
	Failed int `json:"failed"`

	// Requeued operations failed transiently and stay for the next drain.
	Requeued int `json:"requeued"`

	// Rejected operations hit a permanent error.
	Rejected int `json:"rejected"`

	// Exhausted operations reached the retry ceiling.
	Exhausted int `json:"exhausted"`

	// Remaining is the queue depth after the drain.
	Remaining int `json:"remaining"`

	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`

	// NoSession is set when no authorized session was available; the queue
	// was not touched.
	NoSession bool `json:"no_session,omitempty"`

	// Aborted is set when the session was revoked mid-drain.
	Aborted bool `json:"aborted,omitempty"`

	// Dropped lists every operation counted in Failed.
	Dropped []queue.Operation `json:"dropped,omitempty"`
}

// Draining reports whether a drain is in progress.
func (e *Engine) Draining() bool {
	return e.machine.Is(StateDraining)
}

// Drain walks the sync queue once. See the package documentation for the
// retry policy.
//
// The returned error is non-nil only when the queue could not be read or
// written; remote failures are reflected in the result.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	e.drainMu.Lock()
	if !e.machine.Is(StateIdle) {
		e.drainMu.Unlock()
		e.metrics.ObserveDrain("skipped", 0)
		return DrainResult{Skipped: true}, nil
	}
	// Transitions use a background context: a cancelled ctx mid-transition
	// would leave the machine stuck in Draining.
	if err := e.machine.Event(context.Background(), eventStart); err != nil {
		e.drainMu.Unlock()
		return DrainResult{}, fmt.Errorf("failed to start drain: %w", err)
	}
	e.drainMu.Unlock()

	defer func() {
		e.drainMu.Lock()
		defer e.drainMu.Unlock()
		if err := e.machine.Event(context.Background(), eventFinish); err != nil {
			e.logger.Printf("ERROR: failed to finish drain: %v", err)
		}
	}()

	start := time.Now()
	res, outcome, err := e.drain(ctx)
	if outcome != "" {
		var d time.Duration
		if outcome == "completed" || outcome == "aborted" {
			d = time.Since(start)
		}
		e.metrics.ObserveDrain(outcome, d)
	}
	if err == nil {
		e.mu.Lock()
		last := res
		e.lastDrain = &last
		e.lastDrainAt = e.Now()
		e.mu.Unlock()
		e.obs.DrainFinished(res)
	}
	return res, err
}

func (e *Engine) drain(ctx context.Context) (DrainResult, string, error) {
	var res DrainResult

	who := e.gate.Resolve(ctx)
	if !who.Authorized() {
		n, _ := e.queue.Len(ctx)
		res.NoSession = true
		res.Remaining = n
		return res, "unauthorized", nil
	}

	bound, cancel := e.gate.Bind(ctx)
	defer cancel()

	ops, err := e.queue.Load(bound)
	if err != nil {
		e.logger.Printf("ERROR: %v", err)
		return res, "", err
	}
	if len(ops) == 0 {
		return res, "empty", nil
	}

	e.logger.Printf("Draining %d queued operations", len(ops))

	keep := make([]queue.Operation, 0, len(ops))
	for i, op := range ops {
		if e.gate.Revoked() || bound.Err() != nil {
			res.Aborted = true
			keep = append(keep, ops[i:]...)
			break
		}

		err := e.apply(bound, op, who.UserID)
		if err == nil {
			res.Processed++
			e.metrics.ObserveOperation(op.Table, string(op.Dispatch()), "processed")
			continue
		}

		kind := syncerr.Classify(err)
		if e.gate.Revoked() || bound.Err() != nil || session.IsRevoked(bound, err) || kind == syncerr.KindSessionUnavailable {
			// The in-flight operation did not complete; keep it unchanged.
			res.Aborted = true
			keep = append(keep, ops[i:]...)
			e.logger.Printf("Drain aborted at op %s: %v", op.ID, err)
			break
		}

		if kind == syncerr.KindPermanent {
			res.Failed++
			res.Rejected++
			res.Dropped = append(res.Dropped, op)
			e.drop(op, metrics.ReasonRejected, err)
			continue
		}

		op.RetryCount++
		op.LastError = err.Error()
		if op.RetryCount >= e.cfg.MaxRetries {
			res.Failed++
			res.Exhausted++
			res.Dropped = append(res.Dropped, op)
			e.drop(op, metrics.ReasonExhausted, syncerr.Exhausted(err))
			continue
		}

		res.Requeued++
		keep = append(keep, op)
		e.metrics.ObserveOperation(op.Table, string(op.Dispatch()), "requeued")
		e.logger.Printf("Requeued %s on %s (op %s, retry %d/%d): %v",
			op.Dispatch(), op.Table, op.ID, op.RetryCount, e.cfg.MaxRetries, err)
	}

	// Persist even after a revocation cancelled bound.
	if err := e.queue.Settle(context.WithoutCancel(ctx), ops, keep); err != nil {
		e.logger.Printf("ERROR: %v", err)
		return res, "", err
	}
	res.Remaining = e.publishDepth(context.WithoutCancel(ctx))

	e.logger.Printf("Drain finished: processed=%d failed=%d requeued=%d remaining=%d aborted=%v",
		res.Processed, res.Failed, res.Requeued, res.Remaining, res.Aborted)

	outcome := "completed"
	if res.Aborted {
		outcome = "aborted"
	}
	return res, outcome, nil
}

func (e *Engine) drop(op queue.Operation, reason string, err error) {
	e.logger.Printf("ERROR: dropped %s on %s (op %s, %s after %d retries): %v",
		op.Dispatch(), op.Table, op.ID, reason, op.RetryCount, err)
	e.metrics.ObserveOperation(op.Table, string(op.Dispatch()), reason)
	e.metrics.ObserveDropped(op.Table, reason)
	e.obs.OperationDropped(op, reason, err)
}

// apply replays op against the remote store.
func (e *Engine) apply(ctx context.Context, op queue.Operation, userID string) error {
	switch op.Dispatch() {
	case queue.OpInsert, queue.OpUpsert:
		row := op.Payload.Clone()
		if s, _ := row[remote.ColumnUserID].(string); s == "" {
			row[remote.ColumnUserID] = userID
		}
		// The record was mirrored since this add was queued, by a sweep or
		// an earlier replay. Write onto that row; its natural key may have
		// changed since.
		if legacy := row.LegacyID(); legacy != "" {
			if id, ok := e.resolver.Lookup(ctx, op.Table, legacy); ok {
				return e.remote.Update(ctx, op.Table, row, id)
			}
		}
		var stored remote.Row
		var err error
		if op.Dispatch() == queue.OpUpsert {
			stored, err = e.remote.Upsert(ctx, op.Table, row, op.ConflictKeys)
		} else {
			stored, err = e.remote.Insert(ctx, op.Table, row)
		}
		if err != nil {
			return err
		}
		e.Learn(ctx, op.Table, stored)
		return nil

	case queue.OpUpdate:
		id, err := e.remoteID(ctx, op, userID)
		if err != nil {
			return err
		}
		return e.remote.Update(ctx, op.Table, op.Payload, id)

	case queue.OpDelete:
		id, err := e.remoteID(ctx, op, userID)
		if errors.Is(err, syncerr.ErrNotSynced) {
			// Never mirrored: there is nothing to delete.
			return nil
		}
		if err != nil {
			return err
		}
		return e.remote.Delete(ctx, op.Table, id)
	}
	return syncerr.Permanent(fmt.Errorf("unknown operation %q", op.Op))
}

// remoteID resolves the match id of an update or delete.
func (e *Engine) remoteID(ctx context.Context, op queue.Operation, userID string) (string, error) {
	if identity.IsRemoteID(op.MatchID) {
		return op.MatchID, nil
	}
	id, found, err := e.resolver.ResolveRecordID(ctx, op.Table, op.MatchID, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", syncerr.Transient(fmt.Errorf("%s/%s: %w", op.Table, op.MatchID, syncerr.ErrNotSynced))
	}
	return id, nil
}

// Learn records the client id to remote id mapping carried by a stored row
// and lets the owning collections adopt the remote id. Collections call it
// after a direct remote write; drains call it after every replayed insert.
func (e *Engine) Learn(ctx context.Context, table string, stored remote.Row) {
	clientID, remoteID := stored.LegacyID(), stored.ID()
	if clientID == "" || remoteID == "" || clientID == remoteID {
		return
	}
	e.resolver.Remember(ctx, table, clientID, remoteID)
	for _, c := range e.registered() {
		if c.Table() != table {
			continue
		}
		if err := c.Reconcile(ctx, clientID, remoteID); err != nil {
			e.logger.Printf("WARNING: failed to reconcile %s %s -> %s: %v", c.Kind(), clientID, remoteID, err)
		}
	}
}
