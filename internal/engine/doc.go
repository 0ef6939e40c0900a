// Package engine is the local-first synchronization engine.
//
// Overview
//
// An Engine ties together the local cache, the session gate, the remote store,
// the sync queue and the identity resolver. It is constructed once per process
// and passed by reference to every entity collection; nothing here is
// package-level state.
//
// Architecture
//
//	UI / CLI
//	   │
//	   ▼
//	Entity store adapters (internal/store)
//	   │  1. write local cache (always)
//	   │  2. mirror remotely (if a session is authorized)
//	   │  3. enqueue on transient failure
//	   ▼
//	Engine ──────────────► Remote store
//	   ▲                        ▲
//	   │ Drain (FIFO)           │
//	   └──── Sync queue ────────┘
//
// Lifecycle
//
//	eng := engine.New(engine.DefaultConfig(), engine.Deps{...})
//	if err := eng.Open(ctx); err != nil {   // hydrate identity map, queue depth
//	    return err
//	}
//	defer eng.Close(ctx)                     // flush identity map, close cache
//
// Triggers
//
// The drainer runs on two events:
//
//   - OnSessionEstablished: a sign-in succeeded. Starts a new revocation
//     generation, sweeps local-only records of every registered collection,
//     then drains.
//   - OnForeground: the app resumed. Drains if a session is authorized.
//
// OnSignOut revokes the session. An in-flight drain stops dispatching, keeps
// every operation it has not finished, and persists the queue in one write.
//
// Drain
//
// Drain walks the queue in FIFO order, one remote call at a time. A second
// Drain while one is running returns immediately with Skipped set; it will
// observe the queue emptied by the first. The state machine is
// Idle → Draining → Idle.
//
// Retry policy:
//
//   - success: the operation leaves the queue
//   - permanent error (validation, authorization): dropped immediately,
//     counted in Failed and Rejected
//   - transient error (network, 5xx, timeout): RetryCount is incremented; at
//     MaxRetries the operation is dropped and counted in Failed and Exhausted
//
// Every dropped operation is logged, counted in the
// lifesync_sync_dropped_operations_total metric and reported to the Observer.
//
// The remaining set is written back in one cache update. If that write fails
// the queue is left as it was before the drain; operations that already
// succeeded are replayed by the next drain, which is safe because queued
// inserts carry conflict keys and replay as upserts.
package engine
