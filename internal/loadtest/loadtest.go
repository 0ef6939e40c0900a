// Package loadtest exercises the sync engine under concurrent writers.
//
// A Harness wires an engine to a local cache (SQLite or memory) and an
// in-process remote store with optional transient fault injection. Writers
// add records concurrently through the entity stores; afterwards the
// harness syncs everything and verifies that no write was lost or
// duplicated, locally or remotely.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/entity"
	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Config describes a load test environment.
type Config struct {
	// CachePath is the SQLite cache file. Empty uses an in-memory cache.
	CachePath string

	// Online signs the harness in before writing. Offline writes stay
	// local until SyncAll.
	Online bool

	// FailureRate is the probability that a remote call fails transiently
	// while writers run.
	FailureRate float64

	// Seed makes fault injection reproducible.
	Seed int64

	// Logger for engine activity (default: discard).
	Logger *log.Logger
}

// Harness is a populated engine under test.
type Harness struct {
	Eng      *engine.Engine
	Stores   *entity.Stores
	Remote   *remote.MemoryStore
	Provider *session.StaticProvider

	rngMu sync.Mutex
	rng   *rand.Rand
}

// LatencyStats captures write latency from a load test.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Durations   []time.Duration
}

// NewHarness creates a harness from cfg.
func NewHarness(ctx context.Context, cfg Config) (*Harness, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	var c cache.Cache
	if cfg.CachePath == "" {
		c = cache.NewMemory()
	} else {
		db, err := cache.Open(cfg.CachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		c = db
	}

	h := &Harness{
		Remote:   remote.NewMemoryStore(),
		Provider: session.NewStaticProvider(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.Online {
		h.Provider.SignIn("loadtest-user")
	}

	eng, err := engine.New(engine.Config{Logger: cfg.Logger}, engine.Deps{
		Cache:  c,
		Gate:   session.NewGate(h.Provider, session.Config{Logger: cfg.Logger}),
		Remote: h.Remote,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := eng.Open(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	h.Eng = eng
	h.Stores = entity.New(eng)

	if cfg.FailureRate > 0 {
		rate := cfg.FailureRate
		h.Remote.FailWith(func(remote.Call) error {
			if h.roll() < rate {
				return syncerr.Transient(errors.New("injected 503"))
			}
			return nil
		})
	}
	return h, nil
}

func (h *Harness) roll() float64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64()
}

// Close flushes the engine and closes the cache.
func (h *Harness) Close() error {
	return h.Eng.Close(context.Background())
}

// RunConcurrentWrites simulates numWriters concurrent writers, each adding
// writesPerWriter records. Even writes are tasks, odd writes tracker logs.
func (h *Harness) RunConcurrentWrites(ctx context.Context, numWriters, writesPerWriter int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, writesPerWriter)
			for j := 0; j < writesPerWriter; j++ {
				kind := entity.KindTasks
				in := entity.Input{Name: fmt.Sprintf("writer %d task %d", writerID, j)}
				if j%2 == 1 {
					kind = entity.KindTrackerLogs
					in = entity.Input{Name: fmt.Sprintf("writer-%d", writerID), Value: float64(j), Unit: "reps"}
				}

				start := time.Now()
				_, out, err := h.Stores.Add(ctx, kind, in)
				durations = append(durations, time.Since(start))

				if err == nil && out.Kind == syncerr.KindLocalStorage {
					err = out.Err
				}
				if err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					return
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful writes completed: %w", errors.Join(errs...))
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, nil
}

// SyncAll stops fault injection, signs in and syncs until the queue is
// empty or maxPasses is reached. It returns the total processed.
func (h *Harness) SyncAll(ctx context.Context, maxPasses int) (int, error) {
	h.Remote.FailWith(nil)
	h.Provider.SignIn("loadtest-user")

	processed := 0
	for pass := 0; pass < maxPasses; pass++ {
		report, err := h.Eng.OnSessionEstablished(ctx)
		if err != nil {
			return processed, err
		}
		processed += report.Drain.Processed
		if report.Drain.Failed > 0 {
			return processed, fmt.Errorf("%d operations dropped during sync", report.Drain.Failed)
		}
		if report.Drain.Remaining == 0 {
			return processed, nil
		}
	}
	n, _ := h.Eng.Queue().Len(ctx)
	return processed, fmt.Errorf("queue not empty after %d passes: %d remaining", maxPasses, n)
}

// Verify checks that exactly want records of each written kind exist
// locally and remotely and that every local record carries a remote id.
func (h *Harness) Verify(ctx context.Context, wantTasks, wantLogs int) error {
	tasks, _ := h.Stores.Tasks.List(ctx)
	logs, _ := h.Stores.TrackerLogs.List(ctx)

	if len(tasks) != wantTasks {
		return fmt.Errorf("local tasks = %d, want %d", len(tasks), wantTasks)
	}
	if len(logs) != wantLogs {
		return fmt.Errorf("local tracker logs = %d, want %d", len(logs), wantLogs)
	}
	if n := len(h.Remote.Rows(h.Stores.Tasks.Table())); n != wantTasks {
		return fmt.Errorf("remote tasks = %d, want %d", n, wantTasks)
	}
	if n := len(h.Remote.Rows(h.Stores.TrackerLogs.Table())); n != wantLogs {
		return fmt.Errorf("remote tracker logs = %d, want %d", n, wantLogs)
	}

	seen := make(map[string]bool, len(tasks)+len(logs))
	check := func(id string) error {
		if !identity.IsRemoteID(id) {
			return fmt.Errorf("record %s was never mirrored", id)
		}
		if seen[id] {
			return fmt.Errorf("record %s appears twice", id)
		}
		seen[id] = true
		return nil
	}
	for _, t := range tasks {
		if err := check(t.ID); err != nil {
			return err
		}
	}
	for _, l := range logs {
		if err := check(l.ID); err != nil {
			return err
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Write Latency:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
