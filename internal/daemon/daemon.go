// Package daemon runs the sync engine in the background.
//
// The daemon:
//  1. Watches the session file; a sign-in sweeps and drains, a sign-out
//     revokes the session
//  2. Drains the sync queue on a foreground interval, backing off
//     exponentially while operations keep failing transiently
//  3. Drains on request through Trigger
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mschirtzinger/lifesync/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// SessionPath is the session file to watch. Empty disables watching.
	SessionPath string

	// ForegroundInterval is how often the queue is drained while a session
	// is authorized.
	ForegroundInterval time.Duration

	// DebounceInterval is how long the session file must be quiet before a
	// change is acted on. A save is a create followed by writes.
	DebounceInterval time.Duration

	// RetryInitial and RetryMax bound the backoff after a drain that
	// requeued operations.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ForegroundInterval: 30 * time.Second,
		DebounceInterval:   250 * time.Millisecond,
		RetryInitial:       5 * time.Second,
		RetryMax:           5 * time.Minute,
		Logger:             log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives an engine from session changes, a foreground ticker and
// explicit triggers.
type Daemon struct {
	eng    *engine.Engine
	config *Config

	watcher *SessionWatcher
	pending *SessionEvent
	pendAt  time.Time
	pendMu  sync.Mutex

	triggers chan string

	retryMu   sync.Mutex
	retry     *backoff.ExponentialBackOff
	notBefore time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with the default configuration.
func New(eng *engine.Engine) (*Daemon, error) {
	return NewWithConfig(eng, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.ForegroundInterval <= 0 {
		config.ForegroundInterval = defaults.ForegroundInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = defaults.RetryMax
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		eng:      eng,
		config:   config,
		triggers: make(chan string, 1),
		retry:    newRetry(config),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.SessionPath != "" {
		w, err := NewSessionWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

func newRetry(config *Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.RetryInitial
	b.MaxInterval = config.RetryMax
	// Never give up: the queue is retried for as long as the daemon runs.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start runs the daemon. It establishes the session if one is already
// authorized, then blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.SessionPath); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching session: %s", d.config.SessionPath)
	}

	if d.eng.Resolve(d.ctx).Authorized() {
		d.establish("startup")
	}

	d.wg.Add(3)
	go d.watchSessionEvents()
	go d.processSessionChanges()
	go d.runForeground()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Trigger requests a drain. Requests made while one is pending coalesce.
// A triggered drain ignores the retry backoff.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.triggers <- reason:
	default:
	}
}

// NextAttempt returns the earliest time the foreground loop will drain
// again. It is zero when no backoff is in effect.
func (d *Daemon) NextAttempt() time.Time {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	return d.notBefore
}

func (d *Daemon) watchSessionEvents() {
	defer d.wg.Done()
	if d.watcher == nil {
		return
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Session event: %s %s", ev.Op, ev.Path)
			d.queueSessionChange(ev)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueSessionChange records the latest session event; only the last one
// within a debounce window is acted on.
func (d *Daemon) queueSessionChange(ev SessionEvent) {
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	d.pending = &ev
	d.pendAt = time.Now()
}

func (d *Daemon) processSessionChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingSession()
		}
	}
}

func (d *Daemon) processPendingSession() {
	d.pendMu.Lock()
	ev := d.pending
	if ev == nil || time.Since(d.pendAt) < d.config.DebounceInterval {
		d.pendMu.Unlock()
		return
	}
	d.pending = nil
	d.pendMu.Unlock()

	switch ev.Op {
	case SessionWritten:
		d.establish("session written")
	case SessionRemoved:
		d.config.Logger.Println("Session removed, revoking")
		d.eng.OnSignOut("session file removed")
	}
}

// establish runs the sign-in sync and updates the retry backoff.
func (d *Daemon) establish(reason string) {
	report, err := d.eng.OnSessionEstablished(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error during session sync (%s): %v", reason, err)
	}
	d.config.Logger.Printf("Session sync (%s): swept=%d processed=%d failed=%d remaining=%d",
		reason, report.Swept, report.Drain.Processed, report.Drain.Failed, report.Drain.Remaining)
	d.settleRetry(report.Drain, err)
}

func (d *Daemon) runForeground() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ForegroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case reason := <-d.triggers:
			d.config.Logger.Printf("Drain requested: %s", reason)
			d.drain()

		case <-ticker.C:
			if time.Now().Before(d.NextAttempt()) {
				continue
			}
			d.drain()
		}
	}
}

func (d *Daemon) drain() {
	res, err := d.eng.OnForeground(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error draining queue: %v", err)
	}
	d.settleRetry(res, err)
}

// settleRetry backs off after a drain that left retryable work and resets
// after a clean one.
func (d *Daemon) settleRetry(res engine.DrainResult, err error) {
	if res.Skipped || res.NoSession || res.Aborted {
		return
	}

	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	if err == nil && res.Requeued == 0 {
		d.retry.Reset()
		d.notBefore = time.Time{}
		return
	}
	wait := d.retry.NextBackOff()
	if wait == backoff.Stop {
		wait = d.config.RetryMax
	}
	d.notBefore = time.Now().Add(wait)
	d.config.Logger.Printf("Retrying queue in %s (%d operations waiting)", wait.Round(time.Millisecond), res.Remaining)
}
