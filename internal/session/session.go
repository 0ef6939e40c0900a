// Package session resolves whether an authorized remote identity is available.
//
// A Gate asks a Provider for a session in a fixed order:
//
//  1. the cached session, if it has not expired
//  2. a refreshed session, if a refresh token exists
//  3. the user directly, which may turn out to be anonymous
//
// Resolve is a pure query. It never mutates local or remote state apart from
// what the Provider itself persists (a refreshed token).
//
// The Gate also owns revocation. Work that must stop when the user signs out
// (a queue drain, for instance) runs under a context returned by Bind. Revoke
// cancels every such context. Establish starts a new generation after a
// successful sign-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// ErrRevoked is the cancellation cause of contexts bound before a Revoke.
var ErrRevoked = errors.New("session revoked")

// Session is an authenticated remote identity.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UserID       string    `json:"user_id"`
	Anonymous    bool      `json:"anonymous,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the session can authorize a remote call at now.
// A zero ExpiresAt never expires.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// User is the identity returned by a direct user lookup.
type User struct {
	ID        string `json:"id"`
	Anonymous bool   `json:"is_anonymous"`
}

// Provider is the session source consumed by the Gate.
//
// Each method returns (nil, nil) when it has nothing to offer. An error means
// the attempt failed; the Gate logs it and moves on to the next method.
type Provider interface {
	CachedSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	UserDirect(ctx context.Context) (*User, error)
}

// State is the outcome of a Resolve.
type State int

const (
	StateNone State = iota
	StateCachedValid
	StateRefreshed
	StateAnonymousFallback
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCachedValid:
		return "cached_valid"
	case StateRefreshed:
		return "refreshed"
	case StateAnonymousFallback:
		return "anonymous_fallback"
	default:
		return "unknown"
	}
}

// Resolution is what the Gate knows about the current identity.
type Resolution struct {
	State   State
	UserID  string
	Session *Session

	authorized bool
}

// Authorized reports whether remote reads and writes may proceed.
func (r Resolution) Authorized() bool {
	return r.authorized
}

// Config configures a Gate.
type Config struct {
	// AllowAnonymous lets an anonymous identity authorize remote calls.
	AllowAnonymous bool

	// Now overrides the clock used for expiry checks.
	Now func() time.Time

	// Logger for gate events. If nil, uses default logger.
	Logger *log.Logger
}

// Gate resolves sessions and tracks revocation.
type Gate struct {
	provider       Provider
	allowAnonymous bool
	now            func() time.Time
	logger         *log.Logger

	group singleflight.Group

	mu      sync.Mutex
	gen     context.Context
	cancel  context.CancelCauseFunc
	revoked bool
}

// NewGate creates a Gate over provider.
func NewGate(provider Provider, cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	g := &Gate{
		provider:       provider,
		allowAnonymous: cfg.AllowAnonymous,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	g.gen, g.cancel = context.WithCancelCause(context.Background())
	return g
}

// Resolve determines the current identity.
//
// Concurrent calls share a single round of provider calls. After Revoke and
// until Establish, Resolve reports StateNone without consulting the provider.
func (g *Gate) Resolve(ctx context.Context) Resolution {
	if g.Revoked() {
		return Resolution{State: StateNone}
	}
	ch := g.group.DoChan("resolve", func() (any, error) {
		// The round outlives the caller that started it; others may be
		// waiting on it.
		return g.resolve(context.WithoutCancel(ctx)), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Resolution)
	case <-ctx.Done():
		return Resolution{State: StateNone}
	}
}

func (g *Gate) resolve(ctx context.Context) Resolution {
	now := g.now()

	s, err := g.provider.CachedSession(ctx)
	if err != nil {
		g.logger.Printf("WARNING: cached session unavailable: %v", err)
	}
	if s.Valid(now) {
		if s.Anonymous {
			return g.anonymous(s.UserID, s)
		}
		return Resolution{State: StateCachedValid, UserID: s.UserID, Session: s, authorized: true}
	}

	s, err = g.provider.RefreshSession(ctx)
	if err != nil {
		g.logger.Printf("WARNING: session refresh failed: %v", err)
	}
	if s.Valid(now) {
		if s.Anonymous {
			return g.anonymous(s.UserID, s)
		}
		return Resolution{State: StateRefreshed, UserID: s.UserID, Session: s, authorized: true}
	}

	u, err := g.provider.UserDirect(ctx)
	if err != nil {
		g.logger.Printf("WARNING: user lookup failed: %v", err)
	}
	if u != nil && u.ID != "" {
		if u.Anonymous {
			return g.anonymous(u.ID, nil)
		}
		return Resolution{State: StateRefreshed, UserID: u.ID, authorized: true}
	}

	return Resolution{State: StateNone}
}

func (g *Gate) anonymous(userID string, s *Session) Resolution {
	return Resolution{
		State:      StateAnonymousFallback,
		UserID:     userID,
		Session:    s,
		authorized: g.allowAnonymous,
	}
}

// AccessToken returns the bearer token of the current session.
func (g *Gate) AccessToken(ctx context.Context) (string, error) {
	r := g.Resolve(ctx)
	if !r.Authorized() || r.Session == nil {
		return "", fmt.Errorf("failed to get access token: %w", syncerr.ErrSessionUnavailable)
	}
	return r.Session.AccessToken, nil
}

// Bind derives a context that is cancelled when the gate is revoked.
//
// The returned CancelFunc must be called to release resources.
func (g *Gate) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	if gen.Err() != nil {
		cancel(context.Cause(gen))
		return ctx, func() { cancel(context.Canceled) }
	}
	stop := context.AfterFunc(gen, func() {
		cancel(context.Cause(gen))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Revoke cancels every context bound since the last Establish.
func (g *Gate) Revoke(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.revoked {
		return
	}
	g.revoked = true
	g.cancel(fmt.Errorf("%w: %s", ErrRevoked, reason))
	g.logger.Printf("Session revoked: %s", reason)
}

// Establish starts a new generation after a successful sign-in.
func (g *Gate) Establish() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gen.Err() != nil {
		g.gen, g.cancel = context.WithCancelCause(context.Background())
	}
	g.revoked = false
}

// Revoked reports whether Revoke was called since the last Establish.
func (g *Gate) Revoked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.revoked
}

// IsRevoked reports whether err stems from a revoked context.
func IsRevoked(ctx context.Context, err error) bool {
	if errors.Is(err, ErrRevoked) {
		return true
	}
	return ctx != nil && errors.Is(context.Cause(ctx), ErrRevoked)
}
