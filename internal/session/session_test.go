package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// scriptedProvider returns canned answers and records the call order.
type scriptedProvider struct {
	mu      sync.Mutex
	cached  *Session
	refresh *Session
	user    *User
	err     error
	calls   []string
	block   chan struct{}
}

func (p *scriptedProvider) record(name string) {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
}

func (p *scriptedProvider) CachedSession(ctx context.Context) (*Session, error) {
	p.record("cached")
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.cached, p.err
}

func (p *scriptedProvider) RefreshSession(context.Context) (*Session, error) {
	p.record("refresh")
	return p.refresh, nil
}

func (p *scriptedProvider) UserDirect(context.Context) (*User, error) {
	p.record("user")
	return p.user, nil
}

func TestGate_Resolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := &Session{AccessToken: "tok", UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	expired := &Session{AccessToken: "old", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}

	tests := []struct {
		name           string
		provider       *scriptedProvider
		allowAnonymous bool
		wantState      State
		wantUser       string
		wantAuthorized bool
		wantCalls      int
	}{
		{
			name:           "cached valid",
			provider:       &scriptedProvider{cached: valid},
			wantState:      StateCachedValid,
			wantUser:       "u1",
			wantAuthorized: true,
			wantCalls:      1,
		},
		{
			name:           "expired then refreshed",
			provider:       &scriptedProvider{cached: expired, refresh: valid},
			wantState:      StateRefreshed,
			wantUser:       "u1",
			wantAuthorized: true,
			wantCalls:      2,
		},
		{
			name:           "cached error falls through",
			provider:       &scriptedProvider{err: errors.New("disk"), refresh: valid},
			wantState:      StateRefreshed,
			wantUser:       "u1",
			wantAuthorized: true,
			wantCalls:      2,
		},
		{
			name:           "user direct",
			provider:       &scriptedProvider{user: &User{ID: "u2"}},
			wantState:      StateRefreshed,
			wantUser:       "u2",
			wantAuthorized: true,
			wantCalls:      3,
		},
		{
			name:           "anonymous not authorized by default",
			provider:       &scriptedProvider{user: &User{ID: "anon", Anonymous: true}},
			wantState:      StateAnonymousFallback,
			wantUser:       "anon",
			wantAuthorized: false,
			wantCalls:      3,
		},
		{
			name:           "anonymous allowed",
			provider:       &scriptedProvider{user: &User{ID: "anon", Anonymous: true}},
			allowAnonymous: true,
			wantState:      StateAnonymousFallback,
			wantUser:       "anon",
			wantAuthorized: true,
			wantCalls:      3,
		},
		{
			name:      "nothing",
			provider:  &scriptedProvider{},
			wantState: StateNone,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.provider, Config{
				AllowAnonymous: tt.allowAnonymous,
				Now:            func() time.Time { return now },
				Logger:         quietLogger(),
			})
			r := g.Resolve(context.Background())
			if r.State != tt.wantState {
				t.Errorf("State = %v, want %v", r.State, tt.wantState)
			}
			if r.UserID != tt.wantUser {
				t.Errorf("UserID = %q, want %q", r.UserID, tt.wantUser)
			}
			if r.Authorized() != tt.wantAuthorized {
				t.Errorf("Authorized() = %v, want %v", r.Authorized(), tt.wantAuthorized)
			}
			if len(tt.provider.calls) != tt.wantCalls {
				t.Errorf("provider calls = %v, want %d calls", tt.provider.calls, tt.wantCalls)
			}
		})
	}
}

func TestGate_ResolveSharesInflightRound(t *testing.T) {
	p := &scriptedProvider{
		cached: &Session{AccessToken: "tok", UserID: "u1"},
		block:  make(chan struct{}),
	}
	g := NewGate(p, Config{Logger: quietLogger()})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Resolution, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Resolve(context.Background())
		}(i)
	}

	// Let every goroutine reach the singleflight group before unblocking.
	time.Sleep(50 * time.Millisecond)
	close(p.block)
	wg.Wait()

	for i, r := range results {
		if !r.Authorized() {
			t.Errorf("results[%d] not authorized", i)
		}
	}
	if len(p.calls) >= callers {
		t.Errorf("provider called %d times, expected calls to be shared", len(p.calls))
	}
}

func TestGate_ResolveSurvivesCancelledCaller(t *testing.T) {
	p := &scriptedProvider{
		cached: &Session{AccessToken: "tok", UserID: "u1"},
		block:  make(chan struct{}),
	}
	g := NewGate(p, Config{Logger: quietLogger()})

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstDone := make(chan Resolution, 1)
	go func() { firstDone <- g.Resolve(first) }()
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan Resolution, 1)
	go func() { secondDone <- g.Resolve(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	// The caller that started the round gives up.
	cancel()
	select {
	case r := <-firstDone:
		if r.State != StateNone {
			t.Errorf("cancelled caller state = %v, want none", r.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(p.block)
	select {
	case r := <-secondDone:
		if !r.Authorized() || r.UserID != "u1" {
			t.Errorf("second caller = %+v, want the shared session", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestGate_RevokeCancelsBoundContexts(t *testing.T) {
	p := NewStaticProvider()
	p.SignIn("u1")
	g := NewGate(p, Config{Logger: quietLogger()})

	ctx, cancel := g.Bind(context.Background())
	defer cancel()

	g.Revoke("user signed out")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("bound context not cancelled by Revoke")
	}
	if !IsRevoked(ctx, ctx.Err()) {
		t.Errorf("IsRevoked() = false, cause = %v", context.Cause(ctx))
	}
	if r := g.Resolve(context.Background()); r.Authorized() {
		t.Error("Resolve() authorized after Revoke")
	}

	// Contexts bound while revoked are born cancelled.
	late, lateCancel := g.Bind(context.Background())
	defer lateCancel()
	if late.Err() == nil {
		t.Error("context bound after Revoke should already be cancelled")
	}

	g.Establish()
	fresh, freshCancel := g.Bind(context.Background())
	defer freshCancel()
	if fresh.Err() != nil {
		t.Errorf("context bound after Establish is cancelled: %v", fresh.Err())
	}
	if r := g.Resolve(context.Background()); !r.Authorized() {
		t.Error("Resolve() not authorized after Establish")
	}
}

func TestGate_AccessToken(t *testing.T) {
	p := NewStaticProvider()
	g := NewGate(p, Config{Logger: quietLogger()})

	_, err := g.AccessToken(context.Background())
	if !errors.Is(err, syncerr.ErrSessionUnavailable) {
		t.Errorf("AccessToken() error = %v, want ErrSessionUnavailable", err)
	}

	p.SignIn("u1")
	tok, err := g.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() failed: %v", err)
	}
	if tok != "static-u1" {
		t.Errorf("AccessToken() = %q, want static-u1", tok)
	}
}

func TestFileProvider_CachedSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "auth", "session.json")
	p := NewFileProvider(FileConfig{Path: path, Now: func() time.Time { return now }})

	s, err := p.CachedSession(context.Background())
	if err != nil || s != nil {
		t.Fatalf("CachedSession() without file = %v, %v; want nil, nil", s, err)
	}

	if err := p.Save(&Session{AccessToken: "tok", UserID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}

	s, err = p.CachedSession(context.Background())
	if err != nil {
		t.Fatalf("CachedSession() failed: %v", err)
	}
	if s == nil || s.UserID != "u1" {
		t.Fatalf("CachedSession() = %+v, want user u1", s)
	}

	// Within the skew window the session counts as expired.
	if err := p.Save(&Session{AccessToken: "tok", UserID: "u1", ExpiresAt: now.Add(10 * time.Second)}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if s, _ := p.CachedSession(context.Background()); s != nil {
		t.Errorf("CachedSession() inside skew = %+v, want nil", s)
	}

	if err := p.SignOut(); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}
	if err := p.SignOut(); err != nil {
		t.Errorf("second SignOut() failed: %v", err)
	}
}

func TestFileProvider_RefreshAndUser(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon-key" {
			http.Error(w, "missing apikey", http.StatusUnauthorized)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["refresh_token"] != "r1" {
			http.Error(w, "bad refresh token", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "r2",
			"expires_in":    3600,
			"user":          map[string]any{"id": "u1"},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "u1", "is_anonymous": false})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	p := NewFileProvider(FileConfig{
		Path:       path,
		RefreshURL: srv.URL + "/auth/v1/token",
		UserURL:    srv.URL + "/auth/v1/user",
		APIKey:     "anon-key",
		Now:        func() time.Time { return now },
	})
	if err := p.Save(&Session{AccessToken: "stale", RefreshToken: "r1", UserID: "u1", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	g := NewGate(p, Config{Now: func() time.Time { return now }, Logger: quietLogger()})
	r := g.Resolve(context.Background())
	if r.State != StateRefreshed || !r.Authorized() {
		t.Fatalf("Resolve() = %v (authorized=%v), want refreshed", r.State, r.Authorized())
	}
	if r.Session.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want fresh", r.Session.AccessToken)
	}

	// The refreshed token was written back.
	s, err := p.CachedSession(context.Background())
	if err != nil || s == nil {
		t.Fatalf("CachedSession() after refresh = %v, %v", s, err)
	}
	if s.RefreshToken != "r2" {
		t.Errorf("RefreshToken = %q, want r2", s.RefreshToken)
	}

	u, err := p.UserDirect(context.Background())
	if err != nil {
		t.Fatalf("UserDirect() failed: %v", err)
	}
	if u.ID != "u1" || u.Anonymous {
		t.Errorf("UserDirect() = %+v, want non-anonymous u1", u)
	}
}

func TestFileProvider_RefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid grant", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewFileProvider(FileConfig{
		Path:       filepath.Join(t.TempDir(), "session.json"),
		RefreshURL: srv.URL,
	})
	if err := p.Save(&Session{AccessToken: "a", RefreshToken: "r", UserID: "u", ExpiresAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if _, err := p.RefreshSession(context.Background()); err == nil {
		t.Error("RefreshSession() should fail on 400")
	}

	g := NewGate(p, Config{Logger: quietLogger()})
	if r := g.Resolve(context.Background()); r.State != StateNone {
		t.Errorf("Resolve() = %v, want none", r.State)
	}
}
