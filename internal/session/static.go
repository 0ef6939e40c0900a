package session

import (
	"context"
	"sync"
)

// StaticProvider serves a fixed identity. It backs the in-memory remote
// backend and tests.
type StaticProvider struct {
	mu      sync.Mutex
	session *Session
	user    *User
	calls   int
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider returns a provider with no identity.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// SignIn sets a non-expiring session for userID.
func (p *StaticProvider) SignIn(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = &Session{AccessToken: "static-" + userID, UserID: userID}
	p.user = &User{ID: userID}
}

// SignInAnonymous sets an anonymous identity.
func (p *StaticProvider) SignInAnonymous(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	p.user = &User{ID: userID, Anonymous: true}
}

// SignOut clears the identity.
func (p *StaticProvider) SignOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	p.user = nil
}

// Calls returns how many provider rounds have started.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// CachedSession implements Provider.CachedSession.
func (p *StaticProvider) CachedSession(_ context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.session == nil {
		return nil, nil
	}
	s := *p.session
	return &s, nil
}

// RefreshSession implements Provider.RefreshSession.
func (p *StaticProvider) RefreshSession(_ context.Context) (*Session, error) {
	return nil, nil
}

// UserDirect implements Provider.UserDirect.
func (p *StaticProvider) UserDirect(_ context.Context) (*User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return nil, nil
	}
	u := *p.user
	return &u, nil
}
