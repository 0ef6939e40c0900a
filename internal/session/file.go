package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultExpirySkew is subtracted from a session's expiry so that a token is
// refreshed before the remote rejects it.
const DefaultExpirySkew = 30 * time.Second

// FileConfig configures a FileProvider.
type FileConfig struct {
	// Path of the session JSON file.
	Path string

	// RefreshURL receives POST {"refresh_token": ...}. Empty disables refresh.
	RefreshURL string

	// UserURL receives GET with the bearer token. Empty disables lookups.
	UserURL string

	// APIKey is sent as the apikey header on every auth request.
	APIKey string

	// Client is the HTTP client. If nil, a client with a 10s timeout is used.
	Client *http.Client

	// Skew is the expiry safety margin. Zero uses DefaultExpirySkew.
	Skew time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// FileProvider keeps the session in a JSON file on disk.
//
// The file is written by `lifesync login` and by successful refreshes, and is
// removed by SignOut. The daemon watches its directory to detect sign-in and
// sign-out.
type FileProvider struct {
	cfg FileConfig
	mu  sync.Mutex
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider creates a provider for cfg.Path.
func NewFileProvider(cfg FileConfig) *FileProvider {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Skew == 0 {
		cfg.Skew = DefaultExpirySkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FileProvider{cfg: cfg}
}

// Path returns the session file location.
func (p *FileProvider) Path() string {
	return p.cfg.Path
}

// CachedSession implements Provider.CachedSession.
// An expired session is not an error; it yields (nil, nil).
func (p *FileProvider) CachedSession(_ context.Context) (*Session, error) {
	s, err := p.read()
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Valid(p.cfg.Now().Add(p.cfg.Skew)) {
		return nil, nil
	}
	return s, nil
}

// RefreshSession implements Provider.RefreshSession.
func (p *FileProvider) RefreshSession(ctx context.Context) (*Session, error) {
	if p.cfg.RefreshURL == "" {
		return nil, nil
	}
	s, err := p.read()
	if err != nil || s == nil || s.RefreshToken == "" {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"refresh_token": s.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAPIKey(req)

	var resp tokenResponse
	if err := p.do(req, &resp); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	refreshed := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		Anonymous:    resp.User.Anonymous,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = s.RefreshToken
	}
	if refreshed.UserID == "" {
		refreshed.UserID = s.UserID
	}
	if resp.ExpiresIn > 0 {
		refreshed.ExpiresAt = p.cfg.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if err := p.Save(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// UserDirect implements Provider.UserDirect.
//
// The lookup uses whatever access token is on disk, expired or not; the
// remote decides whether it still identifies a user.
func (p *FileProvider) UserDirect(ctx context.Context) (*User, error) {
	if p.cfg.UserURL == "" {
		return nil, nil
	}
	s, err := p.read()
	if err != nil || s == nil || s.AccessToken == "" {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	p.setAPIKey(req)

	var u User
	if err := p.do(req, &u); err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &u, nil
}

// Save writes s to the session file atomically.
func (p *FileProvider) Save(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(p.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod session file: %w", err)
	}
	if err := os.Rename(tmpPath, p.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// SignOut removes the session file. A missing file is not an error.
func (p *FileProvider) SignOut() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

func (p *FileProvider) read() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &s, nil
}

func (p *FileProvider) setAPIKey(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("apikey", p.cfg.APIKey)
	}
}

func (p *FileProvider) do(req *http.Request, out any) error {
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("auth server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}
