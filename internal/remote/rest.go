package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RESTConfig configures a RESTStore.
type RESTConfig struct {
	// BaseURL of the backend, e.g. https://project.example.co
	BaseURL string

	// APIKey is sent as the apikey header.
	APIKey string

	// Timeout per request (default: 15s).
	Timeout time.Duration

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// RESTStore talks to a PostgREST-style JSON API at <BaseURL>/rest/v1/<table>.
type RESTStore struct {
	base   string
	apiKey string
	client *http.Client
	tokens TokenSource
}

var _ Store = (*RESTStore)(nil)

// NewRESTStore creates a client. tokens is consulted on every request.
func NewRESTStore(cfg RESTConfig, tokens TokenSource) (*RESTStore, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTStore{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		client: client,
		tokens: tokens,
	}, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.Status)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Status, e.Body)
}

// classifyStatus maps an HTTP status to Transient or Permanent.
func classifyStatus(status int, body string) error {
	err := &StatusError{Status: status, Body: body}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return syncerr.Transient(err)
	default:
		return syncerr.Permanent(err)
	}
}

func (s *RESTStore) tableURL(table string, params url.Values) string {
	u := s.base + "/rest/v1/" + url.PathEscape(table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (s *RESTStore) do(ctx context.Context, method, target string, body any, prefer string, out any) error {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerr.Permanent(fmt.Errorf("failed to encode row: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return syncerr.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return syncerr.Transient(fmt.Errorf("failed to reach remote: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return classifyStatus(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Transient(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func eqFilter(v any) string {
	return "eq." + fmt.Sprint(v)
}

// Select implements Store.Select.
func (s *RESTStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	params := url.Values{}
	params.Set("select", "*")
	if q.UserID != "" {
		params.Set(ColumnUserID, eqFilter(q.UserID))
	}
	for k, v := range q.Eq {
		params.Set(k, eqFilter(v))
	}
	var rows []Row
	if err := s.do(ctx, http.MethodGet, s.tableURL(table, params), nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements Store.Insert.
func (s *RESTStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	var rows []Row
	if err := s.do(ctx, http.MethodPost, s.tableURL(table, nil), row, "return=representation", &rows); err != nil {
		return nil, err
	}
	return single(rows)
}

// Update implements Store.Update.
func (s *RESTStore) Update(ctx context.Context, table string, row Row, matchID string) error {
	params := url.Values{}
	params.Set(ColumnID, eqFilter(matchID))
	body := row.Clone()
	delete(body, ColumnID)
	return s.do(ctx, http.MethodPatch, s.tableURL(table, params), body, "return=minimal", nil)
}

// Delete implements Store.Delete.
func (s *RESTStore) Delete(ctx context.Context, table string, matchID string) error {
	params := url.Values{}
	params.Set(ColumnID, eqFilter(matchID))
	return s.do(ctx, http.MethodDelete, s.tableURL(table, params), nil, "return=minimal", nil)
}

// Upsert implements Store.Upsert.
func (s *RESTStore) Upsert(ctx context.Context, table string, row Row, conflictKeys []string) (Row, error) {
	params := url.Values{}
	if len(conflictKeys) > 0 {
		params.Set("on_conflict", strings.Join(conflictKeys, ","))
	}
	var rows []Row
	prefer := "resolution=merge-duplicates,return=representation"
	if err := s.do(ctx, http.MethodPost, s.tableURL(table, params), row, prefer, &rows); err != nil {
		return nil, err
	}
	return single(rows)
}

// FindByLegacyID implements Store.FindByLegacyID.
func (s *RESTStore) FindByLegacyID(ctx context.Context, table, userID, legacyID string) (string, bool, error) {
	params := url.Values{}
	params.Set("select", ColumnID)
	params.Set(ColumnUserID, eqFilter(userID))
	params.Set("metadata->>legacy_id", eqFilter(legacyID))
	params.Set("limit", "1")

	var rows []Row
	if err := s.do(ctx, http.MethodGet, s.tableURL(table, params), nil, "", &rows); err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].ID(), true, nil
}

func single(rows []Row) (Row, error) {
	if len(rows) == 0 {
		return nil, syncerr.Transient(errors.New("remote returned no representation"))
	}
	return rows[0], nil
}
