// Package remote is the surface of the relational backend that entity
// collections mirror into.
//
// The backend is a black box reached over authenticated HTTPS (RESTStore) or
// directly over the Postgres wire protocol (PostgresStore). MemoryStore is an
// in-process stand-in with fault injection for tests.
//
// Every row returned by a Store carries a remote-assigned UUID in "id". Rows
// created from a device-local record carry the client id in
// metadata.legacy_id so later edits can find them.
//
// Errors returned by a Store are categorized with syncerr: Transient for
// network and server failures, Permanent for rejections.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// Row is one JSON object per table row.
type Row map[string]any

// Well-known column names.
const (
	ColumnID       = "id"
	ColumnUserID   = "user_id"
	ColumnMetadata = "metadata"
	LegacyIDField  = "legacy_id"
)

// ID returns the row's id, or "" if absent.
func (r Row) ID() string {
	s, _ := r[ColumnID].(string)
	return s
}

// LegacyID returns metadata.legacy_id, or "" if absent.
func (r Row) LegacyID() string {
	md, ok := r[ColumnMetadata].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := md[LegacyIDField].(string)
	return s
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Query selects rows of one user, optionally filtered by equality on columns.
type Query struct {
	UserID string
	Eq     map[string]any
}

// Store is the remote mutation and query surface.
type Store interface {
	// Select returns the rows matching q.
	Select(ctx context.Context, table string, q Query) ([]Row, error)

	// Insert creates a row and returns it with its remote id.
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// Update overwrites the columns present in row on the row with id matchID.
	// Matching nothing is not an error.
	Update(ctx context.Context, table string, row Row, matchID string) error

	// Delete removes the row with id matchID. Matching nothing is not an error.
	Delete(ctx context.Context, table string, matchID string) error

	// Upsert inserts row, or merges it into the existing row whose
	// conflictKeys columns are equal, and returns the stored row.
	Upsert(ctx context.Context, table string, row Row, conflictKeys []string) (Row, error)

	// FindByLegacyID returns the id of the user's row whose
	// metadata.legacy_id equals legacyID.
	FindByLegacyID(ctx context.Context, table, userID, legacyID string) (string, bool, error)
}

// conflictValue joins the values of keys in row into one comparable string.
func conflictValue(row Row, keys []string) (string, error) {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			return "", fmt.Errorf("row is missing conflict key %q", k)
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "\x1f"), nil
}
