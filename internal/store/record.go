package store

import (
	"time"

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Metadata is the structured metadata every record carries remotely.
type Metadata struct {
	// LegacyID is the client-minted id a record had before its first
	// successful remote write.
	LegacyID string `json:"legacy_id,omitempty"`
}

// Base holds the fields shared by every entity record. Kinds embed it.
type Base struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  Metadata  `json:"metadata"`
}

// Record is implemented by every type that embeds Base.
type Record interface {
	Record() *Base
}

// Record returns b itself.
func (b *Base) Record() *Base { return b }

// Matches reports whether id names this record, either by its current id or
// by the client id it carried before mirroring.
func (b *Base) Matches(id string) bool {
	return id != "" && (b.ID == id || b.Metadata.LegacyID == id)
}

// Path says where a write landed.
type Path int

const (
	// PathNoop means nothing was written, e.g. the record was not found or
	// the local cache failed.
	PathNoop Path = iota

	// PathLocalOnly means the write is local only. It is mirrored by the next
	// sweep (no session) or not at all (permanent remote rejection).
	PathLocalOnly

	// PathQueued means the remote attempt failed transiently, or the record
	// is remote-known but no session was available, and the write was queued.
	PathQueued

	// PathRemote means the write was mirrored remotely.
	PathRemote
)

func (p Path) String() string {
	switch p {
	case PathNoop:
		return "noop"
	case PathLocalOnly:
		return "local_only"
	case PathQueued:
		return "queued"
	case PathRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result of an adapter write or list. Adapters never
// return remote errors; callers that care inspect the Outcome.
type Outcome struct {
	Path Path
	Kind syncerr.Kind
	Err  error
}

// Mirrored reports whether the remote copy is up to date.
func (o Outcome) Mirrored() bool {
	return o.Path == PathRemote
}

// FellBack reports whether the call degraded to local state.
func (o Outcome) FellBack() bool {
	return o.Err != nil
}

func outcome(p Path, err error) Outcome {
	if err == nil {
		return Outcome{Path: p}
	}
	return Outcome{Path: p, Kind: syncerr.Classify(err), Err: err}
}
