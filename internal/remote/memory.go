package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Call is one attempted Store call, recorded by MemoryStore.
type Call struct {
	Op           string
	Table        string
	MatchID      string
	Row          Row
	ConflictKeys []string
	Err          error
}

// MemoryStore is an in-process Store.
//
// Every attempted call is logged, including ones rejected by the fault hook,
// so tests can assert dispatch order and attempt counts.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
	calls  []Call
	fail   func(Call) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

// FailWith installs a fault hook consulted before every call. A non-nil
// return aborts the call with that error. Pass nil to remove the hook.
func (m *MemoryStore) FailWith(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Calls returns the call log.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Rows returns a copy of every row in table, in insertion order.
func (m *MemoryStore) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// begin logs the call and runs the fault hook. Caller holds mu.
func (m *MemoryStore) begin(c Call) error {
	if m.fail != nil {
		c.Err = m.fail(c)
	}
	m.calls = append(m.calls, c)
	return c.Err
}

// Select implements Store.Select.
func (m *MemoryStore) Select(_ context.Context, table string, q Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "select", Table: table}); err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range m.tables[table] {
		if q.UserID != "" && fmt.Sprint(r[ColumnUserID]) != q.UserID {
			continue
		}
		if !matches(r, q.Eq) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func matches(r Row, eq map[string]any) bool {
	for k, v := range eq {
		if fmt.Sprint(r[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Insert implements Store.Insert.
func (m *MemoryStore) Insert(_ context.Context, table string, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "insert", Table: table, Row: row.Clone()}); err != nil {
		return nil, err
	}
	return m.insertLocked(table, row), nil
}

func (m *MemoryStore) insertLocked(table string, row Row) Row {
	stored := row.Clone()
	if _, err := uuid.Parse(stored.ID()); err != nil {
		stored[ColumnID] = uuid.NewString()
	}
	m.tables[table] = append(m.tables[table], stored)
	return stored.Clone()
}

// Update implements Store.Update.
func (m *MemoryStore) Update(_ context.Context, table string, row Row, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "update", Table: table, MatchID: matchID, Row: row.Clone()}); err != nil {
		return err
	}
	for _, r := range m.tables[table] {
		if r.ID() == matchID {
			merge(r, row)
		}
	}
	return nil
}

func merge(dst, src Row) {
	for k, v := range src {
		if k == ColumnID {
			continue
		}
		dst[k] = v
	}
}

// Delete implements Store.Delete.
func (m *MemoryStore) Delete(_ context.Context, table string, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "delete", Table: table, MatchID: matchID}); err != nil {
		return err
	}
	rows := m.tables[table][:0]
	for _, r := range m.tables[table] {
		if r.ID() != matchID {
			rows = append(rows, r)
		}
	}
	m.tables[table] = rows
	return nil
}

// Upsert implements Store.Upsert.
func (m *MemoryStore) Upsert(_ context.Context, table string, row Row, conflictKeys []string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "upsert", Table: table, Row: row.Clone(), ConflictKeys: conflictKeys}); err != nil {
		return nil, err
	}
	want, err := conflictValue(row, conflictKeys)
	if err != nil {
		return nil, syncerr.Permanent(err)
	}
	for _, r := range m.tables[table] {
		if got, err := conflictValue(r, conflictKeys); err == nil && got == want {
			merge(r, row)
			return r.Clone(), nil
		}
	}
	return m.insertLocked(table, row), nil
}

// FindByLegacyID implements Store.FindByLegacyID.
func (m *MemoryStore) FindByLegacyID(_ context.Context, table, userID, legacyID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(Call{Op: "find", Table: table, MatchID: legacyID}); err != nil {
		return "", false, err
	}
	for _, r := range m.tables[table] {
		if fmt.Sprint(r[ColumnUserID]) == userID && r.LegacyID() == legacyID {
			return r.ID(), true, nil
		}
	}
	return "", false, nil
}
