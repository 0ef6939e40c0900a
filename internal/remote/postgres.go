package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

const postgresDriver = "pgx"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps every entity table as (id, user_id, conflict_key, data)
// with the row itself in a JSONB column.
//
// conflict_key holds the natural key of upserted rows so ON CONFLICT can
// dedupe them. Plain inserts leave it NULL.
type PostgresStore struct {
	db *sql.DB

	mu      sync.Mutex
	ensured map[string]bool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db, ensured: make(map[string]bool)}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres: %w", err)
	}
	return nil
}

// EnsureTable creates table and its indexes if needed.
func (s *PostgresStore) EnsureTable(ctx context.Context, table string) error {
	if !tableName.MatchString(table) {
		return syncerr.Permanent(fmt.Errorf("invalid table name %q", table))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[table] {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			conflict_key TEXT UNIQUE,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_legacy ON %s((data->'metadata'->>'legacy_id'))`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPG(fmt.Errorf("failed to ensure table %s: %w", table, err))
		}
	}
	s.ensured[table] = true
	return nil
}

// classifyPG categorizes a database error by SQLSTATE class.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return syncerr.Transient(err)
		case "22", "23", "28", "42":
			return syncerr.Permanent(err)
		}
	}
	return syncerr.Transient(err)
}

func encodeData(row Row, id string) ([]byte, error) {
	data := row.Clone()
	data[ColumnID] = id
	b, err := json.Marshal(data)
	if err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("failed to encode row: %w", err))
	}
	return b, nil
}

func decodeData(b []byte) (Row, error) {
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

// Select implements Store.Select.
func (s *PostgresStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := s.EnsureTable(ctx, table); err != nil {
		return nil, err
	}
	filter := map[string]any{}
	for k, v := range q.Eq {
		filter[k] = v
	}
	fb, err := json.Marshal(filter)
	if err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("failed to encode filter: %w", err))
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE user_id = $1 AND data @> $2::jsonb ORDER BY updated_at DESC`, table)
	rows, err := s.db.QueryContext(ctx, query, q.UserID, string(fb))
	if err != nil {
		return nil, classifyPG(fmt.Errorf("failed to select %s: %w", table, err))
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, classifyPG(fmt.Errorf("failed to scan %s: %w", table, err))
		}
		row, err := decodeData(b)
		if err != nil {
			return nil, syncerr.Permanent(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(fmt.Errorf("error iterating %s: %w", table, err))
	}
	return out, nil
}

// Insert implements Store.Insert.
func (s *PostgresStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := s.EnsureTable(ctx, table); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	data, err := encodeData(row, id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, data) VALUES ($1, $2, $3::jsonb) RETURNING data`, table)
	var b []byte
	if err := s.db.QueryRowContext(ctx, query, id, fmt.Sprint(row[ColumnUserID]), string(data)).Scan(&b); err != nil {
		return nil, classifyPG(fmt.Errorf("failed to insert into %s: %w", table, err))
	}
	return decodeData(b)
}

// Update implements Store.Update.
func (s *PostgresStore) Update(ctx context.Context, table string, row Row, matchID string) error {
	if err := s.EnsureTable(ctx, table); err != nil {
		return err
	}
	if _, err := uuid.Parse(matchID); err != nil {
		return nil
	}
	patch := row.Clone()
	delete(patch, ColumnID)
	b, err := json.Marshal(patch)
	if err != nil {
		return syncerr.Permanent(fmt.Errorf("failed to encode row: %w", err))
	}

	query := fmt.Sprintf(`UPDATE %s SET data = data || $1::jsonb, updated_at = now() WHERE id = $2`, table)
	if _, err := s.db.ExecContext(ctx, query, string(b), matchID); err != nil {
		return classifyPG(fmt.Errorf("failed to update %s: %w", table, err))
	}
	return nil
}

// Delete implements Store.Delete.
func (s *PostgresStore) Delete(ctx context.Context, table string, matchID string) error {
	if err := s.EnsureTable(ctx, table); err != nil {
		return err
	}
	if _, err := uuid.Parse(matchID); err != nil {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
	if _, err := s.db.ExecContext(ctx, query, matchID); err != nil {
		return classifyPG(fmt.Errorf("failed to delete from %s: %w", table, err))
	}
	return nil
}

// Upsert implements Store.Upsert.
func (s *PostgresStore) Upsert(ctx context.Context, table string, row Row, conflictKeys []string) (Row, error) {
	if err := s.EnsureTable(ctx, table); err != nil {
		return nil, err
	}
	key, err := conflictValue(row, conflictKeys)
	if err != nil {
		return nil, syncerr.Permanent(err)
	}
	id := uuid.NewString()
	data, err := encodeData(row, id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, user_id, conflict_key, data) VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (conflict_key) DO UPDATE SET
			data = %[1]s.data || (excluded.data - 'id'),
			updated_at = now()
		RETURNING data`, table)
	var b []byte
	if err := s.db.QueryRowContext(ctx, query, id, fmt.Sprint(row[ColumnUserID]), key, string(data)).Scan(&b); err != nil {
		return nil, classifyPG(fmt.Errorf("failed to upsert into %s: %w", table, err))
	}
	return decodeData(b)
}

// FindByLegacyID implements Store.FindByLegacyID.
func (s *PostgresStore) FindByLegacyID(ctx context.Context, table, userID, legacyID string) (string, bool, error) {
	if err := s.EnsureTable(ctx, table); err != nil {
		return "", false, err
	}
	query := fmt.Sprintf(`SELECT id::text FROM %s WHERE user_id = $1 AND data->'metadata'->>'legacy_id' = $2 LIMIT 1`, table)
	var id string
	err := s.db.QueryRowContext(ctx, query, userID, legacyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyPG(fmt.Errorf("failed to find %s by legacy id: %w", table, err))
	}
	return id, true, nil
}
