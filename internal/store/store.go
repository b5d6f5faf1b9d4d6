// Package store provides durable persistence for override mappings and
// favorited identities, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hifisync/hifisync/internal/domain/track"
)

// Store owns the database holding override mappings and favorited
// identities. Writes commit synchronously before returning; an override
// acknowledged here survives restarts.
type Store struct {
	db *sql.DB
}

// Override is one persisted identity-to-candidate mapping. Title and artist
// are denormalized copies kept for listings.
type Override struct {
	Key         string
	Title       string
	Artist      string
	CandidateID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS overrides (
	identity_key TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	artist       TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS favorites (
	identity_key TEXT PRIMARY KEY,
	favorited_at TIMESTAMP NOT NULL
);
`

// Open opens or creates the store database at path and migrates the schema.
// ":memory:" works for throwaway stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping store database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate store schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetOverride persists an identity-to-candidate mapping, replacing any
// previous mapping for the same identity.
func (s *Store) SetOverride(ctx context.Context, id track.Identity, candidateID string) error {
	if candidateID == "" {
		return errors.New("candidate id is required")
	}
	if id.IsZero() {
		return errors.New("identity is required")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO overrides (identity_key, title, artist, candidate_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			candidate_id = excluded.candidate_id,
			updated_at   = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, id.Key(), id.Title, id.Artist, candidateID, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to persist override")
	}

	return nil
}

// GetOverride returns the candidate id mapped to the identity key, with
// found=false when no mapping exists.
func (s *Store) GetOverride(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT candidate_id FROM overrides WHERE identity_key = ?`

	var candidateID string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&candidateID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to query override")
	}

	return candidateID, true, nil
}

// ClearOverride removes the mapping for the identity key. It reports
// whether a mapping existed.
func (s *Store) ClearOverride(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE identity_key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "failed to clear override")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to count cleared overrides")
	}

	return affected > 0, nil
}

// ListOverrides returns all mappings, most recently updated first.
func (s *Store) ListOverrides(ctx context.Context) ([]Override, error) {
	query := `
		SELECT identity_key, title, artist, candidate_id, created_at, updated_at
		FROM overrides
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list overrides")
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Key, &o.Title, &o.Artist, &o.CandidateID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan override row")
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate override rows")
	}

	return overrides, nil
}

// MarkFavorited records that the favorite action ran for the identity key.
// Marking twice is a no-op.
func (s *Store) MarkFavorited(ctx context.Context, key string) error {
	query := `
		INSERT INTO favorites (identity_key, favorited_at)
		VALUES (?, ?)
		ON CONFLICT(identity_key) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, key, time.Now().UTC()); err != nil {
		return errors.Wrap(err, "failed to mark favorited")
	}

	return nil
}

// IsFavorited reports whether the favorite action already ran for the
// identity key, in this process or an earlier one.
func (s *Store) IsFavorited(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM favorites WHERE identity_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to query favorites")
	}

	return true, nil
}

// ResetAll wipes all overrides and favorites in one transaction.
func (s *Store) ResetAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin reset transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM overrides`); err != nil {
		return errors.Wrap(err, "failed to clear overrides")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
		return errors.Wrap(err, "failed to clear favorites")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit reset")
	}

	return nil
}
