package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore persists revoked fingerprints in the revoked_tokens table.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type revokedToken struct {
	Fingerprint string    `db:"fingerprint"`
	ExpiresAt   time.Time `db:"expires_at"`
	RevokedAt   time.Time `db:"revoked_at"`
}

// NewSQLStore creates a Store backed by db
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Revoke(ctx context.Context, fingerprint string, expiresAt time.Time) (bool, error) {
	now := s.now().UTC()
	if !now.Before(expiresAt) {
		return true, nil
	}

	// An expired row for the same fingerprint is replaced; a live one is kept.
	query := `
		INSERT INTO revoked_tokens (fingerprint, expires_at, revoked_at)
		VALUES (:fingerprint, :expires_at, :revoked_at)
		ON CONFLICT (fingerprint) DO UPDATE
			SET expires_at = EXCLUDED.expires_at, revoked_at = EXCLUDED.revoked_at
			WHERE revoked_tokens.expires_at <= EXCLUDED.revoked_at
	`
	res, err := s.db.NamedExecContext(ctx, query, revokedToken{
		Fingerprint: fingerprint,
		ExpiresAt:   expiresAt.UTC(),
		RevokedAt:   now,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE fingerprint = $1 AND expires_at > $2)`,
		fingerprint, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return exists, nil
}

// PurgeExpired deletes rows whose token has expired
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
