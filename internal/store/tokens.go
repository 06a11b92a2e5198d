package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertToken stores one hashed portal token.
func (s *Store) InsertToken(ctx context.Context, t *Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (token_hash, site_id, scope, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.TokenHash, t.SiteID, t.Scope, t.CreatedAt, t.ExpiresAt)
	return err
}

// LookupToken resolves a token hash to its grant. Expired and unknown
// tokens both return nil.
func (s *Store) LookupToken(ctx context.Context, tokenHash string, now time.Time) (*Token, error) {
	var t Token
	err := s.pool.QueryRow(ctx, `
		SELECT token_hash, site_id, scope, created_at, expires_at
		FROM tokens WHERE token_hash = $1 AND expires_at > $2`, tokenHash, now).
		Scan(&t.TokenHash, &t.SiteID, &t.Scope, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteExpiredTokens removes tokens past their expiry.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetOperator returns one operator, or nil when unknown.
func (s *Store) GetOperator(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	err := s.pool.QueryRow(ctx, `
		SELECT username, password_hash, role, created_at
		FROM operators WHERE username = $1`, username).
		Scan(&op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// CountOperators reports how many operator accounts exist. The boot
// path seeds an initial admin when this is zero.
func (s *Store) CountOperators(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM operators`).Scan(&n)
	return n, err
}

// CreateOperator inserts one operator account.
func (s *Store) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operators (username, password_hash, role)
		VALUES ($1, $2, $3)`, op.Username, op.PasswordHash, op.Role)
	return err
}
