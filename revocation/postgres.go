package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// PgxIface is the subset of pgxpool.Pool the store uses.
type PgxIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists records in the revoked_tokens table.
type PostgresStore struct {
	db  PgxIface
	log *zap.Logger
}

// NewPostgresStore returns a Store backed by db.
func NewPostgresStore(db PgxIface, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{
		db:  db,
		log: log.With(zap.String("store", "revoked_tokens")),
	}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO revoked_tokens
			(token_id, user_id, revoked_at, original_expires_at, reason,
			 revoked_by, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (token_id) DO NOTHING`,
		rec.TokenID, rec.UserID, rec.RevokedAt, rec.OriginalExpiresAt,
		rec.Reason, rec.RevokedBy, rec.IPAddress, rec.UserAgent)
	if err != nil {
		s.log.Error("failed to insert revocation",
			zap.Error(err), zap.String("user_id", rec.UserID))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`,
		tokenID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM revoked_tokens WHERE original_expires_at < $1`, cutoff)
	if err != nil {
		s.log.Error("failed to prune revoked tokens", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
