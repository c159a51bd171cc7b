package twofactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// PgxIface is the subset of pgxpool.Pool the store uses.
type PgxIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists secrets in the two_factor_secrets table.
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
		log: log.With(zap.String("store", "two_factor_secrets")),
	}
}

func (s *PostgresStore) Upsert(ctx context.Context, secret *Secret) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO two_factor_secrets (user_id, secret_key, recovery_hash, enabled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET secret_key = EXCLUDED.secret_key,
		    recovery_hash = EXCLUDED.recovery_hash,
		    enabled_at = EXCLUDED.enabled_at`,
		secret.UserID, secret.SecretKey, secret.RecoveryHash[:], secret.EnabledAt)
	if err != nil {
		s.log.Error("failed to upsert two-factor secret",
			zap.Error(err), zap.String("user_id", secret.UserID))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Secret, error) {
	var (
		secret   Secret
		recovery []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT user_id, secret_key, recovery_hash, enabled_at
		FROM two_factor_secrets WHERE user_id = $1`, userID).
		Scan(&secret.UserID, &secret.SecretKey, &recovery, &secret.EnabledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	copy(secret.RecoveryHash[:], recovery)
	return &secret, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM two_factor_secrets WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClearRecovery(ctx context.Context, userID string, expected [32]byte) (bool, error) {
	// The WHERE clause makes consumption single-shot under concurrency.
	tag, err := s.db.Exec(ctx, `
		UPDATE two_factor_secrets
		SET recovery_hash = $3
		WHERE user_id = $1 AND recovery_hash = $2`,
		userID, expected[:], make([]byte, 32))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}
