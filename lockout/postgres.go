package lockout

import (
	"context"
	"errors"
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

// PostgresStore keeps lockout state in the user_lockout_state table,
// one row per account, created lazily on the first failure.
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
		log: log.With(zap.String("store", "lockout")),
	}
}

func (s *PostgresStore) IncrementFailures(ctx context.Context, userID string, now time.Time) (int, error) {
	// The increment happens inside the database, so two parallel failed
	// logins can never both observe the same count.
	var count int
	err := s.db.QueryRow(ctx, `
		INSERT INTO user_lockout_state (user_id, failed_attempts, last_failed_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET failed_attempts = user_lockout_state.failed_attempts + 1,
		    last_failed_at  = EXCLUDED.last_failed_at
		RETURNING failed_attempts`, userID, now).Scan(&count)
	if err != nil {
		s.log.Error("failed to increment lockout counter",
			zap.Error(err), zap.String("user_id", userID))
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func (s *PostgresStore) SetLockoutEnd(ctx context.Context, userID string, until time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_lockout_state (user_id, failed_attempts, lockout_end)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET lockout_end = EXCLUDED.lockout_end`,
		userID, until)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM user_lockout_state WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*State, error) {
	var state State
	err := s.db.QueryRow(ctx, `
		SELECT failed_attempts, lockout_end, last_failed_at
		FROM user_lockout_state WHERE user_id = $1`, userID).
		Scan(&state.FailedCount, &state.LockoutEnd, &state.LastFailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &state, nil
}
