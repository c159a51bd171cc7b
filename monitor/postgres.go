package monitor

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
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists attempts in the login_attempts table.
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
		log: log.With(zap.String("store", "login_attempts")),
	}
}

func (s *PostgresStore) Insert(ctx context.Context, a *Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO login_attempts
			(id, username, user_id, ip_address, user_agent, attempted_at,
			 success, failure_reason)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		a.ID, a.Username, a.UserID, a.IPAddress, a.UserAgent, a.At,
		a.Success, a.FailureReason)
	if err != nil {
		s.log.Error("failed to insert login attempt",
			zap.Error(err), zap.String("username", a.Username))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) FailuresByUsername(ctx context.Context, since time.Time) ([]FailureGroup, error) {
	return s.groups(ctx, `
		SELECT username, COUNT(*), COUNT(DISTINCT ip_address),
		       MIN(attempted_at), MAX(attempted_at)
		FROM login_attempts
		WHERE NOT success AND attempted_at >= $1
		GROUP BY username`, since)
}

func (s *PostgresStore) FailuresByIP(ctx context.Context, since time.Time) ([]FailureGroup, error) {
	return s.groups(ctx, `
		SELECT ip_address, COUNT(*), COUNT(DISTINCT username),
		       MIN(attempted_at), MAX(attempted_at)
		FROM login_attempts
		WHERE NOT success AND attempted_at >= $1
		GROUP BY ip_address`, since)
}

func (s *PostgresStore) groups(ctx context.Context, query string, since time.Time) ([]FailureGroup, error) {
	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []FailureGroup
	for rows.Next() {
		var g FailureGroup
		if err := rows.Scan(&g.Key, &g.Count, &g.Distinct, &g.FirstSeen, &g.LastSeen); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out = append(out, g)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, rows.Err())
	}
	return out, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM login_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		s.log.Error("failed to prune login attempts", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
