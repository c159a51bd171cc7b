package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// PgxIface is the subset of pgxpool.Pool the store uses, kept narrow so
// tests can substitute a mock connection.
type PgxIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists sessions in the sessions table.
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
		log: log.With(zap.String("store", "sessions")),
	}
}

const sessionColumns = `id, user_id, role, token_id, refresh_hash, issued_at,
	last_activity_at, expires_at, ip_address, user_agent, is_active, ended_at, end_reason`

func (s *PostgresStore) Insert(ctx context.Context, sess *Session, maxActive int) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var evicted []string
	if maxActive > 0 {
		// Lock the user's active rows so two concurrent logins cannot
		// both count below the limit, then evict least-recently-active
		// rows until one slot is free.
		rows, err := tx.Query(ctx, `
			SELECT id FROM sessions
			WHERE user_id = $1 AND is_active
			ORDER BY last_activity_at ASC
			FOR UPDATE`, sess.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var active []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			active = append(active, id)
		}
		rows.Close()
		if rows.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, rows.Err())
		}

		for i := 0; len(active)-i >= maxActive; i++ {
			id := active[i]
			if _, err := tx.Exec(ctx, `
				UPDATE sessions
				SET is_active = false, ended_at = $2, end_reason = $3
				WHERE id = $1 AND is_active`,
				id, sess.IssuedAt, string(EndConcurrentLimitEvicted)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			evicted = append(evicted, id)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, NULL, NULL)`,
		sess.ID, sess.UserID, sess.Role, sess.TokenID, sess.RefreshHash[:],
		sess.IssuedAt, sess.LastActivityAt, sess.ExpiresAt,
		sess.IPAddress, sess.UserAgent)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateToken
		}
		s.log.Error("failed to insert session",
			zap.Error(err), zap.String("user_id", sess.UserID))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return evicted, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Session, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) GetByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	return s.getBy(ctx, "token_id", tokenID)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE `+column+` = $1`, value)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sess, nil
}

func (s *PostgresStore) TouchActivity(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET last_activity_at = $2
		WHERE id = $1 AND is_active`, id, now)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Close(ctx context.Context, id string, reason EndReason, now time.Time) (bool, error) {
	// The is_active predicate makes closure single-shot: of two
	// concurrent closers exactly one observes true.
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET is_active = false, ended_at = $2, end_reason = $3
		WHERE id = $1 AND is_active`, id, now, string(reason))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CloseAllForUser(ctx context.Context, userID string, reason EndReason, excludeID string, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET is_active = false, ended_at = $2, end_reason = $3
		WHERE user_id = $1 AND is_active AND ($4 = '' OR id::text <> $4)`,
		userID, now, string(reason), excludeID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND is_active
		ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) AllActive(ctx context.Context, limit, offset int) ([]*Session, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE is_active`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE is_active
		ORDER BY last_activity_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func (s *PostgresStore) CountActiveByRole(ctx context.Context) ([]RoleCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT role, COUNT(*)
		FROM sessions
		WHERE is_active
		GROUP BY role
		ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var counts []RoleCount
	for rows.Next() {
		var rc RoleCount
		if err := rows.Scan(&rc.Role, &rc.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		counts = append(counts, rc)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, rows.Err())
	}
	return counts, nil
}

func (s *PostgresStore) CountStartedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE issued_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET is_active = false, ended_at = $1, end_reason = $2
		WHERE is_active AND expires_at <= $1`, now, string(EndExpired))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM sessions
		WHERE NOT is_active AND expires_at < $1`, cutoff)
	if err != nil {
		s.log.Error("failed to delete expired sessions", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess    Session
		refresh []byte
		reason  *string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Role, &sess.TokenID, &refresh,
		&sess.IssuedAt, &sess.LastActivityAt, &sess.ExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.IsActive, &sess.EndedAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	copy(sess.RefreshHash[:], refresh)
	if reason != nil {
		sess.EndReason = EndReason(*reason)
	}
	return &sess, nil
}

func scanSessions(rows pgx.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		sessions = append(sessions, sess)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, rows.Err())
	}
	return sessions, nil
}
