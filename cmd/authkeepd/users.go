package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authkeep/authkeep"
)

// pgxUserProvider reads account rows from the host application's users
// table. The daemon never writes to it; account management stays with
// the host application.
type pgxUserProvider struct {
	pool *pgxpool.Pool
}

const userColumns = `id, username, email, password_hash, source, roles,
	permissions, COALESCE(organization_id, ''), COALESCE(branch_ids, '{}')`

func (p *pgxUserProvider) GetUserByIdentifier(ctx context.Context, identifier string) (*authkeep.UserRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE username = $1 OR email = $1`, identifier)
	return scanUser(row)
}

func (p *pgxUserProvider) GetUserByID(ctx context.Context, id string) (*authkeep.UserRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*authkeep.UserRecord, error) {
	var (
		u      authkeep.UserRecord
		source string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &source,
		&u.Roles, &u.Permissions, &u.OrganizationID, &u.BranchIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authkeep.ErrUserNotFound
		}
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	u.Source = authkeep.Source(source)
	return &u, nil
}
