package authkeep

import (
	"context"
	"fmt"

	"github.com/authkeep/authkeep/password"
)

// Source identifies where an account's credentials are verified.
type Source string

const (
	// SourceLocal verifies against the stored Argon2id hash.
	SourceLocal Source = "local"
	// SourceDirectory delegates verification to an external directory
	// service.
	SourceDirectory Source = "directory"
)

// UserRecord is the engine's read-only view of an account. The engine
// never mutates user rows; lockout counters live in their own store.
type UserRecord struct {
	ID             string
	Username       string
	Email          string
	PasswordHash   string
	Source         Source
	Roles          []string
	Permissions    []string
	OrganizationID string
	BranchIDs      []string
}

// UserProvider resolves accounts from the caller's user store. Lookups
// for unknown accounts return ErrUserNotFound; the engine folds that
// into ErrInvalidCredentials before it reaches a login caller.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (*UserRecord, error)
	GetUserByID(ctx context.Context, id string) (*UserRecord, error)
}

// CredentialVerifier checks one kind of credential. The engine selects
// the implementation from the user record's Source field.
type CredentialVerifier interface {
	Verify(ctx context.Context, user *UserRecord, candidate string) (bool, error)
}

// LocalVerifier checks candidates against the Argon2id hash stored on
// the user record.
type LocalVerifier struct {
	hasher *password.Argon2
}

// NewLocalVerifier returns a verifier using hasher.
func NewLocalVerifier(hasher *password.Argon2) *LocalVerifier {
	return &LocalVerifier{hasher: hasher}
}

func (v *LocalVerifier) Verify(_ context.Context, user *UserRecord, candidate string) (bool, error) {
	if user.PasswordHash == "" {
		return false, nil
	}
	ok, err := v.hasher.Verify(candidate, user.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("local credential check: %w", err)
	}
	return ok, nil
}

// DirectoryClient is the external directory service, consumed as an
// opaque boolean check. The wire protocol is the caller's concern.
type DirectoryClient interface {
	Authenticate(ctx context.Context, username, candidate, orgID string) (bool, error)
}

// DirectoryVerifier delegates to a DirectoryClient.
type DirectoryVerifier struct {
	client DirectoryClient
}

// NewDirectoryVerifier returns a verifier backed by client.
func NewDirectoryVerifier(client DirectoryClient) *DirectoryVerifier {
	return &DirectoryVerifier{client: client}
}

func (v *DirectoryVerifier) Verify(ctx context.Context, user *UserRecord, candidate string) (bool, error) {
	if v.client == nil {
		return false, fmt.Errorf("directory credential check: no client configured")
	}
	ok, err := v.client.Authenticate(ctx, user.Username, candidate, user.OrganizationID)
	if err != nil {
		return false, fmt.Errorf("directory credential check: %w", err)
	}
	return ok, nil
}
