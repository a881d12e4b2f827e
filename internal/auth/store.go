package auth

import "context"

// DirectoryStore is the user directory consumed by the service. The
// surrounding CRUD layer owns principal lifecycle beyond creation.
type DirectoryStore interface {
	// CreatePrincipal persists p; a username or email collision yields
	// ErrHandleTaken.
	CreatePrincipal(ctx context.Context, p *Principal) error
	// PrincipalByHandle matches handle against username or email.
	PrincipalByHandle(ctx context.Context, handle string) (*Principal, error)
	PrincipalByID(ctx context.Context, id string) (*Principal, error)
}

// TokenStore persists refresh-token records. Correctness of concurrent
// rotation lives here, not in application memory: Rotate and
// RevokeActive are conditional on the record still being active, and
// exactly one of two racing calls may observe true.
type TokenStore interface {
	Insert(ctx context.Context, rec *RefreshTokenRecord) error
	// ActiveByPrincipal returns records with revoked=false and expiry in
	// the future. Ordering is irrelevant.
	ActiveByPrincipal(ctx context.Context, principalID string) ([]RefreshTokenRecord, error)
	// Revoke unconditionally marks the record revoked. Idempotent.
	Revoke(ctx context.Context, id string) error
	// RevokeActive marks the record revoked only if it is still active,
	// and reports whether this call performed the flip.
	RevokeActive(ctx context.Context, id string) (bool, error)
	// Rotate atomically revokes record revokeID if still active, purges
	// stale records for its principal, and inserts the replacement.
	// A false result means the record was no longer active and nothing
	// was written.
	Rotate(ctx context.Context, revokeID string, replacement *RefreshTokenRecord) (bool, error)
	// PurgeStale deletes revoked or expired records for the principal.
	// Called opportunistically after rotation and logout; an external
	// scheduler may call it more proactively.
	PurgeStale(ctx context.Context, principalID string) error
}

// RoleStore resolves role definitions for the hierarchy resolver.
type RoleStore interface {
	Role(ctx context.Context, name string) (Role, error)
	// EnsureRoles creates any missing role definitions. Existing roles
	// are left untouched.
	EnsureRoles(ctx context.Context, roles []Role) error
}
