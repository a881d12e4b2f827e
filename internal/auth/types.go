package auth

import "time"

// Principal is an entry in the user directory.
type Principal struct {
	ID           string
	DisplayName  string
	Username     string
	Email        string
	PasswordHash string
	RoleName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role is a node in the role forest. Parent is empty for root roles;
// a role is at least as privileged as every role on its parent chain.
type Role struct {
	Name   string
	Parent string
}

// RefreshTokenRecord is the persisted, hashed form of an issued refresh
// token. The raw token value is returned to the caller exactly once and
// never stored. Revoked flips false to true exactly once; revoked and
// expired records are garbage-collected by PurgeStale.
type RefreshTokenRecord struct {
	ID          string
	PrincipalID string
	TokenHash   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Active reports whether the record can still redeem a rotation.
// Expiry is a read-time predicate, not a stored state.
func (r RefreshTokenRecord) Active(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// TokenPair carries freshly issued credentials and their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
