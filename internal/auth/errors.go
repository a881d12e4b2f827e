package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrHandleTaken        = errors.New("auth: handle already registered")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrLoginThrottled     = errors.New("auth: too many login attempts")

	// Decode-time failures. Callers distinguish the three: the rotation
	// flow treats an expired token differently from a forged one.
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenSignature = errors.New("auth: token signature invalid")
	ErrTokenExpired   = errors.New("auth: token expired")

	// ErrTokenReuse is returned when a structurally valid refresh token
	// matches no active record: either the sweep lagged or the token was
	// already spent. Security relevant; callers may alert or lock out.
	ErrTokenReuse = errors.New("auth: refresh token reused or unknown")

	ErrRoleNotFound = errors.New("auth: role not found")
	ErrRoleCycle    = errors.New("auth: role hierarchy cycle")

	ErrHashing      = errors.New("auth: hashing failure")
	ErrVerification = errors.New("auth: hash verification failure")
)
