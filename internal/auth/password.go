package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier hashes and verifies secrets with bcrypt. The cost factor is
// process-wide configuration, fixed at construction. Verification cost
// is intentional: refresh-token matching is a linear scan over hashed
// records, and the slow compare is what resists brute force.
type Verifier struct {
	cost int
}

// NewVerifier builds a Verifier with the given bcrypt cost. Cost 0
// selects bcrypt's default; out-of-range values are clamped.
func NewVerifier(cost int) *Verifier {
	switch {
	case cost == 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &Verifier{cost: cost}
}

// Hash returns the bcrypt hash of secret. Weak input is not rejected
// here; policy belongs to callers.
func (v *Verifier) Hash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return string(hash), nil
}

// Verify reports whether secret matches hash. A mismatch is (false, nil);
// only malformed hash input yields an error.
func (v *Verifier) Verify(secret, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}
}

// HashToken hashes refresh-token material. Tokens exceed bcrypt's
// 72-byte input limit, so the value is pre-digested with SHA-256.
func (v *Verifier) HashToken(raw string) (string, error) {
	return v.Hash(digestToken(raw))
}

// VerifyToken reports whether raw matches a hash produced by HashToken.
func (v *Verifier) VerifyToken(raw, hash string) (bool, error) {
	return v.Verify(digestToken(raw), hash)
}

func digestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
