package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenUseAccess marks short-lived bearer tokens.
	TokenUseAccess = "access"
	// TokenUseRefresh marks long-lived rotation tokens.
	TokenUseRefresh = "refresh"
)

// Claims is the decoded, verified payload of a signed token. The
// payload carries subject, timestamps, and token use only; roles and
// permissions are re-resolved per request so a minted token can never
// carry stale privileges.
type Claims struct {
	Use string `json:"use"`
	jwt.RegisteredClaims
}

// Codec encodes and decodes self-contained HS256 tokens. It is
// stateless: validity is determined purely by signature and expiry.
// The signing secret is fixed at construction and never re-read.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec builds a Codec. The secret is required; its absence is a
// startup failure, not a per-request condition.
func NewCodec(secret, issuer string, now func() time.Time) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

// Encode signs a token for subject with the given use and ttl, and
// returns the token along with its expiry.
func (c *Codec) Encode(subject, use string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	// The exp claim carries whole seconds; truncate before computing the
	// expiry so the returned time and the claim agree exactly.
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims := Claims{
		Use: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Decode verifies the token and returns its claims. Failures are one
// of three distinguishable kinds: ErrTokenMalformed for structural
// problems, ErrTokenSignature when the MAC check fails, and
// ErrTokenExpired once now reaches the expiry claim.
func (c *Codec) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	if claims.Use != TokenUseAccess && claims.Use != TokenUseRefresh {
		return nil, ErrTokenMalformed
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
