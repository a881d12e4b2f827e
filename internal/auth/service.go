package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatehouse.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultRoleName   = "user"
)

// Service is the token lifecycle manager. It orchestrates issuance,
// validation, and the atomic rotate-or-revoke transitions over the
// token store; refresh-token records move ACTIVE -> REVOKED -> purged
// and are never un-revoked.
type Service struct {
	directory DirectoryStore
	tokens    TokenStore
	resolver  *Resolver

	verifier *Verifier
	codec    *Codec

	now        func() time.Time
	issuer     string
	hashCost   int
	accessTTL  time.Duration
	refreshTTL time.Duration

	limits *loginLimiter
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithHashCost configures the bcrypt cost factor.
func WithHashCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost > 0 {
			s.hashCost = cost
		}
		return nil
	}
}

// WithLoginLimit bounds repeated login attempts per handle using a
// token bucket. Zero values disable the limiter.
func WithLoginLimit(burst, perMinute int) ServiceOption {
	return func(s *Service) error {
		if burst > 0 && perMinute > 0 {
			s.limits = newLoginLimiter(burst, perMinute)
		}
		return nil
	}
}

// NewService constructs the lifecycle manager. The signing secret is
// required; everything else has defaults.
func NewService(directory DirectoryStore, tokens TokenStore, roles RoleStore, secret string, opts ...ServiceOption) (*Service, error) {
	if directory == nil || tokens == nil || roles == nil {
		return nil, errors.New("auth: directory, token, and role stores are required")
	}
	s := &Service{
		directory:  directory,
		tokens:     tokens,
		resolver:   NewResolver(roles),
		now:        time.Now,
		issuer:     "gatehouse",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	codec, err := NewCodec(secret, s.issuer, s.now)
	if err != nil {
		return nil, err
	}
	s.codec = codec
	s.verifier = NewVerifier(s.hashCost)
	return s, nil
}

// Roles exposes the role hierarchy resolver.
func (s *Service) Roles() *Resolver { return s.resolver }

// Principal loads a directory entry by id.
func (s *Service) Principal(ctx context.Context, id string) (*Principal, error) {
	return s.directory.PrincipalByID(ctx, id)
}

// Register creates a directory entry. At least one handle (username or
// email) is required; a collision on either yields ErrHandleTaken.
func (s *Service) Register(ctx context.Context, displayName, username, email, password string) (*Principal, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" && email == "" {
		return nil, errors.New("auth: username or email is required")
	}
	if email != "" && !strings.Contains(email, "@") {
		return nil, errors.New("auth: valid email is required")
	}
	if password == "" {
		return nil, errors.New("auth: password is required")
	}
	hash, err := s.verifier.Hash(password)
	if err != nil {
		return nil, err
	}
	p := &Principal{
		ID:           ids.New(),
		DisplayName:  strings.TrimSpace(displayName),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		RoleName:     defaultRoleName,
		CreatedAt:    s.now().UTC(),
	}
	p.UpdatedAt = p.CreatedAt
	if err := s.directory.CreatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Login authenticates handle (email or username) and password and
// issues a fresh pair. Every authentication failure collapses into
// ErrInvalidCredentials so callers cannot tell which factor was wrong.
func (s *Service) Login(ctx context.Context, handle, password string) (TokenPair, *Principal, error) {
	handle = strings.TrimSpace(strings.ToLower(handle))
	if handle == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if s.limits != nil && !s.limits.allow(handle, s.now()) {
		return TokenPair{}, nil, ErrLoginThrottled
	}
	p, err := s.directory.PrincipalByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	ok, err := s.verifier.Verify(password, p.PasswordHash)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !ok {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	pair, err := s.Issue(ctx, p.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, p, nil
}

// Issue mints an access/refresh pair for principalID and persists the
// hashed refresh record as ACTIVE. The raw refresh token is returned
// exactly once and is never retrievable again.
func (s *Service) Issue(ctx context.Context, principalID string) (TokenPair, error) {
	pair, rec, err := s.mintPair(principalID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.Insert(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("auth: persist refresh record: %w", err)
	}
	return pair, nil
}

// Validate decodes a token and returns its claims, propagating the
// codec's three error kinds unchanged.
func (s *Service) Validate(token string) (*Claims, error) {
	return s.codec.Decode(token)
}

// ValidateAccess decodes a token and additionally requires it to be an
// access token; a refresh token presented as a bearer credential is
// malformed for this purpose.
func (s *Service) ValidateAccess(token string) (*Claims, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.Use != TokenUseAccess {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// Rotate redeems a raw refresh token for a new pair. The presented
// token is single-use: the matched record is revoked, stale records
// for the subject are purged, and the replacement is inserted as one
// atomic storage unit. A concurrent Rotate with the same token loses
// the conditional revoke and fails with ErrTokenReuse.
func (s *Service) Rotate(ctx context.Context, rawRefresh string) (TokenPair, error) {
	matched, err := s.matchActive(ctx, rawRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	pair, replacement, err := s.mintPair(matched.PrincipalID)
	if err != nil {
		return TokenPair{}, err
	}
	won, err := s.tokens.Rotate(ctx, matched.ID, replacement)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: rotate refresh record: %w", err)
	}
	if !won {
		return TokenPair{}, ErrTokenReuse
	}
	return pair, nil
}

// Revoke invalidates the presented refresh token without issuing a
// replacement. Used for logout. A token that matches no active record
// fails with ErrTokenReuse, same as Rotate.
func (s *Service) Revoke(ctx context.Context, rawRefresh string) error {
	matched, err := s.matchActive(ctx, rawRefresh)
	if err != nil {
		return err
	}
	won, err := s.tokens.RevokeActive(ctx, matched.ID)
	if err != nil {
		return fmt.Errorf("auth: revoke refresh record: %w", err)
	}
	if !won {
		return ErrTokenReuse
	}
	if err := s.tokens.PurgeStale(ctx, matched.PrincipalID); err != nil {
		return fmt.Errorf("auth: purge stale records: %w", err)
	}
	return nil
}

// matchActive decodes rawRefresh and finds the authoritative stored
// record. Records hold hashes, not plaintext, and there is no faster
// lookup key than the subject, so matching is a linear scan under the
// verifier's slow compare.
func (s *Service) matchActive(ctx context.Context, rawRefresh string) (*RefreshTokenRecord, error) {
	claims, err := s.codec.Decode(rawRefresh)
	if err != nil {
		return nil, err
	}
	if claims.Use != TokenUseRefresh {
		return nil, ErrTokenMalformed
	}
	records, err := s.tokens.ActiveByPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("auth: load refresh records: %w", err)
	}
	now := s.now()
	for i := range records {
		if !records[i].Active(now) {
			continue
		}
		ok, err := s.verifier.VerifyToken(rawRefresh, records[i].TokenHash)
		if err != nil {
			return nil, err
		}
		if ok {
			return &records[i], nil
		}
	}
	return nil, ErrTokenReuse
}

func (s *Service) mintPair(principalID string) (TokenPair, *RefreshTokenRecord, error) {
	access, accessExp, err := s.codec.Encode(principalID, TokenUseAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, refreshExp, err := s.codec.Encode(principalID, TokenUseRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	hash, err := s.verifier.HashToken(refresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	rec := &RefreshTokenRecord{
		ID:          ids.New(),
		PrincipalID: principalID,
		TokenHash:   hash,
		IssuedAt:    s.now().UTC(),
		ExpiresAt:   refreshExp,
	}
	pair := TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return pair, rec, nil
}

// loginLimiter holds a token bucket per handle. Buckets idle past the
// prune window are dropped to bound memory.
type loginLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*loginBucket
	burst    int
	limit    rate.Limit
	pruneLen int
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLoginLimiter(burst, perMinute int) *loginLimiter {
	return &loginLimiter{
		buckets:  make(map[string]*loginBucket),
		burst:    burst,
		limit:    rate.Limit(float64(perMinute) / 60.0),
		pruneLen: 4096,
	}
}

func (l *loginLimiter) allow(handle string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[handle]
	if !ok {
		if len(l.buckets) >= l.pruneLen {
			l.prune(now)
		}
		b = &loginBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[handle] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *loginLimiter) prune(now time.Time) {
	const ttl = 10 * time.Minute
	for k, b := range l.buckets {
		if now.Sub(b.seen) > ttl {
			delete(l.buckets, k)
		}
	}
}
