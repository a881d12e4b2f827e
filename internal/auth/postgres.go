package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

var (
	_ DirectoryStore = (*PGDirectory)(nil)
	_ TokenStore     = (*PGTokenStore)(nil)
	_ RoleStore      = (*PGRoles)(nil)
)

// PGDirectory implements DirectoryStore on PostgreSQL.
type PGDirectory struct {
	db *sql.DB
}

func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

func (s *PGDirectory) CreatePrincipal(ctx context.Context, p *Principal) error {
	_, err := s.db.ExecContext(ctx,
		`insert into principals(id, display_name, username, email, password_hash, role_name, created_at, updated_at)
		 values($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8)`,
		p.ID, p.DisplayName, p.Username, p.Email, p.PasswordHash, p.RoleName, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrHandleTaken
		}
		return err
	}
	return nil
}

const principalColumns = `id, display_name, coalesce(username,''), coalesce(email,''), password_hash, role_name, created_at, updated_at`

func (s *PGDirectory) PrincipalByHandle(ctx context.Context, handle string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where username=$1 or email=$1`, handle)
	return scanPrincipal(row)
}

func (s *PGDirectory) PrincipalByID(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id=$1`, id)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.DisplayName, &p.Username, &p.Email, &p.PasswordHash, &p.RoleName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Token store ---------------------------------------------------------------

// PGTokenStore implements TokenStore on PostgreSQL. Rotation is a
// single transaction around a conditional UPDATE on the revoked flag;
// zero rows affected means the record was already spent and the whole
// unit rolls back, so a revoke is never observable without its
// replacement.
type PGTokenStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGTokenStore(db *sql.DB) *PGTokenStore {
	return &PGTokenStore{db: db, now: time.Now}
}

// WithNow overrides the store clock (tests).
func (s *PGTokenStore) WithNow(fn func() time.Time) *PGTokenStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *PGTokenStore) Insert(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, principal_id, token_hash, issued_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		rec.ID, rec.PrincipalID, rec.TokenHash, rec.IssuedAt, rec.ExpiresAt,
	)
	return err
}

func (s *PGTokenStore) ActiveByPrincipal(ctx context.Context, principalID string) ([]RefreshTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, principal_id, token_hash, issued_at, expires_at, revoked
		 from refresh_tokens where principal_id=$1 and revoked=false and expires_at > $2`,
		principalID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RefreshTokenRecord
	for rows.Next() {
		var rec RefreshTokenRecord
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &rec.TokenHash, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGTokenStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1`, id)
	return err
}

func (s *PGTokenStore) RevokeActive(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and revoked=false and expires_at > $2`,
		id, s.now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGTokenStore) Rotate(ctx context.Context, revokeID string, replacement *RefreshTokenRecord) (bool, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and revoked=false and expires_at > $2`,
		revokeID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already spent; the concurrent winner keeps its replacement.
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`delete from refresh_tokens where principal_id=$1 and (revoked=true or expires_at <= $2)`,
		replacement.PrincipalID, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, principal_id, token_hash, issued_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		replacement.ID, replacement.PrincipalID, replacement.TokenHash, replacement.IssuedAt, replacement.ExpiresAt,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGTokenStore) PurgeStale(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where principal_id=$1 and (revoked=true or expires_at <= $2)`,
		principalID, s.now().UTC())
	return err
}

// Role store ----------------------------------------------------------------

// PGRoles implements RoleStore on PostgreSQL.
type PGRoles struct {
	db *sql.DB
}

func NewPGRoles(db *sql.DB) *PGRoles {
	return &PGRoles{db: db}
}

func (s *PGRoles) Role(ctx context.Context, name string) (Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select name, coalesce(parent,'') from roles where name=$1`, NormalizeRole(name))
	var role Role
	err := row.Scan(&role.Name, &role.Parent)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %q", ErrRoleNotFound, name)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *PGRoles) EnsureRoles(ctx context.Context, roles []Role) error {
	for _, role := range roles {
		_, err := s.db.ExecContext(ctx,
			`insert into roles(name, parent) values($1, nullif($2,'')) on conflict (name) do nothing`,
			NormalizeRole(role.Name), NormalizeRole(role.Parent))
		if err != nil {
			return err
		}
	}
	return nil
}
