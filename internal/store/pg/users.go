package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/ids"
)

const userColumns = `id, name, email, coalesce(password_hash, ''), email_verified, is_two_factor_enabled, created_at, updated_at`

type userStore struct{ s *Store }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u        auth.User
		verified sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &verified, &u.IsTwoFactorEnabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	if verified.Valid {
		t := verified.Time
		u.EmailVerified = &t
	}
	return &u, nil
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if u.s.db == nil {
		return nil, errNoDB
	}
	row := u.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, auth.NormalizeEmail(email))
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user.Roles, err = u.s.userRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func (u userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	if u.s.db == nil {
		return nil, errNoDB
	}
	row := u.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user.Roles, err = u.s.userRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// Create inserts user and grants roleNames in one transaction. An unknown
// role returns auth.ErrNotFound and leaves no user behind.
func (u userStore) Create(ctx context.Context, user *auth.User, roleNames ...string) error {
	if u.s.db == nil {
		return errNoDB
	}
	tx, err := u.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	email := auth.NormalizeEmail(user.Email)
	row := tx.QueryRowContext(ctx, `
		insert into users (id, name, email, password_hash, is_two_factor_enabled)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, id, user.Name, email, nullIfEmpty(user.PasswordHash), user.IsTwoFactorEnabled)
	var created, updated time.Time
	if err := row.Scan(&created, &updated); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	for _, name := range roleNames {
		if err := grantRole(ctx, tx, id, name); err != nil {
			return fmt.Errorf("grant %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	user.ID, user.Email = id, email
	user.CreatedAt, user.UpdatedAt = created, updated
	return nil
}

func (u userStore) MarkEmailVerified(ctx context.Context, userID, email string, at time.Time) error {
	if u.s.db == nil {
		return errNoDB
	}
	res, err := u.s.db.ExecContext(ctx, `
		update users set email_verified = $2, email = $3, updated_at = now()
		where id = $1
	`, userID, at, auth.NormalizeEmail(email))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return expectOne(res)
}

func (u userStore) UpdatePassword(ctx context.Context, userID, hash string) error {
	if u.s.db == nil {
		return errNoDB
	}
	res, err := u.s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, hash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonEmpty(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", auth.ErrInvalidInput, field)
	}
	return nil
}
