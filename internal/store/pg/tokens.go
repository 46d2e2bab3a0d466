package pg

import (
	"context"
	"database/sql"
	"errors"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/ids"
)

type twoFactorStore struct{ s *Store }

func (t twoFactorStore) Replace(ctx context.Context, tok *auth.TwoFactorToken) error {
	email := auth.NormalizeEmail(tok.Email)
	return t.s.withEmailLock(ctx, "2fa", email, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from two_factor_tokens where email = $1`, email); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			insert into two_factor_tokens (id, email, code, expires)
			values ($1, $2, $3, $4)
		`, tok.ID, email, tok.Code, tok.Expires.UTC())
		return err
	})
}

func (t twoFactorStore) FindByEmail(ctx context.Context, email string) (*auth.TwoFactorToken, error) {
	if t.s.db == nil {
		return nil, errNoDB
	}
	var tok auth.TwoFactorToken
	err := t.s.db.QueryRowContext(ctx, `
		select id, email, code, expires from two_factor_tokens where email = $1
	`, auth.NormalizeEmail(email)).Scan(&tok.ID, &tok.Email, &tok.Code, &tok.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Consume deletes by id; the row count tells whether this call won.
func (t twoFactorStore) Consume(ctx context.Context, tok *auth.TwoFactorToken) (bool, error) {
	if t.s.db == nil {
		return false, errNoDB
	}
	res, err := t.s.db.ExecContext(ctx, `delete from two_factor_tokens where id = $1`, tok.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFailure bumps failed_attempts on the row. A replaced or consumed
// code has no row and counts as zero.
func (t twoFactorStore) RecordFailure(ctx context.Context, tok *auth.TwoFactorToken) (int, error) {
	if t.s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := t.s.db.QueryRowContext(ctx, `
		update two_factor_tokens set failed_attempts = failed_attempts + 1
		where id = $1
		returning failed_attempts
	`, tok.ID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

type confirmationStore struct{ s *Store }

func (c confirmationStore) Replace(ctx context.Context, userID string) (*auth.TwoFactorConfirmation, error) {
	if c.s.db == nil {
		return nil, errNoDB
	}
	conf := &auth.TwoFactorConfirmation{ID: ids.New(), UserID: userID}
	err := c.s.db.QueryRowContext(ctx, `
		insert into two_factor_confirmations (id, user_id)
		values ($1, $2)
		on conflict (user_id) do update set id = excluded.id, created_at = now()
		returning created_at
	`, conf.ID, userID).Scan(&conf.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return conf, nil
}

func (c confirmationStore) FindByUser(ctx context.Context, userID string) (*auth.TwoFactorConfirmation, error) {
	if c.s.db == nil {
		return nil, errNoDB
	}
	var conf auth.TwoFactorConfirmation
	err := c.s.db.QueryRowContext(ctx, `
		select id, user_id, created_at from two_factor_confirmations where user_id = $1
	`, userID).Scan(&conf.ID, &conf.UserID, &conf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c confirmationStore) Delete(ctx context.Context, userID string) error {
	if c.s.db == nil {
		return errNoDB
	}
	_, err := c.s.db.ExecContext(ctx, `delete from two_factor_confirmations where user_id = $1`, userID)
	return err
}

// emailTokenStore serves verification_tokens and password_reset_tokens,
// which share a layout.
type emailTokenStore struct {
	s     *Store
	table string
	kind  string
}

func (e emailTokenStore) Replace(ctx context.Context, tok *auth.EmailToken) error {
	email := auth.NormalizeEmail(tok.Email)
	return e.s.withEmailLock(ctx, e.kind, email, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from `+e.table+` where email = $1`, email); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			insert into `+e.table+` (id, email, token, expires)
			values ($1, $2, $3, $4)
		`, tok.ID, email, tok.Token, tok.Expires.UTC())
		return err
	})
}

func (e emailTokenStore) FindByToken(ctx context.Context, token string) (*auth.EmailToken, error) {
	if e.s.db == nil {
		return nil, errNoDB
	}
	var tok auth.EmailToken
	err := e.s.db.QueryRowContext(ctx, `
		select id, email, token, expires from `+e.table+` where token = $1
	`, token).Scan(&tok.ID, &tok.Email, &tok.Token, &tok.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (e emailTokenStore) Delete(ctx context.Context, id string) error {
	if e.s.db == nil {
		return errNoDB
	}
	res, err := e.s.db.ExecContext(ctx, `delete from `+e.table+` where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
