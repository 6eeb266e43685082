package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"clubdesk.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Accounts(context.Context) AccountStore { return &accountStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *PGStore) Audit(context.Context) AuditStore { return &auditStore{db: s.db} }

func (s *PGStore) CommitLogin(ctx context.Context, userID string, rec *RefreshTokenRecord, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update admin_users
		set login_attempts = 0, locked_until = null, last_login = $2, updated_at = $2
		where id = $1`,
		userID, now,
	); err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, false, $5)`,
		rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Account store ------------------------------------------------------------

type accountStore struct{ db *sql.DB }

const accountColumns = `id, username, email, password_hash, salt, is_active,
	must_change_password, login_attempts, locked_until, last_login, created_at, updated_at`

func (s *accountStore) Create(ctx context.Context, account *AdminAccount) error {
	if account.ID == "" {
		account.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into admin_users(id, username, email, password_hash, salt, is_active, must_change_password)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Username, account.Email, account.PasswordHash,
		account.Salt, account.IsActive, account.MustChangePassword,
	)
	return err
}

func (s *accountStore) Find(ctx context.Context, id string) (*AdminAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_users where id = $1`, id)
	return scanAccount(row)
}

func (s *accountStore) FindByUsername(ctx context.Context, username string) (*AdminAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_users where username = $1`, username)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*AdminAccount, error) {
	var (
		account     AdminAccount
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(
		&account.ID, &account.Username, &account.Email, &account.PasswordHash,
		&account.Salt, &account.IsActive, &account.MustChangePassword,
		&account.LoginAttempts, &lockedUntil, &lastLogin,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		account.LockedUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		account.LastLogin = &t
	}
	return &account, nil
}

func (s *accountStore) RecordFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	// The increment and the lock transition happen in a single statement so
	// concurrent failed attempts cannot race past the threshold.
	row := s.db.QueryRowContext(ctx, `
		update admin_users
		set login_attempts = login_attempts + 1,
		    locked_until = case when login_attempts + 1 >= $2 then $3 else locked_until end,
		    updated_at = $4
		where id = $1
		returning login_attempts, locked_until`,
		id, maxAttempts, now.Add(lockFor), now,
	)
	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	if err := row.Scan(&attempts, &lockedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		return attempts, &t, nil
	}
	return attempts, nil, nil
}

func (s *accountStore) UpdatePassword(ctx context.Context, id, passwordHash, salt string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update admin_users
		set password_hash = $2, salt = $3, must_change_password = false, updated_at = $4
		where id = $1`,
		id, passwordHash, salt, now,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *accountStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from admin_users`).Scan(&n)
	return n, err
}

// Refresh token ledger -----------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, revoked)
		values ($1, $2, $3, $4, false)`,
		rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) FindByHash(ctx context.Context, userID, tokenHash string) (*RefreshTokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked, created_at
		from refresh_tokens
		where user_id = $1 and token_hash = $2`,
		userID, tokenHash,
	)
	var rec RefreshTokenRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *refreshTokenStore) RevokeByHash(ctx context.Context, userID, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true
		where user_id = $1 and token_hash = $2 and revoked = false`,
		userID, tokenHash,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true
		where user_id = $1 and revoked = false`,
		userID,
	)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens where expires_at <= $1 or revoked = true`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Audit store --------------------------------------------------------------

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	oldValues, err := json.Marshal(rec.OldValues)
	if err != nil {
		return err
	}
	newValues, err := json.Marshal(rec.NewValues)
	if err != nil {
		return err
	}
	var userID any
	if rec.UserID != "" {
		userID = rec.UserID
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs(id, user_id, action, resource, resource_id, old_values, new_values, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, userID, rec.Action, rec.Resource, rec.ResourceID,
		oldValues, newValues, rec.IP, rec.UserAgent, rec.CreatedAt,
	)
	return err
}
