package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// HashToken computes the one-way digest under which refresh tokens are
// stored and looked up. The raw token never reaches the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Store describes persistence operations required by the auth subsystem.
// The relational store is the single source of truth for login_attempts,
// locked_until and revoked, so concurrent correctness relies on atomic row
// updates here rather than in-process locks.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Audit(ctx context.Context) AuditStore

	// CommitLogin performs the success-path pairing in one transaction:
	// reset lockout counters, stamp last_login and persist the refresh
	// token record. If the token insert fails the counter reset must roll
	// back and the login is treated as failed.
	CommitLogin(ctx context.Context, userID string, rec *RefreshTokenRecord, now time.Time) error
}

// AccountStore manages admin accounts.
type AccountStore interface {
	Create(ctx context.Context, account *AdminAccount) error
	Find(ctx context.Context, id string) (*AdminAccount, error)
	FindByUsername(ctx context.Context, username string) (*AdminAccount, error)

	// RecordFailure atomically increments login_attempts and, at the
	// threshold, sets locked_until = now + lockFor. It returns the
	// post-increment state.
	RecordFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (attempts int, lockedUntil *time.Time, err error)

	// UpdatePassword stores a new hash+salt pair and clears the
	// must_change_password flag.
	UpdatePassword(ctx context.Context, id, passwordHash, salt string, now time.Time) error

	Count(ctx context.Context) (int, error)
}

// RefreshTokenStore is the ledger of issued refresh tokens, keyed by hash.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	FindByHash(ctx context.Context, userID, tokenHash string) (*RefreshTokenRecord, error)
	RevokeByHash(ctx context.Context, userID, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID string) error

	// DeleteExpired garbage-collects expired and revoked rows and reports
	// how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends immutable entries. Rows are never updated or deleted
// by this subsystem.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
}
