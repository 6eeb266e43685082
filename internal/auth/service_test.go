package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

const testPassword = "correct-horse-battery"

var testHash, testSalt = func() (string, string) {
	hash, salt, err := HashPassword(testPassword, "")
	if err != nil {
		panic(err)
	}
	return hash, salt
}()

var accountCols = []string{
	"id", "username", "email", "password_hash", "salt", "is_active",
	"must_change_password", "login_attempts", "locked_until", "last_login",
	"created_at", "updated_at",
}

func accountRow(base time.Time, attempts int, lockedUntil any) *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).AddRow(
		"u1", "admin", "admin@club.example", testHash, testSalt, true,
		false, attempts, lockedUntil, nil, base, base,
	)
}

func disabledAccountRow(base time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).AddRow(
		"u1", "admin", "admin@club.example", testHash, testSalt, false,
		false, 0, nil, nil, base, base,
	)
}

func newMockService(t *testing.T, clock func() time.Time, opts ...Option) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	issuer, err := NewTokenIssuer("access-secret-a", "refresh-secret-b", WithTokenClock(clock))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	svc := NewService(NewPGStore(db), issuer, opts...)
	return svc, mock, func() { _ = db.Close() }
}

func expectAudit(mock sqlmock.Sqlmock) {
	mock.ExpectExec("insert into audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestLoginSuccessResetsCounters(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(accountRow(base, 3, nil))
	mock.ExpectBegin()
	mock.ExpectExec("set login_attempts = 0, locked_until = null").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectAudit(mock)

	result, err := svc.Login(context.Background(), LoginInput{
		Username: "Admin", Password: testPassword, IP: "203.0.113.9", UserAgent: "test",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if result.Account.LoginAttempts != 0 || result.Account.LockedUntil != nil {
		t.Fatalf("expected counters reset, got %+v", result.Account)
	}
	if result.Account.LastLogin == nil || !result.Account.LastLogin.Equal(base) {
		t.Fatalf("expected last login stamped at %v", base)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoginUnknownUserIsUniform(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	expectAudit(mock)

	_, err := svc.Login(context.Background(), LoginInput{Username: "ghost", Password: "whatever-pass"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(disabledAccountRow(base))
	expectAudit(mock)

	_, err := svc.Login(context.Background(), LoginInput{Username: "admin", Password: testPassword})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestLoginLockoutScenario(t *testing.T) {
	// Five consecutive failures lock the account for 30 minutes; the correct
	// password inside the window is still rejected; after 31 simulated
	// minutes the same password succeeds.
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	current := base
	svc, mock, done := newMockService(t, func() time.Time { return current })
	defer done()

	failureRows := func(attempts int, lockedUntil any) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"login_attempts", "locked_until"}).
			AddRow(attempts, lockedUntil)
	}

	// Failures one through four: wrong password, no lock yet.
	for i := 1; i <= 4; i++ {
		mock.ExpectQuery("select id, username, email").WithArgs("admin").
			WillReturnRows(accountRow(base, i-1, nil))
		mock.ExpectQuery("set login_attempts = login_attempts").
			WillReturnRows(failureRows(i, nil))
		expectAudit(mock)

		_, err := svc.Login(context.Background(), LoginInput{Username: "admin", Password: "wrong-password"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// Fifth failure crosses the threshold.
	lockDeadline := base.Add(30 * time.Minute)
	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(accountRow(base, 4, nil))
	mock.ExpectQuery("set login_attempts = login_attempts").
		WillReturnRows(failureRows(5, lockDeadline))
	expectAudit(mock)

	var locked *AccountLockedError
	_, err := svc.Login(context.Background(), LoginInput{Username: "admin", Password: "wrong-password"})
	if !errors.As(err, &locked) {
		t.Fatalf("expected AccountLockedError on fifth failure, got %v", err)
	}
	if !locked.Until.Equal(lockDeadline) {
		t.Fatalf("expected lock until %v, got %v", lockDeadline, locked.Until)
	}

	// Sixth attempt, correct password, ten minutes in: still locked.
	current = base.Add(10 * time.Minute)
	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(accountRow(base, 5, lockDeadline))
	expectAudit(mock)

	_, err = svc.Login(context.Background(), LoginInput{Username: "admin", Password: testPassword})
	if !errors.As(err, &locked) {
		t.Fatalf("expected lock to reject correct password, got %v", err)
	}

	// Thirty-one minutes in: the stale lock no longer rejects.
	current = base.Add(31 * time.Minute)
	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(accountRow(base, 5, lockDeadline))
	mock.ExpectBegin()
	mock.ExpectExec("set login_attempts = 0, locked_until = null").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectAudit(mock)

	result, err := svc.Login(context.Background(), LoginInput{Username: "admin", Password: testPassword})
	if err != nil {
		t.Fatalf("expected login after lock expiry, got %v", err)
	}
	if result.Tokens.AccessToken == "" {
		t.Fatal("expected access token after lock expiry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(5, 15*time.Minute)
	svc, mock, done := newMockService(t, func() time.Time { return base }, WithLimiter(limiter))
	defer done()

	for i := 0; i < 5; i++ {
		limiter.RecordFailure("198.51.100.7", base)
	}
	expectAudit(mock)

	var limited *RateLimitedError
	_, err := svc.Login(context.Background(), LoginInput{
		Username: "admin", Password: testPassword, IP: "198.51.100.7",
	})
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", limited.RetryAfter)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoginCommitFailureReturnsNoTokens(t *testing.T) {
	// If the refresh insert fails after the counter reset, the transaction
	// rolls back and the login is treated as failed.
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("admin").
		WillReturnRows(accountRow(base, 0, nil))
	mock.ExpectBegin()
	mock.ExpectExec("set login_attempts = 0, locked_until = null").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	result, err := svc.Login(context.Background(), LoginInput{Username: "admin", Password: testPassword})
	if err == nil {
		t.Fatal("expected error when refresh insert fails")
	}
	if result != nil {
		t.Fatal("no tokens may be returned on a failed commit")
	}
	if IsSecurityFailure(err) {
		t.Fatalf("store failure must not class as a security failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func refreshRowCols() []string {
	return []string{"id", "user_id", "token_hash", "expires_at", "revoked", "created_at"}
}

func TestRefreshIssuesNewAccessOnly(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	raw, refreshExp, err := svc.tokens.IssueRefresh(storedAccount())
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	mock.ExpectQuery("select id, user_id, token_hash").
		WithArgs("u1", HashToken(raw)).
		WillReturnRows(sqlmock.NewRows(refreshRowCols()).
			AddRow("rt1", "u1", HashToken(raw), refreshExp, false, base))
	mock.ExpectQuery("select id, username, email").WithArgs("u1").
		WillReturnRows(accountRow(base, 0, nil))
	expectAudit(mock)

	access, expiresAt, err := svc.Refresh(context.Background(), raw)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access == "" {
		t.Fatal("expected new access token")
	}
	if !expiresAt.Equal(base.Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry: %v", expiresAt)
	}
	if _, err := svc.tokens.VerifyAccess(access); err != nil {
		t.Fatalf("issued access token must verify: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshRevokedTokenRejected(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	raw, refreshExp, err := svc.tokens.IssueRefresh(storedAccount())
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	mock.ExpectQuery("select id, user_id, token_hash").
		WillReturnRows(sqlmock.NewRows(refreshRowCols()).
			AddRow("rt1", "u1", HashToken(raw), refreshExp, true, base))
	expectAudit(mock)

	if _, _, err := svc.Refresh(context.Background(), raw); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestRefreshUnknownTokenRejected(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	raw, _, err := svc.tokens.IssueRefresh(storedAccount())
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	mock.ExpectQuery("select id, user_id, token_hash").WillReturnError(sql.ErrNoRows)
	expectAudit(mock)

	if _, _, err := svc.Refresh(context.Background(), raw); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked for token absent from ledger, got %v", err)
	}
}

func TestRefreshGarbageTokenRejected(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	expectAudit(mock)
	if _, _, err := svc.Refresh(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutRevokesPresentedToken(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectExec("update refresh_tokens set revoked").
		WithArgs("u1", HashToken("raw-token")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(mock)

	if err := svc.Logout(context.Background(), "u1", "raw-token"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLogoutToleratesAbsentToken(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectExec("update refresh_tokens set revoked").
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectAudit(mock)

	if err := svc.Logout(context.Background(), "u1", "already-gone"); err != nil {
		t.Fatalf("Logout of absent token must succeed: %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectExec("update refresh_tokens set revoked").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	expectAudit(mock)

	if err := svc.LogoutAll(context.Background(), "u1"); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("u1").
		WillReturnRows(accountRow(base, 0, nil))
	// The update also clears the forced-change flag set at bootstrap.
	mock.ExpectExec("must_change_password = false").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_tokens set revoked").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	expectAudit(mock)

	err := svc.ChangePassword(context.Background(), "u1", testPassword, "brand-new-password")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select id, username, email").WithArgs("u1").
		WillReturnRows(accountRow(base, 0, nil))
	mock.ExpectQuery("set login_attempts = login_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "locked_until"}).AddRow(1, nil))
	expectAudit(mock)

	err := svc.ChangePassword(context.Background(), "u1", "wrong-password", "brand-new-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChangePasswordRejectsWeak(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, done := newMockService(t, func() time.Time { return base })
	defer done()

	err := svc.ChangePassword(context.Background(), "u1", testPassword, "short")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestAuthenticateRefetchesAccount(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	token, _, err := svc.tokens.IssueAccess(storedAccount())
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	mock.ExpectQuery("select id, username, email").WithArgs("u1").
		WillReturnRows(accountRow(base, 0, nil))

	principal, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != "u1" || principal.Username != "admin" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestAuthenticateDisabledAfterIssuance(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	token, _, err := svc.tokens.IssueAccess(storedAccount())
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	mock.ExpectQuery("select id, username, email").WithArgs("u1").
		WillReturnRows(disabledAccountRow(base))

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("disabled account must reject as invalid token, got %v", err)
	}
}

func TestBootstrapSeedsOnlyEmptyTable(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectQuery("select count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	if err := svc.Bootstrap(context.Background(), "admin", "a@club.example", "seed-password"); err != nil {
		t.Fatalf("Bootstrap on populated table: %v", err)
	}

	// The seeded account is active and must change its password on first login.
	mock.ExpectQuery("select count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("insert into admin_users").
		WithArgs(sqlmock.AnyArg(), "admin", "a@club.example",
			sqlmock.AnyArg(), sqlmock.AnyArg(), true, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectAudit(mock)
	if err := svc.Bootstrap(context.Background(), "admin", "a@club.example", "seed-password"); err != nil {
		t.Fatalf("Bootstrap on empty table: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCleanupExpiredReportsDeleted(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, mock, done := newMockService(t, func() time.Time { return base })
	defer done()

	mock.ExpectExec("delete from refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := svc.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 deleted rows, got %d", n)
	}
}

// storedAccount matches the row returned by accountRow.
func storedAccount() AdminAccount {
	return AdminAccount{
		ID:       "u1",
		Username: "admin",
		Email:    "admin@club.example",
		IsActive: true,
	}
}
