package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clubdesk.org/internal/audit"
	"clubdesk.org/internal/obs"
)

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 30 * time.Minute
	minPasswordLength   = 8
)

// ErrWeakPassword rejects new passwords below the minimum length. Unlike the
// credential errors it is safe to disclose.
var ErrWeakPassword = errors.New("auth: password too weak")

// Service orchestrates login, refresh, logout and password changes across
// the hasher, token issuer, refresh token ledger, lockout policy, source
// limiter and audit trail.
type Service struct {
	store   Store
	tokens  *TokenIssuer
	limiter SourceLimiter
	gate    hashGate
	now     func() time.Time

	maxAttempts int
	lockFor     time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithLimiter installs a per-source attempt limiter. Without one, source
// throttling is disabled (useful for tests).
func WithLimiter(l SourceLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMaxAttempts overrides the failed-attempt threshold.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLockDuration overrides how long an account stays locked.
func WithLockDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockFor = d
		}
	}
}

// WithHashConcurrency bounds how many bcrypt computations may run at once.
func WithHashConcurrency(n int) Option {
	return func(s *Service) { s.gate = newHashGate(n) }
}

// NewService constructs the auth gateway service.
func NewService(store Store, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{
		store:       store,
		tokens:      tokens,
		gate:        newHashGate(0),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		lockFor:     defaultLockDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now reports the service clock's current time. Handlers derive
// client-facing TTLs from it so they stay consistent with token expiries
// under an injected clock.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Login authenticates credentials and issues a token pair. All credential
// failures collapse to ErrInvalidCredentials so the response never discloses
// whether the username exists.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	now := s.now().UTC()
	username := strings.TrimSpace(strings.ToLower(in.Username))

	if s.limiter != nil {
		if retryAfter, ok := s.limiter.Allow(in.IP, now); !ok {
			obs.RateLimitedTotal.Inc()
			obs.LoginsTotal.WithLabelValues("rate_limited").Inc()
			s.audit(ctx, AuditRecord{
				Action:   "auth.rate_limited",
				Resource: "auth",
				NewValues: map[string]any{
					"username":    username,
					"retry_after": retryAfter.Seconds(),
				},
				IP:        in.IP,
				UserAgent: in.UserAgent,
			})
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
	}

	if username == "" || in.Password == "" {
		s.recordSourceFailure(in.IP, now)
		obs.LoginsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}

	account, err := s.store.Accounts(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a hash comparison so an unknown username costs the same
			// as a wrong password.
			if gateErr := s.gate.acquire(ctx); gateErr == nil {
				VerifyPassword(in.Password, dummyHash, "")
				s.gate.release()
			}
			s.recordSourceFailure(in.IP, now)
			obs.LoginsTotal.WithLabelValues("invalid").Inc()
			s.auditLoginFailure(ctx, "", username, in, "unknown_account")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: find account: %w", err)
	}

	if !account.IsActive {
		s.recordSourceFailure(in.IP, now)
		obs.LoginsTotal.WithLabelValues("disabled").Inc()
		s.auditLoginFailure(ctx, account.ID, username, in, "account_disabled")
		return nil, ErrAccountDisabled
	}

	// Stale locks are checked lazily: an elapsed deadline simply stops
	// rejecting, nothing proactively clears the column.
	if account.LockedUntil != nil && now.Before(*account.LockedUntil) {
		s.recordSourceFailure(in.IP, now)
		obs.LoginsTotal.WithLabelValues("locked").Inc()
		s.auditLoginFailure(ctx, account.ID, username, in, "account_locked")
		return nil, &AccountLockedError{Until: *account.LockedUntil}
	}

	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	ok := VerifyPassword(in.Password, account.PasswordHash, account.Salt)
	s.gate.release()

	if !ok {
		s.recordSourceFailure(in.IP, now)
		attempts, lockedUntil, recErr := s.store.Accounts(ctx).RecordFailure(ctx, account.ID, s.maxAttempts, s.lockFor, now)
		if recErr != nil {
			return nil, fmt.Errorf("auth: record failed attempt: %w", recErr)
		}
		if lockedUntil != nil && now.Before(*lockedUntil) {
			obs.LockoutsTotal.Inc()
			obs.LoginsTotal.WithLabelValues("locked").Inc()
			s.audit(ctx, AuditRecord{
				UserID:     account.ID,
				Action:     "auth.locked",
				Resource:   "admin_users",
				ResourceID: account.ID,
				NewValues: map[string]any{
					"username":     username,
					"attempts":     attempts,
					"locked_until": lockedUntil.UTC().Format(time.RFC3339),
				},
				IP:        in.IP,
				UserAgent: in.UserAgent,
			})
			return nil, &AccountLockedError{Until: *lockedUntil}
		}
		obs.LoginsTotal.WithLabelValues("invalid").Inc()
		s.auditLoginFailure(ctx, account.ID, username, in, "bad_password")
		return nil, ErrInvalidCredentials
	}

	result, err := s.issueSession(ctx, account, now)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	obs.LoginsTotal.WithLabelValues("success").Inc()
	s.audit(ctx, AuditRecord{
		UserID:     account.ID,
		Action:     "auth.login",
		Resource:   "admin_users",
		ResourceID: account.ID,
		NewValues: map[string]any{
			"username":   username,
			"last_login": now.Format(time.RFC3339),
		},
		IP:        in.IP,
		UserAgent: in.UserAgent,
	})
	return result, nil
}

// issueSession mints both tokens and commits the success-path state change
// transactionally. A failed commit means no tokens reach the client.
func (s *Service) issueSession(ctx context.Context, account *AdminAccount, now time.Time) (*LoginResult, error) {
	accessToken, accessExp, err := s.tokens.IssueAccess(*account)
	if err != nil {
		return nil, fmt.Errorf("auth: issue access token: %w", err)
	}
	refreshToken, refreshExp, err := s.tokens.IssueRefresh(*account)
	if err != nil {
		return nil, fmt.Errorf("auth: issue refresh token: %w", err)
	}

	rec := &RefreshTokenRecord{
		UserID:    account.ID,
		TokenHash: HashToken(refreshToken),
		ExpiresAt: refreshExp,
	}
	if err := s.store.CommitLogin(ctx, account.ID, rec, now); err != nil {
		return nil, fmt.Errorf("auth: commit login: %w", err)
	}

	updated := *account
	updated.LoginAttempts = 0
	updated.LockedUntil = nil
	lastLogin := now
	updated.LastLogin = &lastLogin

	return &LoginResult{
		Account: updated,
		Tokens: TokenPair{
			AccessToken:      accessToken,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: refreshExp,
		},
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself is not rotated; it stays usable until its own expiry
// or revocation.
func (s *Service) Refresh(ctx context.Context, rawToken string) (string, time.Time, error) {
	now := s.now().UTC()

	claims, err := s.tokens.VerifyRefresh(rawToken)
	if err != nil {
		obs.TokenRejectionsTotal.WithLabelValues("refresh").Inc()
		s.audit(ctx, AuditRecord{
			Action:    "auth.refresh_failed",
			Resource:  "refresh_tokens",
			NewValues: map[string]any{"reason": "invalid_signature"},
		})
		return "", time.Time{}, ErrTokenInvalid
	}

	rec, err := s.store.RefreshTokens(ctx).FindByHash(ctx, claims.Subject, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.TokenRejectionsTotal.WithLabelValues("refresh").Inc()
			s.auditRefreshRevoked(ctx, claims.Subject, "not_in_ledger")
			return "", time.Time{}, ErrTokenRevoked
		}
		return "", time.Time{}, fmt.Errorf("auth: find refresh token: %w", err)
	}
	if rec.Revoked || !rec.ExpiresAt.After(now) {
		obs.TokenRejectionsTotal.WithLabelValues("refresh").Inc()
		s.auditRefreshRevoked(ctx, claims.Subject, "revoked_or_expired")
		return "", time.Time{}, ErrTokenRevoked
	}

	account, err := s.store.Accounts(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrTokenInvalid
		}
		return "", time.Time{}, fmt.Errorf("auth: find account: %w", err)
	}
	if !account.IsActive {
		return "", time.Time{}, ErrAccountDisabled
	}

	accessToken, expiresAt, err := s.tokens.IssueAccess(*account)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: issue access token: %w", err)
	}

	s.audit(ctx, AuditRecord{
		UserID:     account.ID,
		Action:     "auth.refresh",
		Resource:   "refresh_tokens",
		ResourceID: rec.ID,
	})
	return accessToken, expiresAt, nil
}

// Logout revokes the presented refresh token. A token already absent from
// the ledger is treated as revoked, not as an error.
func (s *Service) Logout(ctx context.Context, userID, rawToken string) error {
	if rawToken != "" {
		err := s.store.RefreshTokens(ctx).RevokeByHash(ctx, userID, HashToken(rawToken))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("auth: revoke refresh token: %w", err)
		}
	}
	s.audit(ctx, AuditRecord{
		UserID:   userID,
		Action:   "auth.logout",
		Resource: "refresh_tokens",
	})
	return nil
}

// LogoutAll revokes every refresh token issued to the user. Outstanding
// access tokens stay valid for up to their remaining fifteen minutes; only
// the refresh capability dies immediately.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoke all refresh tokens: %w", err)
	}
	s.audit(ctx, AuditRecord{
		UserID:   userID,
		Action:   "auth.logout_all",
		Resource: "refresh_tokens",
	})
	return nil
}

// ChangePassword verifies the current password, re-hashes the new one with a
// fresh salt and revokes every refresh token so all sessions must
// re-authenticate.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	now := s.now().UTC()

	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	account, err := s.store.Accounts(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("auth: find account: %w", err)
	}

	if err := s.gate.acquire(ctx); err != nil {
		return err
	}
	ok := VerifyPassword(currentPassword, account.PasswordHash, account.Salt)
	s.gate.release()
	if !ok {
		// A wrong current password counts against the lockout policy like
		// any other failed credential check.
		if _, _, recErr := s.store.Accounts(ctx).RecordFailure(ctx, account.ID, s.maxAttempts, s.lockFor, now); recErr != nil {
			return fmt.Errorf("auth: record failed attempt: %w", recErr)
		}
		s.audit(ctx, AuditRecord{
			UserID:     account.ID,
			Action:     "auth.login_failed",
			Resource:   "admin_users",
			ResourceID: account.ID,
			NewValues:  map[string]any{"reason": "bad_current_password"},
		})
		return ErrInvalidCredentials
	}

	if err := s.gate.acquire(ctx); err != nil {
		return err
	}
	hash, salt, err := HashPassword(newPassword, "")
	s.gate.release()
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	if err := s.store.Accounts(ctx).UpdatePassword(ctx, account.ID, hash, salt, now); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	if err := s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, account.ID); err != nil {
		return fmt.Errorf("auth: revoke all refresh tokens: %w", err)
	}

	s.audit(ctx, AuditRecord{
		UserID:     account.ID,
		Action:     "auth.password_changed",
		Resource:   "admin_users",
		ResourceID: account.ID,
		NewValues:  map[string]any{"sessions_revoked": true},
	})
	return nil
}

// Authenticate validates a bearer access token and re-fetches the account to
// confirm it still exists and is active, covering accounts disabled after
// token issuance.
func (s *Service) Authenticate(ctx context.Context, bearerToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(bearerToken)
	if err != nil {
		obs.TokenRejectionsTotal.WithLabelValues("access").Inc()
		return Principal{}, ErrTokenInvalid
	}
	account, err := s.store.Accounts(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, fmt.Errorf("auth: find account: %w", err)
	}
	if !account.IsActive {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{
		UserID:             account.ID,
		Username:           account.Username,
		Email:              account.Email,
		MustChangePassword: account.MustChangePassword,
	}, nil
}

// CleanupExpired garbage-collects expired and revoked ledger rows.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.RefreshTokens(ctx).DeleteExpired(ctx, s.now().UTC())
}

// Bootstrap seeds the single admin account when the table is empty. The
// seeded account must change its password on first login.
func (s *Service) Bootstrap(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return errors.New("auth: bootstrap requires username and password")
	}
	accounts := s.store.Accounts(ctx)
	n, err := accounts.Count(ctx)
	if err != nil {
		return fmt.Errorf("auth: count accounts: %w", err)
	}
	if n > 0 {
		return nil
	}
	hash, salt, err := HashPassword(password, "")
	if err != nil {
		return fmt.Errorf("auth: hash bootstrap password: %w", err)
	}
	account := &AdminAccount{
		Username:           username,
		Email:              email,
		PasswordHash:       hash,
		Salt:               salt,
		IsActive:           true,
		MustChangePassword: true,
	}
	if err := accounts.Create(ctx, account); err != nil {
		return fmt.Errorf("auth: create bootstrap account: %w", err)
	}
	s.audit(ctx, AuditRecord{
		UserID:     account.ID,
		Action:     "auth.bootstrap",
		Resource:   "admin_users",
		ResourceID: account.ID,
		NewValues:  map[string]any{"username": username},
	})
	return nil
}

func (s *Service) recordSourceFailure(ip string, now time.Time) {
	if s.limiter != nil && ip != "" {
		s.limiter.RecordFailure(ip, now)
	}
}

func (s *Service) auditLoginFailure(ctx context.Context, userID, username string, in LoginInput, reason string) {
	s.audit(ctx, AuditRecord{
		UserID:   userID,
		Action:   "auth.login_failed",
		Resource: "admin_users",
		NewValues: map[string]any{
			"username": username,
			"reason":   reason,
		},
		IP:        in.IP,
		UserAgent: in.UserAgent,
	})
}

func (s *Service) auditRefreshRevoked(ctx context.Context, userID, reason string) {
	s.audit(ctx, AuditRecord{
		UserID:    userID,
		Action:    "auth.refresh_failed",
		Resource:  "refresh_tokens",
		NewValues: map[string]any{"reason": reason},
	})
}

// audit sanitizes and persists an audit row and mirrors it to the structured
// event log. Persist failures are logged as infrastructure errors; the
// audited action already happened, so the request is never failed here.
func (s *Service) audit(ctx context.Context, rec AuditRecord) {
	rec.CreatedAt = s.now().UTC()
	rec.OldValues = audit.Sanitize(rec.OldValues)
	rec.NewValues = audit.Sanitize(rec.NewValues)
	if err := s.store.Audit(ctx).Append(ctx, &rec); err != nil {
		obs.LogError("audit append failed", map[string]any{
			"action": rec.Action,
			"error":  err.Error(),
		})
	}
	fields := map[string]any{
		"resource": rec.Resource,
	}
	if rec.UserID != "" {
		fields["user_id"] = rec.UserID
	}
	if rec.ResourceID != "" {
		fields["resource_id"] = rec.ResourceID
	}
	if rec.IP != "" {
		fields["ip"] = rec.IP
	}
	for k, v := range rec.NewValues {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, rec.Action, fields)
}
