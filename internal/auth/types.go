package auth

import "time"

// AdminAccount is the single flat-role operator account of the club
// management application. Created once at bootstrap, mutated by every login
// attempt and password change, never hard-deleted.
type AdminAccount struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	Salt               string
	IsActive           bool
	MustChangePassword bool
	LoginAttempts      int
	LockedUntil        *time.Time
	LastLogin          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RefreshTokenRecord is the persisted side of an issued refresh token. Only
// a one-way digest of the raw token is ever stored; lookups happen by hash.
type RefreshTokenRecord struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuditRecord is an append-only row describing a security-relevant action.
// Old/new value maps are sanitized before they reach this struct.
type AuditRecord struct {
	ID         string
	UserID     string // empty for unauthenticated actions
	Action     string
	Resource   string
	ResourceID string
	OldValues  map[string]any
	NewValues  map[string]any
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// Principal is the authenticated identity attached to request contexts and
// handed to downstream CRUD routes.
type Principal struct {
	UserID             string
	Username           string
	Email              string
	MustChangePassword bool
}

// TokenPair carries both freshly issued tokens back to the gateway.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginInput bundles the credentials with the request source metadata the
// limiter and audit trail need.
type LoginInput struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Account AdminAccount
	Tokens  TokenPair
}
