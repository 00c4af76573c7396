package domain

import "time"

// TokenPair is what login and refresh hand back: a short-lived access token
// (JWT) and the opaque refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string // "Bearer"
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	FamilyID         string
}

// RefreshToken is one link in a rotation chain. ROTATED and REVOKED are both
// represented by RevokedAt being set.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string // SHA-256 hex of the raw token
	FamilyID   string // shared by every token descended from one login
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	DeviceInfo string
	CreatedAt  time.Time
}

// IsExpired reports whether now is at or past expiry. It must agree with
// store.ExpiredTokens(now) evaluated against the same row.
func (t RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// IsRevoked reports whether the token was rotated or revoked.
func (t RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

// IsValid is the in-process dual of store.ValidTokens(now).
func (t RefreshToken) IsValid(now time.Time) bool { return !t.IsExpired(now) && !t.IsRevoked() }

// EmailVerificationToken is a single-use secret proving control of Email.
type EmailVerificationToken struct {
	ID        string
	UserID    string
	TokenHash string
	Email     string // the address being verified; may differ from the user's current email
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (t EmailVerificationToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
func (t EmailVerificationToken) IsUsed() bool                 { return t.UsedAt != nil }
func (t EmailVerificationToken) IsValid(now time.Time) bool   { return !t.IsExpired(now) && !t.IsUsed() }

// PasswordResetToken is a single-use secret authorising a password change.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

func (t PasswordResetToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
func (t PasswordResetToken) IsUsed() bool                 { return t.UsedAt != nil }
func (t PasswordResetToken) IsValid(now time.Time) bool   { return !t.IsExpired(now) && !t.IsUsed() }
