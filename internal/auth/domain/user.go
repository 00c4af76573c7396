package domain

import "time"

// User is the identity record credentials hang off. Users are never
// physically deleted by this core; IsActive is the soft state.
type User struct {
	ID                   string
	Email                string
	Username             string // optional
	PasswordHash         string // argon2 encoded; empty for OAuth-only accounts
	IsActive             bool
	IsVerified           bool
	IsSuperuser          bool
	TwoFactorEnabled     bool
	TOTPSecret           string   // encrypted at rest; empty when not enrolled
	BackupCodes          []string // SHA-256 hex of each unused code
	TwoFactorConfirmedAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasPassword reports whether the user can log in with a password.
func (u User) HasPassword() bool { return u.PasswordHash != "" }
