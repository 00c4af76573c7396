package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite, postgres)
// implement this. It exposes sub-repositories to keep concerns tidy and
// testable, and so nobody accidentally opens a transaction within a transaction.
type Store interface {
	Users() Users
	RefreshTokens() RefreshTokens
	EmailVerificationTokens() EmailVerificationTokens
	PasswordResetTokens() PasswordResetTokens
	OAuthAccounts() OAuthAccounts
	AuditLogs() AuditLogs

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. Inside fn only
	// the tx may be used; the outer Store can block on a single-connection
	// pool.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByEmail matches the normalised (lower-cased) email.
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user. Duplicate email yields ErrAlreadyExists.
	CreateUser(ctx context.Context, u domain.User) error

	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error

	// MarkEmailVerified sets the user's email and flips is_verified.
	MarkEmailVerified(ctx context.Context, userID, email string, now time.Time) error

	// SetTOTPSecret stores an (encrypted) secret without enabling two-factor.
	SetTOTPSecret(ctx context.Context, userID, secret string, now time.Time) error

	// EnableTwoFactor flips the flag, stamps two_factor_confirmed_at and stores
	// the backup code hashes.
	EnableTwoFactor(ctx context.Context, userID string, backupCodes []string, now time.Time) error

	// DisableTwoFactor clears the flag, secret, backup codes and confirmation time.
	DisableTwoFactor(ctx context.Context, userID string, now time.Time) error

	ReplaceBackupCodes(ctx context.Context, userID string, backupCodes []string, now time.Time) error

	// SwapBackupCodes replaces the stored codes with next only if they still
	// equal expected. It reports whether the swap happened.
	SwapBackupCodes(ctx context.Context, userID string, expected, next []string, now time.Time) (bool, error)
}

type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token regardless of state.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	ListRefreshTokens(ctx context.Context, f TokenFilter) ([]domain.RefreshToken, error)

	// RevokeRefreshTokenIfActive sets revoked_at only where it is still NULL.
	// It reports whether this call performed the revocation, so exactly one
	// of two racing callers sees true.
	RevokeRefreshTokenIfActive(ctx context.Context, id string, now time.Time) (bool, error)

	// RevokeRefreshTokenFamily revokes every unrevoked token in the family.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int64, error)

	// RevokeUserRefreshTokens revokes every unrevoked token owned by the user.
	RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)

	// DeleteExpiredRefreshTokens deletes rows with expires_at <= now, revoked or not.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type EmailVerificationTokens interface {
	CreateEmailVerificationToken(ctx context.Context, t domain.EmailVerificationToken) error
	GetEmailVerificationTokenByHash(ctx context.Context, hash string) (domain.EmailVerificationToken, error)
	ListEmailVerificationTokens(ctx context.Context, f TokenFilter) ([]domain.EmailVerificationToken, error)

	// InvalidateEmailVerificationTokens marks every unused token for the
	// user and email as used.
	InvalidateEmailVerificationTokens(ctx context.Context, userID, email string, now time.Time) (int64, error)

	// MarkEmailVerificationTokenUsed sets used_at only where it is still NULL.
	MarkEmailVerificationTokenUsed(ctx context.Context, id string, now time.Time) (bool, error)

	DeleteExpiredEmailVerificationTokens(ctx context.Context, now time.Time) (int64, error)
}

type PasswordResetTokens interface {
	CreatePasswordResetToken(ctx context.Context, t domain.PasswordResetToken) error
	GetPasswordResetTokenByHash(ctx context.Context, hash string) (domain.PasswordResetToken, error)
	ListPasswordResetTokens(ctx context.Context, f TokenFilter) ([]domain.PasswordResetToken, error)

	// InvalidatePasswordResetTokens marks every unused token for the user as used.
	InvalidatePasswordResetTokens(ctx context.Context, userID string, now time.Time) (int64, error)

	// MarkPasswordResetTokenUsed sets used_at only where it is still NULL.
	MarkPasswordResetTokenUsed(ctx context.Context, id string, now time.Time) (bool, error)

	DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error)
}

type OAuthAccounts interface {
	// GetOAuthAccount looks up by the globally unique (provider, provider account id).
	GetOAuthAccount(ctx context.Context, provider, providerAccountID string) (domain.UserOAuthAccount, error)

	GetOAuthAccountForUser(ctx context.Context, userID, provider string) (domain.UserOAuthAccount, error)
	ListOAuthAccountsForUser(ctx context.Context, userID string) ([]domain.UserOAuthAccount, error)

	// ListOAuthAccountsExpiringBefore returns linked accounts whose token
	// expiry is set and earlier than cutoff, ordered by (expiry, id) and
	// starting strictly after the cursor.
	ListOAuthAccountsExpiringBefore(ctx context.Context, cutoff time.Time, after OAuthCursor, limit int) ([]domain.UserOAuthAccount, error)

	// CreateOAuthAccount fails with ErrAlreadyExists on either uniqueness constraint.
	CreateOAuthAccount(ctx context.Context, a domain.UserOAuthAccount) error

	// UpdateOAuthAccount rewrites the mutable columns of the row with a.ID.
	UpdateOAuthAccount(ctx context.Context, a domain.UserOAuthAccount) error

	UpdateOAuthTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) error

	// DeleteOAuthAccount reports whether a link existed.
	DeleteOAuthAccount(ctx context.Context, userID, provider string) (bool, error)
}

// AuditLogs is append-only. There is deliberately no update or delete.
type AuditLogs interface {
	AppendAuditLog(ctx context.Context, e domain.AuditLog) error
	ListAuditLogs(ctx context.Context, f AuditFilter) ([]domain.AuditLog, error)
}
