package domain

import "time"

// Audit action names written by this core.
const (
	AuditUserRegistered           = "user.registered"
	AuditUserLogin                = "user.login"
	AuditUserLoginFailed          = "user.login_failed"
	AuditUserLogout               = "user.logout"
	AuditUserLogoutAll            = "user.logout_all"
	AuditPasswordChanged          = "user.password_changed"
	AuditPasswordResetRequest     = "user.password_reset_requested"
	AuditPasswordReset            = "user.password_reset"
	AuditEmailVerified            = "user.email_verified"
	AuditEmailVerificationRequest = "email_verification.requested"
	AuditRefreshTokenReuse        = "refresh_token.reuse_detected"
	AuditRefreshFamilyRevoked     = "refresh_token.family_revoked"
	AuditMFAEnabled               = "mfa.enabled"
	AuditMFADisabled              = "mfa.disabled"
	AuditMFABackupCodeUsed        = "mfa.backup_code_used"
	AuditMFABackupCodesRenewed    = "mfa.backup_codes_regenerated"
	AuditOAuthLinked              = "oauth.linked"
	AuditOAuthUnlinked            = "oauth.unlinked"
	AuditOAuthLogin               = "oauth.login"
)

// AuditLog is an append-only record of a security-relevant action.
// ActorEmail is captured at write time so it survives actor deletion.
type AuditLog struct {
	ID          string
	ActorID     string
	ActorEmail  string
	Action      string
	TargetType  string
	TargetID    string
	TargetLabel string
	Details     map[string]any
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}
