package domain

// LowBackupCodeThreshold is the remaining-count at or below which callers
// should warn the user to regenerate codes.
const LowBackupCodeThreshold = 3

// MFAChallenge is the second factor submitted at login. Exactly one of Code
// and RecoveryCode must be set.
type MFAChallenge struct {
	Code         string // TOTP
	RecoveryCode string // backup code
}

// MFAResult describes how a challenge was satisfied.
type MFAResult struct {
	UsedBackupCode       bool
	RemainingBackupCodes int
}

// LowOnBackupCodes reports whether the caller should prompt regeneration.
func (r MFAResult) LowOnBackupCodes() bool {
	return r.UsedBackupCode && r.RemainingBackupCodes <= LowBackupCodeThreshold
}

type MFAEnrollResponse struct {
	Secret  string // Base32 encoded secret for TOTP
	URI     string // otpauth:// URL for QR code generation
	Issuer  string // Issuer name (e.g., service name)
	Account string // Account name (e.g., user email)
}
