package service

import "errors"

// Error kinds returned by the credential services. Callers branch with
// errors.Is and map them to transport responses.
var (
	ErrValidation      = errors.New("validation_error")
	ErrNotFound        = errors.New("not_found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyUsed     = errors.New("already_used")
	ErrReuseDetected   = errors.New("refresh_token_reuse_detected")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external_service_error")
)

// Flow errors.
var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInactiveUser       = errors.New("inactive_user")
	ErrMFARequired        = errors.New("mfa_required")
	ErrInvalidMFACode     = errors.New("invalid_mfa_code")
	ErrMFANotEnabled      = errors.New("mfa_not_enabled")
	ErrMFAAlreadyEnabled  = errors.New("mfa_already_enabled")
	ErrMFANotEnrolled     = errors.New("mfa_not_enrolled")
)
