package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/otpx"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

// maxBackupSwapAttempts bounds retries when another request changes the
// backup code list between our read and our compare-and-swap.
const maxBackupSwapAttempts = 3

type MFAService struct {
	Store  store.Store
	Clock  clockx.Clock
	Rand   io.Reader
	Cipher *cryptox.Cipher
	Issuer string // Issuer name shown in authenticator apps
	Skew   uint   // windows either side; zero means otpx.DefaultSkew
}

func (s *MFAService) skew() uint {
	if s.Skew == 0 {
		return otpx.DefaultSkew
	}
	return s.Skew
}

// ValidateChallenge checks the shape of a login-time challenge: exactly one
// of Code and RecoveryCode. It touches no state.
func ValidateChallenge(ch domain.MFAChallenge) error {
	code := strings.TrimSpace(ch.Code)
	recovery := strings.TrimSpace(ch.RecoveryCode)
	switch {
	case code != "" && recovery != "":
		return fmt.Errorf("%w: provide either code or recovery_code, not both", ErrValidation)
	case code == "" && recovery == "":
		return fmt.Errorf("%w: code or recovery_code is required", ErrValidation)
	}
	return nil
}

// Enroll generates and stores a new TOTP secret. Two-factor stays disabled
// until Confirm succeeds; enrolling again replaces an unconfirmed secret.
func (s *MFAService) Enroll(ctx context.Context, userID string) (domain.MFAEnrollResponse, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.MFAEnrollResponse{}, mapStoreErr(err)
	}
	if user.TwoFactorEnabled {
		return domain.MFAEnrollResponse{}, ErrMFAAlreadyEnabled
	}

	secret, err := otpx.GenerateSecret(randReader(s.Rand))
	if err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	uri, err := otpx.ProvisioningURI(secret, user.Email, s.Issuer)
	if err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("failed to build provisioning URI: %w", err)
	}

	sealed, err := s.Cipher.EncryptString(secret)
	if err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}
	if err := s.Store.Users().SetTOTPSecret(ctx, userID, sealed, clockNow(s.Clock)); err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	return domain.MFAEnrollResponse{
		Secret:  secret,
		URI:     uri,
		Issuer:  s.Issuer,
		Account: user.Email,
	}, nil
}

// Confirm verifies the first code from the authenticator, enables
// two-factor and returns fresh backup codes. The plaintext codes are only
// ever available here.
func (s *MFAService) Confirm(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if user.TwoFactorEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	if user.TOTPSecret == "" {
		return nil, ErrMFANotEnrolled
	}

	ok, err := s.verifyTOTP(user, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMFACode
	}

	codes, hashes, err := otpx.GenerateBackupCodes(randReader(s.Rand), otpx.DefaultBackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	now := clockNow(s.Clock)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().EnableTwoFactor(ctx, userID, hashes, now); err != nil {
			return fmt.Errorf("failed to enable two-factor: %w", err)
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditMFAEnabled, user, nil))
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// Disable turns two-factor off after checking a current TOTP code.
func (s *MFAService) Disable(ctx context.Context, userID, code string) error {
	user, err := s.enabledUser(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.verifyTOTP(user, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidMFACode
	}

	now := clockNow(s.Clock)
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().DisableTwoFactor(ctx, userID, now); err != nil {
			return fmt.Errorf("failed to disable two-factor: %w", err)
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditMFADisabled, user, nil))
	})
}

// RegenerateBackupCodes replaces every backup code after checking a current
// TOTP code.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.enabledUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ok, err := s.verifyTOTP(user, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMFACode
	}

	codes, hashes, err := otpx.GenerateBackupCodes(randReader(s.Rand), otpx.DefaultBackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	now := clockNow(s.Clock)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().ReplaceBackupCodes(ctx, userID, hashes, now); err != nil {
			return err
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditMFABackupCodesRenewed, user, nil))
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// ResolveChallenge satisfies the second factor for userID. The challenge
// shape is validated before any store access. A TOTP code that does not
// verify is tried as a backup code.
func (s *MFAService) ResolveChallenge(ctx context.Context, userID string, ch domain.MFAChallenge) (domain.MFAResult, error) {
	if err := ValidateChallenge(ch); err != nil {
		return domain.MFAResult{}, err
	}

	user, err := s.enabledUser(ctx, userID)
	if err != nil {
		return domain.MFAResult{}, err
	}

	if code := strings.TrimSpace(ch.Code); code != "" {
		ok, err := s.verifyTOTP(user, code)
		if err != nil {
			return domain.MFAResult{}, err
		}
		if ok {
			return domain.MFAResult{RemainingBackupCodes: len(user.BackupCodes)}, nil
		}
		return s.consumeBackupCode(ctx, user, code)
	}
	return s.consumeBackupCode(ctx, user, ch.RecoveryCode)
}

// consumeBackupCode removes the matching hash with a compare-and-swap on the
// stored list, so one code cannot satisfy two concurrent logins.
func (s *MFAService) consumeBackupCode(ctx context.Context, user domain.User, code string) (domain.MFAResult, error) {
	l := slogx.FromContext(ctx)

	for attempt := 0; attempt < maxBackupSwapAttempts; attempt++ {
		ok, remaining := otpx.ConsumeBackupCode(user.BackupCodes, code)
		if !ok {
			l.Warn("mfa challenge failed", slog.String("user_id", user.ID))
			return domain.MFAResult{}, ErrInvalidMFACode
		}

		now := clockNow(s.Clock)
		var swapped bool
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			swapped, err = tx.Users().SwapBackupCodes(ctx, user.ID, user.BackupCodes, remaining, now)
			if err != nil || !swapped {
				return err
			}
			return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditMFABackupCodeUsed, user, map[string]any{
				"remaining": len(remaining),
			}))
		})
		if err != nil {
			return domain.MFAResult{}, err
		}
		if swapped {
			result := domain.MFAResult{UsedBackupCode: true, RemainingBackupCodes: len(remaining)}
			if result.LowOnBackupCodes() {
				l.Info("user is low on backup codes",
					slog.String("user_id", user.ID),
					slog.Int("remaining", len(remaining)),
				)
			}
			return result, nil
		}

		// The list changed underneath us; reload and try again.
		user, err = s.Store.Users().GetUserByID(ctx, user.ID)
		if err != nil {
			return domain.MFAResult{}, mapStoreErr(err)
		}
	}
	return domain.MFAResult{}, ErrInvalidMFACode
}

func (s *MFAService) enabledUser(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, mapStoreErr(err)
	}
	if !user.TwoFactorEnabled {
		return domain.User{}, ErrMFANotEnabled
	}
	return user, nil
}

func (s *MFAService) verifyTOTP(user domain.User, code string) (bool, error) {
	secret, err := s.Cipher.DecryptString(user.TOTPSecret)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt TOTP secret: %w", err)
	}
	if secret == "" {
		return false, ErrMFANotEnrolled
	}
	return otpx.Verify(secret, strings.TrimSpace(code), clockNow(s.Clock), s.skew()), nil
}
