package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/oauth"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

// OAuthService links external identities to local users.
type OAuthService struct {
	Store     store.Store
	Clock     clockx.Clock
	Cipher    *cryptox.Cipher
	Providers oauth.Registry
}

// FindUser returns the user linked to the provider account, if any.
func (s *OAuthService) FindUser(ctx context.Context, provider, providerAccountID string) (domain.User, bool, error) {
	acct, err := s.Store.OAuthAccounts().GetOAuthAccount(ctx, provider, providerAccountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}

	user, err := s.Store.Users().GetUserByID(ctx, acct.UserID)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// CreateOrUpdate upserts the user's link for provider with fresh tokens.
func (s *OAuthService) CreateOrUpdate(
	ctx context.Context,
	userID, provider string,
	profile domain.OAuthProfile,
	tokens domain.OAuthTokenData,
) (domain.UserOAuthAccount, error) {
	var acct domain.UserOAuthAccount
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acct, _, err = s.upsert(ctx, tx, userID, provider, profile, tokens, clockNow(s.Clock))
		return err
	})
	return acct, err
}

// Link attaches a provider identity to userID. The identity may back at
// most one local user; linking it to a second user returns ErrConflict and
// leaves the existing link untouched.
func (s *OAuthService) Link(
	ctx context.Context,
	userID, provider string,
	profile domain.OAuthProfile,
	tokens domain.OAuthTokenData,
) (domain.UserOAuthAccount, error) {
	now := clockNow(s.Clock)

	var acct domain.UserOAuthAccount
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.OAuthAccounts().GetOAuthAccount(ctx, provider, profile.AccountID)
		switch {
		case err == nil && existing.UserID != userID:
			return fmt.Errorf("%w: %s account is linked to another user", ErrConflict, provider)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		user, err := tx.Users().GetUserByID(ctx, userID)
		if err != nil {
			return mapStoreErr(err)
		}

		var created bool
		acct, created, err = s.upsert(ctx, tx, userID, provider, profile, tokens, now)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		event := userEvent(domain.AuditOAuthLinked, user, map[string]any{
			"provider":            provider,
			"provider_account_id": profile.AccountID,
		})
		return appendAudit(ctx, tx.AuditLogs(), now, event)
	})
	if err != nil {
		return domain.UserOAuthAccount{}, err
	}
	return acct, nil
}

// Unlink removes the user's link for provider and reports whether one existed.
func (s *OAuthService) Unlink(ctx context.Context, userID, provider string) (bool, error) {
	now := clockNow(s.Clock)

	var deleted bool
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.OAuthAccounts().DeleteOAuthAccount(ctx, userID, provider)
		if err != nil || !deleted {
			return err
		}

		user, err := tx.Users().GetUserByID(ctx, userID)
		if err != nil {
			return mapStoreErr(err)
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditOAuthUnlinked, user, map[string]any{
			"provider": provider,
		}))
	})
	return deleted, err
}

// CompleteLogin finishes an authorization-code login with provider. The user
// is, in order: the one already linked to the provider account, an existing
// user with the same email when the provider vouches for it, or a new
// passwordless user.
func (s *OAuthService) CompleteLogin(ctx context.Context, provider, code string) (domain.User, domain.UserOAuthAccount, error) {
	l := slogx.FromContext(ctx)

	p, err := s.Providers.Get(provider)
	if err != nil {
		return domain.User{}, domain.UserOAuthAccount{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	tokens, err := p.ExchangeCode(ctx, code)
	if err != nil {
		l.Warn("oauth code exchange failed", slog.String("provider", provider), slog.Any("error", err))
		return domain.User{}, domain.UserOAuthAccount{}, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	profile, err := p.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		l.Warn("oauth profile fetch failed", slog.String("provider", provider), slog.Any("error", err))
		return domain.User{}, domain.UserOAuthAccount{}, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	if profile.AccountID == "" {
		return domain.User{}, domain.UserOAuthAccount{}, fmt.Errorf("%w: provider returned no account id", ErrExternalService)
	}

	now := clockNow(s.Clock)
	var (
		user domain.User
		acct domain.UserOAuthAccount
	)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = s.resolveUser(ctx, tx, provider, profile, now)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return ErrInactiveUser
		}

		var created bool
		acct, created, err = s.upsert(ctx, tx, user.ID, provider, profile, tokens, now)
		if err != nil {
			return err
		}

		if created {
			linked := userEvent(domain.AuditOAuthLinked, user, map[string]any{
				"provider":            provider,
				"provider_account_id": profile.AccountID,
			})
			if err := appendAudit(ctx, tx.AuditLogs(), now, linked); err != nil {
				return err
			}
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditOAuthLogin, user, map[string]any{
			"provider": provider,
		}))
	})
	if err != nil {
		return domain.User{}, domain.UserOAuthAccount{}, err
	}
	return user, acct, nil
}

func (s *OAuthService) resolveUser(ctx context.Context, tx store.Tx, provider string, profile domain.OAuthProfile, now time.Time) (domain.User, error) {
	acct, err := tx.OAuthAccounts().GetOAuthAccount(ctx, provider, profile.AccountID)
	if err == nil {
		return tx.Users().GetUserByID(ctx, acct.UserID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, err
	}

	email := normalizeEmail(profile.Email)
	if email == "" {
		return domain.User{}, fmt.Errorf("%w: provider returned no email", ErrValidation)
	}

	existing, err := tx.Users().GetUserByEmail(ctx, email)
	switch {
	case err == nil && profile.EmailVerified:
		return existing, nil
	case err == nil:
		// An unverified provider email must not take over a local account.
		return domain.User{}, fmt.Errorf("%w: email belongs to an existing account", ErrConflict)
	case !errors.Is(err, store.ErrNotFound):
		return domain.User{}, err
	}

	user := domain.User{
		ID:         newID(),
		Email:      email,
		IsActive:   true,
		IsVerified: profile.EmailVerified,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Users().CreateUser(ctx, user); err != nil {
		return domain.User{}, mapStoreErr(err)
	}
	user.BackupCodes = []string{}

	if err := appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditUserRegistered, user, map[string]any{
		"provider": provider,
	})); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// upsert writes the (userID, provider) link and reports whether it was new.
func (s *OAuthService) upsert(
	ctx context.Context,
	tx store.Tx,
	userID, provider string,
	profile domain.OAuthProfile,
	tokens domain.OAuthTokenData,
	now time.Time,
) (domain.UserOAuthAccount, bool, error) {
	access, err := s.Cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return domain.UserOAuthAccount{}, false, err
	}
	refresh, err := s.Cipher.EncryptString(tokens.RefreshToken)
	if err != nil {
		return domain.UserOAuthAccount{}, false, err
	}

	acct, err := tx.OAuthAccounts().GetOAuthAccountForUser(ctx, userID, provider)
	created := errors.Is(err, store.ErrNotFound)
	if err != nil && !created {
		return domain.UserOAuthAccount{}, false, err
	}
	if created {
		acct = domain.UserOAuthAccount{
			ID:        newID(),
			UserID:    userID,
			Provider:  provider,
			CreatedAt: now,
		}
	}

	acct.ProviderAccountID = profile.AccountID
	acct.ProviderAccountEmail = normalizeEmail(profile.Email)
	acct.AccessToken = access
	if refresh != "" {
		acct.RefreshToken = refresh
	}
	acct.TokenExpiresAt = tokens.ExpiryFrom(now)
	acct.Scope = tokens.Scope
	acct.Profile = profile.Raw
	acct.LastLoginAt = &now
	acct.UpdatedAt = now

	if created {
		err = tx.OAuthAccounts().CreateOAuthAccount(ctx, acct)
	} else {
		err = tx.OAuthAccounts().UpdateOAuthAccount(ctx, acct)
	}
	if err != nil {
		return domain.UserOAuthAccount{}, false, mapStoreErr(err)
	}
	return acct, created, nil
}
