package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/mail"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

// DefaultPasswordResetTTL is deliberately short.
const DefaultPasswordResetTTL = time.Hour

// PasswordResetService issues and consumes password reset tokens.
type PasswordResetService struct {
	Store  store.Store
	Clock  clockx.Clock
	Rand   io.Reader
	TTL    time.Duration
	Hasher *cryptox.Hasher
	Mailer mail.Mailer
	AppURL string
}

func (s *PasswordResetService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultPasswordResetTTL
	}
	return s.TTL
}

// Create issues a reset token for userID after invalidating every other
// unused one. ip and userAgent are kept for the audit trail.
func (s *PasswordResetService) Create(ctx context.Context, userID, ip, userAgent string) (string, domain.PasswordResetToken, error) {
	now := clockNow(s.Clock)
	raw, err := cryptox.GenerateTokenFrom(randReader(s.Rand), cryptox.TokenSize256)
	if err != nil {
		return "", domain.PasswordResetToken{}, err
	}
	rec := domain.PasswordResetToken{
		ID:        newID(),
		UserID:    userID,
		TokenHash: cryptox.HashToken(raw),
		ExpiresAt: now.Add(s.ttl()),
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		repo := tx.PasswordResetTokens()
		if _, err := repo.InvalidatePasswordResetTokens(ctx, userID, now); err != nil {
			return err
		}
		return repo.CreatePasswordResetToken(ctx, rec)
	})
	if err != nil {
		return "", domain.PasswordResetToken{}, fmt.Errorf("create password reset token: %w", err)
	}
	return raw, rec, nil
}

// Consume spends raw and runs apply in the same transaction.
func (s *PasswordResetService) Consume(
	ctx context.Context,
	raw string,
	apply func(tx store.Tx, tok domain.PasswordResetToken) error,
) (domain.PasswordResetToken, error) {
	now := clockNow(s.Clock)
	hash := cryptox.HashToken(raw)

	var tok domain.PasswordResetToken
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		repo := tx.PasswordResetTokens()

		var err error
		tok, err = repo.GetPasswordResetTokenByHash(ctx, hash)
		if err != nil {
			return mapStoreErr(err)
		}
		if err := checkSingleUse(tok.ExpiresAt, tok.UsedAt, now); err != nil {
			return err
		}

		ok, err := repo.MarkPasswordResetTokenUsed(ctx, tok.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyUsed
		}
		tok.UsedAt = &now

		if apply != nil {
			return apply(tx, tok)
		}
		return nil
	})
	if err != nil {
		return domain.PasswordResetToken{}, err
	}
	return tok, nil
}

// Request mails a reset link. Unknown and inactive accounts succeed silently
// so the response does not reveal which emails exist.
func (s *PasswordResetService) Request(ctx context.Context, email, ip, userAgent string) error {
	l := slogx.FromContext(ctx)
	now := clockNow(s.Clock)

	user, err := s.Store.Users().GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		l.Debug("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	if !user.IsActive {
		l.Debug("password reset requested for inactive user", slog.String("user_id", user.ID))
		return nil
	}

	raw, _, err := s.Create(ctx, user.ID, ip, userAgent)
	if err != nil {
		return err
	}

	event := userEvent(domain.AuditPasswordResetRequest, user, nil)
	event.IPAddress, event.UserAgent = ip, userAgent
	if err := appendAudit(ctx, s.Store.AuditLogs(), now, event); err != nil {
		return err
	}

	if s.Mailer == nil {
		return nil
	}
	_, err = s.Mailer.Send(ctx, mail.KindPasswordReset, user.Email, map[string]any{
		"Name":      user.Username,
		"Email":     user.Email,
		"Link":      actionLink(s.AppURL, "/reset-password", raw),
		"ExpiresIn": s.ttl().String(),
	})
	if err != nil {
		l.Error("failed to send password reset email",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Reset consumes raw and sets the new password. In the same transaction it
// revokes every refresh-token family of the user and invalidates any other
// outstanding reset tokens.
func (s *PasswordResetService) Reset(ctx context.Context, raw, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	now := clockNow(s.Clock)

	// Check before paying for a hash; Consume re-checks under the transaction.
	peek, err := s.Store.PasswordResetTokens().GetPasswordResetTokenByHash(ctx, cryptox.HashToken(raw))
	if err != nil {
		return mapStoreErr(err)
	}
	if err := checkSingleUse(peek.ExpiresAt, peek.UsedAt, now); err != nil {
		return err
	}

	hash, err := s.Hasher.HashPassword(ctx, newPassword)
	if err != nil {
		return err
	}

	_, err = s.Consume(ctx, raw, func(tx store.Tx, tok domain.PasswordResetToken) error {
		if err := tx.Users().UpdatePasswordHash(ctx, tok.UserID, hash, now); err != nil {
			return mapStoreErr(err)
		}
		if _, err := tx.PasswordResetTokens().InvalidatePasswordResetTokens(ctx, tok.UserID, now); err != nil {
			return err
		}
		revoked, err := tx.RefreshTokens().RevokeUserRefreshTokens(ctx, tok.UserID, now)
		if err != nil {
			return err
		}

		user, err := tx.Users().GetUserByID(ctx, tok.UserID)
		if err != nil {
			return mapStoreErr(err)
		}
		event := userEvent(domain.AuditPasswordReset, user, map[string]any{"revoked_refresh_tokens": revoked})
		event.IPAddress, event.UserAgent = tok.IPAddress, tok.UserAgent
		return appendAudit(ctx, tx.AuditLogs(), now, event)
	})
	return err
}

// CleanupExpired deletes expired reset tokens.
func (s *PasswordResetService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.Store.PasswordResetTokens().DeleteExpiredPasswordResetTokens(ctx, clockNow(s.Clock))
}
