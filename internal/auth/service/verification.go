package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/mail"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

// DefaultEmailVerificationTTL is how long a verification link stays valid.
const DefaultEmailVerificationTTL = 24 * time.Hour

// checkSingleUse applies the lifecycle rules shared by verification and
// reset tokens.
func checkSingleUse(expiresAt time.Time, usedAt *time.Time, now time.Time) error {
	if !now.Before(expiresAt) {
		return ErrExpired
	}
	if usedAt != nil {
		return ErrAlreadyUsed
	}
	return nil
}

// actionLink appends the raw token to base as ?token=.
func actionLink(base, path, raw string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return path + "?token=" + url.QueryEscape(raw)
	}
	u = u.JoinPath(path)
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String()
}

// EmailVerificationService issues and consumes email verification tokens.
type EmailVerificationService struct {
	Store  store.Store
	Clock  clockx.Clock
	Rand   io.Reader
	TTL    time.Duration
	Mailer mail.Mailer
	AppURL string
}

func (s *EmailVerificationService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultEmailVerificationTTL
	}
	return s.TTL
}

// Create issues a token for userID to prove ownership of email. Every other
// unused token for the same user and email is invalidated first.
func (s *EmailVerificationService) Create(ctx context.Context, userID, email string) (string, domain.EmailVerificationToken, error) {
	return s.create(ctx, userID, email, nil)
}

// create is Create with an optional hook run in the issuing transaction.
func (s *EmailVerificationService) create(
	ctx context.Context,
	userID, email string,
	after func(tx store.Tx, rec domain.EmailVerificationToken) error,
) (string, domain.EmailVerificationToken, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return "", domain.EmailVerificationToken{}, err
	}

	now := clockNow(s.Clock)
	raw, err := cryptox.GenerateTokenFrom(randReader(s.Rand), cryptox.TokenSize256)
	if err != nil {
		return "", domain.EmailVerificationToken{}, err
	}
	rec := domain.EmailVerificationToken{
		ID:        newID(),
		UserID:    userID,
		TokenHash: cryptox.HashToken(raw),
		Email:     email,
		ExpiresAt: now.Add(s.ttl()),
		CreatedAt: now,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		repo := tx.EmailVerificationTokens()
		if _, err := repo.InvalidateEmailVerificationTokens(ctx, userID, email, now); err != nil {
			return err
		}
		if err := repo.CreateEmailVerificationToken(ctx, rec); err != nil {
			return err
		}
		if after != nil {
			return after(tx, rec)
		}
		return nil
	})
	if err != nil {
		return "", domain.EmailVerificationToken{}, fmt.Errorf("create email verification token: %w", err)
	}
	return raw, rec, nil
}

// Consume spends raw. apply runs in the same transaction, so either both the
// token is spent and apply's effect lands, or neither does.
func (s *EmailVerificationService) Consume(
	ctx context.Context,
	raw string,
	apply func(tx store.Tx, tok domain.EmailVerificationToken) error,
) (domain.EmailVerificationToken, error) {
	now := clockNow(s.Clock)
	hash := cryptox.HashToken(raw)

	var tok domain.EmailVerificationToken
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		repo := tx.EmailVerificationTokens()

		var err error
		tok, err = repo.GetEmailVerificationTokenByHash(ctx, hash)
		if err != nil {
			return mapStoreErr(err)
		}
		if err := checkSingleUse(tok.ExpiresAt, tok.UsedAt, now); err != nil {
			return err
		}

		ok, err := repo.MarkEmailVerificationTokenUsed(ctx, tok.ID, now)
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
		return domain.EmailVerificationToken{}, err
	}
	return tok, nil
}

// Request issues a token, audits the request and mails the link. A delivery
// failure is logged; the token stays valid and can be resent.
func (s *EmailVerificationService) Request(ctx context.Context, user domain.User, email string) error {
	if email == "" {
		email = user.Email
	}
	raw, tok, err := s.create(ctx, user.ID, email, func(tx store.Tx, rec domain.EmailVerificationToken) error {
		event := userEvent(domain.AuditEmailVerificationRequest, user, map[string]any{"email": rec.Email})
		return appendAudit(ctx, tx.AuditLogs(), rec.CreatedAt, event)
	})
	if err != nil {
		return err
	}

	if s.Mailer == nil {
		return nil
	}
	_, err = s.Mailer.Send(ctx, mail.KindVerifyEmail, tok.Email, map[string]any{
		"Name":      user.Username,
		"Email":     tok.Email,
		"Link":      actionLink(s.AppURL, "/verify-email", raw),
		"ExpiresIn": s.ttl().String(),
	})
	if err != nil {
		slogx.FromContext(ctx).Error("failed to send verification email",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Verify consumes raw and marks the token's email as the user's verified
// address, invalidating any other outstanding links for it.
func (s *EmailVerificationService) Verify(ctx context.Context, raw string) (domain.User, error) {
	now := clockNow(s.Clock)

	var user domain.User
	_, err := s.Consume(ctx, raw, func(tx store.Tx, tok domain.EmailVerificationToken) error {
		if err := tx.Users().MarkEmailVerified(ctx, tok.UserID, tok.Email, now); err != nil {
			return mapStoreErr(err)
		}
		if _, err := tx.EmailVerificationTokens().InvalidateEmailVerificationTokens(ctx, tok.UserID, tok.Email, now); err != nil {
			return err
		}

		var err error
		user, err = tx.Users().GetUserByID(ctx, tok.UserID)
		if err != nil {
			return mapStoreErr(err)
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditEmailVerified, user, nil))
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			slogx.FromContext(ctx).Info("verified email already belongs to another account")
		}
		return domain.User{}, err
	}
	return user, nil
}

// CleanupExpired deletes expired verification tokens.
func (s *EmailVerificationService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.Store.EmailVerificationTokens().DeleteExpiredEmailVerificationTokens(ctx, clockNow(s.Clock))
}
