package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
	"github.com/google/uuid"
)

// DefaultRefreshTokenTTL is the lifetime of each refresh token in a family.
const DefaultRefreshTokenTTL = 7 * 24 * time.Hour

// errRotationLost marks a rotation whose conditional revoke found the row
// already revoked by a concurrent caller.
var errRotationLost = errors.New("rotation lost race")

// RefreshTokenService manages refresh-token families: issue at login,
// rotate on use, revoke the whole family when a spent token comes back.
type RefreshTokenService struct {
	Store store.Store
	Clock clockx.Clock
	Rand  io.Reader
	TTL   time.Duration
}

func (s *RefreshTokenService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultRefreshTokenTTL
	}
	return s.TTL
}

// Create starts a new family for userID and returns the raw token, which is
// never stored.
func (s *RefreshTokenService) Create(ctx context.Context, userID, deviceInfo string) (string, domain.RefreshToken, error) {
	raw, rec, err := s.build(userID, uuid.NewString(), deviceInfo, clockNow(s.Clock))
	if err != nil {
		return "", domain.RefreshToken{}, err
	}
	if err := s.Store.RefreshTokens().CreateRefreshToken(ctx, rec); err != nil {
		return "", domain.RefreshToken{}, fmt.Errorf("create refresh token: %w", err)
	}
	return raw, rec, nil
}

func (s *RefreshTokenService) build(userID, familyID, deviceInfo string, now time.Time) (string, domain.RefreshToken, error) {
	raw, err := cryptox.GenerateTokenFrom(randReader(s.Rand), cryptox.TokenSize256)
	if err != nil {
		return "", domain.RefreshToken{}, err
	}
	return raw, domain.RefreshToken{
		ID:         newID(),
		UserID:     userID,
		TokenHash:  cryptox.HashToken(raw),
		FamilyID:   familyID,
		ExpiresAt:  now.Add(s.ttl()),
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
	}, nil
}

// Rotate spends raw and returns its successor in the same family.
//
// Presenting a token that is already revoked, or losing the conditional
// revoke to a concurrent rotation of the same token, revokes the entire
// family and returns ErrReuseDetected. An expired token returns ErrExpired
// and leaves the family alone.
func (s *RefreshTokenService) Rotate(ctx context.Context, raw string) (string, domain.RefreshToken, error) {
	now := clockNow(s.Clock)

	cur, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.HashToken(raw))
	if err != nil {
		return "", domain.RefreshToken{}, mapStoreErr(err)
	}

	if cur.IsRevoked() {
		return "", domain.RefreshToken{}, s.handleReuse(ctx, cur, now)
	}
	if cur.IsExpired(now) {
		return "", domain.RefreshToken{}, ErrExpired
	}

	nextRaw, next, err := s.build(cur.UserID, cur.FamilyID, cur.DeviceInfo, now)
	if err != nil {
		return "", domain.RefreshToken{}, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.RefreshTokens().RevokeRefreshTokenIfActive(ctx, cur.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errRotationLost
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, next)
	})
	if errors.Is(err, errRotationLost) {
		return "", domain.RefreshToken{}, s.handleReuse(ctx, cur, now)
	}
	if err != nil {
		return "", domain.RefreshToken{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return nextRaw, next, nil
}

// handleReuse revokes the family of a replayed token and records the event.
// It always returns an error wrapping ErrReuseDetected.
func (s *RefreshTokenService) handleReuse(ctx context.Context, tok domain.RefreshToken, now time.Time) error {
	l := slogx.FromContext(ctx)

	var revoked int64
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.RefreshTokens().RevokeRefreshTokenFamily(ctx, tok.FamilyID, now)
		if err != nil {
			return err
		}
		revoked = n

		event := domain.AuditLog{
			ActorID:    tok.UserID,
			Action:     domain.AuditRefreshTokenReuse,
			TargetType: "refresh_token_family",
			TargetID:   tok.FamilyID,
			Details: map[string]any{
				"token_id":       tok.ID,
				"revoked_tokens": n,
			},
		}
		if u, err := tx.Users().GetUserByID(ctx, tok.UserID); err == nil {
			event.ActorEmail = u.Email
		}
		return appendAudit(ctx, tx.AuditLogs(), now, event)
	})
	if err != nil {
		l.Error("refresh token reuse: family revocation failed",
			slog.String("family_id", tok.FamilyID),
			slog.Any("error", err),
		)
		return errors.Join(ErrReuseDetected, err)
	}

	l.Warn("refresh token reuse detected",
		slog.String("user_id", tok.UserID),
		slog.String("family_id", tok.FamilyID),
		slog.String("token_id", tok.ID),
		slog.Int64("revoked", revoked),
	)
	return ErrReuseDetected
}

// RevokeFamily revokes every unrevoked token in the family.
func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.Store.RefreshTokens().RevokeRefreshTokenFamily(ctx, familyID, clockNow(s.Clock))
}

// RevokeAllForUser revokes every family the user holds.
func (s *RefreshTokenService) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.Store.RefreshTokens().RevokeUserRefreshTokens(ctx, userID, clockNow(s.Clock))
}

// Lookup returns the stored record for raw regardless of state.
func (s *RefreshTokenService) Lookup(ctx context.Context, raw string) (domain.RefreshToken, error) {
	tok, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.HashToken(raw))
	if err != nil {
		return domain.RefreshToken{}, mapStoreErr(err)
	}
	return tok, nil
}

// CleanupExpired deletes expired tokens whether or not they were revoked.
func (s *RefreshTokenService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.Store.RefreshTokens().DeleteExpiredRefreshTokens(ctx, clockNow(s.Clock))
}
