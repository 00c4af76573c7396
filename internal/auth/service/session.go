package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/jwtx"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

// Authentication method references recorded in the access token.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRBackup   = "backup"
	AMRMFA      = "mfa"
	AMROAuth    = "oauth"
)

type RegisterInput struct {
	Email    string
	Username string
	Password string
}

type LoginInput struct {
	Email      string
	Password   string
	MFA        *domain.MFAChallenge
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// LoginResult carries the issued tokens and, when a second factor was
// checked, how it was satisfied.
type LoginResult struct {
	User   domain.User
	Tokens domain.TokenPair
	MFA    *domain.MFAResult
}

// SessionService issues and ends sessions: a refresh-token family plus
// short-lived EdDSA access tokens.
type SessionService struct {
	Store        store.Store
	Clock        clockx.Clock
	Hasher       *cryptox.Hasher
	Signer       jwtx.Signer
	Verifier     jwtx.Verifier
	Issuer       string
	AccessTTL    time.Duration
	Tokens       *RefreshTokenService
	MFA          *MFAService
	Verification *EmailVerificationService

	dummyMu   sync.Mutex
	dummyHash string
}

func (s *SessionService) accessTTL() time.Duration {
	if s.AccessTTL <= 0 {
		return jwtx.DefaultAccessTokenTTL
	}
	return s.AccessTTL
}

// Register creates a password user, then issues and mails an email
// verification token. Mail failures are logged, not returned.
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	email := normalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return domain.User{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return domain.User{}, err
	}

	switch _, err := s.Store.Users().GetUserByEmail(ctx, email); {
	case err == nil:
		return domain.User{}, fmt.Errorf("%w: email already registered", ErrConflict)
	case !errors.Is(err, store.ErrNotFound):
		return domain.User{}, err
	}

	hash, err := s.Hasher.HashPassword(ctx, in.Password)
	if err != nil {
		return domain.User{}, err
	}

	now := clockNow(s.Clock)
	user := domain.User{
		ID:           newID(),
		Email:        email,
		Username:     strings.TrimSpace(in.Username),
		PasswordHash: hash,
		IsActive:     true,
		BackupCodes:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, user); err != nil {
			return mapStoreErr(err)
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditUserRegistered, user, nil))
	})
	if err != nil {
		return domain.User{}, err
	}

	if s.Verification != nil {
		if err := s.Verification.Request(ctx, user, user.Email); err != nil {
			slogx.FromContext(ctx).Error("failed to issue verification token",
				slog.String("user_id", user.ID),
				slog.Any("error", err),
			)
		}
	}
	return user, nil
}

// Login authenticates with email and password, plus a second factor when
// the user has two-factor enabled.
func (s *SessionService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	l := slogx.FromContext(ctx)

	// Shape errors never reach the store.
	if in.MFA != nil {
		if err := ValidateChallenge(*in.MFA); err != nil {
			return LoginResult{}, err
		}
	}

	email := normalizeEmail(in.Email)
	user, err := s.Store.Users().GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, err
	}

	if err != nil || !user.HasPassword() {
		// Spend the same work as a real check so timing does not reveal
		// which emails exist.
		s.Hasher.VerifyPassword(ctx, in.Password, s.dummy(ctx))
		s.auditLoginFailure(ctx, user, email, "invalid_credentials", in)
		return LoginResult{}, ErrInvalidCredentials
	}

	if !s.Hasher.VerifyPassword(ctx, in.Password, user.PasswordHash) {
		s.auditLoginFailure(ctx, user, email, "invalid_credentials", in)
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.auditLoginFailure(ctx, user, email, "inactive_user", in)
		return LoginResult{}, ErrInactiveUser
	}

	amr := []string{AMRPassword}
	var mfaResult *domain.MFAResult
	if user.TwoFactorEnabled {
		if in.MFA == nil {
			return LoginResult{}, ErrMFARequired
		}
		res, err := s.MFA.ResolveChallenge(ctx, user.ID, *in.MFA)
		if err != nil {
			if errors.Is(err, ErrInvalidMFACode) {
				l.Warn("login second factor rejected", slog.String("user_id", user.ID))
				s.auditLoginFailure(ctx, user, email, "invalid_mfa_code", in)
			}
			return LoginResult{}, err
		}
		mfaResult = &res
		if res.UsedBackupCode {
			amr = append(amr, AMRBackup, AMRMFA)
		} else {
			amr = append(amr, AMROTP, AMRMFA)
		}
	}

	tokens, err := s.IssueTokens(ctx, user, amr, in.DeviceInfo)
	if err != nil {
		return LoginResult{}, err
	}

	event := userEvent(domain.AuditUserLogin, user, map[string]any{
		"family_id": tokens.FamilyID,
		"amr":       strings.Join(amr, " "),
	})
	event.IPAddress, event.UserAgent = in.IPAddress, in.UserAgent
	if err := appendAudit(ctx, s.Store.AuditLogs(), clockNow(s.Clock), event); err != nil {
		return LoginResult{}, err
	}

	return LoginResult{User: user, Tokens: tokens, MFA: mfaResult}, nil
}

// IssueTokens starts a new refresh-token family for user and signs the
// matching access token.
func (s *SessionService) IssueTokens(ctx context.Context, user domain.User, amr []string, deviceInfo string) (domain.TokenPair, error) {
	raw, rec, err := s.Tokens.Create(ctx, user.ID, deviceInfo)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return s.pair(user, raw, rec, amr)
}

// Refresh rotates the presented refresh token and signs a new access token.
func (s *SessionService) Refresh(ctx context.Context, raw string) (domain.TokenPair, error) {
	nextRaw, next, err := s.Tokens.Rotate(ctx, raw)
	if err != nil {
		return domain.TokenPair{}, err
	}

	user, err := s.Store.Users().GetUserByID(ctx, next.UserID)
	if err != nil {
		return domain.TokenPair{}, mapStoreErr(err)
	}
	if !user.IsActive {
		if _, err := s.Tokens.RevokeFamily(ctx, next.FamilyID); err != nil {
			return domain.TokenPair{}, err
		}
		return domain.TokenPair{}, ErrInactiveUser
	}

	amr := []string{AMRPassword}
	if user.TwoFactorEnabled {
		amr = append(amr, AMRMFA)
	}
	return s.pair(user, nextRaw, next, amr)
}

func (s *SessionService) pair(user domain.User, raw string, rec domain.RefreshToken, amr []string) (domain.TokenPair, error) {
	now := clockNow(s.Clock)
	claims := jwtx.NewAccessClaims(user.ID, rec.FamilyID, user.Email, amr, s.accessTTL(), s.Issuer, now)
	access, err := s.Signer.Sign(claims)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	return domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: rec.ExpiresAt,
		FamilyID:         rec.FamilyID,
	}, nil
}

// Logout ends the session the refresh token belongs to.
func (s *SessionService) Logout(ctx context.Context, raw string) error {
	tok, err := s.Tokens.Lookup(ctx, raw)
	if err != nil {
		return err
	}

	revoked, err := s.Tokens.RevokeFamily(ctx, tok.FamilyID)
	if err != nil {
		return err
	}

	event := domain.AuditLog{
		ActorID:    tok.UserID,
		Action:     domain.AuditUserLogout,
		TargetType: "refresh_token_family",
		TargetID:   tok.FamilyID,
		Details:    map[string]any{"revoked_tokens": revoked},
	}
	return appendAudit(ctx, s.Store.AuditLogs(), clockNow(s.Clock), event)
}

// LogoutAll ends every session of the user.
func (s *SessionService) LogoutAll(ctx context.Context, userID string) (int64, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	revoked, err := s.Tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	event := userEvent(domain.AuditUserLogoutAll, user, map[string]any{"revoked_tokens": revoked})
	if err := appendAudit(ctx, s.Store.AuditLogs(), clockNow(s.Clock), event); err != nil {
		return 0, err
	}
	return revoked, nil
}

// ChangePassword replaces the password after checking the current one and
// ends every session of the user.
func (s *SessionService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}

	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !user.HasPassword() || !s.Hasher.VerifyPassword(ctx, current, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := s.Hasher.HashPassword(ctx, next)
	if err != nil {
		return err
	}

	now := clockNow(s.Clock)
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().UpdatePasswordHash(ctx, userID, hash, now); err != nil {
			return mapStoreErr(err)
		}
		revoked, err := tx.RefreshTokens().RevokeUserRefreshTokens(ctx, userID, now)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx.AuditLogs(), now, userEvent(domain.AuditPasswordChanged, user, map[string]any{
			"revoked_refresh_tokens": revoked,
		}))
	})
}

// VerifyAccessToken validates an access token and returns its claims.
func (s *SessionService) VerifyAccessToken(token string) (jwtx.Claims, error) {
	return s.Verifier.Verify(token)
}

func (s *SessionService) auditLoginFailure(ctx context.Context, user domain.User, email, reason string, in LoginInput) {
	event := domain.AuditLog{
		ActorID:    user.ID,
		ActorEmail: email,
		Action:     domain.AuditUserLoginFailed,
		TargetType: "user",
		TargetID:   user.ID,
		Details:    map[string]any{"reason": reason},
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
	}
	if err := appendAudit(ctx, s.Store.AuditLogs(), clockNow(s.Clock), event); err != nil {
		slogx.FromContext(ctx).Error("failed to record login failure", slog.Any("error", err))
	}
}

// dummy returns a real hash to verify against when there is no user. It is
// computed on first use, detached from the caller's cancellation, and a
// failure is not cached.
func (s *SessionService) dummy(ctx context.Context) string {
	s.dummyMu.Lock()
	defer s.dummyMu.Unlock()

	if s.dummyHash == "" {
		h, err := s.Hasher.HashPassword(context.WithoutCancel(ctx), cryptox.MustGenerateToken(cryptox.TokenSize128))
		if err != nil {
			slogx.FromContext(ctx).Error("failed to compute dummy password hash", slog.Any("error", err))
			return ""
		}
		s.dummyHash = h
	}
	return s.dummyHash
}
