package service

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/jwtx"
	"github.com/aussiebroadwan/credcore/pkg/otpx"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) createInactiveUser(t *testing.T, email, password string) domain.User {
	t.Helper()
	hash, err := e.hasher.HashPassword(context.Background(), password)
	require.NoError(t, err)
	now := e.clock.Now()
	u := domain.User{
		ID:           newID(),
		Email:        email,
		PasswordHash: hash,
		BackupCodes:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.store.Users().CreateUser(context.Background(), u))
	return u
}

func TestSessionRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.session.Register(ctx, RegisterInput{Email: "  Alice@Example.COM ", Username: " alice ", Password: "correct-horse"})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", u.Email)
	require.Equal(t, "alice", u.Username)
	require.True(t, u.IsActive)
	require.False(t, u.IsVerified)
	require.True(t, env.hasher.VerifyPassword(ctx, "correct-horse", env.user(t, u.ID).PasswordHash))

	mail := env.mailer.last(t)
	require.Equal(t, "verify_email", mail.Kind)
	require.Equal(t, "alice@example.com", mail.To)
	require.Contains(t, env.auditActions(t), domain.AuditUserRegistered)

	_, err = env.session.Register(ctx, RegisterInput{Email: "alice@example.com", Password: "correct-horse"})
	require.ErrorIs(t, err, ErrConflict)

	_, err = env.session.Register(ctx, RegisterInput{Email: "bob@example.com", Password: "short"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = env.session.Register(ctx, RegisterInput{Email: "not-an-email", Password: "correct-horse"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionRegisterSurvivesMailFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.fail = true

	u, err := env.session.Register(context.Background(), RegisterInput{Email: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
}

func TestSessionLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "password-1")

	res, err := env.session.Login(ctx, LoginInput{
		Email:      "A@example.com",
		Password:   "password-1",
		DeviceInfo: "laptop",
		IPAddress:  "203.0.113.7",
		UserAgent:  "curl/8",
	})
	require.NoError(t, err)
	require.Equal(t, u.ID, res.User.ID)
	require.Nil(t, res.MFA)
	require.Equal(t, "Bearer", res.Tokens.TokenType)
	require.WithinDuration(t, testStart.Add(jwtx.DefaultAccessTokenTTL), res.Tokens.AccessExpiresAt, 0)
	require.WithinDuration(t, testStart.Add(DefaultRefreshTokenTTL), res.Tokens.RefreshExpiresAt, 0)

	claims, err := env.session.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, u.ID, claims.Subject)
	require.Equal(t, res.Tokens.FamilyID, claims.SID)
	require.Equal(t, []string{AMRPassword}, claims.AMR)

	tok := env.refreshToken(t, res.Tokens.RefreshToken)
	require.Equal(t, "laptop", tok.DeviceInfo)
	require.Equal(t, res.Tokens.FamilyID, tok.FamilyID)

	logs, err := env.audit.List(ctx, store.AuditFilter{Action: domain.AuditUserLogin})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "203.0.113.7", logs[0].IPAddress)
	require.Equal(t, "curl/8", logs[0].UserAgent)
}

func TestSessionLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "a@example.com", "password-1")
	env.createUser(t, "nopass@example.com", "")
	env.createInactiveUser(t, "gone@example.com", "password-1")

	_, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "wrong-password"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.session.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.session.Login(ctx, LoginInput{Email: "nopass@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.session.Login(ctx, LoginInput{Email: "gone@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrInactiveUser)

	logs, err := env.audit.List(ctx, store.AuditFilter{Action: domain.AuditUserLoginFailed})
	require.NoError(t, err)
	require.Len(t, logs, 4)
}

func TestSessionDummyHashSurvivesCancelledCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := env.session.dummy(ctx)
	require.NotEmpty(t, h, "a cancelled first caller still computes the hash")
	require.Equal(t, h, env.session.dummy(context.Background()))
	require.False(t, env.hasher.VerifyPassword(context.Background(), "password-1", h))
}

func TestSessionLoginWithMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "password-1")
	secret, backup := enableMFA(t, env, u)

	_, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrMFARequired)

	_, err = env.session.Login(ctx, LoginInput{
		Email: "a@example.com", Password: "password-1",
		MFA: &domain.MFAChallenge{Code: "123456", RecoveryCode: backup[0]},
	})
	require.ErrorIs(t, err, ErrValidation, "both factors at once")

	// Move past the window used for confirmation.
	env.clock.Advance(2 * otpx.Period * time.Second)
	code, err := otpx.Code(secret, env.clock.Now())
	require.NoError(t, err)
	res, err := env.session.Login(ctx, LoginInput{
		Email: "a@example.com", Password: "password-1",
		MFA: &domain.MFAChallenge{Code: code},
	})
	require.NoError(t, err)
	require.NotNil(t, res.MFA)
	require.False(t, res.MFA.UsedBackupCode)

	claims, err := env.session.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{AMRPassword, AMROTP, AMRMFA}, claims.AMR)

	res, err = env.session.Login(ctx, LoginInput{
		Email: "a@example.com", Password: "password-1",
		MFA: &domain.MFAChallenge{RecoveryCode: backup[0]},
	})
	require.NoError(t, err)
	require.True(t, res.MFA.UsedBackupCode)
	require.Equal(t, len(backup)-1, res.MFA.RemainingBackupCodes)

	claims, err = env.session.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.True(t, claims.HasAMR(AMRBackup))

	_, err = env.session.Login(ctx, LoginInput{
		Email: "a@example.com", Password: "password-1",
		MFA: &domain.MFAChallenge{RecoveryCode: backup[0]},
	})
	require.ErrorIs(t, err, ErrInvalidMFACode, "backup codes are single use")
}

func TestSessionRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "a@example.com", "password-1")

	res, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	next, err := env.session.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, res.Tokens.RefreshToken, next.RefreshToken)
	require.Equal(t, res.Tokens.FamilyID, next.FamilyID)
	require.WithinDuration(t, env.clock.Now().Add(jwtx.DefaultAccessTokenTTL), next.AccessExpiresAt, 0)

	claims, err := env.session.VerifyAccessToken(next.AccessToken)
	require.NoError(t, err)
	require.Equal(t, next.FamilyID, claims.SID)

	// Presenting the rotated token again burns the whole family.
	_, err = env.session.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrReuseDetected)
	_, err = env.session.Refresh(ctx, next.RefreshToken)
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestSessionRefreshInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createInactiveUser(t, "gone@example.com", "password-1")

	raw, rec, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	_, err = env.session.Refresh(ctx, raw)
	require.ErrorIs(t, err, ErrInactiveUser)

	tokens, err := env.store.RefreshTokens().ListRefreshTokens(ctx, store.TokenFilter{FamilyID: rec.FamilyID})
	require.NoError(t, err)
	for _, tok := range tokens {
		require.NotNil(t, tok.RevokedAt)
	}
}

func TestSessionLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "a@example.com", "password-1")

	first, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)
	second, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)

	require.NoError(t, env.session.Logout(ctx, first.Tokens.RefreshToken))
	require.NotNil(t, env.refreshToken(t, first.Tokens.RefreshToken).RevokedAt)
	require.Nil(t, env.refreshToken(t, second.Tokens.RefreshToken).RevokedAt)
	require.Contains(t, env.auditActions(t), domain.AuditUserLogout)

	require.ErrorIs(t, env.session.Logout(ctx, "not-a-token"), ErrNotFound)
}

func TestSessionLogoutAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "password-1")

	var raws []string
	for i := 0; i < 3; i++ {
		res, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
		require.NoError(t, err)
		raws = append(raws, res.Tokens.RefreshToken)
	}

	revoked, err := env.session.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, revoked)
	for _, raw := range raws {
		_, err := env.session.Refresh(ctx, raw)
		require.ErrorIs(t, err, ErrReuseDetected)
	}

	_, err = env.session.LogoutAll(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "password-1")

	res, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)

	require.ErrorIs(t, env.session.ChangePassword(ctx, u.ID, "wrong-password", "password-2"), ErrInvalidCredentials)
	require.ErrorIs(t, env.session.ChangePassword(ctx, u.ID, "password-1", "short"), ErrValidation)

	require.NoError(t, env.session.ChangePassword(ctx, u.ID, "password-1", "password-2"))
	require.NotNil(t, env.refreshToken(t, res.Tokens.RefreshToken).RevokedAt)

	_, err = env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-2"})
	require.NoError(t, err)
	require.Contains(t, env.auditActions(t), domain.AuditPasswordChanged)
}

func TestSessionVerifyAccessTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "a@example.com", "password-1")

	res, err := env.session.Login(ctx, LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)

	env.clock.Advance(jwtx.DefaultAccessTokenTTL + time.Second)
	_, err = env.session.VerifyAccessToken(res.Tokens.AccessToken)
	require.ErrorIs(t, err, jwtx.ErrExpired)

	_, err = env.session.VerifyAccessToken("garbage")
	require.Error(t, err)
}
