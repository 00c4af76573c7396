package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/mail"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/stretchr/testify/require"
)

func TestPasswordResetExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	env.reset.TTL = time.Hour
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	raw, _, err := env.reset.Create(ctx, u.ID, "", "")
	require.NoError(t, err)

	env.clock.Advance(61 * time.Minute)
	_, err = env.reset.Consume(ctx, raw, nil)
	require.ErrorIs(t, err, ErrExpired)
}

func TestPasswordResetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	raw, rec, err := env.reset.Create(ctx, u.ID, "203.0.113.9", "curl/8")
	require.NoError(t, err)
	require.Equal(t, testStart.Add(DefaultPasswordResetTTL), rec.ExpiresAt)

	_, err = env.reset.Consume(ctx, raw, nil)
	require.NoError(t, err)
	_, err = env.reset.Consume(ctx, raw, nil)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestPasswordResetCreateInvalidatesOutstanding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	first, _, err := env.reset.Create(ctx, u.ID, "", "")
	require.NoError(t, err)
	second, _, err := env.reset.Create(ctx, u.ID, "", "")
	require.NoError(t, err)

	_, err = env.reset.Consume(ctx, first, nil)
	require.ErrorIs(t, err, ErrAlreadyUsed)
	_, err = env.reset.Consume(ctx, second, nil)
	require.NoError(t, err)
}

func TestPasswordResetReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	session, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	raw, _, err := env.reset.Create(ctx, u.ID, "203.0.113.9", "curl/8")
	require.NoError(t, err)

	require.ErrorIs(t, env.reset.Reset(ctx, raw, "short"), ErrValidation)

	require.NoError(t, env.reset.Reset(ctx, raw, "new-password"))

	got := env.user(t, u.ID)
	require.True(t, env.hasher.VerifyPassword(ctx, "new-password", got.PasswordHash))
	require.False(t, env.hasher.VerifyPassword(ctx, "old-password", got.PasswordHash))
	require.NotNil(t, env.refreshToken(t, session).RevokedAt, "sessions end on reset")

	logs, err := env.store.AuditLogs().ListAuditLogs(ctx, store.AuditFilter{Action: domain.AuditPasswordReset})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "203.0.113.9", logs[0].IPAddress)
	require.Equal(t, "curl/8", logs[0].UserAgent)

	require.ErrorIs(t, env.reset.Reset(ctx, raw, "another-password"), ErrAlreadyUsed)
	require.ErrorIs(t, env.reset.Reset(ctx, "bogus", "another-password"), ErrNotFound)
}

func TestPasswordResetRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	require.NoError(t, env.reset.Request(ctx, "A@example.com ", "198.51.100.4", "firefox"))

	m := env.mailer.last(t)
	require.Equal(t, mail.KindPasswordReset, m.Kind)
	require.Equal(t, u.Email, m.To)

	link, err := url.Parse(m.Data["Link"].(string))
	require.NoError(t, err)
	require.Equal(t, "/reset-password", link.Path)

	tok, err := env.store.PasswordResetTokens().GetPasswordResetTokenByHash(ctx, hashOf(link.Query().Get("token")))
	require.NoError(t, err)
	require.Equal(t, "198.51.100.4", tok.IPAddress)
	require.Equal(t, "firefox", tok.UserAgent)

	require.Contains(t, env.auditActions(t), domain.AuditPasswordResetRequest)
}

func TestPasswordResetRequestSilentForUnknownOrInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reset.Request(ctx, "nobody@example.com", "", ""))

	inactive := domain.User{
		ID:        newID(),
		Email:     "off@example.com",
		CreatedAt: env.clock.Now(),
		UpdatedAt: env.clock.Now(),
	}
	require.NoError(t, env.store.Users().CreateUser(ctx, inactive))
	require.NoError(t, env.reset.Request(ctx, inactive.Email, "", ""))

	require.Empty(t, env.mailer.sent)
	valid, err := env.store.PasswordResetTokens().ListPasswordResetTokens(ctx, store.ValidTokens(env.clock.Now()))
	require.NoError(t, err)
	require.Empty(t, valid)
}

func TestPasswordResetCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "old-password")

	_, _, err := env.reset.Create(ctx, u.ID, "", "")
	require.NoError(t, err)

	env.clock.Advance(DefaultPasswordResetTTL)
	n, err := env.reset.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = env.reset.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
