package service

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/mail"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/stretchr/testify/require"
)

func TestEmailVerificationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, rec, err := env.verification.Create(ctx, u.ID, "A@Example.com")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", rec.Email)
	require.Equal(t, testStart.Add(DefaultEmailVerificationTTL), rec.ExpiresAt)
	require.GreaterOrEqual(t, len(raw), 43, "at least 32 bytes of entropy")

	tok, err := env.verification.Consume(ctx, raw, nil)
	require.NoError(t, err)
	require.True(t, tok.IsUsed())

	_, err = env.verification.Consume(ctx, raw, nil)
	require.ErrorIs(t, err, ErrAlreadyUsed)

	_, err = env.verification.Consume(ctx, "unknown", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEmailVerificationCreateInvalidatesOutstanding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	first, _, err := env.verification.Create(ctx, u.ID, "a@example.com")
	require.NoError(t, err)
	other, _, err := env.verification.Create(ctx, u.ID, "new@example.com")
	require.NoError(t, err)
	second, _, err := env.verification.Create(ctx, u.ID, "a@example.com")
	require.NoError(t, err)

	_, err = env.verification.Consume(ctx, first, nil)
	require.ErrorIs(t, err, ErrAlreadyUsed)

	_, err = env.verification.Consume(ctx, other, nil)
	require.NoError(t, err, "tokens for a different address are untouched")

	_, err = env.verification.Consume(ctx, second, nil)
	require.NoError(t, err)
}

func TestEmailVerificationExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, _, err := env.verification.Create(ctx, u.ID, u.Email)
	require.NoError(t, err)

	env.clock.Advance(DefaultEmailVerificationTTL)
	_, err = env.verification.Consume(ctx, raw, nil)
	require.ErrorIs(t, err, ErrExpired)
}

func TestEmailVerificationConsumeRollsBackWithEffect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, _, err := env.verification.Create(ctx, u.ID, u.Email)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = env.verification.Consume(ctx, raw, func(store.Tx, domain.EmailVerificationToken) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The token was not spent.
	_, err = env.verification.Consume(ctx, raw, nil)
	require.NoError(t, err)
}

func TestEmailVerificationVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, _, err := env.verification.Create(ctx, u.ID, "changed@example.com")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	got, err := env.verification.Verify(ctx, raw)
	require.NoError(t, err)
	require.True(t, got.IsVerified)
	require.Equal(t, "changed@example.com", got.Email)
	require.WithinDuration(t, env.clock.Now(), got.UpdatedAt, 0)

	require.Contains(t, env.auditActions(t), domain.AuditEmailVerified)

	_, err = env.verification.Verify(ctx, raw)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestEmailVerificationVerifyTakenAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")
	env.createUser(t, "taken@example.com", "")

	raw, _, err := env.verification.Create(ctx, u.ID, "taken@example.com")
	require.NoError(t, err)

	_, err = env.verification.Verify(ctx, raw)
	require.ErrorIs(t, err, ErrConflict)

	// Rolled back: the token is still unused and the user unchanged.
	tok, err := env.store.EmailVerificationTokens().GetEmailVerificationTokenByHash(ctx, hashOf(raw))
	require.NoError(t, err)
	require.False(t, tok.IsUsed())
	require.False(t, env.user(t, u.ID).IsVerified)
}

func TestEmailVerificationRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	require.NoError(t, env.verification.Request(ctx, u, ""))

	m := env.mailer.last(t)
	require.Equal(t, mail.KindVerifyEmail, m.Kind)
	require.Equal(t, "a@example.com", m.To)

	link, err := url.Parse(m.Data["Link"].(string))
	require.NoError(t, err)
	require.Equal(t, "app.example", link.Host)
	require.Equal(t, "/verify-email", link.Path)

	_, err = env.verification.Verify(ctx, link.Query().Get("token"))
	require.NoError(t, err)
}

func TestEmailVerificationRequestIsAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	require.NoError(t, env.verification.Request(ctx, u, "New@Example.com"))

	logs, err := env.store.AuditLogs().ListAuditLogs(ctx, store.AuditFilter{Action: domain.AuditEmailVerificationRequest})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, u.ID, logs[0].ActorID)
	require.Equal(t, "new@example.com", logs[0].Details["email"])

	// Plain Create issues a token without an audit entry.
	_, _, err = env.verification.Create(ctx, u.ID, "other@example.com")
	require.NoError(t, err)
	require.Len(t, env.auditActions(t), 1)
}

func TestEmailVerificationRequestMailFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")
	env.mailer.fail = true

	require.NoError(t, env.verification.Request(ctx, u, ""))

	valid, err := env.store.EmailVerificationTokens().ListEmailVerificationTokens(ctx, store.ValidTokens(env.clock.Now()))
	require.NoError(t, err)
	require.Len(t, valid, 1, "token survives a bounced email")
}

func TestEmailVerificationCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	_, _, err := env.verification.Create(ctx, u.ID, u.Email)
	require.NoError(t, err)

	n, err := env.verification.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	env.clock.Advance(DefaultEmailVerificationTTL)
	n, err = env.verification.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = env.verification.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestActionLink(t *testing.T) {
	require.Equal(t, "https://app.example/base/verify-email?token=a%2Bb",
		actionLink("https://app.example/base", "/verify-email", "a+b"))
	require.Equal(t, "/reset-password?token=xyz", actionLink("", "/reset-password", "xyz"))
}
