package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/stretchr/testify/require"
)

func TestRefreshTokenCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw1, rec1, err := env.refresh.Create(ctx, u.ID, "laptop")
	require.NoError(t, err)
	raw2, rec2, err := env.refresh.Create(ctx, u.ID, "phone")
	require.NoError(t, err)

	require.NotEqual(t, raw1, raw2)
	require.NotEqual(t, rec1.FamilyID, rec2.FamilyID, "every login starts a family")
	require.Equal(t, testStart.Add(DefaultRefreshTokenTTL), rec1.ExpiresAt)

	stored := env.refreshToken(t, raw1)
	require.Equal(t, rec1.ID, stored.ID)
	require.NotEqual(t, raw1, stored.TokenHash, "raw value is never stored")
	require.Equal(t, "laptop", stored.DeviceInfo)
}

func TestRefreshTokenRotate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, first, err := env.refresh.Create(ctx, u.ID, "laptop")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Minute)

		nextRaw, next, err := env.refresh.Rotate(ctx, raw)
		require.NoError(t, err)
		require.Equal(t, first.FamilyID, next.FamilyID)
		require.Equal(t, "laptop", next.DeviceInfo)
		require.Equal(t, env.clock.Now().Add(DefaultRefreshTokenTTL), next.ExpiresAt)

		prev := env.refreshToken(t, raw)
		require.NotNil(t, prev.RevokedAt, "rotated-from token is revoked")
		require.True(t, env.refreshToken(t, nextRaw).IsValid(env.clock.Now()))

		raw = nextRaw
	}

	valid, err := env.store.RefreshTokens().ListRefreshTokens(ctx, store.TokenFilter{
		FamilyID: first.FamilyID, State: store.TokenValid, Now: env.clock.Now(),
	})
	require.NoError(t, err)
	require.Len(t, valid, 1, "one valid token per family at steady state")
}

func TestRefreshTokenReuseRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	t0, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)
	t1, _, err := env.refresh.Rotate(ctx, t0)
	require.NoError(t, err)
	t2, _, err := env.refresh.Rotate(ctx, t1)
	require.NoError(t, err)

	// An unrelated session must survive.
	other, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	_, _, err = env.refresh.Rotate(ctx, t1)
	require.ErrorIs(t, err, ErrReuseDetected)

	require.NotNil(t, env.refreshToken(t, t2).RevokedAt, "descendant is revoked too")
	require.Nil(t, env.refreshToken(t, other).RevokedAt)

	_, _, err = env.refresh.Rotate(ctx, t2)
	require.ErrorIs(t, err, ErrReuseDetected)

	require.Contains(t, env.auditActions(t), domain.AuditRefreshTokenReuse)

	logs, err := env.store.AuditLogs().ListAuditLogs(ctx, store.AuditFilter{Action: domain.AuditRefreshTokenReuse})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, u.Email, logs[0].ActorEmail)
}

func TestRefreshTokenExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	env.clock.Advance(DefaultRefreshTokenTTL)
	_, _, err = env.refresh.Rotate(ctx, raw)
	require.ErrorIs(t, err, ErrExpired)

	require.Nil(t, env.refreshToken(t, raw).RevokedAt, "expiry is not an attack signal")
	require.NotContains(t, env.auditActions(t), domain.AuditRefreshTokenReuse)
}

func TestRefreshTokenNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.refresh.Rotate(context.Background(), "never-issued")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenConcurrentRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, rec, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	const racers = 2
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.refresh.Rotate(ctx, raw)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, reuse int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, reuse)

	// The losing double-submit is treated as theft.
	valid, err := env.store.RefreshTokens().ListRefreshTokens(ctx, store.TokenFilter{
		FamilyID: rec.FamilyID, State: store.TokenValid, Now: env.clock.Now(),
	})
	require.NoError(t, err)
	require.Empty(t, valid)
}

func TestRefreshTokenRevocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	a, recA, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)
	b, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)

	n, err := env.refresh.RevokeFamily(ctx, recA.FamilyID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NotNil(t, env.refreshToken(t, a).RevokedAt)
	require.Nil(t, env.refreshToken(t, b).RevokedAt)

	n, err = env.refresh.RevokeAllForUser(ctx, u.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NotNil(t, env.refreshToken(t, b).RevokedAt)
}

func TestRefreshTokenCleanupExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "a@example.com", "")

	raw, _, err := env.refresh.Create(ctx, u.ID, "")
	require.NoError(t, err)
	_, _, err = env.refresh.Rotate(ctx, raw)
	require.NoError(t, err)

	n, err := env.refresh.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "revoked but unexpired rows stay")

	env.clock.Advance(DefaultRefreshTokenTTL + time.Second)

	n, err = env.refresh.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = env.refresh.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
