package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/oauth"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
	"golang.org/x/time/rate"
)

const (
	DefaultOAuthRefreshLookahead = 10 * time.Minute
	DefaultOAuthRefreshBatch     = 500
	DefaultOAuthRefreshTimeout   = 15 * time.Second
)

// OAuthRefreshStats are the counts reported by one job run.
type OAuthRefreshStats struct {
	Processed int
	Refreshed int
	Skipped   int // no configured provider, or no refresh token stored
	Failed    int
}

// OAuthRefreshJob refreshes provider tokens that are about to expire.
// Failures are counted and left for the next run; a link is never removed
// here.
type OAuthRefreshJob struct {
	Store     store.Store
	Clock     clockx.Clock
	Cipher    *cryptox.Cipher
	Providers oauth.Registry

	Lookahead time.Duration
	BatchSize int // accounts read per page
	Timeout   time.Duration // per provider call

	// Limiter paces calls to providers. Nil means unpaced.
	Limiter *rate.Limiter
}

// Run performs one pass. It returns an error only when the pass itself
// cannot proceed (listing fails, ctx ends); per-account failures are in
// the stats.
func (j *OAuthRefreshJob) Run(ctx context.Context) (OAuthRefreshStats, error) {
	l := slogx.FromContext(ctx)
	var stats OAuthRefreshStats

	lookahead := j.Lookahead
	if lookahead <= 0 {
		lookahead = DefaultOAuthRefreshLookahead
	}
	batch := j.BatchSize
	if batch <= 0 {
		batch = DefaultOAuthRefreshBatch
	}

	cutoff := clockNow(j.Clock).Add(lookahead)
	warned := make(map[string]bool)
	seen := make(map[string]bool)
	var cursor store.OAuthCursor

	// Page through every due account so that accounts which keep failing
	// cannot crowd healthy ones out of the run.
	for {
		due, err := j.Store.OAuthAccounts().ListOAuthAccountsExpiringBefore(ctx, cutoff, cursor, batch)
		if err != nil {
			return stats, err
		}

		for _, acct := range due {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			// A refresh can leave an account inside the window again;
			// one attempt per run.
			if seen[acct.ID] {
				continue
			}
			seen[acct.ID] = true
			stats.Processed++
			j.process(ctx, acct, &stats, warned)
		}

		if len(due) < batch {
			break
		}
		last := due[len(due)-1]
		cursor = store.OAuthCursor{ExpiresAt: *last.TokenExpiresAt, ID: last.ID}
	}

	l.Info("oauth refresh completed",
		slog.Int("processed", stats.Processed),
		slog.Int("refreshed", stats.Refreshed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (j *OAuthRefreshJob) process(ctx context.Context, acct domain.UserOAuthAccount, stats *OAuthRefreshStats, warned map[string]bool) {
	l := slogx.FromContext(ctx)

	p, err := j.Providers.Get(acct.Provider)
	if err != nil {
		stats.Skipped++
		if !warned[acct.Provider] {
			warned[acct.Provider] = true
			l.Warn("oauth refresh: provider not configured but has linked accounts",
				slog.String("provider", acct.Provider))
		}
		return
	}

	refreshToken, err := j.Cipher.DecryptString(acct.RefreshToken)
	if err != nil {
		stats.Failed++
		l.Error("oauth refresh: cannot decrypt refresh token",
			slog.String("account_id", acct.ID),
			slog.Any("error", err))
		return
	}
	if refreshToken == "" {
		stats.Skipped++
		l.Debug("oauth refresh: no refresh token stored",
			slog.String("account_id", acct.ID),
			slog.String("provider", acct.Provider))
		return
	}

	if j.Limiter != nil {
		if err := j.Limiter.Wait(ctx); err != nil {
			stats.Failed++
			return
		}
	}

	if err := j.refreshOne(ctx, p, acct.ID, refreshToken); err != nil {
		stats.Failed++
		level := slog.LevelWarn
		if errors.Is(err, oauth.ErrInvalidGrant) {
			level = slog.LevelInfo
		}
		l.Log(ctx, level, "oauth refresh failed",
			slog.String("account_id", acct.ID),
			slog.String("provider", acct.Provider),
			slog.Any("error", err))
		return
	}
	stats.Refreshed++
}

func (j *OAuthRefreshJob) refreshOne(ctx context.Context, p oauth.Provider, accountID, refreshToken string) error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = DefaultOAuthRefreshTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tokens, err := p.RefreshToken(callCtx, refreshToken)
	if err != nil {
		return err
	}

	access, err := j.Cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return err
	}
	// Keep the stored refresh token unless the provider rotated it.
	if tokens.RefreshToken != "" {
		refreshToken = tokens.RefreshToken
	}
	refresh, err := j.Cipher.EncryptString(refreshToken)
	if err != nil {
		return err
	}

	now := clockNow(j.Clock)
	return j.Store.OAuthAccounts().UpdateOAuthTokens(ctx, accountID, access, refresh, tokens.ExpiryFrom(now), now)
}
