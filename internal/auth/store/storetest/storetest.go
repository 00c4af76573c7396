// Package storetest is a conformance suite every store driver runs.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/stretchr/testify/require"
)

// Base is a fixed reference time with whole-second precision so every driver
// round-trips it exactly.
var Base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%06d", prefix, seq.Add(1))
}

// NewUser inserts an active user with the given email.
func NewUser(t *testing.T, s store.Store, email string) domain.User {
	t.Helper()
	u := domain.User{
		ID:           nextID("user"),
		Email:        email,
		PasswordHash: "$argon2id$stub",
		IsActive:     true,
		CreatedAt:    Base,
		UpdatedAt:    Base,
	}
	require.NoError(t, s.Users().CreateUser(context.Background(), u))
	return u
}

// Run executes the suite. newStore must return a migrated, empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("BackupCodeSwap", func(t *testing.T) { testBackupCodeSwap(t, newStore(t)) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("RefreshTokenPredicates", func(t *testing.T) { testRefreshTokenPredicates(t, newStore(t)) })
	t.Run("EmailVerificationTokens", func(t *testing.T) { testEmailVerificationTokens(t, newStore(t)) })
	t.Run("PasswordResetTokens", func(t *testing.T) { testPasswordResetTokens(t, newStore(t)) })
	t.Run("OAuthAccounts", func(t *testing.T) { testOAuthAccounts(t, newStore(t)) })
	t.Run("OAuthExpiryPaging", func(t *testing.T) { testOAuthExpiryPaging(t, newStore(t)) })
	t.Run("AuditLogs", func(t *testing.T) { testAuditLogs(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "Alice@Example.com")

	got, err := s.Users().GetUserByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.Equal(t, "alice@example.com", got.Email)
	require.True(t, got.IsActive)
	require.False(t, got.IsVerified)
	require.Empty(t, got.BackupCodes)
	require.Nil(t, got.TwoFactorConfirmedAt)
	require.WithinDuration(t, Base, got.CreatedAt, 0)

	_, err = s.Users().GetUserByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	dup := domain.User{ID: nextID("user"), Email: "alice@example.com", CreatedAt: Base, UpdatedAt: Base}
	require.ErrorIs(t, s.Users().CreateUser(ctx, dup), store.ErrAlreadyExists)

	later := Base.Add(time.Hour)
	require.NoError(t, s.Users().UpdatePasswordHash(ctx, u.ID, "$argon2id$new", later))
	require.NoError(t, s.Users().MarkEmailVerified(ctx, u.ID, "alice+new@example.com", later))
	require.ErrorIs(t, s.Users().UpdatePasswordHash(ctx, "missing", "x", later), store.ErrNotFound)

	got, err = s.Users().GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "$argon2id$new", got.PasswordHash)
	require.Equal(t, "alice+new@example.com", got.Email)
	require.True(t, got.IsVerified)
	require.WithinDuration(t, later, got.UpdatedAt, 0)

	require.NoError(t, s.Users().SetTOTPSecret(ctx, u.ID, "enc-secret", later))
	require.NoError(t, s.Users().EnableTwoFactor(ctx, u.ID, []string{"h1", "h2"}, later))

	got, err = s.Users().GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.TwoFactorEnabled)
	require.Equal(t, "enc-secret", got.TOTPSecret)
	require.Equal(t, []string{"h1", "h2"}, got.BackupCodes)
	require.NotNil(t, got.TwoFactorConfirmedAt)

	require.NoError(t, s.Users().DisableTwoFactor(ctx, u.ID, later))
	got, err = s.Users().GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, got.TwoFactorEnabled)
	require.Empty(t, got.TOTPSecret)
	require.Empty(t, got.BackupCodes)
	require.Nil(t, got.TwoFactorConfirmedAt)
}

func testBackupCodeSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "bob@example.com")

	require.NoError(t, s.Users().ReplaceBackupCodes(ctx, u.ID, []string{"a", "b", "c"}, Base))

	ok, err := s.Users().SwapBackupCodes(ctx, u.ID, []string{"a", "b", "c"}, []string{"a", "c"}, Base)
	require.NoError(t, err)
	require.True(t, ok)

	// A second swap from the stale view loses.
	ok, err = s.Users().SwapBackupCodes(ctx, u.ID, []string{"a", "b", "c"}, []string{"b", "c"}, Base)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Users().GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, got.BackupCodes)

	// Swapping down to empty works and stays comparable.
	ok, err = s.Users().SwapBackupCodes(ctx, u.ID, []string{"a", "c"}, nil, Base)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Users().SwapBackupCodes(ctx, u.ID, []string{}, []string{"z"}, Base)
	require.NoError(t, err)
	require.True(t, ok)
}

func newRefreshToken(userID, family string, expires time.Time) domain.RefreshToken {
	id := nextID("rt")
	return domain.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: "hash-" + id,
		FamilyID:  family,
		ExpiresAt: expires,
		CreatedAt: Base,
	}
}

func testRefreshTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "carol@example.com")
	repo := s.RefreshTokens()

	a := newRefreshToken(u.ID, "fam-1", Base.Add(time.Hour))
	a.DeviceInfo = "firefox"
	b := newRefreshToken(u.ID, "fam-1", Base.Add(time.Hour))
	c := newRefreshToken(u.ID, "fam-2", Base.Add(time.Hour))
	for _, tok := range []domain.RefreshToken{a, b, c} {
		require.NoError(t, repo.CreateRefreshToken(ctx, tok))
	}

	dup := newRefreshToken(u.ID, "fam-3", Base)
	dup.TokenHash = a.TokenHash
	require.ErrorIs(t, repo.CreateRefreshToken(ctx, dup), store.ErrAlreadyExists)

	got, err := repo.GetRefreshTokenByHash(ctx, a.TokenHash)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, "firefox", got.DeviceInfo)
	require.Nil(t, got.RevokedAt)

	_, err = repo.GetRefreshTokenByHash(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Conditional revoke: only the first caller wins.
	ok, err := repo.RevokeRefreshTokenIfActive(ctx, a.ID, Base)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.RevokeRefreshTokenIfActive(ctx, a.ID, Base.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	got, err = repo.GetRefreshTokenByHash(ctx, a.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	require.WithinDuration(t, Base, *got.RevokedAt, 0, "loser must not overwrite revoked_at")

	n, err := repo.RevokeRefreshTokenFamily(ctx, "fam-1", Base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "already revoked rows are untouched")

	n, err = repo.RevokeUserRefreshTokens(ctx, u.ID, Base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	fam, err := repo.ListRefreshTokens(ctx, store.TokenFilter{FamilyID: "fam-1"})
	require.NoError(t, err)
	require.Len(t, fam, 2)
}

func testRefreshTokenPredicates(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "dave@example.com")
	repo := s.RefreshTokens()
	now := Base.Add(time.Hour)

	live := newRefreshToken(u.ID, "f", now.Add(time.Minute))
	boundary := newRefreshToken(u.ID, "f", now)
	old := newRefreshToken(u.ID, "f", now.Add(-time.Minute))
	revoked := newRefreshToken(u.ID, "g", now.Add(time.Hour))
	revokedAt := Base
	revoked.RevokedAt = &revokedAt

	all := []domain.RefreshToken{live, boundary, old, revoked}
	for _, tok := range all {
		require.NoError(t, repo.CreateRefreshToken(ctx, tok))
	}

	valid, err := repo.ListRefreshTokens(ctx, store.ValidTokens(now))
	require.NoError(t, err)
	expired, err := repo.ListRefreshTokens(ctx, store.ExpiredTokens(now))
	require.NoError(t, err)

	ids := func(ts []domain.RefreshToken) map[string]bool {
		m := map[string]bool{}
		for _, tok := range ts {
			m[tok.ID] = true
		}
		return m
	}
	validIDs, expiredIDs := ids(valid), ids(expired)

	// The query form and the in-process form agree row by row.
	for _, tok := range all {
		require.Equal(t, tok.IsValid(now), validIDs[tok.ID], "valid %s", tok.ID)
		require.Equal(t, tok.IsExpired(now), expiredIDs[tok.ID], "expired %s", tok.ID)
	}

	f := store.ValidTokens(now)
	f.UserID = u.ID
	f.Limit = 1
	limited, err := repo.ListRefreshTokens(ctx, f)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	n, err := repo.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = repo.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testEmailVerificationTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "erin@example.com")
	repo := s.EmailVerificationTokens()

	mk := func(email string, expires time.Time) domain.EmailVerificationToken {
		id := nextID("evt")
		return domain.EmailVerificationToken{
			ID: id, UserID: u.ID, TokenHash: "hash-" + id, Email: email, ExpiresAt: expires, CreatedAt: Base,
		}
	}
	a := mk("erin@example.com", Base.Add(time.Hour))
	b := mk("erin@example.com", Base.Add(time.Hour))
	other := mk("erin@work.example", Base.Add(time.Hour))
	old := mk("erin@example.com", Base.Add(-time.Hour))
	for _, tok := range []domain.EmailVerificationToken{a, b, other, old} {
		require.NoError(t, repo.CreateEmailVerificationToken(ctx, tok))
	}

	n, err := repo.InvalidateEmailVerificationTokens(ctx, u.ID, "ERIN@example.com", Base)
	require.NoError(t, err)
	require.EqualValues(t, 3, n, "only tokens for that address")

	f := store.ValidTokens(Base)
	f.Email = "erin@work.example"
	valid, err := repo.ListEmailVerificationTokens(ctx, f)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	require.Equal(t, other.ID, valid[0].ID)

	ok, err := repo.MarkEmailVerificationTokenUsed(ctx, other.ID, Base)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkEmailVerificationTokenUsed(ctx, other.ID, Base)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := repo.GetEmailVerificationTokenByHash(ctx, other.TokenHash)
	require.NoError(t, err)
	require.True(t, got.IsUsed())

	n, err = repo.DeleteExpiredEmailVerificationTokens(ctx, Base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = repo.DeleteExpiredEmailVerificationTokens(ctx, Base)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testPasswordResetTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "frank@example.com")
	v := NewUser(t, s, "grace@example.com")
	repo := s.PasswordResetTokens()

	mk := func(userID string, expires time.Time) domain.PasswordResetToken {
		id := nextID("prt")
		return domain.PasswordResetToken{
			ID: id, UserID: userID, TokenHash: "hash-" + id, ExpiresAt: expires,
			IPAddress: "203.0.113.7", UserAgent: "curl/8", CreatedAt: Base,
		}
	}
	a := mk(u.ID, Base.Add(time.Hour))
	b := mk(u.ID, Base.Add(time.Hour))
	c := mk(v.ID, Base.Add(time.Hour))
	for _, tok := range []domain.PasswordResetToken{a, b, c} {
		require.NoError(t, repo.CreatePasswordResetToken(ctx, tok))
	}

	got, err := repo.GetPasswordResetTokenByHash(ctx, a.TokenHash)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", got.IPAddress)
	require.Equal(t, "curl/8", got.UserAgent)

	n, err := repo.InvalidatePasswordResetTokens(ctx, u.ID, Base)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	valid, err := repo.ListPasswordResetTokens(ctx, store.ValidTokens(Base))
	require.NoError(t, err)
	require.Len(t, valid, 1)
	require.Equal(t, c.ID, valid[0].ID)

	ok, err := repo.MarkPasswordResetTokenUsed(ctx, a.ID, Base)
	require.NoError(t, err)
	require.False(t, ok, "already invalidated")

	n, err = repo.DeleteExpiredPasswordResetTokens(ctx, Base.Add(2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func testOAuthAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "heidi@example.com")
	v := NewUser(t, s, "ivan@example.com")
	repo := s.OAuthAccounts()

	expires := Base.Add(5 * time.Minute)
	acct := domain.UserOAuthAccount{
		ID:                   nextID("oa"),
		UserID:               u.ID,
		Provider:             "google",
		ProviderAccountID:    "g123",
		ProviderAccountEmail: "heidi@gmail.example",
		AccessToken:          "enc-access",
		RefreshToken:         "enc-refresh",
		TokenExpiresAt:       &expires,
		Scope:                "openid email",
		Profile:              map[string]any{"name": "Heidi"},
		CreatedAt:            Base,
		UpdatedAt:            Base,
	}
	require.NoError(t, repo.CreateOAuthAccount(ctx, acct))

	// Same provider identity on another user.
	dup := acct
	dup.ID, dup.UserID = nextID("oa"), v.ID
	require.ErrorIs(t, repo.CreateOAuthAccount(ctx, dup), store.ErrAlreadyExists)

	// Second link of the same provider on one user.
	dup = acct
	dup.ID, dup.ProviderAccountID = nextID("oa"), "g999"
	require.ErrorIs(t, repo.CreateOAuthAccount(ctx, dup), store.ErrAlreadyExists)

	got, err := repo.GetOAuthAccount(ctx, "google", "g123")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.UserID)
	require.Equal(t, "Heidi", got.Profile["name"])
	require.NotNil(t, got.TokenExpiresAt)

	got, err = repo.GetOAuthAccountForUser(ctx, u.ID, "google")
	require.NoError(t, err)
	require.Equal(t, acct.ID, got.ID)

	noExpiry := domain.UserOAuthAccount{
		ID: nextID("oa"), UserID: v.ID, Provider: "github", ProviderAccountID: "gh1",
		AccessToken: "enc", CreatedAt: Base, UpdatedAt: Base,
	}
	require.NoError(t, repo.CreateOAuthAccount(ctx, noExpiry))

	due, err := repo.ListOAuthAccountsExpiringBefore(ctx, Base.Add(10*time.Minute), store.OAuthCursor{}, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, acct.ID, due[0].ID)

	due, err = repo.ListOAuthAccountsExpiringBefore(ctx, Base.Add(time.Minute), store.OAuthCursor{}, 0)
	require.NoError(t, err)
	require.Empty(t, due)

	newExpiry := Base.Add(time.Hour)
	require.NoError(t, repo.UpdateOAuthTokens(ctx, acct.ID, "enc-access-2", "enc-refresh-2", &newExpiry, Base))
	got, err = repo.GetOAuthAccount(ctx, "google", "g123")
	require.NoError(t, err)
	require.Equal(t, "enc-access-2", got.AccessToken)
	require.Equal(t, "enc-refresh-2", got.RefreshToken)
	require.WithinDuration(t, newExpiry, *got.TokenExpiresAt, 0)

	login := Base.Add(2 * time.Hour)
	got.LastLoginAt = &login
	got.Scope = "openid"
	got.UpdatedAt = login
	require.NoError(t, repo.UpdateOAuthAccount(ctx, got))

	list, err := repo.ListOAuthAccountsForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "openid", list[0].Scope)
	require.NotNil(t, list[0].LastLoginAt)

	deleted, err := repo.DeleteOAuthAccount(ctx, u.ID, "google")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = repo.DeleteOAuthAccount(ctx, u.ID, "google")
	require.NoError(t, err)
	require.False(t, deleted)
}

func testAuditLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.AuditLogs()

	for i, action := range []string{domain.AuditUserLogin, domain.AuditUserLogin, domain.AuditRefreshTokenReuse} {
		require.NoError(t, repo.AppendAuditLog(ctx, domain.AuditLog{
			ID:         nextID("al"),
			ActorID:    "actor-1",
			ActorEmail: "judy@example.com",
			Action:     action,
			TargetType: "user",
			TargetID:   "actor-1",
			Details:    map[string]any{"n": float64(i)},
			IPAddress:  "198.51.100.1",
			CreatedAt:  Base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logins, err := repo.ListAuditLogs(ctx, store.AuditFilter{Action: domain.AuditUserLogin})
	require.NoError(t, err)
	require.Len(t, logins, 2)
	require.Equal(t, float64(1), logins[0].Details["n"], "newest first")

	all, err := repo.ListAuditLogs(ctx, store.AuditFilter{ActorID: "actor-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "judy@example.com", all[0].ActorEmail)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := NewUser(t, s, "ken@example.com")

	// Rolled back on error.
	boom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.RefreshTokens().CreateRefreshToken(ctx, newRefreshToken(u.ID, "tx-fam", Base.Add(time.Hour))))
		return boom
	})
	require.ErrorIs(t, err, boom)

	toks, err := s.RefreshTokens().ListRefreshTokens(ctx, store.TokenFilter{FamilyID: "tx-fam"})
	require.NoError(t, err)
	require.Empty(t, toks)

	// Committed on success.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.RefreshTokens().CreateRefreshToken(ctx, newRefreshToken(u.ID, "tx-fam", Base.Add(time.Hour)))
	})
	require.NoError(t, err)

	toks, err = s.RefreshTokens().ListRefreshTokens(ctx, store.TokenFilter{FamilyID: "tx-fam"})
	require.NoError(t, err)
	require.Len(t, toks, 1)

	// No nesting.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.WithTx(ctx, func(store.Tx) error { return nil })
	})
	require.Error(t, err)
}

func testOAuthExpiryPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.OAuthAccounts()

	link := func(email string, expiresIn time.Duration) domain.UserOAuthAccount {
		u := NewUser(t, s, email)
		expires := Base.Add(expiresIn)
		a := domain.UserOAuthAccount{
			ID: nextID("oa"), UserID: u.ID, Provider: "google", ProviderAccountID: nextID("g"),
			AccessToken: "enc", TokenExpiresAt: &expires, CreatedAt: Base, UpdatedAt: Base,
		}
		require.NoError(t, repo.CreateOAuthAccount(ctx, a))
		return a
	}
	first := link("page1@example.com", time.Minute)
	tieA := link("page2@example.com", 2*time.Minute)
	tieB := link("page3@example.com", 2*time.Minute)
	link("later@example.com", time.Hour)

	cutoff := Base.Add(10 * time.Minute)
	ids := func(accts []domain.UserOAuthAccount) []string {
		out := make([]string, 0, len(accts))
		for _, a := range accts {
			out = append(out, a.ID)
		}
		return out
	}

	page, err := repo.ListOAuthAccountsExpiringBefore(ctx, cutoff, store.OAuthCursor{}, 2)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID, tieA.ID}, ids(page))

	// Rows sharing an expiry are split by id.
	last := page[len(page)-1]
	page, err = repo.ListOAuthAccountsExpiringBefore(ctx, cutoff, store.OAuthCursor{ExpiresAt: *last.TokenExpiresAt, ID: last.ID}, 2)
	require.NoError(t, err)
	require.Equal(t, []string{tieB.ID}, ids(page))

	page, err = repo.ListOAuthAccountsExpiringBefore(ctx, cutoff, store.OAuthCursor{ExpiresAt: *tieB.TokenExpiresAt, ID: tieB.ID}, 2)
	require.NoError(t, err)
	require.Empty(t, page)
}
