package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
)

type oauthAccountsRepo struct {
	q *queries
}

const oauthAccountColumns = `id, user_id, provider, provider_account_id, provider_account_email,
	access_token, refresh_token, token_expires_at, scope, profile, last_login_at, created_at, updated_at`

func (r *oauthAccountsRepo) scan(row interface{ Scan(...any) error }) (domain.UserOAuthAccount, error) {
	var (
		a                                    domain.UserOAuthAccount
		email, access, refresh, scope        sql.NullString
		profile                              sql.NullString
		expires, lastLogin, created, updated dbTime
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &email,
		&access, &refresh, &expires, &scope, &profile, &lastLogin, &created, &updated)
	if err != nil {
		return domain.UserOAuthAccount{}, r.q.mapErr(err)
	}

	a.ProviderAccountEmail = mapNullString(email)
	a.AccessToken = mapNullString(access)
	a.RefreshToken = mapNullString(refresh)
	a.TokenExpiresAt = expires.ptr()
	a.Scope = mapNullString(scope)
	if a.Profile, err = decodeMap(profile); err != nil {
		return domain.UserOAuthAccount{}, err
	}
	a.LastLoginAt = lastLogin.ptr()
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	return a, nil
}

func (r *oauthAccountsRepo) list(ctx context.Context, query string, args ...any) ([]domain.UserOAuthAccount, error) {
	rows, err := r.q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UserOAuthAccount
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *oauthAccountsRepo) GetOAuthAccount(ctx context.Context, provider, providerAccountID string) (domain.UserOAuthAccount, error) {
	return r.scan(r.q.queryRow(ctx, `SELECT `+oauthAccountColumns+` FROM user_oauth_accounts
		WHERE provider = ? AND provider_account_id = ?`, provider, providerAccountID))
}

func (r *oauthAccountsRepo) GetOAuthAccountForUser(ctx context.Context, userID, provider string) (domain.UserOAuthAccount, error) {
	return r.scan(r.q.queryRow(ctx, `SELECT `+oauthAccountColumns+` FROM user_oauth_accounts
		WHERE user_id = ? AND provider = ?`, userID, provider))
}

func (r *oauthAccountsRepo) ListOAuthAccountsForUser(ctx context.Context, userID string) ([]domain.UserOAuthAccount, error) {
	return r.list(ctx, `SELECT `+oauthAccountColumns+` FROM user_oauth_accounts
		WHERE user_id = ? ORDER BY provider`, userID)
}

func (r *oauthAccountsRepo) ListOAuthAccountsExpiringBefore(
	ctx context.Context,
	cutoff time.Time,
	after store.OAuthCursor,
	limit int,
) ([]domain.UserOAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM user_oauth_accounts
		WHERE token_expires_at IS NOT NULL AND token_expires_at < ?`
	args := []any{r.q.time(cutoff)}
	if !after.IsZero() {
		query += ` AND (token_expires_at > ? OR (token_expires_at = ? AND id > ?))`
		args = append(args, r.q.time(after.ExpiresAt), r.q.time(after.ExpiresAt), after.ID)
	}
	return r.list(ctx, query+` ORDER BY token_expires_at, id`+limitClause(limit), args...)
}

func (r *oauthAccountsRepo) CreateOAuthAccount(ctx context.Context, a domain.UserOAuthAccount) error {
	profile, err := encodeMap(a.Profile)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx, `INSERT INTO user_oauth_accounts (`+oauthAccountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Provider, a.ProviderAccountID, nullString(a.ProviderAccountEmail),
		nullString(a.AccessToken), nullString(a.RefreshToken), r.q.nullTime(a.TokenExpiresAt),
		nullString(a.Scope), profile, r.q.nullTime(a.LastLoginAt), r.q.time(a.CreatedAt), r.q.time(a.UpdatedAt),
	)
	return err
}

func (r *oauthAccountsRepo) UpdateOAuthAccount(ctx context.Context, a domain.UserOAuthAccount) error {
	profile, err := encodeMap(a.Profile)
	if err != nil {
		return err
	}
	return requireRow(r.q.exec(ctx, `UPDATE user_oauth_accounts SET
		provider_account_id = ?, provider_account_email = ?, access_token = ?, refresh_token = ?,
		token_expires_at = ?, scope = ?, profile = ?, last_login_at = ?, updated_at = ?
		WHERE id = ?`,
		a.ProviderAccountID, nullString(a.ProviderAccountEmail), nullString(a.AccessToken), nullString(a.RefreshToken),
		r.q.nullTime(a.TokenExpiresAt), nullString(a.Scope), profile, r.q.nullTime(a.LastLoginAt), r.q.time(a.UpdatedAt),
		a.ID,
	))
}

func (r *oauthAccountsRepo) UpdateOAuthTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) error {
	return requireRow(r.q.exec(ctx, `UPDATE user_oauth_accounts SET
		access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(accessToken), nullString(refreshToken), r.q.nullTime(expiresAt), r.q.time(now), id,
	))
}

func (r *oauthAccountsRepo) DeleteOAuthAccount(ctx context.Context, userID, provider string) (bool, error) {
	n, err := r.q.exec(ctx, `DELETE FROM user_oauth_accounts WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
