package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
)

type refreshTokensRepo struct {
	q *queries
}

const refreshTokenColumns = `id, user_id, token_hash, family_id, expires_at, revoked_at, device_info, created_at`

func (r *refreshTokensRepo) scan(row interface{ Scan(...any) error }) (domain.RefreshToken, error) {
	var (
		t                         domain.RefreshToken
		device                    sql.NullString
		expires, revoked, created dbTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.FamilyID, &expires, &revoked, &device, &created); err != nil {
		return domain.RefreshToken{}, r.q.mapErr(err)
	}
	t.ExpiresAt = expires.Time
	t.RevokedAt = revoked.ptr()
	t.DeviceInfo = mapNullString(device)
	t.CreatedAt = created.Time
	return t, nil
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.q.exec(ctx, `INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.TokenHash, t.FamilyID,
		r.q.time(t.ExpiresAt), r.q.nullTime(t.RevokedAt), nullString(t.DeviceInfo), r.q.time(t.CreatedAt),
	)
	return err
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	return r.scan(r.q.queryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, hash))
}

func (r *refreshTokensRepo) ListRefreshTokens(ctx context.Context, f store.TokenFilter) ([]domain.RefreshToken, error) {
	where, args := tokenWhere(r.q, f, "revoked_at")
	if f.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, f.FamilyID)
	}

	rows, err := r.q.query(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens`+
		whereClause(where)+` ORDER BY created_at, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RefreshToken
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *refreshTokensRepo) RevokeRefreshTokenIfActive(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.q.exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		r.q.time(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *refreshTokensRepo) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	return r.q.exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE family_id = ? AND revoked_at IS NULL`,
		r.q.time(now), familyID)
}

func (r *refreshTokensRepo) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	return r.q.exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		r.q.time(now), userID)
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return r.q.exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, r.q.time(now))
}

// tokenWhere builds the shared predicates of TokenFilter. stateCol is the
// nullable column that ends a token's life early (revoked_at or used_at).
// The valid and expired branches are the query forms of IsValid and IsExpired.
func tokenWhere(q *queries, f store.TokenFilter, stateCol string) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	switch f.State {
	case store.TokenValid:
		where = append(where, "expires_at > ?", stateCol+" IS NULL")
		args = append(args, q.time(f.Now))
	case store.TokenExpired:
		where = append(where, "expires_at <= ?")
		args = append(args, q.time(f.Now))
	}
	return where, args
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}
