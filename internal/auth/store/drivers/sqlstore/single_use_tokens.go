package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
)

type emailVerificationRepo struct {
	q *queries
}

const emailVerificationColumns = `id, user_id, token_hash, email, expires_at, used_at, created_at`

func (r *emailVerificationRepo) scan(row interface{ Scan(...any) error }) (domain.EmailVerificationToken, error) {
	var (
		t                      domain.EmailVerificationToken
		expires, used, created dbTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Email, &expires, &used, &created); err != nil {
		return domain.EmailVerificationToken{}, r.q.mapErr(err)
	}
	t.ExpiresAt = expires.Time
	t.UsedAt = used.ptr()
	t.CreatedAt = created.Time
	return t, nil
}

func (r *emailVerificationRepo) CreateEmailVerificationToken(ctx context.Context, t domain.EmailVerificationToken) error {
	_, err := r.q.exec(ctx, `INSERT INTO email_verification_tokens (`+emailVerificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.TokenHash, strings.ToLower(t.Email),
		r.q.time(t.ExpiresAt), r.q.nullTime(t.UsedAt), r.q.time(t.CreatedAt),
	)
	return err
}

func (r *emailVerificationRepo) GetEmailVerificationTokenByHash(ctx context.Context, hash string) (domain.EmailVerificationToken, error) {
	return r.scan(r.q.queryRow(ctx,
		`SELECT `+emailVerificationColumns+` FROM email_verification_tokens WHERE token_hash = ?`, hash))
}

func (r *emailVerificationRepo) ListEmailVerificationTokens(ctx context.Context, f store.TokenFilter) ([]domain.EmailVerificationToken, error) {
	where, args := tokenWhere(r.q, f, "used_at")
	if f.Email != "" {
		where = append(where, "email = ?")
		args = append(args, strings.ToLower(f.Email))
	}

	rows, err := r.q.query(ctx, `SELECT `+emailVerificationColumns+` FROM email_verification_tokens`+
		whereClause(where)+` ORDER BY created_at, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EmailVerificationToken
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *emailVerificationRepo) InvalidateEmailVerificationTokens(ctx context.Context, userID, email string, now time.Time) (int64, error) {
	return r.q.exec(ctx,
		`UPDATE email_verification_tokens SET used_at = ?
		WHERE user_id = ? AND email = ? AND used_at IS NULL`,
		r.q.time(now), userID, strings.ToLower(email))
}

func (r *emailVerificationRepo) MarkEmailVerificationTokenUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.q.exec(ctx,
		`UPDATE email_verification_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		r.q.time(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *emailVerificationRepo) DeleteExpiredEmailVerificationTokens(ctx context.Context, now time.Time) (int64, error) {
	return r.q.exec(ctx, `DELETE FROM email_verification_tokens WHERE expires_at <= ?`, r.q.time(now))
}

type passwordResetRepo struct {
	q *queries
}

const passwordResetColumns = `id, user_id, token_hash, expires_at, used_at, ip_address, user_agent, created_at`

func (r *passwordResetRepo) scan(row interface{ Scan(...any) error }) (domain.PasswordResetToken, error) {
	var (
		t                      domain.PasswordResetToken
		ip, ua                 sql.NullString
		expires, used, created dbTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &expires, &used, &ip, &ua, &created); err != nil {
		return domain.PasswordResetToken{}, r.q.mapErr(err)
	}
	t.ExpiresAt = expires.Time
	t.UsedAt = used.ptr()
	t.IPAddress = mapNullString(ip)
	t.UserAgent = mapNullString(ua)
	t.CreatedAt = created.Time
	return t, nil
}

func (r *passwordResetRepo) CreatePasswordResetToken(ctx context.Context, t domain.PasswordResetToken) error {
	_, err := r.q.exec(ctx, `INSERT INTO password_reset_tokens (`+passwordResetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.TokenHash,
		r.q.time(t.ExpiresAt), r.q.nullTime(t.UsedAt),
		nullString(t.IPAddress), nullString(t.UserAgent), r.q.time(t.CreatedAt),
	)
	return err
}

func (r *passwordResetRepo) GetPasswordResetTokenByHash(ctx context.Context, hash string) (domain.PasswordResetToken, error) {
	return r.scan(r.q.queryRow(ctx,
		`SELECT `+passwordResetColumns+` FROM password_reset_tokens WHERE token_hash = ?`, hash))
}

func (r *passwordResetRepo) ListPasswordResetTokens(ctx context.Context, f store.TokenFilter) ([]domain.PasswordResetToken, error) {
	where, args := tokenWhere(r.q, f, "used_at")

	rows, err := r.q.query(ctx, `SELECT `+passwordResetColumns+` FROM password_reset_tokens`+
		whereClause(where)+` ORDER BY created_at, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PasswordResetToken
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *passwordResetRepo) InvalidatePasswordResetTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	return r.q.exec(ctx,
		`UPDATE password_reset_tokens SET used_at = ? WHERE user_id = ? AND used_at IS NULL`,
		r.q.time(now), userID)
}

func (r *passwordResetRepo) MarkPasswordResetTokenUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.q.exec(ctx,
		`UPDATE password_reset_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		r.q.time(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *passwordResetRepo) DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error) {
	return r.q.exec(ctx, `DELETE FROM password_reset_tokens WHERE expires_at <= ?`, r.q.time(now))
}
