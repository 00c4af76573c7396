package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
)

type usersRepo struct {
	q *queries
}

const userColumns = `id, email, username, password_hash, is_active, is_verified, is_superuser,
	two_factor_enabled, totp_secret, backup_codes, two_factor_confirmed_at, created_at, updated_at`

func (r *usersRepo) scan(row interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u                           domain.User
		username, hash, secret      sql.NullString
		codes                       sql.NullString
		confirmed, created, updated dbTime
	)
	err := row.Scan(&u.ID, &u.Email, &username, &hash, &u.IsActive, &u.IsVerified, &u.IsSuperuser,
		&u.TwoFactorEnabled, &secret, &codes, &confirmed, &created, &updated)
	if err != nil {
		return domain.User{}, r.q.mapErr(err)
	}

	u.Username = mapNullString(username)
	u.PasswordHash = mapNullString(hash)
	u.TOTPSecret = mapNullString(secret)
	if u.BackupCodes, err = decodeStrings(codes); err != nil {
		return domain.User{}, err
	}
	u.TwoFactorConfirmedAt = confirmed.ptr()
	u.CreatedAt = created.Time
	u.UpdatedAt = updated.Time
	return u, nil
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return r.scan(r.q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scan(r.q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.q.exec(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		strings.ToLower(strings.TrimSpace(u.Email)),
		nullString(u.Username),
		nullString(u.PasswordHash),
		u.IsActive,
		u.IsVerified,
		u.IsSuperuser,
		u.TwoFactorEnabled,
		nullString(u.TOTPSecret),
		encodeStrings(u.BackupCodes),
		r.q.nullTime(u.TwoFactorConfirmedAt),
		r.q.time(u.CreatedAt),
		r.q.time(u.UpdatedAt),
	)
	return err
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		nullString(hash), r.q.time(now), userID))
}

func (r *usersRepo) MarkEmailVerified(ctx context.Context, userID, email string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET email = ?, is_verified = ?, updated_at = ? WHERE id = ?`,
		strings.ToLower(strings.TrimSpace(email)), true, r.q.time(now), userID))
}

func (r *usersRepo) SetTOTPSecret(ctx context.Context, userID, secret string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET totp_secret = ?, updated_at = ? WHERE id = ?`,
		nullString(secret), r.q.time(now), userID))
}

func (r *usersRepo) EnableTwoFactor(ctx context.Context, userID string, backupCodes []string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET two_factor_enabled = ?, backup_codes = ?, two_factor_confirmed_at = ?, updated_at = ?
		WHERE id = ?`,
		true, encodeStrings(backupCodes), r.q.time(now), r.q.time(now), userID))
}

func (r *usersRepo) DisableTwoFactor(ctx context.Context, userID string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET two_factor_enabled = ?, totp_secret = NULL, backup_codes = ?,
		two_factor_confirmed_at = NULL, updated_at = ? WHERE id = ?`,
		false, encodeStrings(nil), r.q.time(now), userID))
}

func (r *usersRepo) ReplaceBackupCodes(ctx context.Context, userID string, backupCodes []string, now time.Time) error {
	return requireRow(r.q.exec(ctx,
		`UPDATE users SET backup_codes = ?, updated_at = ? WHERE id = ?`,
		encodeStrings(backupCodes), r.q.time(now), userID))
}

func (r *usersRepo) SwapBackupCodes(ctx context.Context, userID string, expected, next []string, now time.Time) (bool, error) {
	n, err := r.q.exec(ctx,
		`UPDATE users SET backup_codes = ?, updated_at = ? WHERE id = ? AND backup_codes = ?`,
		encodeStrings(next), r.q.time(now), userID, encodeStrings(expected))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
