package sqlstore

import (
	"context"
	"database/sql"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
)

type auditLogsRepo struct {
	q *queries
}

const auditLogColumns = `id, actor_id, actor_email, action, target_type, target_id, target_label,
	details, ip_address, user_agent, created_at`

func (r *auditLogsRepo) AppendAuditLog(ctx context.Context, e domain.AuditLog) error {
	details, err := encodeMap(e.Details)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx, `INSERT INTO audit_logs (`+auditLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.ActorID), nullString(e.ActorEmail), e.Action,
		nullString(e.TargetType), nullString(e.TargetID), nullString(e.TargetLabel),
		details, nullString(e.IPAddress), nullString(e.UserAgent), r.q.time(e.CreatedAt),
	)
	return err
}

func (r *auditLogsRepo) ListAuditLogs(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	for col, val := range map[string]string{
		"actor_id":    f.ActorID,
		"action":      f.Action,
		"target_type": f.TargetType,
		"target_id":   f.TargetID,
	} {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}

	rows, err := r.q.query(ctx, `SELECT `+auditLogColumns+` FROM audit_logs`+
		whereClause(where)+` ORDER BY created_at DESC, id DESC`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditLog
	for rows.Next() {
		var (
			e                               domain.AuditLog
			actorID, actorEmail, tType, tID sql.NullString
			tLabel, details, ip, ua         sql.NullString
			created                         dbTime
		)
		if err := rows.Scan(&e.ID, &actorID, &actorEmail, &e.Action, &tType, &tID, &tLabel,
			&details, &ip, &ua, &created); err != nil {
			return nil, err
		}
		e.ActorID = mapNullString(actorID)
		e.ActorEmail = mapNullString(actorEmail)
		e.TargetType = mapNullString(tType)
		e.TargetID = mapNullString(tID)
		e.TargetLabel = mapNullString(tLabel)
		if e.Details, err = decodeMap(details); err != nil {
			return nil, err
		}
		e.IPAddress = mapNullString(ip)
		e.UserAgent = mapNullString(ua)
		e.CreatedAt = created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}
