package service

import (
	"context"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
)

// AuditService appends security events. It never updates or deletes.
type AuditService struct {
	Store store.Store
	Clock clockx.Clock
}

// Record appends e, filling ID and CreatedAt when unset.
func (s *AuditService) Record(ctx context.Context, e domain.AuditLog) error {
	return appendAudit(ctx, s.Store.AuditLogs(), clockNow(s.Clock), e)
}

// RecordTx appends e inside the caller's transaction.
func (s *AuditService) RecordTx(ctx context.Context, tx store.Tx, e domain.AuditLog) error {
	return appendAudit(ctx, tx.AuditLogs(), clockNow(s.Clock), e)
}

// List returns matching entries, newest first.
func (s *AuditService) List(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	return s.Store.AuditLogs().ListAuditLogs(ctx, f)
}

func appendAudit(ctx context.Context, logs store.AuditLogs, now time.Time, e domain.AuditLog) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return logs.AppendAuditLog(ctx, e)
}

// userEvent is the common shape of an event a user performs on themselves.
func userEvent(action string, u domain.User, details map[string]any) domain.AuditLog {
	return domain.AuditLog{
		ActorID:     u.ID,
		ActorEmail:  u.Email,
		Action:      action,
		TargetType:  "user",
		TargetID:    u.ID,
		TargetLabel: u.Email,
		Details:     details,
	}
}
