package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
)

// AuditLog records closing audit events. A failed write is returned as
// AUDIT_UNAVAILABLE and callers must abort the transition it describes.
type AuditLog struct {
	store repository.AuditStore
	log   *logger.Logger
	now   func() time.Time
}

// NewAuditLog creates a new AuditLog.
func NewAuditLog(store repository.AuditStore, log *logger.Logger) *AuditLog {
	return &AuditLog{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record appends event, assigning its ID and timestamp when unset.
func (a *AuditLog) Record(ctx context.Context, event *closing.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now()
	}

	if err := a.store.Append(ctx, event); err != nil {
		a.log.Error().Err(err).
			Str("procedure_id", event.ProcedureID).
			Str("kind", string(event.Kind)).
			Msg("Audit write failed")
		return errors.Wrap(err, errors.ErrCodeAuditUnavailable, "audit log unavailable")
	}
	return nil
}

// Trail returns every event recorded for a procedure, oldest first.
func (a *AuditLog) Trail(ctx context.Context, procedureID string) ([]*closing.AuditEvent, error) {
	return a.store.ListByProcedure(ctx, procedureID)
}
