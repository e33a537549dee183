package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/database"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// AuditRepository appends and reads immutable closing audit events.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit event. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, event *closing.AuditEvent) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO closing_audit_events
		    (id, occurred_at, procedure_id, step_id,
		     kind, title, detail, acting_user,
		     metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9)
	`

	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.OccurredAt,
		event.ProcedureID,
		event.StepID,
		event.Kind,
		event.Title,
		event.Detail,
		event.ActingUser,
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

// ListByProcedure returns the full audit trail of a procedure, oldest first.
// Events of discarded procedures are still returned.
func (r *AuditRepository) ListByProcedure(ctx context.Context, procedureID string) ([]*closing.AuditEvent, error) {
	if _, err := uuid.Parse(procedureID); err != nil {
		return []*closing.AuditEvent{}, nil
	}
	query := `
		SELECT id, occurred_at, procedure_id, step_id,
		       kind, title, detail, acting_user,
		       metadata
		FROM closing_audit_events
		WHERE procedure_id = $1
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, procedureID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*closing.AuditEvent, error) {
	events := make([]*closing.AuditEvent, 0)
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit trail")
	}
	return events, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *AuditRepository) scanEvent(sc auditScanner) (*closing.AuditEvent, error) {
	event := &closing.AuditEvent{}
	var metadataJSON []byte

	err := sc.Scan(
		&event.ID,
		&event.OccurredAt,
		&event.ProcedureID,
		&event.StepID,
		&event.Kind,
		&event.Title,
		&event.Detail,
		&event.ActingUser,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return event, nil
}
