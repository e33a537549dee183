package repository

import (
	"context"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

// ProcedureStore persists procedures together with their steps.
type ProcedureStore interface {
	// Create inserts a procedure and its steps. It fails with
	// DUPLICATE_PROCEDURE when an active procedure already covers the same
	// company, closure type and period.
	Create(ctx context.Context, p *closing.Procedure) error
	GetByID(ctx context.Context, id string) (*closing.Procedure, error)
	// Update saves the procedure header and every step.
	Update(ctx context.Context, p *closing.Procedure) error
	// Delete removes a procedure and cascades to its steps.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]*closing.Procedure, error)
	// FindActive returns the live procedure for the key, or nil.
	FindActive(ctx context.Context, companyID, closureType string, period closing.Period) (*closing.Procedure, error)
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	Append(ctx context.Context, event *closing.AuditEvent) error
	ListByProcedure(ctx context.Context, procedureID string) ([]*closing.AuditEvent, error)
}

// ListFilter narrows procedure listings. Zero values match everything.
type ListFilter struct {
	CompanyID string
	State     closing.ProcedureState
	Limit     int
	Offset    int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}
