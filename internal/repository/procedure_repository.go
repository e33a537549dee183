package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/database"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

const uniqueViolation = "23505"

// checkProcedureID rejects ids that cannot name a stored procedure before they
// reach the UUID key column.
func checkProcedureID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("procedure", id)
	}
	return nil
}

// ProcedureRepository stores procedures in Postgres. Step controls and
// generators are kept as JSONB on the step row.
type ProcedureRepository struct {
	db *database.DB
}

// NewProcedureRepository creates a new procedure repository
func NewProcedureRepository(db *database.DB) *ProcedureRepository {
	return &ProcedureRepository{db: db}
}

const procedureColumns = `
	id, reference, company_id, closure_type, closure_type_name,
	period_start, period_end, state, progress,
	requires_approval, allow_close_with_anomalies,
	created_by, created_at, started_at, finished_at,
	approver_id, approval_decision, approval_comment, decided_at,
	error_message, updated_at`

// Create inserts the procedure and its steps in one transaction.
func (r *ProcedureRepository) Create(ctx context.Context, p *closing.Procedure) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO closing_procedures (` + procedureColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		`
		_, err := tx.Exec(ctx, query,
			p.ID, p.Reference, p.CompanyID, p.ClosureTypeCode, p.ClosureTypeName,
			p.Period.Start, p.Period.End, p.State, p.Progress,
			p.RequiresApproval, p.AllowCloseWithAnomalies,
			p.CreatedBy, p.CreatedAt, p.StartedAt, p.FinishedAt,
			p.ApproverID, p.ApprovalDecision, p.ApprovalComment, p.DecidedAt,
			p.ErrorMessage, p.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "closing_procedures_one_active" {
				return errors.Newf(errors.ErrCodeDuplicateProcedure,
					"an active %s procedure already exists for company %s and this period", p.ClosureTypeCode, p.CompanyID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create procedure")
		}

		for _, s := range p.Steps {
			if err := insertStep(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStep(ctx context.Context, tx pgx.Tx, s *closing.Step) error {
	controls, generators, err := marshalStepConfig(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO closing_steps (id, procedure_id, sequence, name, kind, mandatory, automatic,
		                           state, prerequisites, started_at, finished_at, error_message,
		                           completed_by, attempts, controls, generators)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = tx.Exec(ctx, query,
		s.ID, s.ProcedureID, s.Sequence, s.Name, s.Kind, s.Mandatory, s.Automatic,
		s.State, s.Prerequisites, s.StartedAt, s.FinishedAt, s.ErrorMessage,
		s.CompletedBy, s.Attempts, controls, generators,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step")
	}
	return nil
}

// GetByID retrieves a procedure by ID with all steps
func (r *ProcedureRepository) GetByID(ctx context.Context, id string) (*closing.Procedure, error) {
	if err := checkProcedureID(id); err != nil {
		return nil, err
	}
	query := `SELECT ` + procedureColumns + ` FROM closing_procedures WHERE id = $1`

	p, err := scanProcedure(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("procedure", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get procedure")
	}

	steps, err := r.getSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func (r *ProcedureRepository) getSteps(ctx context.Context, procedureID string) ([]*closing.Step, error) {
	query := `
		SELECT id, procedure_id, sequence, name, kind, mandatory, automatic,
		       state, prerequisites, started_at, finished_at, error_message,
		       completed_by, attempts, controls, generators
		FROM closing_steps
		WHERE procedure_id = $1
		ORDER BY sequence
	`

	rows, err := r.db.Query(ctx, query, procedureID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get steps")
	}
	defer rows.Close()

	steps := make([]*closing.Step, 0)
	for rows.Next() {
		s := &closing.Step{}
		var controls, generators []byte
		err := rows.Scan(
			&s.ID, &s.ProcedureID, &s.Sequence, &s.Name, &s.Kind, &s.Mandatory, &s.Automatic,
			&s.State, &s.Prerequisites, &s.StartedAt, &s.FinishedAt, &s.ErrorMessage,
			&s.CompletedBy, &s.Attempts, &controls, &generators,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step")
		}
		if err := json.Unmarshal(controls, &s.Controls); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step controls")
		}
		if err := json.Unmarshal(generators, &s.Generators); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step generators")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read steps")
	}
	return steps, nil
}

// Update saves the header and all steps atomically.
func (r *ProcedureRepository) Update(ctx context.Context, p *closing.Procedure) error {
	if err := checkProcedureID(p.ID); err != nil {
		return err
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE closing_procedures
			SET state = $2, progress = $3, started_at = $4, finished_at = $5,
			    approver_id = $6, approval_decision = $7, approval_comment = $8, decided_at = $9,
			    error_message = $10, updated_at = $11
			WHERE id = $1
		`
		tag, err := tx.Exec(ctx, query,
			p.ID, p.State, p.Progress, p.StartedAt, p.FinishedAt,
			p.ApproverID, p.ApprovalDecision, p.ApprovalComment, p.DecidedAt,
			p.ErrorMessage, p.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update procedure")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("procedure", p.ID)
		}

		batch := &pgx.Batch{}
		for _, s := range p.Steps {
			controls, generators, err := marshalStepConfig(s)
			if err != nil {
				return err
			}
			batch.Queue(`
				UPDATE closing_steps
				SET state = $2, started_at = $3, finished_at = $4, error_message = $5,
				    completed_by = $6, attempts = $7, controls = $8, generators = $9
				WHERE id = $1
			`, s.ID, s.State, s.StartedAt, s.FinishedAt, s.ErrorMessage,
				s.CompletedBy, s.Attempts, controls, generators)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update steps")
		}
		return nil
	})
}

// Delete removes the procedure; steps go with it through ON DELETE CASCADE.
func (r *ProcedureRepository) Delete(ctx context.Context, id string) error {
	if err := checkProcedureID(id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM closing_procedures WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete procedure")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("procedure", id)
	}
	return nil
}

// List returns procedure headers, newest first. Steps are not loaded.
func (r *ProcedureRepository) List(ctx context.Context, filter ListFilter) ([]*closing.Procedure, error) {
	var (
		where []string
		args  []any
	)
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		where = append(where, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + procedureColumns + ` FROM closing_procedures`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list procedures")
	}
	defer rows.Close()

	procedures := make([]*closing.Procedure, 0)
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan procedure")
		}
		procedures = append(procedures, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list procedures")
	}
	return procedures, nil
}

// FindActive returns the live procedure for the key, or nil when none exists.
func (r *ProcedureRepository) FindActive(ctx context.Context, companyID, closureType string, period closing.Period) (*closing.Procedure, error) {
	query := `SELECT ` + procedureColumns + `
		FROM closing_procedures
		WHERE company_id = $1 AND closure_type = $2 AND period_start = $3 AND period_end = $4
		  AND state IN ('PLANNED', 'RUNNING', 'AWAITING_APPROVAL')
	`
	p, err := scanProcedure(r.db.QueryRow(ctx, query, companyID, closureType, period.Start, period.End))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find active procedure")
	}
	return p, nil
}

type procedureScanner interface {
	Scan(dest ...any) error
}

func scanProcedure(sc procedureScanner) (*closing.Procedure, error) {
	p := &closing.Procedure{}
	err := sc.Scan(
		&p.ID, &p.Reference, &p.CompanyID, &p.ClosureTypeCode, &p.ClosureTypeName,
		&p.Period.Start, &p.Period.End, &p.State, &p.Progress,
		&p.RequiresApproval, &p.AllowCloseWithAnomalies,
		&p.CreatedBy, &p.CreatedAt, &p.StartedAt, &p.FinishedAt,
		&p.ApproverID, &p.ApprovalDecision, &p.ApprovalComment, &p.DecidedAt,
		&p.ErrorMessage, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func marshalStepConfig(s *closing.Step) (controls, generators []byte, err error) {
	controls, err = json.Marshal(nonNil(s.Controls))
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step controls")
	}
	generators, err = json.Marshal(nonNil(s.Generators))
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step generators")
	}
	return controls, generators, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
