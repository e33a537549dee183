// Package closing holds the domain model of the period-closing engine:
// procedures, their step graph, controls, entry generators and audit events.
package closing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// ProcedureState is the lifecycle state of a closing procedure.
type ProcedureState string

const (
	ProcedurePlanned          ProcedureState = "PLANNED"
	ProcedureRunning          ProcedureState = "RUNNING"
	ProcedureAwaitingApproval ProcedureState = "AWAITING_APPROVAL"
	ProcedureClosed           ProcedureState = "CLOSED"
	ProcedureRejected         ProcedureState = "REJECTED"
	ProcedureError            ProcedureState = "ERROR"
)

// IsTerminal reports whether no further transition is accepted.
func (s ProcedureState) IsTerminal() bool {
	return s == ProcedureClosed || s == ProcedureRejected || s == ProcedureError
}

// IsActive reports whether the procedure still counts against the
// one-live-procedure-per-period rule.
func (s ProcedureState) IsActive() bool {
	return !s.IsTerminal()
}

// StepState is the lifecycle state of one step.
type StepState string

const (
	StepPlanned StepState = "PLANNED"
	StepRunning StepState = "RUNNING"
	StepDone    StepState = "DONE"
	StepError   StepState = "ERROR"
)

// StepKind classifies a step.
type StepKind string

const (
	StepKindControl    StepKind = "CONTROL"
	StepKindCompute    StepKind = "COMPUTE"
	StepKindEntry      StepKind = "ENTRY"
	StepKindValidation StepKind = "VALIDATION"
)

// Valid reports whether k is a known kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindControl, StepKindCompute, StepKindEntry, StepKindValidation:
		return true
	}
	return false
}

// ControlType selects a control algorithm.
type ControlType string

const (
	ControlBalance        ControlType = "BALANCE"
	ControlCoherence      ControlType = "COHERENCE"
	ControlCompleteness   ControlType = "COMPLETENESS"
	ControlReconciliation ControlType = "RECONCILIATION"
	ControlTax            ControlType = "TAX"
	ControlAnalytical     ControlType = "ANALYTICAL"
)

// Severity decides whether a failed control halts its step.
type Severity string

const (
	SeverityBlocking Severity = "BLOCKING"
	SeverityWarning  Severity = "WARNING"
)

// GeneratorType selects an entry computation strategy.
type GeneratorType string

const (
	GeneratorDepreciation GeneratorType = "DEPRECIATION"
	GeneratorProvision    GeneratorType = "PROVISION"
	GeneratorAccrual      GeneratorType = "ACCRUAL"
	GeneratorAllocation   GeneratorType = "ALLOCATION"
)

// Period is an accounting period, both dates inclusive.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects periods whose end precedes their start.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return errors.New(errors.ErrCodeInvalidPeriod, "period start and end are required")
	}
	if p.End.Before(p.Start) {
		return errors.Newf(errors.ErrCodeInvalidPeriod, "period end %s precedes start %s",
			p.End.Format("2006-01-02"), p.Start.Format("2006-01-02"))
	}
	return nil
}

// Months returns the number of calendar months the period touches.
func (p Period) Months() int {
	months := (p.End.Year()-p.Start.Year())*12 + int(p.End.Month()) - int(p.Start.Month()) + 1
	if months < 1 {
		return 1
	}
	return months
}

// Procedure is one closing run for a company and period.
type Procedure struct {
	ID                      string         `json:"id"`
	Reference               string         `json:"reference"`
	CompanyID               string         `json:"company_id"`
	ClosureTypeCode         string         `json:"closure_type"`
	ClosureTypeName         string         `json:"closure_type_name"`
	Period                  Period         `json:"period"`
	State                   ProcedureState `json:"state"`
	Progress                int            `json:"progress"`
	RequiresApproval        bool           `json:"requires_approval"`
	AllowCloseWithAnomalies bool           `json:"allow_close_with_anomalies"`
	CreatedBy               string         `json:"created_by"`
	CreatedAt               time.Time      `json:"created_at"`
	StartedAt               *time.Time     `json:"started_at,omitempty"`
	FinishedAt              *time.Time     `json:"finished_at,omitempty"`
	ApproverID              string         `json:"approver_id,omitempty"`
	ApprovalDecision        string         `json:"approval_decision,omitempty"`
	ApprovalComment         string         `json:"approval_comment,omitempty"`
	DecidedAt               *time.Time     `json:"decided_at,omitempty"`
	ErrorMessage            string         `json:"error_message,omitempty"`
	UpdatedAt               time.Time      `json:"updated_at"`
	Steps                   []*Step        `json:"steps"`
}

// Step is one node of a procedure's dependency graph.
type Step struct {
	ID            string       `json:"id"`
	ProcedureID   string       `json:"procedure_id"`
	Sequence      int          `json:"sequence"`
	Name          string       `json:"name"`
	Kind          StepKind     `json:"kind"`
	Mandatory     bool         `json:"mandatory"`
	Automatic     bool         `json:"automatic"`
	State         StepState    `json:"state"`
	Prerequisites []string     `json:"prerequisites"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CompletedBy   string       `json:"completed_by,omitempty"`
	Attempts      int          `json:"attempts"`
	Controls      []*Control   `json:"controls"`
	Generators    []*Generator `json:"generators"`
}

// ControlSpec configures one control on a step blueprint.
type ControlSpec struct {
	Type      ControlType     `json:"type"`
	Severity  Severity        `json:"severity"`
	Tolerance decimal.Decimal `json:"tolerance"`
}

// Control is a control bound to a step, with its last execution result.
type Control struct {
	ID string `json:"id"`
	ControlSpec
	Executed      bool            `json:"executed"`
	Conformant    bool            `json:"conformant"`
	ObservedValue decimal.Decimal `json:"observed_value"`
	Anomalies     []Anomaly       `json:"anomalies"`
	DurationMS    int64           `json:"duration_ms"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// Anomaly is one finding reported by a control.
type Anomaly struct {
	ID                string          `json:"id,omitempty"`
	Type              string          `json:"type"`
	Description       string          `json:"description"`
	Magnitude         decimal.Decimal `json:"magnitude"`
	Severity          Severity        `json:"severity"`
	Resolved          bool            `json:"resolved"`
	ResolvedBy        string          `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	ResolutionComment string          `json:"resolution_comment,omitempty"`
}

// Generator is an entry generator bound to a step. PostedRef is set once its
// entry reached the ledger, so re-runs never post it twice.
type Generator struct {
	ID string `json:"id"`
	GeneratorSpec
	PostedRef string     `json:"posted_ref,omitempty"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
}

// EntryDraft is one unposted journal line.
type EntryDraft struct {
	AccountRef string          `json:"account_ref"`
	Debit      decimal.Decimal `json:"debit"`
	Credit     decimal.Decimal `json:"credit"`
	Narration  string          `json:"narration"`
}

// AuditKind enumerates audit event kinds.
type AuditKind string

const (
	AuditProcedureCreated   AuditKind = "PROCEDURE_CREATED"
	AuditProcedureStarted   AuditKind = "PROCEDURE_STARTED"
	AuditStepStarted        AuditKind = "STEP_STARTED"
	AuditStepDone           AuditKind = "STEP_DONE"
	AuditStepFailed         AuditKind = "STEP_FAILED"
	AuditStepRetried        AuditKind = "STEP_RETRIED"
	AuditControlPassed      AuditKind = "CONTROL_PASSED"
	AuditControlFailed      AuditKind = "CONTROL_FAILED"
	AuditEntryPosted        AuditKind = "ENTRY_POSTED"
	AuditAnomalyResolved    AuditKind = "ANOMALY_RESOLVED"
	AuditApprovalRequested  AuditKind = "APPROVAL_REQUESTED"
	AuditApprovalDecided    AuditKind = "APPROVAL_DECIDED"
	AuditProcedureClosed    AuditKind = "PROCEDURE_CLOSED"
	AuditProcedureError     AuditKind = "PROCEDURE_ERROR"
	AuditProcedureDiscarded AuditKind = "PROCEDURE_DISCARDED"
)

// AuditEvent is an immutable audit record. It references a procedure and
// optionally a step but is not owned by either.
type AuditEvent struct {
	ID          string         `json:"id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	ProcedureID string         `json:"procedure_id"`
	StepID      string         `json:"step_id,omitempty"`
	Kind        AuditKind      `json:"kind"`
	Title       string         `json:"title"`
	Detail      string         `json:"detail,omitempty"`
	ActingUser  string         `json:"acting_user"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
