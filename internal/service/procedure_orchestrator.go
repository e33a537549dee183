package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-gl-closing/internal/client"
	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
)

const tracerName = "github.com/pesio-ai/be-gl-closing/internal/service"

// Notifier publishes procedure events to interested parties. Implementations
// must not fail the caller.
type Notifier interface {
	PublishProcedureEvent(ctx context.Context, eventType, procedureID, companyID, actorID string, payload map[string]any)
}

// CreateProcedureRequest is the input of CreateProcedure.
type CreateProcedureRequest struct {
	CompanyID   string         `json:"company_id"`
	ClosureType string         `json:"closure_type"`
	Period      closing.Period `json:"period"`
}

// ManualOutcome is the operator-supplied result of a manual step.
type ManualOutcome struct {
	State   closing.StepState `json:"state"`
	Message string            `json:"message,omitempty"`
}

// ProcedureView is a procedure together with its audit trail.
type ProcedureView struct {
	*closing.Procedure
	AuditTrail []*closing.AuditEvent `json:"audit_trail"`
}

// ProcedureOrchestrator owns the procedure state machine and the step
// dependency graph. All transitions of one procedure are serialized; distinct
// procedures proceed in parallel.
type ProcedureOrchestrator struct {
	store    repository.ProcedureStore
	audit    *AuditLog
	executor *StepExecutor
	catalog  *closing.Catalog
	notifier Notifier
	locks    *keyedMutex
	tracer   trace.Tracer
	log      *logger.Logger
	now      func() time.Time

	advanceTimeout time.Duration
}

// NewProcedureOrchestrator creates a new ProcedureOrchestrator. notifier may
// be nil.
func NewProcedureOrchestrator(
	store repository.ProcedureStore,
	audit *AuditLog,
	executor *StepExecutor,
	catalog *closing.Catalog,
	notifier Notifier,
	log *logger.Logger,
) *ProcedureOrchestrator {
	return &ProcedureOrchestrator{
		store:    store,
		audit:    audit,
		executor: executor,
		catalog:  catalog,
		notifier: notifier,
		locks:    newKeyedMutex(),
		tracer:   otel.Tracer(tracerName),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetAdvanceTimeout bounds each run of automatic steps. Zero means unbounded.
func (o *ProcedureOrchestrator) SetAdvanceTimeout(d time.Duration) {
	o.advanceTimeout = d
}

// ── Creation ──────────────────────────────────────────────────────────────────

// CreateProcedure materializes a PLANNED procedure from a closure type.
func (o *ProcedureOrchestrator) CreateProcedure(ctx context.Context, req CreateProcedureRequest, actingUser string) (p *closing.Procedure, err error) {
	ctx, span := o.tracer.Start(ctx, "closing.CreateProcedure", trace.WithAttributes(
		attribute.String("company.id", req.CompanyID),
		attribute.String("closure.type", req.ClosureType),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.CompanyID) == "" {
		return nil, errors.InvalidInput("company_id", "company_id is required")
	}
	if err := req.Period.Validate(); err != nil {
		return nil, err
	}
	ct, err := o.catalog.Get(req.ClosureType)
	if err != nil {
		return nil, err
	}
	deps, err := ct.Prerequisites()
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(creationKey(req))
	defer unlock()

	existing, err := o.store.FindActive(ctx, req.CompanyID, ct.Code, req.Period)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrCodeDuplicateProcedure,
			"procedure %s is already active for company %s and this period", existing.Reference, req.CompanyID)
	}

	p = o.materialize(req, ct, deps, actingUser)
	if err := o.store.Create(ctx, p); err != nil {
		return nil, err
	}

	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditProcedureCreated,
		Title:       "Procedure created: " + p.Reference,
		ActingUser:  actingUser,
		Metadata: map[string]any{
			"closure_type": ct.Code,
			"period_start": p.Period.Start.Format(time.DateOnly),
			"period_end":   p.Period.End.Format(time.DateOnly),
			"steps":        len(p.Steps),
		},
	}); err != nil {
		if delErr := o.store.Delete(ctx, p.ID); delErr != nil {
			o.log.Error().Err(delErr).Str("procedure_id", p.ID).Msg("Failed to remove unaudited procedure")
		}
		return nil, err
	}

	o.log.Info().
		Str("procedure_id", p.ID).
		Str("reference", p.Reference).
		Str("company_id", p.CompanyID).
		Str("closure_type", ct.Code).
		Int("steps", len(p.Steps)).
		Msg("Closing procedure created")

	return p, nil
}

func (o *ProcedureOrchestrator) materialize(req CreateProcedureRequest, ct *closing.ClosureType, deps map[int][]int, actingUser string) *closing.Procedure {
	now := o.now()
	p := &closing.Procedure{
		ID:                      uuid.NewString(),
		Reference:               referenceCode(req.CompanyID, ct.Code, req.Period),
		CompanyID:               req.CompanyID,
		ClosureTypeCode:         ct.Code,
		ClosureTypeName:         ct.Name,
		Period:                  req.Period,
		State:                   closing.ProcedurePlanned,
		RequiresApproval:        ct.RequiresApproval,
		AllowCloseWithAnomalies: ct.AllowCloseWithAnomalies,
		CreatedBy:               actingUser,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	blueprints := ct.OrderedSteps()
	ids := make(map[int]string, len(blueprints))
	for _, bp := range blueprints {
		ids[bp.Sequence] = uuid.NewString()
	}

	for _, bp := range blueprints {
		step := &closing.Step{
			ID:            ids[bp.Sequence],
			ProcedureID:   p.ID,
			Sequence:      bp.Sequence,
			Name:          bp.Name,
			Kind:          bp.Kind,
			Mandatory:     bp.Mandatory,
			Automatic:     bp.Automatic,
			State:         closing.StepPlanned,
			Prerequisites: make([]string, 0, len(deps[bp.Sequence])),
			Controls:      make([]*closing.Control, 0, len(bp.Controls)),
			Generators:    make([]*closing.Generator, 0, len(bp.Generators)),
		}
		for _, d := range deps[bp.Sequence] {
			step.Prerequisites = append(step.Prerequisites, ids[d])
		}
		for _, c := range bp.Controls {
			step.Controls = append(step.Controls, &closing.Control{ID: uuid.NewString(), ControlSpec: c})
		}
		for _, g := range bp.Generators {
			step.Generators = append(step.Generators, &closing.Generator{ID: uuid.NewString(), GeneratorSpec: g})
		}
		p.Steps = append(p.Steps, step)
	}
	return p
}

// ── Execution ─────────────────────────────────────────────────────────────────

// Start moves a PLANNED procedure to RUNNING and runs every eligible
// automatic step.
func (o *ProcedureOrchestrator) Start(ctx context.Context, procedureID, actingUser string) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.Start", procedureID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedurePlanned {
		return nil, invalidState(p, "start")
	}

	now := o.now()
	p.State = closing.ProcedureRunning
	p.StartedAt = &now
	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditProcedureStarted,
		Title:       "Procedure started: " + p.Reference,
		ActingUser:  actingUser,
	}); err != nil {
		return nil, err
	}
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	o.log.Info().Str("procedure_id", p.ID).Str("reference", p.Reference).Msg("Closing procedure started")

	if err := o.advance(ctx, p, actingUser); err != nil {
		return nil, err
	}
	return p, nil
}

// CompleteManualStep records the operator outcome of a manual step and
// advances the procedure.
func (o *ProcedureOrchestrator) CompleteManualStep(ctx context.Context, procedureID, stepID, actingUser string, outcome ManualOutcome) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.CompleteManualStep", procedureID, attribute.String("step.id", stepID))
	defer func() { endSpan(span, err) }()

	if outcome.State != closing.StepDone && outcome.State != closing.StepError {
		return nil, errors.InvalidInput("state", "outcome must be DONE or ERROR")
	}

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureRunning {
		return nil, invalidState(p, "complete a step of")
	}
	step, ok := p.StepByID(stepID)
	if !ok {
		return nil, errors.NotFound("step", stepID)
	}
	if step.Automatic {
		return nil, errors.Newf(errors.ErrCodeStepNotManual, "step %d (%s) is automatic", step.Sequence, step.Name)
	}
	if step.State == closing.StepDone || step.State == closing.StepRunning {
		return nil, errors.Newf(errors.ErrCodeInvalidState, "step %d is %s", step.Sequence, step.State)
	}
	if !prerequisitesDone(p, step) {
		return nil, errors.Newf(errors.ErrCodeStepNotEligible, "step %d has unmet prerequisites", step.Sequence)
	}

	now := o.now()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.FinishedAt = &now
	step.State = outcome.State
	step.CompletedBy = actingUser
	step.Attempts++
	step.ErrorMessage = ""

	event := &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditStepDone,
		Title:       fmt.Sprintf("Step %d completed manually: %s", step.Sequence, step.Name),
		Detail:      outcome.Message,
		ActingUser:  actingUser,
	}
	if outcome.State == closing.StepError {
		step.ErrorMessage = outcome.Message
		if step.ErrorMessage == "" {
			step.ErrorMessage = "marked as failed by " + actingUser
		}
		event.Kind = closing.AuditStepFailed
		event.Title = fmt.Sprintf("Step %d failed manually: %s", step.Sequence, step.Name)
	}
	if err := o.audit.Record(ctx, event); err != nil {
		return nil, err
	}
	o.updateProgress(p)
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("procedure_id", p.ID).
		Str("step_id", step.ID).
		Str("state", string(step.State)).
		Msg("Manual step completed")

	if step.State == closing.StepError {
		o.notify(ctx, client.EventStepFailed, p, actingUser, map[string]any{
			"step_id": step.ID, "step_name": step.Name, "error": step.ErrorMessage,
		})
	}

	if err := o.advance(ctx, p, actingUser); err != nil {
		return nil, err
	}
	return p, nil
}

// RetryStep resets an automatic step in ERROR and runs it again. Generators
// already posted by an earlier attempt are not posted twice.
func (o *ProcedureOrchestrator) RetryStep(ctx context.Context, procedureID, stepID, actingUser string) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.RetryStep", procedureID, attribute.String("step.id", stepID))
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureRunning {
		return nil, invalidState(p, "retry a step of")
	}
	step, ok := p.StepByID(stepID)
	if !ok {
		return nil, errors.NotFound("step", stepID)
	}
	if !step.Automatic {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"step %d is manual; record its outcome instead of retrying", step.Sequence)
	}
	if step.State != closing.StepError {
		return nil, errors.Newf(errors.ErrCodeInvalidState, "step %d is %s, only failed steps can be retried", step.Sequence, step.State)
	}
	if !prerequisitesDone(p, step) {
		return nil, errors.Newf(errors.ErrCodeStepNotEligible, "step %d has unmet prerequisites", step.Sequence)
	}

	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditStepRetried,
		Title:       fmt.Sprintf("Step %d retried: %s", step.Sequence, step.Name),
		Detail:      step.ErrorMessage,
		ActingUser:  actingUser,
	}); err != nil {
		return nil, err
	}
	step.State = closing.StepPlanned
	step.ErrorMessage = ""

	if err := o.advance(ctx, p, actingUser); err != nil {
		return nil, err
	}
	return p, nil
}

// Resume re-runs automatic steps and the completion decision of a RUNNING
// procedure. It picks up a procedure whose previous run stopped part way,
// for instance on an audit sink outage.
func (o *ProcedureOrchestrator) Resume(ctx context.Context, procedureID, actingUser string) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.Resume", procedureID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureRunning {
		return nil, invalidState(p, "resume")
	}

	o.log.Info().Str("procedure_id", p.ID).Str("user_id", actingUser).Msg("Resuming closing procedure")

	if err := o.advance(ctx, p, actingUser); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveAnomaly marks one anomaly as resolved and re-runs the completion
// decision.
func (o *ProcedureOrchestrator) ResolveAnomaly(ctx context.Context, procedureID, anomalyID, actingUser, comment string) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.ResolveAnomaly", procedureID, attribute.String("anomaly.id", anomalyID))
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureRunning && p.State != closing.ProcedureAwaitingApproval {
		return nil, invalidState(p, "resolve an anomaly of")
	}

	anomaly, step := findAnomaly(p, anomalyID)
	if anomaly == nil {
		return nil, errors.NotFound("anomaly", anomalyID)
	}
	if anomaly.Resolved {
		return nil, errors.Newf(errors.ErrCodeInvalidState, "anomaly %s is already resolved", anomalyID)
	}

	now := o.now()
	anomaly.Resolved = true
	anomaly.ResolvedBy = actingUser
	anomaly.ResolvedAt = &now
	anomaly.ResolutionComment = comment
	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditAnomalyResolved,
		Title:       "Anomaly resolved: " + anomaly.Type,
		Detail:      comment,
		ActingUser:  actingUser,
		Metadata:    map[string]any{"anomaly_id": anomaly.ID, "severity": string(anomaly.Severity)},
	}); err != nil {
		return nil, err
	}

	o.log.Info().Str("procedure_id", p.ID).Str("anomaly_id", anomalyID).Msg("Anomaly resolved")

	if p.State == closing.ProcedureAwaitingApproval {
		if !p.RequiresApproval && (p.AllowCloseWithAnomalies || p.UnresolvedBlockingAnomalies() == 0) {
			if err := o.close(ctx, p, actingUser); err != nil {
				return nil, err
			}
		}
		if err := o.save(ctx, p); err != nil {
			return nil, err
		}
		if p.State == closing.ProcedureClosed {
			o.notify(ctx, client.EventProcedureClosed, p, actingUser, nil)
		}
		return p, nil
	}

	if err := o.advance(ctx, p, actingUser); err != nil {
		return nil, err
	}
	return p, nil
}

// ── Approval ──────────────────────────────────────────────────────────────────

// Approve closes a procedure awaiting approval.
func (o *ProcedureOrchestrator) Approve(ctx context.Context, procedureID, approver, comment string) (*closing.Procedure, error) {
	return o.decide(ctx, procedureID, approver, comment, true)
}

// Reject rejects a procedure awaiting approval. REJECTED is terminal.
func (o *ProcedureOrchestrator) Reject(ctx context.Context, procedureID, approver, comment string) (*closing.Procedure, error) {
	return o.decide(ctx, procedureID, approver, comment, false)
}

func (o *ProcedureOrchestrator) decide(ctx context.Context, procedureID, approver, comment string, approved bool) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.Decide", procedureID, attribute.Bool("approved", approved))
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureAwaitingApproval {
		return nil, invalidState(p, "decide on")
	}

	decision := "REJECTED"
	if approved {
		decision = "APPROVED"
	}
	now := o.now()
	p.ApproverID = approver
	p.ApprovalDecision = decision
	p.ApprovalComment = comment
	p.DecidedAt = &now
	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditApprovalDecided,
		Title:       "Approval decision: " + decision,
		Detail:      comment,
		ActingUser:  approver,
		Metadata:    map[string]any{"decision": decision},
	}); err != nil {
		return nil, err
	}

	if approved {
		if err := o.close(ctx, p, approver); err != nil {
			return nil, err
		}
	} else {
		p.State = closing.ProcedureRejected
		p.FinishedAt = &now
	}
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("procedure_id", p.ID).
		Str("approver_id", approver).
		Str("decision", decision).
		Msg("Approval decision recorded")

	if approved {
		o.notify(ctx, client.EventProcedureClosed, p, approver, nil)
	} else {
		o.notify(ctx, client.EventProcedureRejected, p, approver, map[string]any{"comment": comment})
	}
	return p, nil
}

// ── Termination ───────────────────────────────────────────────────────────────

// Cancel hard-stops a running or awaiting procedure into ERROR. Entries
// already posted stay in the ledger.
func (o *ProcedureOrchestrator) Cancel(ctx context.Context, procedureID, actingUser, reason string) (p *closing.Procedure, err error) {
	ctx, span := o.startSpan(ctx, "closing.Cancel", procedureID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err = o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if p.State != closing.ProcedureRunning && p.State != closing.ProcedureAwaitingApproval {
		return nil, invalidState(p, "cancel")
	}
	if reason == "" {
		reason = "cancelled by " + actingUser
	}

	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditProcedureError,
		Title:       "Procedure cancelled: " + p.Reference,
		Detail:      reason,
		ActingUser:  actingUser,
		Metadata:    map[string]any{"previous_state": string(p.State)},
	}); err != nil {
		return nil, err
	}
	now := o.now()
	p.State = closing.ProcedureError
	p.ErrorMessage = reason
	p.FinishedAt = &now
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	o.log.Warn().Str("procedure_id", p.ID).Str("reason", reason).Msg("Closing procedure cancelled")
	o.notify(ctx, client.EventProcedureError, p, actingUser, map[string]any{"reason": reason})
	return p, nil
}

// Discard deletes a procedure that was never started. Its audit events are
// kept.
func (o *ProcedureOrchestrator) Discard(ctx context.Context, procedureID, actingUser string) (err error) {
	ctx, span := o.startSpan(ctx, "closing.Discard", procedureID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(procedureID)
	defer unlock()

	p, err := o.store.GetByID(ctx, procedureID)
	if err != nil {
		return err
	}
	if p.State != closing.ProcedurePlanned {
		return invalidState(p, "discard")
	}

	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditProcedureDiscarded,
		Title:       "Procedure discarded: " + p.Reference,
		ActingUser:  actingUser,
	}); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, p.ID); err != nil {
		return err
	}

	o.log.Info().Str("procedure_id", p.ID).Str("reference", p.Reference).Msg("Closing procedure discarded")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns the full state of a procedure with its audit trail.
func (o *ProcedureOrchestrator) Get(ctx context.Context, procedureID string) (*ProcedureView, error) {
	p, err := o.store.GetByID(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	trail, err := o.audit.Trail(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	return &ProcedureView{Procedure: p, AuditTrail: trail}, nil
}

// List returns procedure headers matching filter.
func (o *ProcedureOrchestrator) List(ctx context.Context, filter repository.ListFilter) ([]*closing.Procedure, error) {
	return o.store.List(ctx, filter)
}

// ClosureTypes returns the catalog content.
func (o *ProcedureOrchestrator) ClosureTypes() []*closing.ClosureType {
	return o.catalog.List()
}

// ── Advance ───────────────────────────────────────────────────────────────────

// advance runs eligible automatic steps in waves of ascending sequence until
// none is left, then decides whether the procedure is complete. The
// procedure is saved after every step. The run outlives the caller's
// context so a dropped request cannot strand a half-run wave; it is bounded
// by the advance timeout instead.
func (o *ProcedureOrchestrator) advance(ctx context.Context, p *closing.Procedure, actingUser string) error {
	ctx = context.WithoutCancel(ctx)
	if o.advanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.advanceTimeout)
		defer cancel()
	}

	for p.State == closing.ProcedureRunning {
		wave := eligibleAutomaticSteps(p)
		if len(wave) == 0 {
			break
		}
		for _, step := range wave {
			if !prerequisitesDone(p, step) {
				continue
			}
			if err := o.runStep(ctx, p, step, actingUser); err != nil {
				return err
			}
		}
	}

	o.updateProgress(p)
	if p.State == closing.ProcedureRunning && mandatoryStepsDone(p) {
		if err := o.complete(ctx, p, actingUser); err != nil {
			return err
		}
	}
	return o.save(ctx, p)
}

func (o *ProcedureOrchestrator) runStep(ctx context.Context, p *closing.Procedure, step *closing.Step, actingUser string) error {
	ctx, span := o.tracer.Start(ctx, "closing.ExecuteStep", trace.WithAttributes(
		attribute.String("procedure.id", p.ID),
		attribute.String("step.id", step.ID),
		attribute.Int("step.sequence", step.Sequence),
	))
	defer span.End()

	result, err := o.executor.Execute(ctx, p, step, actingUser)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("step.state", string(result.State)))

	o.updateProgress(p)
	if err := o.save(ctx, p); err != nil {
		return err
	}
	if result.State == closing.StepError {
		o.notify(ctx, client.EventStepFailed, p, actingUser, map[string]any{
			"step_id":   step.ID,
			"step_name": step.Name,
			"error":     result.Message,
		})
	}
	return nil
}

// complete applies the completion rule once every mandatory step is DONE.
func (o *ProcedureOrchestrator) complete(ctx context.Context, p *closing.Procedure, actingUser string) error {
	unresolved := p.UnresolvedBlockingAnomalies()
	if p.RequiresApproval || (unresolved > 0 && !p.AllowCloseWithAnomalies) {
		if err := o.audit.Record(ctx, &closing.AuditEvent{
			ProcedureID: p.ID,
			Kind:        closing.AuditApprovalRequested,
			Title:       "Approval requested: " + p.Reference,
			ActingUser:  actingUser,
			Metadata: map[string]any{
				"requires_approval":    p.RequiresApproval,
				"unresolved_anomalies": unresolved,
			},
		}); err != nil {
			return err
		}
		p.State = closing.ProcedureAwaitingApproval

		o.log.Info().
			Str("procedure_id", p.ID).
			Int("unresolved_anomalies", unresolved).
			Msg("Closing procedure awaiting approval")
		o.notify(ctx, client.EventApprovalRequested, p, actingUser, map[string]any{
			"unresolved_anomalies": unresolved,
		})
		return nil
	}

	if err := o.close(ctx, p, actingUser); err != nil {
		return err
	}
	o.notify(ctx, client.EventProcedureClosed, p, actingUser, nil)
	return nil
}

func (o *ProcedureOrchestrator) close(ctx context.Context, p *closing.Procedure, actingUser string) error {
	if err := o.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		Kind:        closing.AuditProcedureClosed,
		Title:       "Procedure closed: " + p.Reference,
		ActingUser:  actingUser,
		Metadata:    map[string]any{"progress": p.Progress},
	}); err != nil {
		return err
	}
	now := o.now()
	p.State = closing.ProcedureClosed
	p.FinishedAt = &now

	o.log.Info().
		Str("procedure_id", p.ID).
		Str("reference", p.Reference).
		Int("progress", p.Progress).
		Msg("Closing procedure closed")
	return nil
}

// updateProgress keeps progress monotonic.
func (o *ProcedureOrchestrator) updateProgress(p *closing.Procedure) {
	if len(p.Steps) == 0 {
		return
	}
	done := 0
	for _, s := range p.Steps {
		if s.State == closing.StepDone {
			done++
		}
	}
	if progress := done * 100 / len(p.Steps); progress > p.Progress {
		p.Progress = progress
	}
}

func (o *ProcedureOrchestrator) save(ctx context.Context, p *closing.Procedure) error {
	p.UpdatedAt = o.now()
	return o.store.Update(ctx, p)
}

func (o *ProcedureOrchestrator) notify(ctx context.Context, eventType string, p *closing.Procedure, actor string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["reference"] = p.Reference
	payload["state"] = string(p.State)
	o.notifier.PublishProcedureEvent(ctx, eventType, p.ID, p.CompanyID, actor, payload)
}

func (o *ProcedureOrchestrator) startSpan(ctx context.Context, name, procedureID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("procedure.id", procedureID))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ── helpers ───────────────────────────────────────────────────────────────────

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func eligibleAutomaticSteps(p *closing.Procedure) []*closing.Step {
	var out []*closing.Step
	for _, s := range p.Steps {
		if s.Automatic && s.State == closing.StepPlanned && prerequisitesDone(p, s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func prerequisitesDone(p *closing.Procedure, s *closing.Step) bool {
	for _, id := range s.Prerequisites {
		dep, ok := p.StepByID(id)
		if !ok || dep.State != closing.StepDone {
			return false
		}
	}
	return true
}

func mandatoryStepsDone(p *closing.Procedure) bool {
	for _, s := range p.Steps {
		if s.Mandatory && s.State != closing.StepDone {
			return false
		}
	}
	return true
}

func findAnomaly(p *closing.Procedure, anomalyID string) (*closing.Anomaly, *closing.Step) {
	for _, s := range p.Steps {
		for _, c := range s.Controls {
			for i := range c.Anomalies {
				if c.Anomalies[i].ID == anomalyID {
					return &c.Anomalies[i], s
				}
			}
		}
	}
	return nil, nil
}

func invalidState(p *closing.Procedure, action string) error {
	return errors.Newf(errors.ErrCodeInvalidState, "cannot %s procedure %s in state %s", action, p.Reference, p.State)
}

func creationKey(req CreateProcedureRequest) string {
	return strings.Join([]string{
		"create", req.CompanyID, req.ClosureType,
		req.Period.Start.Format(time.DateOnly), req.Period.End.Format(time.DateOnly),
	}, "|")
}

// referenceCode builds CLO-<COMPANY>-<TYPE>-<YYYYMMDD>-<4 hex>.
func referenceCode(companyID, closureType string, period closing.Period) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return fmt.Sprintf("CLO-%s-%s-%s-%s",
		strings.ToUpper(companyID), closureType, period.End.Format("20060102"), suffix)
}
