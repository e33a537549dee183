package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/client"
	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/controls"
	"github.com/pesio-ai/be-gl-closing/internal/entries"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
)

// StepResult summarises one execution of an automatic step.
type StepResult struct {
	State      closing.StepState
	Message    string
	PostedRefs []string
	Anomalies  int
}

// StepExecutor runs one automatic step: controls first, then entry
// generation and posting when no blocking control failed.
type StepExecutor struct {
	ledger     client.Ledger
	analytical client.AnalyticalLedger
	audit      *AuditLog
	log        *logger.Logger
	now        func() time.Time
}

// NewStepExecutor creates a new StepExecutor. analytical may be nil, in which
// case ANALYTICAL controls see no analytical balances.
func NewStepExecutor(ledger client.Ledger, analytical client.AnalyticalLedger, audit *AuditLog, log *logger.Logger) *StepExecutor {
	return &StepExecutor{
		ledger:     ledger,
		analytical: analytical,
		audit:      audit,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute drives step to DONE or ERROR, mutating it in place. Step failures
// are reported through the result; the returned error is reserved for audit
// failures, after which the caller must discard the mutated step.
func (e *StepExecutor) Execute(ctx context.Context, p *closing.Procedure, step *closing.Step, actingUser string) (StepResult, error) {
	started := e.now()
	step.State = closing.StepRunning
	step.StartedAt = &started
	step.FinishedAt = nil
	step.ErrorMessage = ""
	step.Attempts++

	if err := e.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditStepStarted,
		Title:       fmt.Sprintf("Step %d started: %s", step.Sequence, step.Name),
		ActingUser:  actingUser,
		Metadata:    map[string]any{"attempt": step.Attempts},
	}); err != nil {
		return StepResult{}, err
	}

	snap, err := e.snapshot(ctx, p, step)
	if err != nil {
		return e.fail(ctx, p, step, actingUser, StepResult{}, fmt.Sprintf("ledger snapshot failed: %v", err))
	}

	result := StepResult{}
	var blocking []string
	for _, c := range step.Controls {
		failed, err := e.runControl(ctx, p, step, c, snap, actingUser)
		if err != nil {
			return StepResult{}, err
		}
		result.Anomalies += len(c.Anomalies)
		if failed != "" {
			blocking = append(blocking, failed)
		}
	}
	if len(blocking) > 0 {
		return e.fail(ctx, p, step, actingUser, result, "blocking controls failed: "+strings.Join(blocking, "; "))
	}

	refs, message, err := e.postEntries(ctx, p, step, snap, actingUser)
	result.PostedRefs = refs
	if err != nil {
		return StepResult{}, err
	}
	if message != "" {
		return e.fail(ctx, p, step, actingUser, result, message)
	}

	finished := e.now()
	step.State = closing.StepDone
	step.FinishedAt = &finished
	if err := e.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditStepDone,
		Title:       fmt.Sprintf("Step %d done: %s", step.Sequence, step.Name),
		ActingUser:  actingUser,
		Metadata: map[string]any{
			"posted_entries": len(refs),
			"anomalies":      result.Anomalies,
			"duration_ms":    finished.Sub(started).Milliseconds(),
		},
	}); err != nil {
		return StepResult{}, err
	}

	e.log.Info().
		Str("procedure_id", p.ID).
		Str("step_id", step.ID).
		Int("sequence", step.Sequence).
		Int("posted_entries", len(refs)).
		Msg("Step done")

	result.State = closing.StepDone
	return result, nil
}

// runControl evaluates one control and records the outcome. It returns a
// non-empty description when the control is BLOCKING and non-conformant.
func (e *StepExecutor) runControl(ctx context.Context, p *closing.Procedure, step *closing.Step, c *closing.Control, snap *closing.Snapshot, actingUser string) (string, error) {
	begin := e.now()
	res, evalErr := controls.Evaluate(c.ControlSpec, snap)
	executedAt := e.now()

	c.Executed = true
	c.ExecutedAt = &executedAt
	c.DurationMS = executedAt.Sub(begin).Milliseconds()
	if evalErr != nil {
		c.Conformant = false
		c.ObservedValue = decimal.Zero
		c.Anomalies = nil
	} else {
		c.Conformant = res.Conformant
		c.ObservedValue = res.ObservedValue
		c.Anomalies = carryResolutions(c.Anomalies, res.Anomalies)
	}

	kind := closing.AuditControlPassed
	title := fmt.Sprintf("%s control passed", c.Type)
	if !c.Conformant {
		kind = closing.AuditControlFailed
		title = fmt.Sprintf("%s control failed", c.Type)
	}
	detail := ""
	if evalErr != nil {
		detail = evalErr.Error()
	}
	if err := e.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        kind,
		Title:       title,
		Detail:      detail,
		ActingUser:  actingUser,
		Metadata: map[string]any{
			"control_id":     c.ID,
			"severity":       string(c.Severity),
			"tolerance":      c.Tolerance.String(),
			"observed_value": c.ObservedValue.String(),
			"anomalies":      len(c.Anomalies),
		},
	}); err != nil {
		return "", err
	}

	if c.Conformant || c.Severity != closing.SeverityBlocking {
		return "", nil
	}
	if evalErr != nil {
		return fmt.Sprintf("%s: %v", c.Type, evalErr), nil
	}
	return fmt.Sprintf("%s observed %s exceeds tolerance %s", c.Type, c.ObservedValue.String(), c.Tolerance.String()), nil
}

// postEntries generates every unposted generator's drafts before posting any
// of them, so an unbalanced draft stops the step with nothing posted.
// Generators that already carry a PostedRef are skipped.
func (e *StepExecutor) postEntries(ctx context.Context, p *closing.Procedure, step *closing.Step, snap *closing.Snapshot, actingUser string) ([]string, string, error) {
	type pending struct {
		gen    *closing.Generator
		drafts []closing.EntryDraft
	}

	var queue []pending
	for _, g := range step.Generators {
		if g.PostedRef != "" {
			continue
		}
		drafts, err := entries.Generate(g.GeneratorSpec, snap)
		if err != nil {
			return nil, fmt.Sprintf("generator %q [%s]: %v", g.Label, errors.CodeOf(err), err), nil
		}
		if len(drafts) == 0 {
			continue
		}
		queue = append(queue, pending{gen: g, drafts: drafts})
	}

	var refs []string
	for _, item := range queue {
		ref, err := e.ledger.PostEntry(ctx, p.CompanyID, p.Period, item.drafts)
		if err != nil {
			return refs, fmt.Sprintf("posting %q failed: %v", item.gen.Label, err), nil
		}

		postedAt := e.now()
		item.gen.PostedRef = ref
		item.gen.PostedAt = &postedAt
		refs = append(refs, ref)

		debit, _ := entries.Totals(item.drafts)
		if err := e.audit.Record(ctx, &closing.AuditEvent{
			ProcedureID: p.ID,
			StepID:      step.ID,
			Kind:        closing.AuditEntryPosted,
			Title:       fmt.Sprintf("%s entry posted: %s", item.gen.Type, item.gen.Label),
			Detail:      ref,
			ActingUser:  actingUser,
			Metadata: map[string]any{
				"generator_id": item.gen.ID,
				"posted_ref":   ref,
				"lines":        len(item.drafts),
				"amount":       debit.StringFixed(2),
			},
		}); err != nil {
			return refs, "", err
		}
	}
	return refs, "", nil
}

func (e *StepExecutor) fail(ctx context.Context, p *closing.Procedure, step *closing.Step, actingUser string, result StepResult, message string) (StepResult, error) {
	finished := e.now()
	step.State = closing.StepError
	step.FinishedAt = &finished
	step.ErrorMessage = message

	if err := e.audit.Record(ctx, &closing.AuditEvent{
		ProcedureID: p.ID,
		StepID:      step.ID,
		Kind:        closing.AuditStepFailed,
		Title:       fmt.Sprintf("Step %d failed: %s", step.Sequence, step.Name),
		Detail:      message,
		ActingUser:  actingUser,
	}); err != nil {
		return StepResult{}, err
	}

	e.log.Warn().
		Str("procedure_id", p.ID).
		Str("step_id", step.ID).
		Int("sequence", step.Sequence).
		Str("error", message).
		Msg("Step failed")

	result.State = closing.StepError
	result.Message = message
	return result, nil
}

// snapshot reads the ledger views the step's controls and generators need.
func (e *StepExecutor) snapshot(ctx context.Context, p *closing.Procedure, step *closing.Step) (*closing.Snapshot, error) {
	snap := &closing.Snapshot{CompanyID: p.CompanyID, Period: p.Period}
	if len(step.Controls) == 0 && len(step.Generators) == 0 {
		return snap, nil
	}

	var err error
	if snap.Totals, err = e.ledger.GetPeriodTotals(ctx, p.CompanyID, p.Period, closing.AccountFilter{}); err != nil {
		return nil, err
	}
	if snap.Accounts, err = e.ledger.ListAccountBalances(ctx, p.CompanyID, p.Period); err != nil {
		return nil, err
	}
	if snap.Entries, err = e.ledger.ListEntries(ctx, p.CompanyID, p.Period); err != nil {
		return nil, err
	}

	needs := make(map[closing.ControlType]bool, len(step.Controls))
	for _, c := range step.Controls {
		needs[c.Type] = true
	}
	if needs[closing.ControlAnalytical] && e.analytical != nil {
		if snap.Analytical, err = e.analytical.ListAccountBalances(ctx, p.CompanyID, p.Period); err != nil {
			return nil, fmt.Errorf("analytical ledger: %w", err)
		}
	}
	if src, ok := e.ledger.(client.ReconciliationSource); ok && needs[closing.ControlReconciliation] {
		if snap.Reconciliation, err = src.ListReconciliationItems(ctx, p.CompanyID, p.Period); err != nil {
			return nil, fmt.Errorf("reconciliation source: %w", err)
		}
	}
	if src, ok := e.ledger.(client.TaxSource); ok && needs[closing.ControlTax] {
		if snap.Tax, err = src.ListTaxItems(ctx, p.CompanyID, p.Period); err != nil {
			return nil, fmt.Errorf("tax source: %w", err)
		}
	}
	return snap, nil
}

// carryResolutions assigns IDs to fresh anomalies and keeps the resolution of
// an earlier identical finding, so a re-run does not reopen resolved items.
func carryResolutions(previous, fresh []closing.Anomaly) []closing.Anomaly {
	out := make([]closing.Anomaly, len(fresh))
	for i, a := range fresh {
		a.ID = uuid.NewString()
		for _, old := range previous {
			if old.Type == a.Type && old.Description == a.Description {
				a.ID = old.ID
				a.Resolved = old.Resolved
				a.ResolvedBy = old.ResolvedBy
				a.ResolvedAt = old.ResolvedAt
				a.ResolutionComment = old.ResolutionComment
				break
			}
		}
		out[i] = a
	}
	return out
}
