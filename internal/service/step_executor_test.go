package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-closing/internal/client"
	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
)

// flakyLedger fails the failOn-th posting and delegates everything else.
type flakyLedger struct {
	*client.MemoryLedger
	mu     sync.Mutex
	posts  int
	failOn int
}

func (l *flakyLedger) PostEntry(ctx context.Context, companyID string, period closing.Period, drafts []closing.EntryDraft) (string, error) {
	l.mu.Lock()
	l.posts++
	n := l.posts
	l.mu.Unlock()
	if n == l.failOn {
		return "", stderrors.New("ledger unavailable")
	}
	return l.MemoryLedger.PostEntry(ctx, companyID, period, drafts)
}

// brokenLedger fails every read.
type brokenLedger struct {
	*client.MemoryLedger
}

func (brokenLedger) GetPeriodTotals(context.Context, string, closing.Period, closing.AccountFilter) (closing.Totals, error) {
	return closing.Totals{}, stderrors.New("connection refused")
}

func newExecutor(ledger client.Ledger, analytical client.AnalyticalLedger) (*StepExecutor, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	audit := NewAuditLog(store, logger.Nop())
	return NewStepExecutor(ledger, analytical, audit, logger.Nop()), store
}

func testProcedure() *closing.Procedure {
	return &closing.Procedure{ID: "proc-1", Reference: "CLO-TEST", CompanyID: company, Period: september()}
}

func accrualGenerator(id, label, amount string) *closing.Generator {
	return &closing.Generator{
		ID: id,
		GeneratorSpec: closing.GeneratorSpec{
			Type:  closing.GeneratorAccrual,
			Label: label,
			Accrual: &closing.AccrualConfig{Lines: []closing.AccrualLine{
				{ExpenseAccount: "606100", AccruedAccount: "408100", Amount: dec(amount)},
			}},
		},
	}
}

func entryStep(generators ...*closing.Generator) *closing.Step {
	return &closing.Step{
		ID:         "step-1",
		Sequence:   1,
		Name:       "Accruals",
		Kind:       closing.StepKindEntry,
		Mandatory:  true,
		Automatic:  true,
		State:      closing.StepPlanned,
		Generators: generators,
	}
}

func TestExecute_PostsGeneratedEntries(t *testing.T) {
	ledger := client.NewMemoryLedger()
	executor, store := newExecutor(ledger, nil)
	p := testProcedure()
	step := entryStep(accrualGenerator("g1", "Utilities", "1200"), accrualGenerator("g2", "Audit fees", "800"))

	res, err := executor.Execute(context.Background(), p, step, "alice")
	require.NoError(t, err)

	assert.Equal(t, closing.StepDone, res.State)
	assert.Len(t, res.PostedRefs, 2)
	assert.Equal(t, closing.StepDone, step.State)
	assert.NotNil(t, step.FinishedAt)
	assert.Equal(t, 2, ledger.Posted(company))
	for _, g := range step.Generators {
		assert.NotEmpty(t, g.PostedRef)
		assert.NotNil(t, g.PostedAt)
	}

	totals, err := ledger.GetPeriodTotals(context.Background(), company, p.Period, closing.AccountFilter{Accounts: []string{"606100"}})
	require.NoError(t, err)
	assert.True(t, dec("2000").Equal(totals.Debit))

	events, err := store.ListByProcedure(context.Background(), p.ID)
	require.NoError(t, err)
	kinds := make([]closing.AuditKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []closing.AuditKind{
		closing.AuditStepStarted, closing.AuditEntryPosted, closing.AuditEntryPosted, closing.AuditStepDone,
	}, kinds)
}

func TestExecute_PartialPostingIsNotRepeatedOnRetry(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: client.NewMemoryLedger(), failOn: 2}
	executor, _ := newExecutor(ledger, nil)
	p := testProcedure()
	step := entryStep(accrualGenerator("g1", "Utilities", "1200"), accrualGenerator("g2", "Audit fees", "800"))

	res, err := executor.Execute(context.Background(), p, step, "alice")
	require.NoError(t, err)
	assert.Equal(t, closing.StepError, res.State)
	assert.Contains(t, step.ErrorMessage, "ledger unavailable")
	assert.Contains(t, step.ErrorMessage, "Audit fees")
	firstRef := step.Generators[0].PostedRef
	assert.NotEmpty(t, firstRef)
	assert.Empty(t, step.Generators[1].PostedRef)
	assert.Equal(t, 1, ledger.Posted(company))

	step.State = closing.StepPlanned
	res, err = executor.Execute(context.Background(), p, step, "alice")
	require.NoError(t, err)
	assert.Equal(t, closing.StepDone, res.State)
	assert.Len(t, res.PostedRefs, 1)
	assert.Equal(t, firstRef, step.Generators[0].PostedRef)
	assert.NotEmpty(t, step.Generators[1].PostedRef)
	assert.Equal(t, 2, ledger.Posted(company))
	assert.Equal(t, 2, step.Attempts)
}

func TestExecute_GenerationFailurePostsNothing(t *testing.T) {
	tests := []struct {
		name    string
		spec    closing.GeneratorSpec
		code    errors.Code
		message string
	}{
		{
			name: "salvage above cost",
			spec: closing.GeneratorSpec{
				Type:  closing.GeneratorDepreciation,
				Label: "Fleet",
				Depreciation: &closing.DepreciationConfig{Assets: []closing.DepreciableAsset{{
					AssetRef: "VAN-01", ExpenseAccount: "681100", AccumulatedAccount: "281800",
					Cost: dec("1000"), SalvageValue: dec("5000"), UsefulLifeMonths: 60,
				}}},
			},
			code:    errors.ErrCodeInvalidInput,
			message: "VAN-01",
		},
		{
			name: "negative allocation share",
			spec: closing.GeneratorSpec{
				Type:  closing.GeneratorAllocation,
				Label: "Overhead",
				Allocation: &closing.AllocationConfig{
					SourceAccount: "615000",
					Targets: []closing.AllocationTarget{
						{Account: "630100", Percent: dec("150")},
						{Account: "630200", Percent: dec("-50")},
					},
				},
			},
			code:    errors.ErrCodeInvalidInput,
			message: "630200",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := client.NewMemoryLedger()
			executor, store := newExecutor(ledger, nil)
			step := entryStep(accrualGenerator("g1", "Utilities", "1200"), &closing.Generator{ID: "g2", GeneratorSpec: tt.spec})

			res, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
			require.NoError(t, err)
			assert.Equal(t, closing.StepError, res.State)
			assert.Equal(t, closing.StepError, step.State)
			assert.Contains(t, step.ErrorMessage, tt.spec.Label)
			assert.Contains(t, step.ErrorMessage, string(tt.code))
			assert.Contains(t, step.ErrorMessage, tt.message)
			assert.Equal(t, step.ErrorMessage, res.Message)
			assert.Equal(t, 0, ledger.Posted(company))
			assert.Empty(t, res.PostedRefs)
			for _, g := range step.Generators {
				assert.Empty(t, g.PostedRef)
			}

			trail, err := store.ListByProcedure(context.Background(), "proc-1")
			require.NoError(t, err)
			require.NotEmpty(t, trail)
			last := trail[len(trail)-1]
			assert.Equal(t, closing.AuditStepFailed, last.Kind)
			assert.Contains(t, last.Detail, string(tt.code))
		})
	}
}

func TestExecute_BlockingControlSkipsEntries(t *testing.T) {
	ledger := client.NewMemoryLedger()
	ledger.Record(company, time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC), "broken",
		draft("411000", "100", "0"))
	executor, _ := newExecutor(ledger, nil)
	step := entryStep(accrualGenerator("g1", "Utilities", "1200"))
	step.Controls = []*closing.Control{
		{ID: "c1", ControlSpec: balanceControl("0.01")},
		{ID: "c2", ControlSpec: closing.ControlSpec{Type: closing.ControlCompleteness, Severity: closing.SeverityWarning}},
	}

	res, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
	require.NoError(t, err)

	assert.Equal(t, closing.StepError, res.State)
	assert.Equal(t, 1, ledger.Posted(company), "only the seeded journal")
	assert.True(t, step.Controls[0].Executed)
	assert.True(t, step.Controls[1].Executed, "every control runs before the step is failed")
	assert.NotNil(t, step.Controls[0].ExecutedAt)
}

func TestExecute_WarningAnomaliesDoNotFailStep(t *testing.T) {
	general := client.NewMemoryLedger()
	general.Record(company, time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC), "rent",
		draft("613200", "100", "0"), draft("512000", "0", "100"))
	analytical := client.NewMemoryLedger()
	analytical.Record(company, time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC), "rent by cost center",
		draft("613200", "90", "0"))

	executor, _ := newExecutor(general, analytical)
	step := entryStep()
	step.Controls = []*closing.Control{{
		ID:          "c1",
		ControlSpec: closing.ControlSpec{Type: closing.ControlAnalytical, Severity: closing.SeverityWarning, Tolerance: dec("1")},
	}}

	res, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
	require.NoError(t, err)

	assert.Equal(t, closing.StepDone, res.State)
	assert.Equal(t, 1, res.Anomalies)
	control := step.Controls[0]
	assert.False(t, control.Conformant)
	assert.True(t, dec("10").Equal(control.ObservedValue))
	require.Len(t, control.Anomalies, 1)
	assert.Equal(t, closing.SeverityWarning, control.Anomalies[0].Severity)
}

func TestExecute_ReconciliationSourceThroughResilientLedger(t *testing.T) {
	inner := client.NewMemoryLedger()
	inner.Record(company, time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC), "invoice",
		draft("401000", "0", "500"), draft("607000", "500", "0"))
	inner.SetReconciliation(company, []closing.ReconciliationItem{
		{Account: "401000", SubLedger: "AP", SubLedgerBalance: dec("-450")},
	})
	ledger := client.NewResilientLedger("general-ledger", inner, client.ResilienceConfig{
		CallTimeout:      time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   time.Second,
		ReadAttempts:     1,
	})
	executor, _ := newExecutor(ledger, nil)
	step := entryStep()
	step.Controls = []*closing.Control{{
		ID: "c1",
		ControlSpec: closing.ControlSpec{
			Type: closing.ControlReconciliation, Severity: closing.SeverityBlocking, Tolerance: dec("0.01"),
		},
	}}

	res, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
	require.NoError(t, err)
	assert.Equal(t, closing.StepError, res.State)
	assert.True(t, dec("50").Equal(step.Controls[0].ObservedValue))
	assert.Equal(t, closing.SeverityBlocking, step.Controls[0].Anomalies[0].Severity)
}

func TestExecute_LedgerReadFailureFailsStep(t *testing.T) {
	executor, _ := newExecutor(brokenLedger{client.NewMemoryLedger()}, nil)
	step := entryStep()
	step.Controls = []*closing.Control{{ID: "c1", ControlSpec: balanceControl("0")}}

	res, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
	require.NoError(t, err)
	assert.Equal(t, closing.StepError, res.State)
	assert.Contains(t, step.ErrorMessage, "connection refused")
	assert.False(t, step.Controls[0].Executed)
}

func TestExecute_AuditFailureIsFatal(t *testing.T) {
	ledger := client.NewMemoryLedger()
	executor, store := newExecutor(ledger, nil)
	store.FailAuditWith(stderrors.New("disk full"))
	step := entryStep(accrualGenerator("g1", "Utilities", "1200"))

	_, err := executor.Execute(context.Background(), testProcedure(), step, "alice")
	assert.True(t, errors.HasCode(err, errors.ErrCodeAuditUnavailable))
	assert.Equal(t, 0, ledger.Posted(company))
}

func TestCarryResolutions(t *testing.T) {
	resolvedAt := time.Now()
	previous := []closing.Anomaly{{
		ID: "a1", Type: "BALANCE_DISCREPANCY", Description: "differ by 5.00",
		Resolved: true, ResolvedBy: "carol", ResolvedAt: &resolvedAt,
	}}
	fresh := []closing.Anomaly{
		{Type: "BALANCE_DISCREPANCY", Description: "differ by 5.00"},
		{Type: "BALANCE_DISCREPANCY", Description: "differ by 7.00"},
	}

	out := carryResolutions(previous, fresh)
	require.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].ID)
	assert.True(t, out[0].Resolved)
	assert.NotEmpty(t, out[1].ID)
	assert.NotEqual(t, "a1", out[1].ID)
	assert.False(t, out[1].Resolved)
}
