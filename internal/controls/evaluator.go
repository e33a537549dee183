// Package controls evaluates closing controls against an immutable ledger
// snapshot. Evaluation is pure: the same snapshot and spec always produce the
// same result.
package controls

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// Anomaly types reported by the evaluators.
const (
	AnomalyBalanceDiscrepancy   = "BALANCE_DISCREPANCY"
	AnomalyExpenseNetCredit     = "EXPENSE_NET_CREDIT"
	AnomalyRevenueNetDebit      = "REVENUE_NET_DEBIT"
	AnomalyMissingNarration     = "MISSING_NARRATION"
	AnomalyReconciliationGap    = "RECONCILIATION_GAP"
	AnomalyTaxMismatch          = "TAX_MISMATCH"
	AnomalyAnalyticalDifference = "ANALYTICAL_DIFFERENCE"
)

// Result is the outcome of one control evaluation.
type Result struct {
	Conformant    bool
	ObservedValue decimal.Decimal
	Anomalies     []closing.Anomaly
}

type evaluatorFunc func(spec closing.ControlSpec, snap *closing.Snapshot) Result

var evaluators = map[closing.ControlType]evaluatorFunc{
	closing.ControlBalance:        evaluateBalance,
	closing.ControlCoherence:      evaluateCoherence,
	closing.ControlCompleteness:   evaluateCompleteness,
	closing.ControlReconciliation: evaluateReconciliation,
	closing.ControlTax:            evaluateTax,
	closing.ControlAnalytical:     evaluateAnalytical,
}

// Evaluate runs the evaluator registered for spec.Type.
func Evaluate(spec closing.ControlSpec, snap *closing.Snapshot) (Result, error) {
	fn, ok := evaluators[spec.Type]
	if !ok {
		return Result{}, errors.InvalidInput("type", "unknown control type "+string(spec.Type))
	}
	if snap == nil {
		return Result{}, errors.New(errors.ErrCodeInvalidInput, "ledger snapshot is required")
	}
	return fn(spec, snap), nil
}

// Supported reports whether an evaluator exists for t.
func Supported(t closing.ControlType) bool {
	_, ok := evaluators[t]
	return ok
}

func evaluateBalance(spec closing.ControlSpec, snap *closing.Snapshot) Result {
	observed := snap.Totals.Debit.Sub(snap.Totals.Credit).Abs()
	res := Result{ObservedValue: observed, Conformant: observed.LessThanOrEqual(spec.Tolerance)}
	if !res.Conformant {
		res.Anomalies = append(res.Anomalies, closing.Anomaly{
			Type: AnomalyBalanceDiscrepancy,
			Description: fmt.Sprintf("debits %s and credits %s differ by %s (tolerance %s)",
				snap.Totals.Debit.StringFixed(2), snap.Totals.Credit.StringFixed(2),
				observed.StringFixed(2), spec.Tolerance.String()),
			Magnitude: observed,
			Severity:  spec.Severity,
		})
	}
	return res
}

// evaluateCoherence flags accounts whose balance runs against their class.
// Tolerance acts as a materiality floor.
func evaluateCoherence(spec closing.ControlSpec, snap *closing.Snapshot) Result {
	var anomalies []closing.Anomaly
	for _, b := range snap.Accounts {
		net := b.Net()
		switch {
		case b.Class == closing.AccountExpense && net.IsNegative() && net.Abs().GreaterThan(spec.Tolerance):
			anomalies = append(anomalies, closing.Anomaly{
				Type:        AnomalyExpenseNetCredit,
				Description: fmt.Sprintf("expense account %s has a net credit balance of %s", b.Account, net.Abs().StringFixed(2)),
				Magnitude:   net.Abs(),
				Severity:    closing.SeverityWarning,
			})
		case b.Class == closing.AccountRevenue && net.IsPositive() && net.GreaterThan(spec.Tolerance):
			anomalies = append(anomalies, closing.Anomaly{
				Type:        AnomalyRevenueNetDebit,
				Description: fmt.Sprintf("revenue account %s has a net debit balance of %s", b.Account, net.StringFixed(2)),
				Magnitude:   net,
				Severity:    closing.SeverityWarning,
			})
		}
	}
	return Result{
		Conformant:    true,
		ObservedValue: decimal.NewFromInt(int64(len(anomalies))),
		Anomalies:     anomalies,
	}
}

func evaluateCompleteness(_ closing.ControlSpec, snap *closing.Snapshot) Result {
	var anomalies []closing.Anomaly
	for _, e := range snap.Entries {
		if strings.TrimSpace(e.Narration) != "" {
			continue
		}
		anomalies = append(anomalies, closing.Anomaly{
			Type:        AnomalyMissingNarration,
			Description: fmt.Sprintf("entry %s has no narration", e.Ref),
			Magnitude:   decimal.Max(e.Debit, e.Credit),
			Severity:    closing.SeverityWarning,
		})
	}
	return Result{
		Conformant:    true,
		ObservedValue: decimal.NewFromInt(int64(len(anomalies))),
		Anomalies:     anomalies,
	}
}

func evaluateReconciliation(spec closing.ControlSpec, snap *closing.Snapshot) Result {
	if snap.Reconciliation == nil {
		return Result{Conformant: true, ObservedValue: decimal.Zero}
	}
	observed := decimal.Zero
	var anomalies []closing.Anomaly
	for _, item := range snap.Reconciliation {
		gl := decimal.Zero
		if b, ok := snap.Account(item.Account); ok {
			gl = b.Net()
		}
		gap := gl.Sub(item.SubLedgerBalance).Abs()
		observed = decimal.Max(observed, gap)
		if gap.GreaterThan(spec.Tolerance) {
			anomalies = append(anomalies, closing.Anomaly{
				Type: AnomalyReconciliationGap,
				Description: fmt.Sprintf("account %s differs from sub-ledger %s by %s",
					item.Account, item.SubLedger, gap.StringFixed(2)),
				Magnitude: gap,
				Severity:  spec.Severity,
			})
		}
	}
	return Result{Conformant: observed.LessThanOrEqual(spec.Tolerance), ObservedValue: observed, Anomalies: anomalies}
}

func evaluateTax(spec closing.ControlSpec, snap *closing.Snapshot) Result {
	if snap.Tax == nil {
		return Result{Conformant: true, ObservedValue: decimal.Zero}
	}
	observed := decimal.Zero
	var anomalies []closing.Anomaly
	for _, item := range snap.Tax {
		booked := decimal.Zero
		if b, ok := snap.Account(item.Account); ok {
			booked = b.Net().Abs()
		}
		gap := booked.Sub(item.DeclaredAmount).Abs()
		observed = decimal.Max(observed, gap)
		if gap.GreaterThan(spec.Tolerance) {
			anomalies = append(anomalies, closing.Anomaly{
				Type: AnomalyTaxMismatch,
				Description: fmt.Sprintf("%s: account %s books %s but %s was declared",
					item.Jurisdiction, item.Account, booked.StringFixed(2), item.DeclaredAmount.StringFixed(2)),
				Magnitude: gap,
				Severity:  spec.Severity,
			})
		}
	}
	return Result{Conformant: observed.LessThanOrEqual(spec.Tolerance), ObservedValue: observed, Anomalies: anomalies}
}

// evaluateAnalytical compares every account tracked by the analytical ledger
// with its general-ledger balance.
func evaluateAnalytical(spec closing.ControlSpec, snap *closing.Snapshot) Result {
	observed := decimal.Zero
	var anomalies []closing.Anomaly
	for _, a := range snap.Analytical {
		gl := decimal.Zero
		if b, ok := snap.Account(a.Account); ok {
			gl = b.Net()
		}
		diff := gl.Sub(a.Net()).Abs()
		observed = decimal.Max(observed, diff)
		if diff.GreaterThan(spec.Tolerance) {
			anomalies = append(anomalies, closing.Anomaly{
				Type: AnomalyAnalyticalDifference,
				Description: fmt.Sprintf("account %s: general ledger %s, analytical ledger %s",
					a.Account, gl.StringFixed(2), a.Net().StringFixed(2)),
				Magnitude: diff,
				Severity:  closing.SeverityWarning,
			})
		}
	}
	return Result{Conformant: observed.LessThanOrEqual(spec.Tolerance), ObservedValue: observed, Anomalies: anomalies}
}
