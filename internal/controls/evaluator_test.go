package controls_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/controls"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func spec(t closing.ControlType, sev closing.Severity, tol string) closing.ControlSpec {
	return closing.ControlSpec{Type: t, Severity: sev, Tolerance: d(tol)}
}

func TestBalance(t *testing.T) {
	tests := []struct {
		name       string
		debit      string
		credit     string
		tolerance  string
		conformant bool
		observed   string
	}{
		{"balanced", "1000.00", "1000.00", "0.01", true, "0"},
		{"within tolerance", "1000.01", "1000.00", "0.01", true, "0.01"},
		{"discrepancy", "1005.00", "1000.00", "0.01", false, "5"},
		{"credit heavy", "1000.00", "1005.00", "0.01", false, "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &closing.Snapshot{Totals: closing.Totals{Debit: d(tt.debit), Credit: d(tt.credit)}}

			res, err := controls.Evaluate(spec(closing.ControlBalance, closing.SeverityBlocking, tt.tolerance), snap)
			require.NoError(t, err)
			assert.Equal(t, tt.conformant, res.Conformant)
			assert.True(t, d(tt.observed).Equal(res.ObservedValue), "observed %s", res.ObservedValue)
			if tt.conformant {
				assert.Empty(t, res.Anomalies)
			} else {
				require.Len(t, res.Anomalies, 1)
				assert.Equal(t, closing.SeverityBlocking, res.Anomalies[0].Severity)
				assert.Equal(t, controls.AnomalyBalanceDiscrepancy, res.Anomalies[0].Type)
			}
		})
	}
}

func TestCoherence_FlagsAccountsAgainstTheirClass(t *testing.T) {
	snap := &closing.Snapshot{Accounts: []closing.AccountBalance{
		{Account: "601000", Class: closing.AccountExpense, Debit: d("10"), Credit: d("250")},
		{Account: "701000", Class: closing.AccountRevenue, Debit: d("40"), Credit: d("0")},
		{Account: "602000", Class: closing.AccountExpense, Debit: d("100"), Credit: d("0")},
		{Account: "512000", Class: closing.AccountAsset, Debit: d("0"), Credit: d("900")},
	}}

	res, err := controls.Evaluate(spec(closing.ControlCoherence, closing.SeverityBlocking, "0"), snap)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.True(t, d("2").Equal(res.ObservedValue))
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, controls.AnomalyExpenseNetCredit, res.Anomalies[0].Type)
	assert.True(t, d("240").Equal(res.Anomalies[0].Magnitude))
	assert.Equal(t, controls.AnomalyRevenueNetDebit, res.Anomalies[1].Type)
	for _, a := range res.Anomalies {
		assert.Equal(t, closing.SeverityWarning, a.Severity)
	}
}

func TestCompleteness_CountsEntriesWithoutNarration(t *testing.T) {
	snap := &closing.Snapshot{Entries: []closing.PostedEntry{
		{Ref: "JE-1", Narration: "Rent", Debit: d("100"), Credit: d("100")},
		{Ref: "JE-2", Narration: "  ", Debit: d("50"), Credit: d("50")},
		{Ref: "JE-3", Debit: d("20"), Credit: d("20")},
	}}

	res, err := controls.Evaluate(spec(closing.ControlCompleteness, closing.SeverityWarning, "0"), snap)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.True(t, d("2").Equal(res.ObservedValue))
	require.Len(t, res.Anomalies, 2)
	assert.Contains(t, res.Anomalies[0].Description, "JE-2")
}

func TestReconciliation_WithoutSourceIsConformant(t *testing.T) {
	res, err := controls.Evaluate(spec(closing.ControlReconciliation, closing.SeverityBlocking, "0.01"), &closing.Snapshot{})
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Empty(t, res.Anomalies)
	assert.True(t, res.ObservedValue.IsZero())
}

func TestReconciliation_ComparesSubLedgers(t *testing.T) {
	snap := &closing.Snapshot{
		Accounts: []closing.AccountBalance{
			{Account: "401000", Class: closing.AccountLiability, Debit: d("0"), Credit: d("1200")},
			{Account: "411000", Class: closing.AccountAsset, Debit: d("800"), Credit: d("0")},
		},
		Reconciliation: []closing.ReconciliationItem{
			{Account: "401000", SubLedger: "AP", SubLedgerBalance: d("-1200")},
			{Account: "411000", SubLedger: "AR", SubLedgerBalance: d("750")},
		},
	}

	res, err := controls.Evaluate(spec(closing.ControlReconciliation, closing.SeverityBlocking, "0.01"), snap)
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	assert.True(t, d("50").Equal(res.ObservedValue))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, closing.SeverityBlocking, res.Anomalies[0].Severity)
	assert.Contains(t, res.Anomalies[0].Description, "AR")
}

func TestTax_ComparesDeclaredAmounts(t *testing.T) {
	snap := &closing.Snapshot{
		Accounts: []closing.AccountBalance{
			{Account: "445710", Class: closing.AccountLiability, Debit: d("0"), Credit: d("2000")},
		},
		Tax: []closing.TaxItem{{Account: "445710", Jurisdiction: "FR-VAT", DeclaredAmount: d("2000")}},
	}

	res, err := controls.Evaluate(spec(closing.ControlTax, closing.SeverityWarning, "1"), snap)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Empty(t, res.Anomalies)

	snap.Tax[0].DeclaredAmount = d("1900")
	res, err = controls.Evaluate(spec(closing.ControlTax, closing.SeverityWarning, "1"), snap)
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, closing.SeverityWarning, res.Anomalies[0].Severity)
}

func TestAnalytical_ReportsLargestDiscrepancy(t *testing.T) {
	snap := &closing.Snapshot{
		Accounts: []closing.AccountBalance{
			{Account: "601000", Debit: d("1000"), Credit: d("0")},
			{Account: "602000", Debit: d("500"), Credit: d("0")},
		},
		Analytical: []closing.AccountBalance{
			{Account: "601000", Debit: d("990"), Credit: d("0")},
			{Account: "602000", Debit: d("499.50"), Credit: d("0")},
			{Account: "603000", Debit: d("30"), Credit: d("0")},
		},
	}

	res, err := controls.Evaluate(spec(closing.ControlAnalytical, closing.SeverityBlocking, "1"), snap)
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	assert.True(t, d("30").Equal(res.ObservedValue))
	require.Len(t, res.Anomalies, 2)
	for _, a := range res.Anomalies {
		assert.Equal(t, closing.SeverityWarning, a.Severity)
	}
}

func TestEvaluate_UnknownType(t *testing.T) {
	_, err := controls.Evaluate(closing.ControlSpec{Type: "VIBES"}, &closing.Snapshot{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.False(t, controls.Supported("VIBES"))
	assert.True(t, controls.Supported(closing.ControlTax))
}

func TestEvaluate_IsRepeatable(t *testing.T) {
	snap := &closing.Snapshot{
		Totals: closing.Totals{Debit: d("10"), Credit: d("4")},
		Accounts: []closing.AccountBalance{
			{Account: "701000", Class: closing.AccountRevenue, Debit: d("3"), Credit: d("0")},
		},
	}
	for _, ct := range []closing.ControlType{closing.ControlBalance, closing.ControlCoherence, closing.ControlAnalytical} {
		first, err := controls.Evaluate(spec(ct, closing.SeverityBlocking, "0.5"), snap)
		require.NoError(t, err)
		second, err := controls.Evaluate(spec(ct, closing.SeverityBlocking, "0.5"), snap)
		require.NoError(t, err)
		assert.Equal(t, first, second, string(ct))
	}
}
