package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

func decimalOf(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func line(account, debit, credit string) closing.EntryDraft {
	return closing.EntryDraft{AccountRef: account, Debit: decimalOf(debit), Credit: decimalOf(credit)}
}

func TestMemoryLedger_TotalsAndBalances(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccountClass("601000", closing.AccountExpense)
	p := testPeriod()
	l.Record("ACME", p.Start.AddDate(0, 0, 4), "Supplies", line("601000", "120", "0"), line("401000", "0", "120"))
	l.Record("ACME", p.Start.AddDate(0, 0, -1), "August", line("601000", "999", "0"), line("401000", "0", "999"))
	l.Record("OTHER", p.Start, "Other company", line("601000", "5", "0"), line("401000", "0", "5"))
	ctx := context.Background()

	totals, err := l.GetPeriodTotals(ctx, "ACME", p, closing.AccountFilter{})
	require.NoError(t, err)
	assert.Equal(t, "120", totals.Debit.String())
	assert.Equal(t, "120", totals.Credit.String())

	expenses, err := l.GetPeriodTotals(ctx, "ACME", p, closing.AccountFilter{Prefix: "6"})
	require.NoError(t, err)
	assert.True(t, expenses.Credit.IsZero())

	balances, err := l.ListAccountBalances(ctx, "ACME", p)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "401000", balances[0].Account)
	assert.Equal(t, closing.AccountExpense, balances[1].Class)

	entries, err := l.ListEntries(ctx, "ACME", p)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Supplies", entries[0].Narration)
}

func TestMemoryLedger_PostEntry(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	p := testPeriod()

	ref, err := l.PostEntry(ctx, "ACME", p, []closing.EntryDraft{line("681100", "50", "0"), line("281800", "0", "50")})
	require.NoError(t, err)
	assert.Equal(t, "MEM-000001", ref)
	assert.Equal(t, 1, l.Posted("ACME"))

	_, err = l.PostEntry(ctx, "ACME", p, []closing.EntryDraft{line("681100", "50", "0")})
	assert.Error(t, err)

	l.FailPostingWith(errors.New("ledger locked"))
	_, err = l.PostEntry(ctx, "ACME", p, []closing.EntryDraft{line("681100", "1", "0"), line("281800", "0", "1")})
	assert.EqualError(t, err, "ledger locked")
	assert.Equal(t, 1, l.Posted("ACME"))
}

func TestMemoryLedger_CapabilitySources(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	items, err := l.ListReconciliationItems(ctx, "ACME", testPeriod())
	require.NoError(t, err)
	assert.Nil(t, items)

	l.SetTax("ACME", []closing.TaxItem{{Account: "445710", Jurisdiction: "FR", DeclaredAmount: decimalOf("10")}})
	tax, err := l.ListTaxItems(ctx, "ACME", testPeriod())
	require.NoError(t, err)
	assert.Len(t, tax, 1)
}

func TestMemoryLedger_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := NewMemoryLedger().ListEntries(ctx, "ACME", testPeriod())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
