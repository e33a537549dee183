package client

import (
	"context"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

// Ledger is the general-ledger collaborator used to build control snapshots
// and to post generated closing entries.
type Ledger interface {
	GetPeriodTotals(ctx context.Context, companyID string, period closing.Period, filter closing.AccountFilter) (closing.Totals, error)
	ListAccountBalances(ctx context.Context, companyID string, period closing.Period) ([]closing.AccountBalance, error)
	ListEntries(ctx context.Context, companyID string, period closing.Period) ([]closing.PostedEntry, error)
	PostEntry(ctx context.Context, companyID string, period closing.Period, drafts []closing.EntryDraft) (string, error)
}

// AnalyticalLedger is the cost-center ledger. It shares the query contract of
// the general ledger but never receives postings from the closing engine.
type AnalyticalLedger interface {
	GetPeriodTotals(ctx context.Context, companyID string, period closing.Period, filter closing.AccountFilter) (closing.Totals, error)
	ListAccountBalances(ctx context.Context, companyID string, period closing.Period) ([]closing.AccountBalance, error)
}

// ReconciliationSource is implemented by ledgers that expose sub-ledger
// balances. A nil result means no source is configured for the company.
type ReconciliationSource interface {
	ListReconciliationItems(ctx context.Context, companyID string, period closing.Period) ([]closing.ReconciliationItem, error)
}

// TaxSource is implemented by ledgers that expose declared tax amounts.
type TaxSource interface {
	ListTaxItems(ctx context.Context, companyID string, period closing.Period) ([]closing.TaxItem, error)
}
