package closing

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountClass is the fundamental class of a ledger account.
type AccountClass string

const (
	AccountAsset     AccountClass = "ASSET"
	AccountLiability AccountClass = "LIABILITY"
	AccountEquity    AccountClass = "EQUITY"
	AccountRevenue   AccountClass = "REVENUE"
	AccountExpense   AccountClass = "EXPENSE"
)

// Totals are aggregated debit and credit amounts.
type Totals struct {
	Debit  decimal.Decimal `json:"debit"`
	Credit decimal.Decimal `json:"credit"`
}

// AccountFilter narrows a totals query. An empty filter matches every account.
type AccountFilter struct {
	Accounts []string
	Prefix   string
}

// AccountBalance is one account's period movements.
type AccountBalance struct {
	Account string          `json:"account"`
	Class   AccountClass    `json:"class"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// Net returns debit minus credit.
func (b AccountBalance) Net() decimal.Decimal {
	return b.Debit.Sub(b.Credit)
}

// PostedEntry summarises one posted journal entry.
type PostedEntry struct {
	Ref       string          `json:"ref"`
	Date      time.Time       `json:"date"`
	Narration string          `json:"narration"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

// ReconciliationItem is a sub-ledger balance to reconcile against the
// general-ledger control account.
type ReconciliationItem struct {
	Account          string          `json:"account"`
	SubLedger        string          `json:"sub_ledger"`
	SubLedgerBalance decimal.Decimal `json:"sub_ledger_balance"`
}

// TaxItem is a declared tax amount to compare with a tax account balance.
type TaxItem struct {
	Account        string          `json:"account"`
	Jurisdiction   string          `json:"jurisdiction"`
	DeclaredAmount decimal.Decimal `json:"declared_amount"`
}

// Snapshot is an immutable view of the ledgers for one company and period.
// Reconciliation and Tax are nil when no such source is available.
type Snapshot struct {
	CompanyID      string
	Period         Period
	Totals         Totals
	Accounts       []AccountBalance
	Entries        []PostedEntry
	Analytical     []AccountBalance
	Reconciliation []ReconciliationItem
	Tax            []TaxItem
}

// Account returns the general-ledger balance of account.
func (s *Snapshot) Account(account string) (AccountBalance, bool) {
	for _, b := range s.Accounts {
		if b.Account == account {
			return b, true
		}
	}
	return AccountBalance{}, false
}
