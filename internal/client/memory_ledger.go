package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

// MemoryLedger is an in-process ledger used for local runs and tests. It
// serves both as general ledger and as analytical ledger.
type MemoryLedger struct {
	mu             sync.RWMutex
	classes        map[string]closing.AccountClass
	journals       map[string][]memoryJournal
	reconciliation map[string][]closing.ReconciliationItem
	tax            map[string][]closing.TaxItem
	seq            int
	postErr        error
}

type memoryJournal struct {
	ref       string
	date      time.Time
	narration string
	lines     []closing.EntryDraft
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		classes:        make(map[string]closing.AccountClass),
		journals:       make(map[string][]memoryJournal),
		reconciliation: make(map[string][]closing.ReconciliationItem),
		tax:            make(map[string][]closing.TaxItem),
	}
}

// SetAccountClass declares the class reported for account.
func (l *MemoryLedger) SetAccountClass(account string, class closing.AccountClass) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[account] = class
}

// Record books a journal directly, bypassing PostEntry. The lines are not
// required to balance.
func (l *MemoryLedger) Record(companyID string, date time.Time, narration string, lines ...closing.EntryDraft) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(companyID, date, narration, lines)
}

// SetReconciliation configures sub-ledger balances for companyID.
func (l *MemoryLedger) SetReconciliation(companyID string, items []closing.ReconciliationItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconciliation[companyID] = items
}

// SetTax configures declared tax amounts for companyID.
func (l *MemoryLedger) SetTax(companyID string, items []closing.TaxItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tax[companyID] = items
}

// FailPostingWith makes every subsequent PostEntry fail with err. Pass nil to
// restore normal posting.
func (l *MemoryLedger) FailPostingWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.postErr = err
}

// Posted returns the number of journals booked for companyID.
func (l *MemoryLedger) Posted(companyID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.journals[companyID])
}

func (l *MemoryLedger) GetPeriodTotals(ctx context.Context, companyID string, period closing.Period, filter closing.AccountFilter) (closing.Totals, error) {
	if err := ctx.Err(); err != nil {
		return closing.Totals{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var totals closing.Totals
	for _, j := range l.inPeriodLocked(companyID, period) {
		for _, line := range j.lines {
			if !matches(filter, line.AccountRef) {
				continue
			}
			totals.Debit = totals.Debit.Add(line.Debit)
			totals.Credit = totals.Credit.Add(line.Credit)
		}
	}
	return totals, nil
}

func (l *MemoryLedger) ListAccountBalances(ctx context.Context, companyID string, period closing.Period) ([]closing.AccountBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	byAccount := make(map[string]*closing.AccountBalance)
	for _, j := range l.inPeriodLocked(companyID, period) {
		for _, line := range j.lines {
			b, ok := byAccount[line.AccountRef]
			if !ok {
				b = &closing.AccountBalance{Account: line.AccountRef, Class: l.classes[line.AccountRef]}
				byAccount[line.AccountRef] = b
			}
			b.Debit = b.Debit.Add(line.Debit)
			b.Credit = b.Credit.Add(line.Credit)
		}
	}
	out := make([]closing.AccountBalance, 0, len(byAccount))
	for _, b := range byAccount {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (l *MemoryLedger) ListEntries(ctx context.Context, companyID string, period closing.Period) ([]closing.PostedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	journals := l.inPeriodLocked(companyID, period)
	out := make([]closing.PostedEntry, 0, len(journals))
	for _, j := range journals {
		e := closing.PostedEntry{Ref: j.ref, Date: j.date, Narration: j.narration}
		for _, line := range j.lines {
			e.Debit = e.Debit.Add(line.Debit)
			e.Credit = e.Credit.Add(line.Credit)
		}
		out = append(out, e)
	}
	return out, nil
}

// PostEntry books drafts dated at the period end.
func (l *MemoryLedger) PostEntry(ctx context.Context, companyID string, period closing.Period, drafts []closing.EntryDraft) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.postErr != nil {
		return "", l.postErr
	}
	if len(drafts) == 0 {
		return "", fmt.Errorf("cannot post an empty entry")
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, d := range drafts {
		debit = debit.Add(d.Debit)
		credit = credit.Add(d.Credit)
	}
	if !debit.Equal(credit) {
		return "", fmt.Errorf("entry rejected: debit %s does not equal credit %s", debit, credit)
	}
	return l.appendLocked(companyID, period.End, drafts[0].Narration, drafts), nil
}

func (l *MemoryLedger) ListReconciliationItems(ctx context.Context, companyID string, _ closing.Period) ([]closing.ReconciliationItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]closing.ReconciliationItem(nil), l.reconciliation[companyID]...), nil
}

func (l *MemoryLedger) ListTaxItems(ctx context.Context, companyID string, _ closing.Period) ([]closing.TaxItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]closing.TaxItem(nil), l.tax[companyID]...), nil
}

func (l *MemoryLedger) appendLocked(companyID string, date time.Time, narration string, lines []closing.EntryDraft) string {
	l.seq++
	ref := fmt.Sprintf("MEM-%06d", l.seq)
	l.journals[companyID] = append(l.journals[companyID], memoryJournal{
		ref:       ref,
		date:      date,
		narration: narration,
		lines:     append([]closing.EntryDraft(nil), lines...),
	})
	return ref
}

func (l *MemoryLedger) inPeriodLocked(companyID string, period closing.Period) []memoryJournal {
	var out []memoryJournal
	for _, j := range l.journals[companyID] {
		if j.date.Before(period.Start) || j.date.After(period.End) {
			continue
		}
		out = append(out, j)
	}
	return out
}

func matches(filter closing.AccountFilter, account string) bool {
	if filter.Prefix != "" && !strings.HasPrefix(account, filter.Prefix) {
		return false
	}
	if len(filter.Accounts) == 0 {
		return true
	}
	for _, a := range filter.Accounts {
		if a == account {
			return true
		}
	}
	return false
}
