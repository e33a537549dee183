// Package entries computes the draft journal lines of automatic closing
// entries. Generators never post; they only return balanced drafts.
package entries

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

const amountPlaces = 2

type generatorFunc func(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error)

var generators = map[closing.GeneratorType]generatorFunc{
	closing.GeneratorDepreciation: depreciation,
	closing.GeneratorProvision:    provision,
	closing.GeneratorAccrual:      accrual,
	closing.GeneratorAllocation:   allocation,
}

var hundred = decimal.NewFromInt(100)

// Generate returns the draft lines for one generator. The result is either
// balanced or rejected with UNBALANCED_DRAFT.
func Generate(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error) {
	fn, ok := generators[spec.Type]
	if !ok {
		return nil, errors.InvalidInput("type", "unknown generator type "+string(spec.Type))
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "ledger snapshot is required")
	}

	drafts, err := fn(spec, snap)
	if err != nil {
		return nil, err
	}
	drafts = dropZeroLines(drafts)

	debit, credit := Totals(drafts)
	if !debit.Equal(credit) {
		return nil, errors.Newf(errors.ErrCodeUnbalancedDraft,
			"%s draft is unbalanced: debit %s, credit %s", spec.Label, debit.StringFixed(2), credit.StringFixed(2))
	}
	return drafts, nil
}

// Totals sums the debit and credit sides of drafts.
func Totals(drafts []closing.EntryDraft) (debit, credit decimal.Decimal) {
	for _, l := range drafts {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

func depreciation(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error) {
	months := decimal.NewFromInt(int64(snap.Period.Months()))
	var out []closing.EntryDraft
	for _, a := range spec.Depreciation.Assets {
		base := a.Cost.Sub(a.SalvageValue)
		if base.IsNegative() {
			return nil, errors.InvalidInput("salvage_value", "exceeds cost for asset "+a.AssetRef)
		}
		amount := base.Div(decimal.NewFromInt(int64(a.UsefulLifeMonths))).Mul(months).Round(amountPlaces)
		out = append(out, pair(a.ExpenseAccount, a.AccumulatedAccount, amount,
			fmt.Sprintf("Depreciation %s %s", a.AssetRef, periodLabel(snap.Period)))...)
	}
	return out, nil
}

func provision(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error) {
	var out []closing.EntryDraft
	for _, l := range spec.Provision.Lines {
		base := decimal.Zero
		if b, ok := snap.Account(l.BaseAccount); ok {
			base = b.Net().Abs()
		}
		amount := base.Mul(l.Rate).Round(amountPlaces)
		out = append(out, pair(l.ExpenseAccount, l.ProvisionAccount, amount,
			fmt.Sprintf("%s: %s of %s %s", spec.Label, l.Rate.String(), l.BaseAccount, periodLabel(snap.Period)))...)
	}
	return out, nil
}

func accrual(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error) {
	var out []closing.EntryDraft
	for _, l := range spec.Accrual.Lines {
		narration := l.Narration
		if narration == "" {
			narration = fmt.Sprintf("%s %s", spec.Label, periodLabel(snap.Period))
		}
		out = append(out, pair(l.ExpenseAccount, l.AccruedAccount, l.Amount.Round(amountPlaces), narration)...)
	}
	return out, nil
}

// allocation empties the source account into the targets. The last target
// absorbs the rounding remainder so the entry always balances.
func allocation(spec closing.GeneratorSpec, snap *closing.Snapshot) ([]closing.EntryDraft, error) {
	cfg := spec.Allocation
	b, ok := snap.Account(cfg.SourceAccount)
	if !ok || b.Net().IsZero() {
		return nil, nil
	}
	net := b.Net()
	total := net.Abs().Round(amountPlaces)
	narration := fmt.Sprintf("%s: allocation of %s %s", spec.Label, cfg.SourceAccount, periodLabel(snap.Period))

	out := make([]closing.EntryDraft, 0, len(cfg.Targets)+1)
	allocated := decimal.Zero
	for i, t := range cfg.Targets {
		share := total.Mul(t.Percent).Div(hundred).Round(amountPlaces)
		if i == len(cfg.Targets)-1 {
			share = total.Sub(allocated)
		}
		allocated = allocated.Add(share)
		out = append(out, side(t.Account, share, net.IsPositive(), narration))
	}
	out = append(out, side(cfg.SourceAccount, total, !net.IsPositive(), narration))
	return out, nil
}

// pair books amount as a debit on debitAccount against creditAccount,
// swapping sides for negative amounts.
func pair(debitAccount, creditAccount string, amount decimal.Decimal, narration string) []closing.EntryDraft {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		debitAccount, creditAccount = creditAccount, debitAccount
		amount = amount.Neg()
	}
	return []closing.EntryDraft{
		{AccountRef: debitAccount, Debit: amount, Credit: decimal.Zero, Narration: narration},
		{AccountRef: creditAccount, Debit: decimal.Zero, Credit: amount, Narration: narration},
	}
}

func side(account string, amount decimal.Decimal, debit bool, narration string) closing.EntryDraft {
	if debit {
		return closing.EntryDraft{AccountRef: account, Debit: amount, Credit: decimal.Zero, Narration: narration}
	}
	return closing.EntryDraft{AccountRef: account, Debit: decimal.Zero, Credit: amount, Narration: narration}
}

func dropZeroLines(drafts []closing.EntryDraft) []closing.EntryDraft {
	out := drafts[:0]
	for _, l := range drafts {
		if l.Debit.IsZero() && l.Credit.IsZero() {
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func periodLabel(p closing.Period) string {
	return p.End.Format("2006-01")
}
