//go:build property
// +build property

package entries_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/entries"
)

// Property: every successful Generate returns sum(debit) == sum(credit).
func TestAllocationDraftsBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("allocation drafts always balance", prop.ForAll(
		func(balance int64, split1, split2 int64) bool {
			if split1+split2 > 10_000 {
				return true
			}
			p1 := decimal.New(split1, -2)
			p2 := decimal.New(split2, -2)
			p3 := decimal.NewFromInt(100).Sub(p1).Sub(p2)
			spec := closing.GeneratorSpec{
				Type: closing.GeneratorAllocation,
				Allocation: &closing.AllocationConfig{
					SourceAccount: "630000",
					Targets: []closing.AllocationTarget{
						{Account: "630100", Percent: p1},
						{Account: "630200", Percent: p2},
						{Account: "630300", Percent: p3},
					},
				},
			}
			snap := &closing.Snapshot{
				Period:   september(),
				Accounts: []closing.AccountBalance{{Account: "630000", Debit: decimal.New(balance, -3), Credit: decimal.Zero}},
			}
			drafts, err := entries.Generate(spec, snap)
			if err != nil {
				return false
			}
			debit, credit := entries.Totals(drafts)
			return debit.Equal(credit)
		},
		gen.Int64Range(-10_000_000, 10_000_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 10_000),
	))

	properties.Property("depreciation drafts always balance", prop.ForAll(
		func(cost int64, life int) bool {
			spec := closing.GeneratorSpec{
				Type: closing.GeneratorDepreciation,
				Depreciation: &closing.DepreciationConfig{Assets: []closing.DepreciableAsset{
					{AssetRef: "A", ExpenseAccount: "681100", AccumulatedAccount: "281800",
						Cost: decimal.New(cost, -2), UsefulLifeMonths: life},
				}},
			}
			drafts, err := entries.Generate(spec, &closing.Snapshot{Period: september()})
			if err != nil {
				return false
			}
			debit, credit := entries.Totals(drafts)
			return debit.Equal(credit)
		},
		gen.Int64Range(0, 100_000_000),
		gen.IntRange(1, 480),
	))

	properties.TestingRun(t)
}
