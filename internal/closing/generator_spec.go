package closing

import (
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// GeneratorSpec configures one automatic entry. Exactly one of the typed
// configs matching Type must be set; Metadata is free-form and never read by
// the engine.
type GeneratorSpec struct {
	Type         GeneratorType       `json:"type"`
	Label        string              `json:"label"`
	Depreciation *DepreciationConfig `json:"depreciation,omitempty"`
	Provision    *ProvisionConfig    `json:"provision,omitempty"`
	Accrual      *AccrualConfig      `json:"accrual,omitempty"`
	Allocation   *AllocationConfig   `json:"allocation,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

// DepreciationConfig lists assets depreciated straight-line.
type DepreciationConfig struct {
	Assets []DepreciableAsset `json:"assets"`
}

// DepreciableAsset is one fixed asset line.
type DepreciableAsset struct {
	AssetRef           string          `json:"asset_ref"`
	ExpenseAccount     string          `json:"expense_account"`
	AccumulatedAccount string          `json:"accumulated_account"`
	Cost               decimal.Decimal `json:"cost"`
	SalvageValue       decimal.Decimal `json:"salvage_value"`
	UsefulLifeMonths   int             `json:"useful_life_months"`
}

// ProvisionConfig computes provisions as a rate applied to a base balance.
type ProvisionConfig struct {
	Lines []ProvisionLine `json:"lines"`
}

// ProvisionLine is one provision computation.
type ProvisionLine struct {
	BaseAccount      string          `json:"base_account"`
	ExpenseAccount   string          `json:"expense_account"`
	ProvisionAccount string          `json:"provision_account"`
	Rate             decimal.Decimal `json:"rate"`
}

// AccrualConfig lists fixed accruals.
type AccrualConfig struct {
	Lines []AccrualLine `json:"lines"`
}

// AccrualLine accrues an expense not yet invoiced.
type AccrualLine struct {
	ExpenseAccount string          `json:"expense_account"`
	AccruedAccount string          `json:"accrued_account"`
	Amount         decimal.Decimal `json:"amount"`
	Narration      string          `json:"narration"`
}

// AllocationConfig spreads a source balance over target accounts.
type AllocationConfig struct {
	SourceAccount string             `json:"source_account"`
	Targets       []AllocationTarget `json:"targets"`
}

// AllocationTarget receives Percent of the source balance.
type AllocationTarget struct {
	Account string          `json:"account"`
	Percent decimal.Decimal `json:"percent"`
}

var hundred = decimal.NewFromInt(100)

// Validate checks the spec carries the config its type needs.
func (g GeneratorSpec) Validate() error {
	switch g.Type {
	case GeneratorDepreciation:
		if g.Depreciation == nil {
			return errors.InvalidInput("depreciation", "depreciation generator requires a depreciation config")
		}
		for _, a := range g.Depreciation.Assets {
			if a.UsefulLifeMonths <= 0 {
				return errors.InvalidInput("useful_life_months", "must be positive for asset "+a.AssetRef)
			}
		}
	case GeneratorProvision:
		if g.Provision == nil {
			return errors.InvalidInput("provision", "provision generator requires a provision config")
		}
	case GeneratorAccrual:
		if g.Accrual == nil {
			return errors.InvalidInput("accrual", "accrual generator requires an accrual config")
		}
	case GeneratorAllocation:
		if g.Allocation == nil {
			return errors.InvalidInput("allocation", "allocation generator requires an allocation config")
		}
		total := decimal.Zero
		for _, t := range g.Allocation.Targets {
			if t.Percent.IsNegative() {
				return errors.InvalidInput("allocation.targets", "target percentage for "+t.Account+" must not be negative")
			}
			total = total.Add(t.Percent)
		}
		if len(g.Allocation.Targets) == 0 || !total.Equal(hundred) {
			return errors.InvalidInput("allocation.targets", "target percentages must sum to 100")
		}
	default:
		return errors.InvalidInput("type", "unknown generator type "+string(g.Type))
	}
	return nil
}

// Validate checks the control spec.
func (c ControlSpec) Validate() error {
	switch c.Type {
	case ControlBalance, ControlCoherence, ControlCompleteness,
		ControlReconciliation, ControlTax, ControlAnalytical:
	default:
		return errors.InvalidInput("type", "unknown control type "+string(c.Type))
	}
	if c.Severity != SeverityBlocking && c.Severity != SeverityWarning {
		return errors.InvalidInput("severity", "must be BLOCKING or WARNING")
	}
	if c.Tolerance.IsNegative() {
		return errors.InvalidInput("tolerance", "must not be negative")
	}
	return nil
}
