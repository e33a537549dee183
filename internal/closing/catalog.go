package closing

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// Catalog holds the closure types procedures can be created from. A code can
// only be registered once.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*ClosureType
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]*ClosureType)}
}

// NewDefaultCatalog returns a catalog seeded with the built-in closure types.
func NewDefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, ct := range builtinClosureTypes() {
		if err := c.Register(ct); err != nil {
			panic(fmt.Sprintf("builtin closure type %s: %v", ct.Code, err))
		}
	}
	return c
}

// Register validates and adds a closure type.
func (c *Catalog) Register(ct ClosureType) error {
	if err := ct.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.types[ct.Code]; exists {
		return errors.Newf(errors.ErrCodeConflict, "closure type %s already registered", ct.Code)
	}
	stored := ct
	c.types[ct.Code] = &stored
	return nil
}

// Get returns the closure type with the given code.
func (c *Catalog) Get(code string) (*ClosureType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.types[code]
	if !ok {
		return nil, errors.NotFound("closure_type", code)
	}
	return ct, nil
}

// List returns all closure types ordered by code.
func (c *Catalog) List() []*ClosureType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ClosureType, 0, len(c.types))
	for _, ct := range c.types {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

type catalogFile struct {
	ClosureTypes []ClosureType `json:"closure_types"`
}

// LoadFile registers every closure type declared in a YAML file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read closure types file: %w", err)
	}
	return c.LoadYAML(data)
}

// LoadYAML registers closure types from YAML. The document is decoded
// generically and re-read through the JSON tags so decimal amounts accept
// both numbers and quoted strings.
func (c *Catalog) LoadYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidBlueprint, "parse closure types yaml")
	}
	bridged, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidBlueprint, "convert closure types yaml")
	}
	var file catalogFile
	if err := json.Unmarshal(bridged, &file); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidBlueprint, "decode closure types")
	}
	for _, ct := range file.ClosureTypes {
		if err := c.Register(ct); err != nil {
			return err
		}
	}
	return nil
}

func builtinClosureTypes() []ClosureType {
	cent := decimal.RequireFromString("0.01")
	return []ClosureType{
		{
			Code:       "MONTHLY_STANDARD",
			Name:       "Monthly standard closing",
			Recurrence: RecurrenceMonthly,
			Steps: []StepBlueprint{
				{Sequence: 1, Name: "Trial balance check", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{
						{Type: ControlBalance, Severity: SeverityBlocking, Tolerance: cent},
						{Type: ControlCompleteness, Severity: SeverityWarning},
					}},
				{Sequence: 2, Name: "Account coherence review", Kind: StepKindValidation, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlCoherence, Severity: SeverityWarning}}},
				{Sequence: 3, Name: "Analytical reconciliation", Kind: StepKindControl, Mandatory: false, Automatic: true,
					Controls: []ControlSpec{{Type: ControlAnalytical, Severity: SeverityWarning, Tolerance: decimal.NewFromInt(1)}}},
				{Sequence: 4, Name: "Closing balance check", Kind: StepKindValidation, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlBalance, Severity: SeverityBlocking, Tolerance: cent}}},
			},
		},
		{
			Code:             "QUARTERLY_STANDARD",
			Name:             "Quarterly closing",
			Recurrence:       RecurrenceQuarterly,
			RequiresApproval: true,
			Steps: []StepBlueprint{
				{Sequence: 1, Name: "Trial balance check", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlBalance, Severity: SeverityBlocking, Tolerance: cent}}},
				{Sequence: 2, Name: "Sub-ledger reconciliation", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlReconciliation, Severity: SeverityBlocking, Tolerance: cent}}},
				{Sequence: 3, Name: "Tax position review", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlTax, Severity: SeverityWarning, Tolerance: decimal.NewFromInt(1)}}},
				{Sequence: 4, Name: "Controller sign-off on cut-off", Kind: StepKindValidation, Mandatory: true, Automatic: false},
			},
		},
		{
			Code:             "ANNUAL_STANDARD",
			Name:             "Annual closing",
			Recurrence:       RecurrenceAnnual,
			RequiresApproval: true,
			Steps: []StepBlueprint{
				{Sequence: 1, Name: "Trial balance check", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{
						{Type: ControlBalance, Severity: SeverityBlocking, Tolerance: cent},
						{Type: ControlCoherence, Severity: SeverityWarning},
						{Type: ControlCompleteness, Severity: SeverityWarning},
					}},
				{Sequence: 2, Name: "Inventory count confirmation", Kind: StepKindValidation, Mandatory: true, Automatic: false},
				{Sequence: 3, Name: "Sub-ledger reconciliation", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlReconciliation, Severity: SeverityBlocking, Tolerance: cent}}},
				{Sequence: 4, Name: "Analytical reconciliation", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlAnalytical, Severity: SeverityWarning, Tolerance: decimal.NewFromInt(1)}}},
				{Sequence: 5, Name: "Tax position review", Kind: StepKindControl, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlTax, Severity: SeverityBlocking, Tolerance: cent}}},
				{Sequence: 6, Name: "Closing balance check", Kind: StepKindValidation, Mandatory: true, Automatic: true,
					Controls: []ControlSpec{{Type: ControlBalance, Severity: SeverityBlocking, Tolerance: cent}}},
			},
		},
	}
}
