package closing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

func TestDefaultCatalog_BuiltinsAreValid(t *testing.T) {
	c := closing.NewDefaultCatalog()

	types := c.List()
	require.Len(t, types, 3)
	assert.Equal(t, "ANNUAL_STANDARD", types[0].Code)

	monthly, err := c.Get("MONTHLY_STANDARD")
	require.NoError(t, err)
	assert.False(t, monthly.RequiresApproval)
	assert.Len(t, monthly.Steps, 4)
}

func TestCatalog_RegisterTwiceConflicts(t *testing.T) {
	c := closing.NewDefaultCatalog()
	monthly, err := c.Get("MONTHLY_STANDARD")
	require.NoError(t, err)

	err = c.Register(*monthly)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestCatalog_GetUnknown(t *testing.T) {
	_, err := closing.NewCatalog().Get("NOPE")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

const catalogYAML = `
closure_types:
  - code: MONTHLY_FR
    name: Monthly closing with accruals
    recurrence: MONTHLY
    requires_approval: false
    steps:
      - sequence: 1
        name: Balance check
        kind: CONTROL
        mandatory: true
        automatic: true
        controls:
          - type: BALANCE
            severity: BLOCKING
            tolerance: 0.01
      - sequence: 2
        name: Accruals
        kind: ENTRY
        mandatory: true
        automatic: true
        generators:
          - type: ACCRUAL
            label: Utilities accrual
            accrual:
              lines:
                - expense_account: "606100"
                  accrued_account: "408100"
                  amount: "1250.00"
                  narration: Electricity September
`

func TestCatalog_LoadYAML(t *testing.T) {
	c := closing.NewCatalog()
	require.NoError(t, c.LoadYAML([]byte(catalogYAML)))

	ct, err := c.Get("MONTHLY_FR")
	require.NoError(t, err)
	require.Len(t, ct.Steps, 2)

	balance := ct.Steps[0].Controls[0]
	assert.Equal(t, closing.ControlBalance, balance.Type)
	assert.Equal(t, "0.01", balance.Tolerance.String())

	gen := ct.Steps[1].Generators[0]
	require.NotNil(t, gen.Accrual)
	assert.Equal(t, "1250", gen.Accrual.Lines[0].Amount.String())
	assert.Equal(t, "606100", gen.Accrual.Lines[0].ExpenseAccount)
}

func TestCatalog_LoadYAMLRejectsInvalidBlueprint(t *testing.T) {
	bad := `
closure_types:
  - code: BROKEN
    recurrence: WEEKLY
    steps:
      - sequence: 1
        name: x
        kind: CONTROL
`
	err := closing.NewCatalog().LoadYAML([]byte(bad))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidBlueprint))
}
