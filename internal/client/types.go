package client

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// stringField reads an optional string from a decoded Struct.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// decimalField reads an amount sent either as a decimal string or as a
// number. Missing amounts decode as zero.
func decimalField(m map[string]any, key string) (decimal.Decimal, error) {
	switch v := m[key].(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case float64:
		return decimal.RequireFromString(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		return decimal.Zero, fmt.Errorf("%s: unexpected type %T", key, v)
	}
}
